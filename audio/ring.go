package audio

import (
	"sync/atomic"
)

// RingCapacity ёмкость кольцевого буфера в сэмплах.
// 2^20 = 1 048 576 сэмплов ≈ 65 секунд при 16kHz (минимум по спецификации - 10 секунд).
// Запас защищает длинную диктовку от потерь, пока идёт финальный инференс.
const RingCapacity = 1 << 20

// Ring lock-free SPSC кольцевой буфер для аудио сэмплов.
// Один producer (поток захвата) и один consumer (поток пайплайна).
// Writer двигает только head, reader двигает только tail - блокировки не нужны.
type Ring struct {
	buf  []float32
	mask uint64
	head atomic.Uint64 // позиция записи (только producer)
	tail atomic.Uint64 // позиция чтения (только consumer)
}

// NewRing создаёт буфер ёмкостью RingCapacity сэмплов.
func NewRing() *Ring {
	return newRingWithCapacity(RingCapacity)
}

func newRingWithCapacity(capacity int) *Ring {
	// Ёмкость должна быть степенью двойки для битовой маски
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("ring capacity must be a power of two")
	}
	return &Ring{
		buf:  make([]float32, capacity),
		mask: uint64(capacity - 1),
	}
}

// PushSlice записывает сэмплы, возвращает сколько реально записано.
// Вызывается из аудио callback - не аллоцирует и не блокируется.
func (r *Ring) PushSlice(samples []float32) int {
	head := r.head.Load()
	tail := r.tail.Load()
	free := uint64(len(r.buf)) - (head - tail)
	n := uint64(len(samples))
	if n > free {
		n = free
	}
	for i := uint64(0); i < n; i++ {
		r.buf[(head+i)&r.mask] = samples[i]
	}
	r.head.Store(head + n)
	return int(n)
}

// PopSlice читает до len(out) сэмплов, возвращает сколько прочитано.
func (r *Ring) PopSlice(out []float32) int {
	head := r.head.Load()
	tail := r.tail.Load()
	avail := head - tail
	n := uint64(len(out))
	if n > avail {
		n = avail
	}
	for i := uint64(0); i < n; i++ {
		out[i] = r.buf[(tail+i)&r.mask]
	}
	r.tail.Store(tail + n)
	return int(n)
}

// Len возвращает количество доступных для чтения сэмплов.
func (r *Ring) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Reset сбрасывает буфер (только когда оба потока остановлены).
func (r *Ring) Reset() {
	r.tail.Store(r.head.Load())
}
