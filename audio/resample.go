package audio

import (
	"fmt"
	"math"
)

// Количество коэффициентов sinc-фильтра на одну фазу.
// 32 отвода дают подавление алиасинга порядка 60 дБ - достаточно для речи.
// Линейная интерполяция здесь не годится: алиасинг ломает Whisper.
const tapsPerPhase = 32

// Resampler полифазный конвертер частоты дискретизации (mono f32).
// Рациональное соотношение L/M с windowed-sinc фильтром низких частот.
// При совпадении частот работает как passthrough без фильтрации.
type Resampler struct {
	inRate  int
	outRate int

	// L фаз по tapsPerPhase коэффициентов; фаза p соответствует
	// дробному смещению p/L между входными сэмплами.
	phases [][]float32
	upL    int
	downM  int

	// Неконсумированный вход. Первые tapsPerPhase-1 позиций - хвост
	// предыдущего вызова (или нулевой преамбул на старте).
	buf     []float32
	readPos int // индекс входного сэмпла, на котором стоит фильтр
	phase   int // текущая фаза [0, upL)
}

// NewResampler создаёт конвертер из inRate в outRate.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: %d -> %d", inRate, outRate)
	}

	r := &Resampler{inRate: inRate, outRate: outRate}
	if inRate == outRate {
		return r, nil
	}

	g := gcd(inRate, outRate)
	r.upL = outRate / g
	r.downM = inRate / g

	// Частота среза - чуть ниже половины меньшей из частот
	cutoff := 0.45
	if outRate < inRate {
		cutoff *= float64(outRate) / float64(inRate)
	}

	r.phases = buildPolyphaseBank(r.upL, cutoff)
	r.buf = make([]float32, tapsPerPhase-1) // нулевой преамбул
	r.readPos = tapsPerPhase - 1
	return r, nil
}

// IsPassthrough возвращает true когда преобразование не требуется.
func (r *Resampler) IsPassthrough() bool {
	return r.inRate == r.outRate
}

// Process конвертирует очередную порцию сэмплов. Вход, которому ещё не
// хватает данных для окна фильтра, сохраняется до следующего вызова.
func (r *Resampler) Process(samples []float32) []float32 {
	if r.IsPassthrough() {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	r.buf = append(r.buf, samples...)

	var out []float32
	for r.readPos < len(r.buf) {
		taps := r.phases[r.phase]
		base := r.readPos - tapsPerPhase + 1
		var acc float32
		for i := 0; i < tapsPerPhase; i++ {
			acc += r.buf[base+i] * taps[i]
		}
		out = append(out, acc)

		// Продвигаем дробную позицию на M/L входных сэмплов
		r.phase += r.downM
		r.readPos += r.phase / r.upL
		r.phase %= r.upL
	}

	// Выбрасываем вход, который больше не попадёт в окно фильтра
	keepFrom := r.readPos - (tapsPerPhase - 1)
	if keepFrom > 0 {
		if keepFrom > len(r.buf) {
			keepFrom = len(r.buf)
		}
		r.buf = append(r.buf[:0], r.buf[keepFrom:]...)
		r.readPos -= keepFrom
	}

	return out
}

func buildPolyphaseBank(upL int, cutoff float64) [][]float32 {
	total := upL * tapsPerPhase
	center := float64(total-1) / 2.0

	// Прототип: windowed sinc (окно Ханна)
	proto := make([]float64, total)
	for i := 0; i < total; i++ {
		x := (float64(i) - center) / float64(upL)
		s := 2 * cutoff * sinc(2*cutoff*x)
		w := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(total-1)))
		proto[i] = s * w
	}

	// Нормируем каждую фазу на единичное усиление DC
	phases := make([][]float32, upL)
	for p := 0; p < upL; p++ {
		taps := make([]float32, tapsPerPhase)
		var sum float64
		for t := 0; t < tapsPerPhase; t++ {
			idx := t*upL + p
			sum += proto[idx]
		}
		scale := 1.0
		if math.Abs(sum) > 1e-12 {
			scale = 1.0 / sum
		}
		for t := 0; t < tapsPerPhase; t++ {
			idx := t*upL + p
			// Обратный порядок: taps[i] умножается на вход base+i
			taps[tapsPerPhase-1-t] = float32(proto[idx] * scale)
		}
		phases[p] = taps
	}
	return phases
}

func sinc(x float64) float64 {
	if math.Abs(x) < 1e-9 {
		return 1.0
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// DownmixMono усредняет каналы interleaved-потока в моно.
func DownmixMono(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(interleaved))
		copy(out, interleaved)
		return out
	}
	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// ApplyGain умножает сэмплы на gain с мягким ограничением в [-1, 1].
func ApplyGain(samples []float32, gain float32) {
	if gain == 1.0 {
		return
	}
	for i, s := range samples {
		v := float64(s) * float64(gain)
		// Мягкий клиппинг вблизи границ вместо жёсткого среза
		if v > 0.95 || v < -0.95 {
			v = math.Tanh(v)
		}
		samples[i] = float32(v)
	}
}

// ChunkStats RMS и пик для диагностики уровня сигнала.
type ChunkStats struct {
	RMS  float32
	Peak float32
}

// ComputeStats вычисляет RMS и пиковую амплитуду.
func ComputeStats(samples []float32) ChunkStats {
	if len(samples) == 0 {
		return ChunkStats{}
	}
	var sumSq float64
	var peak float32
	for _, s := range samples {
		sumSq += float64(s) * float64(s)
		if s > peak {
			peak = s
		} else if -s > peak {
			peak = -s
		}
	}
	return ChunkStats{
		RMS:  float32(math.Sqrt(sumSq / float64(len(samples)))),
		Peak: peak,
	}
}

// CalculateRMS вычисляет RMS сэмплов.
func CalculateRMS(samples []float32) float32 {
	return ComputeStats(samples).RMS
}
