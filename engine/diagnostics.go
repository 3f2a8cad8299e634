package engine

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// Diagnostics счётчики по стадиям пайплайна плюс тайминги пост-обработки.
// Счётчики атомарные - инкременты идут из разных потоков.
type Diagnostics struct {
	FramesIn          atomic.Uint64
	FramesResampled   atomic.Uint64
	VADWindows        atomic.Uint64
	VADSpeech         atomic.Uint64
	InferenceCalls    atomic.Uint64
	InferenceErrors   atomic.Uint64
	SegmentsEmitted   atomic.Uint64
	FallbackStubTyped atomic.Uint64
	InjectCalls       atomic.Uint64
	InjectSuccess     atomic.Uint64
	FinalSegmentsSeen atomic.Uint64

	Transform Histogram
	Inject    Histogram
	Persist   Histogram
	Finalize  Histogram
}

// DiagnosticsSnapshot снимок счётчиков для наблюдаемости.
type DiagnosticsSnapshot struct {
	FramesIn          uint64 `json:"framesIn"`
	FramesResampled   uint64 `json:"framesResampled"`
	VADWindows        uint64 `json:"vadWindows"`
	VADSpeech         uint64 `json:"vadSpeech"`
	InferenceCalls    uint64 `json:"inferenceCalls"`
	InferenceErrors   uint64 `json:"inferenceErrors"`
	SegmentsEmitted   uint64 `json:"segmentsEmitted"`
	FallbackStubTyped uint64 `json:"fallbackStubTyped"`
	InjectCalls       uint64 `json:"injectCalls"`
	InjectSuccess     uint64 `json:"injectSuccess"`
	FinalSegmentsSeen uint64 `json:"finalSegmentsSeen"`

	TransformMs HistogramSnapshot `json:"transformMs"`
	InjectMs    HistogramSnapshot `json:"injectMs"`
	PersistMs   HistogramSnapshot `json:"persistMs"`
	FinalizeMs  HistogramSnapshot `json:"finalizeMs"`
}

// Snapshot возвращает согласованный в пределах счётчика снимок.
func (d *Diagnostics) Snapshot() DiagnosticsSnapshot {
	return DiagnosticsSnapshot{
		FramesIn:          d.FramesIn.Load(),
		FramesResampled:   d.FramesResampled.Load(),
		VADWindows:        d.VADWindows.Load(),
		VADSpeech:         d.VADSpeech.Load(),
		InferenceCalls:    d.InferenceCalls.Load(),
		InferenceErrors:   d.InferenceErrors.Load(),
		SegmentsEmitted:   d.SegmentsEmitted.Load(),
		FallbackStubTyped: d.FallbackStubTyped.Load(),
		InjectCalls:       d.InjectCalls.Load(),
		InjectSuccess:     d.InjectSuccess.Load(),
		FinalSegmentsSeen: d.FinalSegmentsSeen.Load(),
		TransformMs:       d.Transform.Snapshot(),
		InjectMs:          d.Inject.Snapshot(),
		PersistMs:         d.Persist.Snapshot(),
		FinalizeMs:        d.Finalize.Snapshot(),
	}
}

// Reset обнуляет счётчики (на старте новой сессии прослушивания).
func (d *Diagnostics) Reset() {
	d.FramesIn.Store(0)
	d.FramesResampled.Store(0)
	d.VADWindows.Store(0)
	d.VADSpeech.Store(0)
	d.InferenceCalls.Store(0)
	d.InferenceErrors.Store(0)
	d.SegmentsEmitted.Store(0)
	d.FallbackStubTyped.Store(0)
	d.InjectCalls.Store(0)
	d.InjectSuccess.Store(0)
	d.FinalSegmentsSeen.Store(0)
	d.Transform.Reset()
	d.Inject.Reset()
	d.Persist.Reset()
	d.Finalize.Reset()
}

// histogramCap максимум хранимых значений; дальше новые значения
// перезаписывают старые по кругу, чтобы память не росла бесконечно.
const histogramCap = 4096

// Histogram тайминговая гистограмма стадии: count, mean, p50/p95/p99, max.
type Histogram struct {
	mu     sync.Mutex
	values []float64
	count  uint64
	sum    float64
	max    float64
}

// HistogramSnapshot агрегаты гистограммы в миллисекундах.
type HistogramSnapshot struct {
	Count uint64  `json:"count"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Max   float64 `json:"max"`
}

// Record добавляет измерение в миллисекундах.
func (h *Histogram) Record(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += ms
	if ms > h.max {
		h.max = ms
	}
	if len(h.values) < histogramCap {
		h.values = append(h.values, ms)
	} else {
		// Перезапись по кругу: позиция count % histogramCap
		h.values[int(h.count)%histogramCap] = ms
	}
}

// Snapshot считает перцентили по накопленным значениям.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HistogramSnapshot{Count: h.count, Max: h.max}
	if h.count > 0 {
		snap.Mean = h.sum / float64(h.count)
	}
	if len(h.values) == 0 {
		return snap
	}
	sorted := append([]float64(nil), h.values...)
	sort.Float64s(sorted)
	snap.P50 = percentile(sorted, 0.50)
	snap.P95 = percentile(sorted, 0.95)
	snap.P99 = percentile(sorted, 0.99)
	return snap
}

// Reset обнуляет гистограмму.
func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values = h.values[:0]
	h.count = 0
	h.sum = 0
	h.max = 0
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
