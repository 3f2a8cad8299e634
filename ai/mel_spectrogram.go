package ai

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Параметры mel-фронтенда Whisper. Должны совпадать с обучением модели,
// отклонение тихо убивает качество декода.
const (
	MelNFFT    = 400 // окно 25 мс при 16 kHz
	MelHop     = 160 // шаг 10 мс
	MelBinsMax = 201 // NFFT/2 + 1
	MelFrames  = 3000
	// Канонический вход: 30 секунд при 16 kHz
	MelSamples = MelFrames * MelHop
)

// MelProcessor вычисляет log-mel спектрограмму по контракту Whisper:
// Hann 400, hop 160, без pre-emphasis, power-спектр, Slaney mel-фильтры
// 0-8000 Hz, log10 с полом 1e-10, кламп к max-8, нормировка (x+4)/4.
type MelProcessor struct {
	nMels      int
	melFilters [][]float32
	window     []float64
	fft        *fourier.FFT

	frameBuf []float64
}

// NewMelProcessor создаёт процессор на nMels полос (80 для Whisper,
// 128 для large-v3 экспортов).
func NewMelProcessor(nMels int) *MelProcessor {
	return &MelProcessor{
		nMels:      nMels,
		melFilters: buildMelFilters(MelNFFT, VADSampleRate, nMels, 0, 8000),
		window:     buildHannWindow(MelNFFT),
		fft:        fourier.NewFFT(MelNFFT),
		frameBuf:   make([]float64, MelNFFT),
	}
}

// NMels возвращает количество mel-полос.
func (p *MelProcessor) NMels() int { return p.nMels }

// Compute строит спектрограмму [1, nMels, MelFrames] (плоский слайс,
// mel-полосы по строкам). Вход дополняется нулями или усекается до 30 с.
// activeSamples ограничивает FFT-работу реально занятыми фреймами:
// гарантированно нулевые хвостовые фреймы не считаются.
func (p *MelProcessor) Compute(samples []float32, activeSamples int) []float32 {
	padded := make([]float32, MelSamples)
	copy(padded, samples)

	if activeSamples > MelSamples {
		activeSamples = MelSamples
	}
	activeFrames := (activeSamples + MelNFFT + MelHop - 1) / MelHop
	if activeFrames < 1 {
		activeFrames = 1
	}
	if activeFrames > MelFrames {
		activeFrames = MelFrames
	}

	// Отражающий паддинг на половину окна, как в torch.stft(center=True)
	centered := reflectPad(padded, MelNFFT/2)

	mel := make([]float32, p.nMels*MelFrames)

	for frame := 0; frame < activeFrames; frame++ {
		start := frame * MelHop
		for i := 0; i < MelNFFT; i++ {
			p.frameBuf[i] = float64(centered[start+i]) * p.window[i]
		}

		coeffs := p.fft.Coefficients(nil, p.frameBuf)

		for m := 0; m < p.nMels; m++ {
			filters := p.melFilters[m]
			var energy float64
			for k := 0; k < MelBinsMax; k++ {
				if filters[k] == 0 {
					continue
				}
				re := real(coeffs[k])
				im := imag(coeffs[k])
				energy += (re*re + im*im) * float64(filters[k])
			}
			mel[m*MelFrames+frame] = float32(math.Log10(math.Max(energy, 1e-10)))
		}
	}
	// Хвостовые фреймы нулевого сигнала имеют ту же энергию, что и паддинг
	floor := float32(math.Log10(1e-10))
	for m := 0; m < p.nMels; m++ {
		for frame := activeFrames; frame < MelFrames; frame++ {
			mel[m*MelFrames+frame] = floor
		}
	}

	// Динамический диапазон и нормировка Whisper
	maxVal := float32(math.Inf(-1))
	for _, v := range mel {
		if v > maxVal {
			maxVal = v
		}
	}
	lo := maxVal - 8.0
	for i, v := range mel {
		if v < lo {
			v = lo
		}
		mel[i] = (v + 4.0) / 4.0
	}

	return mel
}

// NormalizeRMS подтягивает сигнал к целевому RMS перед фронтендом.
// Усиление ограничено [0.8, 15], чтобы не раздувать шум.
func NormalizeRMS(samples []float32, targetRMS float32) {
	if len(samples) == 0 {
		return
	}
	var sumSq float64
	for _, s := range samples {
		sumSq += float64(s) * float64(s)
	}
	rms := math.Sqrt(sumSq / float64(len(samples)))
	if rms <= 1e-6 {
		return
	}
	gain := float64(targetRMS) / rms
	if gain < 0.8 {
		gain = 0.8
	} else if gain > 15 {
		gain = 15
	}
	if math.Abs(gain-1.0) < 1e-3 {
		return
	}
	for i, s := range samples {
		v := float64(s) * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		samples[i] = float32(v)
	}
}

func reflectPad(samples []float32, pad int) []float32 {
	if pad == 0 || len(samples) == 0 {
		return samples
	}
	out := make([]float32, len(samples)+2*pad)
	for i := -pad; i < len(samples)+pad; i++ {
		out[i+pad] = samples[reflectIndex(i, len(samples))]
	}
	return out
}

func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	max := n - 1
	for i < 0 || i > max {
		if i < 0 {
			i = -i
		} else {
			i = 2*max - i
		}
	}
	return i
}

func buildHannWindow(n int) []float64 {
	window := make([]float64, n)
	for i := 0; i < n; i++ {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	return window
}

// buildMelFilters строит Slaney mel-фильтры (совместимы с librosa/whisper).
func buildMelFilters(nFFT, sampleRate, nMels int, fMin, fMax float64) [][]float32 {
	nFreqs := nFFT/2 + 1

	melMin := hzToMelSlaney(fMin)
	melMax := hzToMelSlaney(fMax)

	hzPts := make([]float64, nMels+2)
	for i := 0; i <= nMels+1; i++ {
		mel := melMin + (melMax-melMin)*float64(i)/float64(nMels+1)
		hzPts[i] = melToHzSlaney(mel)
	}

	fftFreqs := make([]float64, nFreqs)
	for k := 0; k < nFreqs; k++ {
		fftFreqs[k] = float64(k) * float64(sampleRate) / float64(nFFT)
	}

	filters := make([][]float32, nMels)
	for m := 0; m < nMels; m++ {
		lower := hzPts[m]
		center := hzPts[m+1]
		upper := hzPts[m+2]
		downDenom := math.Max(center-lower, 1e-10)
		upDenom := math.Max(upper-center, 1e-10)
		enorm := 2.0 / math.Max(upper-lower, 1e-10)

		row := make([]float32, nFreqs)
		for k, freq := range fftFreqs {
			var w float64
			if freq >= lower && freq <= center {
				w = (freq - lower) / downDenom
			} else if freq > center && freq <= upper {
				w = (upper - freq) / upDenom
			}
			if w > 0 {
				row[k] = float32(w * enorm)
			}
		}
		filters[m] = row
	}
	return filters
}

func hzToMelSlaney(hz float64) float64 {
	const fSp = 200.0 / 3.0
	const minLogHz = 1000.0
	minLogMel := minLogHz / fSp
	logstep := math.Log(6.4) / 27.0
	if hz >= minLogHz {
		return minLogMel + math.Log(hz/minLogHz)/logstep
	}
	return hz / fSp
}

func melToHzSlaney(mel float64) float64 {
	const fSp = 200.0 / 3.0
	const minLogHz = 1000.0
	minLogMel := minLogHz / fSp
	logstep := math.Log(6.4) / 27.0
	if mel >= minLogMel {
		return minLogHz * math.Exp(logstep*(mel-minLogMel))
	}
	return mel * fSp
}
