// Package ai содержит нейронные компоненты пайплайна: VAD, mel-фронтенд
// и Whisper ONNX движок.
package ai

import "math"

// VADWindowSamples размер окна VAD: 30 мс при 16 kHz, без перекрытия.
const VADWindowSamples = 480

// VADSampleRate частота, на которой работает VAD и весь инференс.
const VADSampleRate = 16000

// VADDecision решение по одному окну.
type VADDecision struct {
	WindowSeq uint64  `json:"windowSeq"`
	IsSpeech  bool    `json:"isSpeech"`
	Score     float32 `json:"score"`
}

// VAD классифицирует окна по вероятности речи.
// Score возвращает сырую вероятность [0,1] для одного окна из 480 сэмплов.
type VAD interface {
	Score(window []float32) (float32, error)
	Reset()
	Close()
}

// EnergyVAD энергетический fallback, когда Silero модель недоступна.
// Порог по RMS; гистерезис добавляется снаружи через HysteresisGate.
type EnergyVAD struct {
	threshold float32
}

// NewEnergyVAD создаёт энергетический VAD с порогом по RMS.
func NewEnergyVAD(threshold float32) *EnergyVAD {
	return &EnergyVAD{threshold: threshold}
}

func (v *EnergyVAD) Score(window []float32) (float32, error) {
	if len(window) == 0 {
		return 0, nil
	}
	var sumSq float64
	for _, s := range window {
		sumSq += float64(s) * float64(s)
	}
	rms := float32(math.Sqrt(sumSq / float64(len(window))))
	// Грубое отображение RMS на псевдовероятность вокруг порога
	if v.threshold <= 0 {
		return 0, nil
	}
	score := rms / (v.threshold * 2)
	if score > 1 {
		score = 1
	}
	return score, nil
}

func (v *EnergyVAD) Reset() {}
func (v *EnergyVAD) Close() {}

// HysteresisGate превращает сырые score в стабильное решение speech/non-speech.
// Вход в речь: score >= enter. Выход: score < exit непрерывно в течение
// exitHangWindows окон. Это гасит дрожание на границах слов.
type HysteresisGate struct {
	enter           float32
	exit            float32
	exitHangWindows int

	inSpeech  bool
	lowStreak int
}

// NewHysteresisGate создаёт гейт. exitHangMs переводится в окна по 30 мс.
func NewHysteresisGate(enter, exit float32, exitHangMs int) *HysteresisGate {
	windows := exitHangMs * VADSampleRate / 1000 / VADWindowSamples
	if windows < 1 {
		windows = 1
	}
	return &HysteresisGate{
		enter:           enter,
		exit:            exit,
		exitHangWindows: windows,
	}
}

// Update принимает score очередного окна и возвращает текущее решение.
func (g *HysteresisGate) Update(score float32) bool {
	if !g.inSpeech {
		if score >= g.enter {
			g.inSpeech = true
			g.lowStreak = 0
		}
		return g.inSpeech
	}

	if score < g.exit {
		g.lowStreak++
		if g.lowStreak >= g.exitHangWindows {
			g.inSpeech = false
			g.lowStreak = 0
		}
	} else {
		g.lowStreak = 0
	}
	return g.inSpeech
}

// InSpeech возвращает текущее состояние без обновления.
func (g *HysteresisGate) InSpeech() bool { return g.inSpeech }

// Reset сбрасывает состояние гейта.
func (g *HysteresisGate) Reset() {
	g.inSpeech = false
	g.lowStreak = 0
}
