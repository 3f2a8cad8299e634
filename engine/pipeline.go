package engine

import (
	"log"
	"sync/atomic"
	"time"

	"dictum/ai"
	"dictum/audio"
)

// drainChunk сколько сэмплов за итерацию выгружается из кольца.
// 960 = 20 мс при 48 kHz.
const drainChunk = 960

// emptySleep пауза при пустом кольце, чтобы не жечь ядро.
const emptySleep = 5 * time.Millisecond

// rescueFactor порог RMS-активности для спасательного финала:
// minSpeechSamples / rescueFactor.
const rescueFactor = 2

// Pipeline поток обработки (C2-C5): выгружает кольцо, ресемплирует в
// 16 kHz, применяет усиление, нарезает VAD-окна и гонит их через
// сегментер. Останавливается по running=false с принудительным флашем.
type Pipeline struct {
	ring      *audio.Ring
	resampler *audio.Resampler
	vad       ai.VAD
	gate      *ai.HysteresisGate
	segmenter *Segmenter

	dispatcher *Dispatcher
	diag       *Diagnostics
	settings   *SettingsStore

	running *atomic.Bool
	done    chan struct{}

	activitySeq uint64
	windowBuf   []float32

	// Скользящий буфер последних сэмплов: источник спасательного
	// инференса, когда VAD не отметил речь при живом RMS
	recentAudio      []float32
	recentCap        int
	rmsActiveSamples int
	// Финалы, реально отданные на инференс в этой сессии
	finalsScheduled *atomic.Uint64
}

// NewPipeline собирает поток обработки. captureRate - нативная частота
// открытого устройства.
func NewPipeline(
	ring *audio.Ring,
	captureRate int,
	vad ai.VAD,
	gate *ai.HysteresisGate,
	segmenter *Segmenter,
	dispatcher *Dispatcher,
	diag *Diagnostics,
	settings *SettingsStore,
	running *atomic.Bool,
	finalsScheduled *atomic.Uint64,
) (*Pipeline, error) {
	resampler, err := audio.NewResampler(captureRate, ai.VADSampleRate)
	if err != nil {
		return nil, err
	}
	if !resampler.IsPassthrough() {
		log.Printf("Resampling enabled: %d -> %d", captureRate, ai.VADSampleRate)
	}

	params := ProfileFor(settings.Load().PerformanceProfile)
	recentCap := params.MaxUtteranceMs * ai.VADSampleRate / 1000

	return &Pipeline{
		ring:            ring,
		resampler:       resampler,
		vad:             vad,
		gate:            gate,
		segmenter:       segmenter,
		dispatcher:      dispatcher,
		diag:            diag,
		settings:        settings,
		running:         running,
		done:            make(chan struct{}),
		recentCap:       recentCap,
		finalsScheduled: finalsScheduled,
	}, nil
}

// Start запускает поток пайплайна.
func (p *Pipeline) Start() {
	go p.run()
}

// Wait блокируется до завершения потока.
func (p *Pipeline) Wait() {
	<-p.done
}

func (p *Pipeline) run() {
	defer close(p.done)
	log.Println("Pipeline started")

	raw := make([]float32, drainChunk)
	params := ProfileFor(p.settings.Load().PerformanceProfile)

	for p.running.Load() {
		n := p.ring.PopSlice(raw)
		if n == 0 {
			time.Sleep(emptySleep)
			continue
		}
		p.diag.FramesIn.Add(uint64(n))

		resampled := p.resampler.Process(raw[:n])
		if len(resampled) == 0 {
			continue
		}
		p.diag.FramesResampled.Add(uint64(len(resampled)))

		p.processChunk(resampled, params)
	}

	// Принудительный флаш: stop не теряет открытое высказывание
	p.segmenter.ForceStop()

	// Спасательный инференс: речи по VAD не было, но RMS-активность
	// устойчивая и финалов сессия не произвела
	rescueThreshold := params.MinSpeechSamples / rescueFactor
	if p.finalsScheduled.Load() == 0 && p.rmsActiveSamples >= rescueThreshold && len(p.recentAudio) > 0 {
		log.Printf("No finals despite sustained RMS activity (%d samples), running rescue inference",
			p.rmsActiveSamples)
		p.segmenter.RescueFinal(p.recentAudio)
	}

	p.vad.Reset()
	p.gate.Reset()

	snap := p.diag.Snapshot()
	log.Printf("Pipeline stopped: frames_in=%d resampled=%d vad_windows=%d vad_speech=%d inference_calls=%d inference_errors=%d segments=%d",
		snap.FramesIn, snap.FramesResampled, snap.VADWindows, snap.VADSpeech,
		snap.InferenceCalls, snap.InferenceErrors, snap.SegmentsEmitted)
}

// processChunk применяет усиление и нарезает 16kHz-поток на VAD-окна.
func (p *Pipeline) processChunk(chunk []float32, params ProfileParams) {
	settings := p.settings.Load()

	// Пользовательское усиление + адаптивный подъём тихих микрофонов
	audio.ApplyGain(chunk, float32(settings.InputGainBoost))
	applyAdaptiveGain(chunk, float32(settings.InputGainBoost))

	stats := audio.ComputeStats(chunk)
	if stats.RMS >= float32(settings.ActivityNoiseGate) {
		p.rmsActiveSamples += len(chunk)
	}
	p.appendRecent(chunk)

	p.windowBuf = append(p.windowBuf, chunk...)
	for len(p.windowBuf) >= ai.VADWindowSamples {
		window := p.windowBuf[:ai.VADWindowSamples]
		p.processWindow(window)
		p.windowBuf = p.windowBuf[:copy(p.windowBuf, p.windowBuf[ai.VADWindowSamples:])]
	}
}

func (p *Pipeline) processWindow(window []float32) {
	p.diag.VADWindows.Add(1)

	score, err := p.vad.Score(window)
	if err != nil {
		log.Printf("VAD inference error: %v", err)
		score = 0
	}
	isSpeech := p.gate.Update(score)
	if isSpeech {
		p.diag.VADSpeech.Add(1)
	}

	rms := audio.CalculateRMS(window)
	p.activitySeq++
	p.dispatcher.PublishActivity(AudioActivityEvent{
		Seq:      p.activitySeq,
		RMS:      rms,
		IsSpeech: isSpeech,
	})

	p.segmenter.ProcessWindow(window, isSpeech)
}

func (p *Pipeline) appendRecent(chunk []float32) {
	if p.recentCap == 0 {
		return
	}
	if len(chunk) >= p.recentCap {
		p.recentAudio = append(p.recentAudio[:0], chunk[len(chunk)-p.recentCap:]...)
		return
	}
	overflow := len(p.recentAudio) + len(chunk) - p.recentCap
	if overflow > 0 {
		p.recentAudio = p.recentAudio[:copy(p.recentAudio, p.recentAudio[overflow:])]
	}
	p.recentAudio = append(p.recentAudio, chunk...)
}

// applyAdaptiveGain подтягивает очень тихий сигнал к рабочей полосе речи,
// чтобы шёпотный микрофон проходил VAD и инференс. Тишину не трогаем.
func applyAdaptiveGain(samples []float32, boost float32) {
	rms := audio.CalculateRMS(samples)
	if rms <= 3e-5 {
		return
	}
	target := 0.02 * boost
	if target < 0.012 {
		target = 0.012
	} else if target > 0.08 {
		target = 0.08
	}
	if rms >= target {
		return
	}
	gain := target / rms
	if gain > 9 {
		gain = 9
	}
	if gain <= 1.03 {
		return
	}
	for i, s := range samples {
		v := s * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		samples[i] = v
	}
}
