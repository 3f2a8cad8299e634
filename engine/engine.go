package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"dictum/ai"
	"dictum/audio"
	"dictum/media"
	"dictum/rewrite"
)

// ErrAlreadyRunning start в состоянии, отличном от idle/stopped/error.
var ErrAlreadyRunning = errors.New("engine is already running")

// Текст-заглушка, когда модель дважды подряд вернула пустой финал
// при подтверждённой речи. Downstream не печатает её как текст.
const FallbackText = "[speech captured]"

// fallbackStreakLimit сколько пустых финалов подряд включают заглушку.
const fallbackStreakLimit = 2

// stopDrainTimeout бюджет на инференс в полёте при остановке.
const stopDrainTimeout = 2 * time.Second

// toggleDebounce окно коалесценции повторных нажатий хоткея.
const toggleDebounce = 50 * time.Millisecond

// lowConfidenceThreshold порог confidence gating (§reliability).
const lowConfidenceThreshold = 0.55

// CaptureSource абстракция источника аудио (C1). Реализуется
// audio.Capture; в тестах подменяется фейком.
type CaptureSource interface {
	ListDevices() ([]audio.DeviceInfo, error)
	Start(deviceName string, sink audio.FrameSink) error
	Stop()
	SampleRate() int
	SetErrorCallback(func(error))
}

// ModelFactory создаёт модель под настройки (профиль модели, EP).
type ModelFactory func(Settings) SpeechModel

// VADFactory создаёт VAD под настройки. Ошибка не фатальна:
// контроллер откатывается на энергетический VAD.
type VADFactory func(Settings) (ai.VAD, error)

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdDeviceError
)

type command struct {
	kind   cmdKind
	device string
	detail string
	reply  chan error
}

// session всё, что живёт от start до stop.
type session struct {
	ring            *audio.Ring
	vad             ai.VAD
	gate            *ai.HysteresisGate
	segmenter       *Segmenter
	worker          *Worker
	pipeline        *Pipeline
	running         atomic.Bool
	finalsScheduled atomic.Uint64
}

// Engine контроллер (C11): публичный фасад движка. start/stop
// сериализуются через очередь команд - гонки быстрых переключений
// хоткея схлопываются в один чистый переход.
type Engine struct {
	capture      CaptureSource
	modelFactory ModelFactory
	vadFactory   VADFactory

	settings *SettingsStore
	rules    *rewrite.RulesStore
	diag     *Diagnostics

	dispatcher *Dispatcher
	tail       *rewrite.TailRewriter

	cmds chan command

	mu           sync.Mutex
	status       EngineStatus
	statusDetail string
	model        SpeechModel
	session      *session

	// Пост-обработка финалов
	emptyFinalStreak int
	pendingRefine    map[string]InferenceResult
	lastPartialText  string
	lastPartialAt    time.Time

	resultCh chan InferenceResult
	postDone chan struct{}

	lastToggle time.Time
	toggleMu   sync.Mutex
}

// NewEngine собирает контроллер и запускает его командный цикл.
func NewEngine(
	capture CaptureSource,
	modelFactory ModelFactory,
	vadFactory VADFactory,
	settings *SettingsStore,
	rules *rewrite.RulesStore,
) *Engine {
	diag := &Diagnostics{}
	e := &Engine{
		capture:       capture,
		modelFactory:  modelFactory,
		vadFactory:    vadFactory,
		settings:      settings,
		rules:         rules,
		diag:          diag,
		dispatcher:    NewDispatcher(diag),
		tail:          rewrite.NewTailRewriter(),
		cmds:          make(chan command, 8),
		status:        StatusIdle,
		pendingRefine: make(map[string]InferenceResult),
		resultCh:      make(chan InferenceResult, 16),
		postDone:      make(chan struct{}),
	}
	capture.SetErrorCallback(func(err error) {
		e.cmds <- command{kind: cmdDeviceError, detail: err.Error()}
	})
	go e.commandLoop()
	go e.postLoop()
	return e
}

// Dispatcher доступ к pub/sub для API слоя.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// Diagnostics доступ к счётчикам (инжектор и персистер дописывают свои).
func (e *Engine) Diagnostics() *Diagnostics { return e.diag }

// Status текущий статус.
func (e *Engine) Status() EngineStatusEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStatusEvent{Status: e.status, Detail: e.statusDetail}
}

// ListDevices аннотированный список входных устройств.
func (e *Engine) ListDevices() ([]audio.DeviceInfo, error) {
	return e.capture.ListDevices()
}

// Start запускает движок; возвращается после статуса listening.
func (e *Engine) Start(deviceName string) error {
	reply := make(chan error, 1)
	e.cmds <- command{kind: cmdStart, device: deviceName, reply: reply}
	return <-reply
}

// Stop останавливает движок; идемпотентен. Открытое высказывание
// флашится перед возвратом.
func (e *Engine) Stop() error {
	reply := make(chan error, 1)
	e.cmds <- command{kind: cmdStop, reply: reply}
	return <-reply
}

// Toggle семантика глобального хоткея: idle/stopped/error -> start,
// иначе stop. Повторы в пределах 50 мс коалесцируются.
func (e *Engine) Toggle() {
	e.toggleMu.Lock()
	now := time.Now()
	if now.Sub(e.lastToggle) < toggleDebounce {
		e.toggleMu.Unlock()
		log.Println("Ignoring duplicate hotkey toggle within debounce window")
		return
	}
	e.lastToggle = now
	e.toggleMu.Unlock()

	status := e.Status().Status
	go func() {
		var err error
		if status == StatusListening || status == StatusWarmingUp {
			err = e.Stop()
		} else {
			err = e.Start(e.settings.Load().PreferredInputDevice)
		}
		if err != nil && !errors.Is(err, ErrAlreadyRunning) {
			log.Printf("Hotkey toggle failed: %v", err)
		}
	}()
}

// ApplySettingsPatch применяет частичное обновление настроек.
// Невалидные значения - синхронная ошибка без смены состояния.
// Смена modelProfile/ortEp на то же значение - no-op без перезагрузки.
func (e *Engine) ApplySettingsPatch(patch json.RawMessage) (Settings, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.settings.Load()
	updated := current
	if err := json.Unmarshal(patch, &updated); err != nil {
		return current, fmt.Errorf("invalid settings payload: %w", err)
	}
	if err := updated.Validate(); err != nil {
		return current, err
	}
	updated.Normalize()

	if RequiresReload(current, updated) {
		// Модель/EP меняются только через перезагрузку сессий: закрываем
		// текущую модель, следующий start пройдёт через warmingup
		if e.model != nil {
			e.model.Close()
			e.model = nil
		}
		if e.status == StatusListening {
			log.Println("Model/EP setting changed while listening: restart required to take effect")
		}
	}

	e.settings.Store(updated)
	return e.settings.Load(), nil
}

// GetSettings текущий снапшот настроек.
func (e *Engine) GetSettings() Settings {
	return e.settings.Load()
}

// SubscribeTranscripts подписка на события транскриптов.
func (e *Engine) SubscribeTranscripts(name string, handler func(TranscriptEvent)) func() {
	return e.dispatcher.SubscribeTranscripts(name, handler)
}

// Close завершает контроллер (для тестов и shutdown).
func (e *Engine) Close() {
	_ = e.Stop()
	close(e.resultCh)
	<-e.postDone
	e.mu.Lock()
	if e.model != nil {
		e.model.Close()
		e.model = nil
	}
	e.mu.Unlock()
}

// ── Командный цикл ──────────────────────────────────────────────────────

func (e *Engine) commandLoop() {
	for cmd := range e.cmds {
		switch cmd.kind {
		case cmdStart:
			err := e.handleStart(cmd.device)
			if cmd.reply != nil {
				cmd.reply <- err
			}
		case cmdStop:
			err := e.handleStop()
			if cmd.reply != nil {
				cmd.reply <- err
			}
		case cmdDeviceError:
			log.Printf("Device stream error: %s", cmd.detail)
			_ = e.handleStop()
			e.setStatus(StatusError, cmd.detail)
			// Ошибки устройства не фатальны: возвращаемся в idle
			e.setStatus(StatusIdle, "")
		}
	}
}

func (e *Engine) handleStart(deviceName string) error {
	e.mu.Lock()
	if e.status == StatusListening || e.status == StatusWarmingUp {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	settings := e.settings.Load()
	model := e.model
	e.mu.Unlock()

	// Модель: создаётся лениво, warmup пропускается если сессии резидентны
	if model == nil {
		model = e.modelFactory(settings)
	}
	if !model.Loaded() {
		e.setStatus(StatusWarmingUp, "")
		if err := model.WarmUp(); err != nil {
			model.Close()
			e.setStatus(StatusError, fmt.Sprintf("model load failed: %v", err))
			return fmt.Errorf("model load failed: %w", err)
		}
	}
	e.mu.Lock()
	e.model = model
	e.mu.Unlock()

	e.diag.Reset()
	e.tail.Reset()
	e.mu.Lock()
	e.emptyFinalStreak = 0
	e.pendingRefine = make(map[string]InferenceResult)
	e.mu.Unlock()

	// Устройство
	if deviceName == "" {
		deviceName = settings.PreferredInputDevice
	}
	ring := audio.NewRing()
	if err := e.capture.Start(deviceName, ring); err != nil {
		e.setStatus(StatusError, err.Error())
		// Ошибки устройства: error -> auto idle
		e.setStatus(StatusIdle, "")
		return err
	}

	// VAD: Silero, с откатом на энергетический
	params := ProfileFor(settings.PerformanceProfile)
	vad, err := e.vadFactory(settings)
	if err != nil {
		log.Printf("Neural VAD unavailable (%v), falling back to energy VAD", err)
		vad = ai.NewEnergyVAD(float32(settings.ActivityNoiseGate) * 4)
	}
	gate := ai.NewHysteresisGate(params.VADEnterThreshold, params.VADExitThreshold, params.VADExitHangMs)

	sess := &session{ring: ring, vad: vad, gate: gate}
	sess.running.Store(true)

	sess.segmenter = NewSegmenter(params, &segmenterSink{engine: e, session: sess})
	sess.worker = NewWorker(model, e.diag, func(res InferenceResult) {
		e.resultCh <- res
	}, sess.segmenter.IsCancelled)

	pipeline, err := NewPipeline(
		ring, e.capture.SampleRate(), vad, gate, sess.segmenter,
		e.dispatcher, e.diag, e.settings, &sess.running, &sess.finalsScheduled,
	)
	if err != nil {
		e.capture.Stop()
		vad.Close()
		e.setStatus(StatusError, err.Error())
		e.setStatus(StatusIdle, "")
		return err
	}
	sess.pipeline = pipeline

	e.mu.Lock()
	e.session = sess
	e.mu.Unlock()

	sess.worker.Start()
	pipeline.Start()

	e.setStatus(StatusListening, "")
	log.Println("Engine started, listening")
	return nil
}

func (e *Engine) handleStop() error {
	e.mu.Lock()
	sess := e.session
	e.session = nil
	e.mu.Unlock()

	if sess == nil {
		// Идемпотентность: stop без сессии просто подтверждает статус
		e.mu.Lock()
		alreadyStopped := e.status == StatusStopped || e.status == StatusIdle
		e.mu.Unlock()
		if !alreadyStopped {
			e.setStatus(StatusStopped, "")
		}
		return nil
	}

	// Порядок важен: захват глушим, пайплайн дорабатывает кольцо и
	// флашит открытое высказывание, затем ждём финальный инференс
	e.capture.Stop()
	sess.running.Store(false)
	sess.pipeline.Wait()

	if !sess.worker.Drain(stopDrainTimeout) {
		log.Println("Inference still in flight at stop deadline, abandoning job")
	}
	sess.worker.Stop()
	sess.vad.Close()

	e.setStatus(StatusStopped, "")
	log.Println("Engine stopped")
	return nil
}

func (e *Engine) setStatus(status EngineStatus, detail string) {
	e.mu.Lock()
	e.status = status
	e.statusDetail = detail
	e.mu.Unlock()
	e.dispatcher.PublishStatus(EngineStatusEvent{Status: status, Detail: detail})
}

// ── Sink сегментера ─────────────────────────────────────────────────────

type segmenterSink struct {
	engine  *Engine
	session *session
}

func (s *segmenterSink) UtteranceOpened(id string) {
	// Подтверждаем listening: клиенты видят, что речь пошла
	s.engine.dispatcher.PublishStatus(EngineStatusEvent{Status: StatusListening})
}

func (s *segmenterSink) SchedulePartial(id string, pcm []float32) {
	settings := s.engine.settings.Load()
	if !s.session.worker.SubmitPartial(InferenceJob{
		UtteranceID: id,
		PCM:         pcm,
		Partial:     true,
		BiasTerms:   settings.PhraseBiasTerms,
	}) {
		log.Printf("Partial job for %s dropped under backpressure", id)
	}
}

func (s *segmenterSink) ScheduleFinal(id string, pcm []float32) {
	settings := s.engine.settings.Load()
	s.session.finalsScheduled.Add(1)
	dumpUtterance(id, pcm)
	s.session.worker.SubmitFinal(InferenceJob{
		UtteranceID: id,
		PCM:         pcm,
		BiasTerms:   settings.PhraseBiasTerms,
	})
}

// dumpUtterance отладочный MP3 дамп высказывания, если задан
// DICTUM_DEBUG_DUMP_DIR.
func dumpUtterance(id string, pcm []float32) {
	dir := os.Getenv("DICTUM_DEBUG_DUMP_DIR")
	if dir == "" || len(pcm) == 0 {
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("utterance-%s.mp3", id))
	if err := media.DumpUtterance(path, pcm, ai.VADSampleRate); err != nil {
		log.Printf("Debug utterance dump failed: %v", err)
	}
}

func (s *segmenterSink) UtteranceCancelled(id string, reason string) {
	log.Printf("Utterance %s cancelled: %s", id, reason)
	status := s.engine.Status()
	s.engine.dispatcher.PublishStatus(EngineStatusEvent{
		Status: status.Status,
		Detail: fmt.Sprintf("utterance cancelled: %s", reason),
	})
}

// ── Пост-обработка результатов инференса (поток C8/C9) ──────────────────

func (e *Engine) postLoop() {
	defer close(e.postDone)
	for res := range e.resultCh {
		if res.Job.Partial {
			e.handlePartialResult(res)
		} else {
			e.handleFinalResult(res)
		}
	}
}

// handlePartialResult публикует сырой partial: скорость важнее правок.
func (e *Engine) handlePartialResult(res InferenceResult) {
	if res.Err != nil {
		return
	}
	text := res.Text
	if text == "" {
		return
	}

	e.mu.Lock()
	e.lastPartialText = text
	e.lastPartialAt = time.Now()
	e.mu.Unlock()

	e.dispatcher.PublishSegments([]TranscriptSegment{{
		ID:         res.Job.UtteranceID,
		Text:       text,
		Kind:       SegmentPartial,
		Confidence: res.Confidence,
	}})
}

// handleFinalResult полный путь финала: постобработка, качество,
// confidence gating, правила, tail rewrite, публикация.
func (e *Engine) handleFinalResult(res InferenceResult) {
	finalizeStart := time.Now()
	defer func() {
		e.diag.Finalize.Record(float64(time.Since(finalizeStart)) / float64(time.Millisecond))
	}()

	id := res.Job.UtteranceID
	segmenterDone := func() {
		e.mu.Lock()
		sess := e.session
		e.mu.Unlock()
		if sess != nil {
			sess.segmenter.CompleteFinal(id)
		}
	}
	defer segmenterDone()

	if res.Err != nil {
		// InferencePersistent: две подряд ошибки - error статус,
		// высказывание отменяется без финала
		e.setStatus(StatusError, fmt.Sprintf("inference failed: %v", res.Err))
		e.setStatus(StatusListening, "")
		return
	}

	settings := e.settings.Load()
	audioSeconds := float32(len(res.Job.PCM)) / float32(ai.VADSampleRate)

	text := ai.PostprocessText(res.Text)
	if text != "" && ai.IsLowQualityText(text, audioSeconds) {
		log.Printf("Dropping low-quality final for %s", id)
		text = ""
	}

	if text == "" {
		e.mu.Lock()
		e.emptyFinalStreak++
		streak := e.emptyFinalStreak
		lastPartial := e.lastPartialText
		lastPartialAt := e.lastPartialAt
		e.mu.Unlock()

		if streak < fallbackStreakLimit {
			return
		}
		// Речь подтверждена, а модель молчит: заглушка либо спасение
		// последним partial'ом
		fallback := FallbackText
		if lastPartial != "" && time.Since(lastPartialAt) <= 10*time.Second &&
			!ai.IsRedactedText(lastPartial) {
			fallback = lastPartial
			log.Println("Using recent partial as rescue for empty final")
		} else {
			e.diag.FallbackStubTyped.Add(1)
		}
		e.dispatcher.PublishStatus(EngineStatusEvent{
			Status: StatusListening,
			Detail: "transcription degraded: model returned empty output",
		})
		e.publishFinal(id, fallback, nil, settings)
		return
	}

	e.mu.Lock()
	e.emptyFinalStreak = 0
	e.mu.Unlock()

	// Confidence gating: низкоуверенный финал один раз пересчитывается
	// при T=0.2; берётся результат с большей уверенностью
	if settings.ReliabilityMode && settings.PostUtteranceRefine && !res.Job.Refine &&
		res.Confidence != nil && *res.Confidence < lowConfidenceThreshold {
		e.mu.Lock()
		sess := e.session
		if sess != nil {
			e.pendingRefine[id] = res
			e.mu.Unlock()
			refineJob := res.Job
			refineJob.Refine = true
			sess.worker.SubmitFinal(refineJob)
			return
		}
		e.mu.Unlock()
	}

	if res.Job.Refine {
		e.mu.Lock()
		original, ok := e.pendingRefine[id]
		delete(e.pendingRefine, id)
		e.mu.Unlock()
		if ok && betterConfidence(original, res) {
			res = original
			text = ai.PostprocessText(res.Text)
		}
	}

	e.publishFinal(id, text, res.Confidence, settings)
}

func betterConfidence(a, b InferenceResult) bool {
	ca := float32(-1)
	cb := float32(-1)
	if a.Confidence != nil {
		ca = *a.Confidence
	}
	if b.Confidence != nil {
		cb = *b.Confidence
	}
	return ca > cb
}

// publishFinal применяет правила и tail rewrite, публикует событие.
func (e *Engine) publishFinal(id, text string, confidence *float32, settings Settings) {
	transformStart := time.Now()
	applied := e.rules.Apply(text)
	e.diag.Transform.Record(float64(time.Since(transformStart)) / float64(time.Millisecond))
	text = applied.Text
	if text == "" {
		return
	}

	e.diag.FinalSegmentsSeen.Add(1)

	outcome := e.tail.Process(id, text, time.Now())
	if outcome.Absorbed {
		// Само-ревизия модели: переписываем id предыдущих финалов,
		// новый id наружу не публикуется
		segments := make([]TranscriptSegment, 0, len(outcome.Superseded))
		for _, sup := range outcome.Superseded {
			segments = append(segments, TranscriptSegment{
				ID:         sup.ID,
				Text:       sup.Text,
				Kind:       SegmentFinal,
				Confidence: confidence,
			})
		}
		e.dispatcher.PublishSegments(segments)
		return
	}

	e.dispatcher.PublishSegments([]TranscriptSegment{{
		ID:         id,
		Text:       text,
		Kind:       SegmentFinal,
		Confidence: confidence,
	}})
}
