package engine

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"dictum/ai"
)

// UtteranceState состояние высказывания. Переходы только вперёд:
// Open -> Closing -> Closed, либо в Cancelled из любого состояния.
type UtteranceState int

const (
	UttOpen UtteranceState = iota
	UttClosing
	UttClosed
	UttCancelled
)

func (s UtteranceState) String() string {
	switch s {
	case UttOpen:
		return "open"
	case UttClosing:
		return "closing"
	case UttClosed:
		return "closed"
	default:
		return "cancelled"
	}
}

// Utterance непрерывный участок речи. PCM принадлежит сегментеру,
// пока высказывание открыто; при закрытии копия уходит в inference.
type Utterance struct {
	ID        string
	PCM       []float32 // 16 kHz mono, монотонно растёт пока Open
	State     UtteranceState
	OpenedSeq uint64 // окно VAD, на котором открылись
}

// SegmenterSink получает события жизненного цикла высказываний.
// Вызовы идут из потока пайплайна.
type SegmenterSink interface {
	// UtteranceOpened новое высказывание открыто (статус listening уже активен)
	UtteranceOpened(id string)
	// SchedulePartial запланировать partial-инференс текущего буфера
	SchedulePartial(id string, pcm []float32)
	// ScheduleFinal запланировать финальный инференс полного буфера
	ScheduleFinal(id string, pcm []float32)
	// UtteranceCancelled высказывание отменено без финала
	UtteranceCancelled(id string, reason string)
}

// Segmenter конечный автомат высказываний (C5). Работает в сэмплах:
// тайминги детерминированы относительно аудио, а не настенных часов.
type Segmenter struct {
	params ProfileParams
	sink   SegmenterSink

	current *Utterance
	// Отслеживание Closing-высказываний до завершения финала.
	// closingMu: CompleteFinal/IsCancelled зовутся из post-потока
	closingMu sync.Mutex
	closing   map[string]*Utterance

	windowSeq uint64

	// Сэмплы тишины подряд с последнего речевого окна
	silenceSamples int
	// Сэмплы с момента последнего partial-инференса
	samplesSincePartial int

	hangoverSamples int
	partialSamples  int
	maxUttSamples   int
}

// NewSegmenter создаёт сегментер под параметры профиля.
func NewSegmenter(params ProfileParams, sink SegmenterSink) *Segmenter {
	return &Segmenter{
		params:          params,
		sink:            sink,
		closing:         make(map[string]*Utterance),
		hangoverSamples: params.SilenceHangoverMs * ai.VADSampleRate / 1000,
		partialSamples:  params.PartialIntervalMs * ai.VADSampleRate / 1000,
		maxUttSamples:   params.MaxUtteranceMs * ai.VADSampleRate / 1000,
	}
}

// HasOpen возвращает true если высказывание открыто.
func (s *Segmenter) HasOpen() bool {
	return s.current != nil
}

// CurrentID возвращает id открытого высказывания или пустую строку.
func (s *Segmenter) CurrentID() string {
	if s.current == nil {
		return ""
	}
	return s.current.ID
}

// ProcessWindow принимает очередное VAD-окно (480 сэмплов) с решением.
func (s *Segmenter) ProcessWindow(samples []float32, isSpeech bool) {
	s.windowSeq++

	if s.current == nil {
		if isSpeech {
			s.open()
			s.appendSamples(samples)
		}
		return
	}

	// Открытое высказывание: сэмплы копятся всегда, включая хвост тишины -
	// Whisper любит немного контекста после речи
	s.appendSamples(samples)

	if isSpeech {
		s.silenceSamples = 0
	} else {
		s.silenceSamples += len(samples)
	}

	switch {
	case len(s.current.PCM) >= s.maxUttSamples:
		log.Printf("Utterance %s reached max length, forcing final", s.current.ID)
		s.closeCurrent()
	case !isSpeech && s.silenceSamples >= s.hangoverSamples:
		s.closeCurrent()
	case isSpeech && s.params.EnablePartials && s.samplesSincePartial >= s.partialSamples:
		if len(s.current.PCM) >= s.params.MinSpeechSamples {
			pcm := make([]float32, len(s.current.PCM))
			copy(pcm, s.current.PCM)
			s.sink.SchedulePartial(s.current.ID, pcm)
		}
		s.samplesSincePartial = 0
	}
}

// ForceStart открывает высказывание без VAD-подтверждения (push-to-talk).
func (s *Segmenter) ForceStart() {
	if s.current == nil {
		s.open()
	}
}

// ForceStop пользовательская остановка: непустой буфер финализируется,
// пустой отменяется. Гарантия: stop никогда не теряет речь молча.
func (s *Segmenter) ForceStop() {
	if s.current == nil {
		return
	}
	if len(s.current.PCM) >= s.params.MinSpeechSamples {
		s.closeCurrent()
		return
	}
	u := s.current
	s.current = nil
	u.State = UttCancelled
	s.sink.UtteranceCancelled(u.ID, "stopped with empty buffer")
}

// Cancel отменяет открытое высказывание при фатальной ошибке.
func (s *Segmenter) Cancel(reason string) {
	if s.current == nil {
		return
	}
	u := s.current
	s.current = nil
	u.State = UttCancelled
	// Учёт по id: IsCancelled сообщает worker'у об отмене
	s.closingMu.Lock()
	s.closing[u.ID] = u
	s.closingMu.Unlock()
	s.sink.UtteranceCancelled(u.ID, reason)
}

// CompleteFinal отмечает завершение финального инференса: Closing -> Closed.
func (s *Segmenter) CompleteFinal(id string) {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	if u, ok := s.closing[id]; ok {
		u.State = UttClosed
		delete(s.closing, id)
	}
}

// IsCancelled возвращает true если высказывание было отменено.
// Используется worker'ом для отбрасывания устаревших задач при dequeue.
func (s *Segmenter) IsCancelled(id string) bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	if u, ok := s.closing[id]; ok {
		return u.State == UttCancelled
	}
	return false
}

func (s *Segmenter) open() {
	s.current = &Utterance{
		ID:        uuid.NewString(),
		PCM:       make([]float32, 0, s.maxUttSamples),
		State:     UttOpen,
		OpenedSeq: s.windowSeq,
	}
	s.silenceSamples = 0
	s.samplesSincePartial = 0
	s.sink.UtteranceOpened(s.current.ID)
}

func (s *Segmenter) appendSamples(samples []float32) {
	s.current.PCM = append(s.current.PCM, samples...)
	s.samplesSincePartial += len(samples)
}

// closeCurrent переводит высказывание в Closing и отдаёт полный буфер
// на финальный инференс. Сегментер сразу готов открыть следующее.
func (s *Segmenter) closeCurrent() {
	u := s.current
	s.current = nil
	u.State = UttClosing
	s.closingMu.Lock()
	s.closing[u.ID] = u
	s.closingMu.Unlock()

	pcm := make([]float32, len(u.PCM))
	copy(pcm, u.PCM)
	s.sink.ScheduleFinal(u.ID, pcm)
}

// RescueFinal спасательный финал по скользящему буферу, когда VAD так и
// не отметил речь, а RMS-активность была. Создаёт Closing-высказывание
// с новым id и сразу отдаёт его на инференс.
func (s *Segmenter) RescueFinal(pcm []float32) string {
	u := &Utterance{
		ID:    uuid.NewString(),
		State: UttClosing,
	}
	s.closingMu.Lock()
	s.closing[u.ID] = u
	s.closingMu.Unlock()

	copied := make([]float32, len(pcm))
	copy(copied, pcm)
	s.sink.ScheduleFinal(u.ID, copied)
	return u.ID
}
