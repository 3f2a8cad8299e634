package engine

import (
	"testing"

	"dictum/ai"
)

type scriptedSink struct {
	opened    []string
	partials  []string
	finals    []string
	finalPCM  [][]float32
	cancelled []string
}

func (s *scriptedSink) UtteranceOpened(id string) { s.opened = append(s.opened, id) }
func (s *scriptedSink) SchedulePartial(id string, pcm []float32) {
	s.partials = append(s.partials, id)
}
func (s *scriptedSink) ScheduleFinal(id string, pcm []float32) {
	s.finals = append(s.finals, id)
	s.finalPCM = append(s.finalPCM, pcm)
}
func (s *scriptedSink) UtteranceCancelled(id string, reason string) {
	s.cancelled = append(s.cancelled, id)
}

func testParams() ProfileParams {
	return ProfileParams{
		SilenceHangoverMs: 700,
		PartialIntervalMs: 600,
		MaxUtteranceMs:    30000,
		MinSpeechSamples:  4000,
		VADEnterThreshold: 0.5,
		VADExitThreshold:  0.35,
		VADExitHangMs:     200,
		EnablePartials:    true,
	}
}

func window() []float32 {
	return make([]float32, ai.VADWindowSamples)
}

func feedSpeech(s *Segmenter, windows int) {
	for i := 0; i < windows; i++ {
		s.ProcessWindow(window(), true)
	}
}

func feedSilence(s *Segmenter, windows int) {
	for i := 0; i < windows; i++ {
		s.ProcessWindow(window(), false)
	}
}

func TestSegmenterOpensOnSpeech(t *testing.T) {
	sink := &scriptedSink{}
	s := NewSegmenter(testParams(), sink)

	feedSilence(s, 10)
	if len(sink.opened) != 0 {
		t.Fatal("silence must not open an utterance")
	}

	feedSpeech(s, 1)
	if len(sink.opened) != 1 {
		t.Fatal("speech window must open an utterance")
	}
	if !s.HasOpen() {
		t.Fatal("segmenter should report open utterance")
	}
}

func TestSegmenterSchedulesPartials(t *testing.T) {
	sink := &scriptedSink{}
	s := NewSegmenter(testParams(), sink)

	// 600 мс = 9600 сэмплов = 20 окон; за 45 окон речи минимум 2 partial'а
	feedSpeech(s, 45)
	if len(sink.partials) < 2 {
		t.Fatalf("partials = %d, want >= 2", len(sink.partials))
	}
	for _, id := range sink.partials {
		if id != sink.opened[0] {
			t.Error("partials must carry the utterance id")
		}
	}
	if len(sink.finals) != 0 {
		t.Fatal("no finals while speech continues")
	}
}

func TestSegmenterClosesOnHangover(t *testing.T) {
	sink := &scriptedSink{}
	s := NewSegmenter(testParams(), sink)

	feedSpeech(s, 20)
	// 700 мс тишины = 11200 сэмплов = 24 окна
	feedSilence(s, 24)

	if len(sink.finals) != 1 {
		t.Fatalf("finals = %d, want 1 after hangover", len(sink.finals))
	}
	if sink.finals[0] != sink.opened[0] {
		t.Error("final id must match opened id")
	}
	if s.HasOpen() {
		t.Error("utterance must be closed after hangover")
	}
	// PCM содержит и речь, и хвост тишины
	wantMin := 20 * ai.VADWindowSamples
	if len(sink.finalPCM[0]) < wantMin {
		t.Errorf("final pcm = %d samples, want >= %d", len(sink.finalPCM[0]), wantMin)
	}
}

func TestSegmenterReopensAfterClose(t *testing.T) {
	sink := &scriptedSink{}
	s := NewSegmenter(testParams(), sink)

	feedSpeech(s, 20)
	feedSilence(s, 24)
	feedSpeech(s, 20)

	if len(sink.opened) != 2 {
		t.Fatalf("opened = %d, want 2", len(sink.opened))
	}
	if sink.opened[0] == sink.opened[1] {
		t.Error("new utterance must get a fresh id")
	}
}

func TestSegmenterForceClosesAtMaxLength(t *testing.T) {
	params := testParams()
	params.MaxUtteranceMs = 1000 // 16000 сэмплов
	sink := &scriptedSink{}
	s := NewSegmenter(params, sink)

	// Непрерывная речь дольше лимита
	feedSpeech(s, 40)

	if len(sink.finals) != 1 {
		t.Fatalf("finals = %d, want forced final at max length", len(sink.finals))
	}
}

func TestSegmenterForceStopFlushesBuffer(t *testing.T) {
	sink := &scriptedSink{}
	s := NewSegmenter(testParams(), sink)

	feedSpeech(s, 20)
	s.ForceStop()

	if len(sink.finals) != 1 {
		t.Fatalf("finals = %d, force stop must flush non-empty buffer", len(sink.finals))
	}
	if len(sink.cancelled) != 0 {
		t.Fatal("non-empty buffer must not cancel")
	}
}

func TestSegmenterForceStopCancelsEmptyBuffer(t *testing.T) {
	params := testParams()
	params.MinSpeechSamples = 100000
	sink := &scriptedSink{}
	s := NewSegmenter(params, sink)

	feedSpeech(s, 2)
	s.ForceStop()

	if len(sink.finals) != 0 {
		t.Fatal("tiny buffer must not emit a final")
	}
	if len(sink.cancelled) != 1 {
		t.Fatal("tiny buffer must cancel with explicit reason")
	}
}

func TestSegmenterCompleteFinalTransitions(t *testing.T) {
	sink := &scriptedSink{}
	s := NewSegmenter(testParams(), sink)

	feedSpeech(s, 20)
	s.ForceStop()
	id := sink.finals[0]

	if s.IsCancelled(id) {
		t.Fatal("closing utterance is not cancelled")
	}
	s.CompleteFinal(id)
	// Повторное завершение безопасно
	s.CompleteFinal(id)
}

func TestSegmenterForceStart(t *testing.T) {
	sink := &scriptedSink{}
	s := NewSegmenter(testParams(), sink)

	s.ForceStart()
	if len(sink.opened) != 1 {
		t.Fatal("force start must open an utterance")
	}
	// Повторный force start не плодит высказывания
	s.ForceStart()
	if len(sink.opened) != 1 {
		t.Fatal("second force start must be a no-op")
	}
}
