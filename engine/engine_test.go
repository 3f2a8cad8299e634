package engine

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"dictum/ai"
	"dictum/audio"
	"dictum/rewrite"
)

// fakeCapture источник аудио для тестов: сэмплы подаются вручную.
type fakeCapture struct {
	mu      sync.Mutex
	sink    audio.FrameSink
	running bool
	errCb   func(error)
}

func (c *fakeCapture) ListDevices() ([]audio.DeviceInfo, error) {
	return []audio.DeviceInfo{{Name: "Test Microphone", IsDefault: true, IsRecommended: true}}, nil
}

func (c *fakeCapture) Start(deviceName string, sink audio.FrameSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
	c.running = true
	return nil
}

func (c *fakeCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

func (c *fakeCapture) SampleRate() int { return ai.VADSampleRate }

func (c *fakeCapture) SetErrorCallback(cb func(error)) { c.errCb = cb }

// Feed подаёт сэмплы в кольцо, как это делал бы аудио callback.
func (c *fakeCapture) Feed(samples []float32) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink.PushSlice(samples)
	}
}

// ringEmpty true когда пайплайн выгреб всё поданное аудио.
func (c *fakeCapture) ringEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ring, ok := c.sink.(*audio.Ring)
	return !ok || ring.Len() == 0
}

func loudSamples(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 0.5
		} else {
			out[i] = -0.5
		}
	}
	return out
}

type engineFixture struct {
	engine  *Engine
	capture *fakeCapture
	model   *scriptedModel

	mu     sync.Mutex
	events []TranscriptEvent
}

func newEngineFixture(t *testing.T, modelText string) *engineFixture {
	t.Helper()

	capture := &fakeCapture{}
	model := &scriptedModel{text: modelText}
	settings := NewSettingsStore(DefaultSettings())
	rules := rewrite.NewRulesStore(rewrite.Rules{})

	f := &engineFixture{capture: capture, model: model}
	f.engine = NewEngine(
		capture,
		func(Settings) SpeechModel { return model },
		func(Settings) (ai.VAD, error) { return nil, errors.New("no silero model in tests") },
		settings,
		rules,
	)
	f.engine.SubscribeTranscripts("test", func(ev TranscriptEvent) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	})
	t.Cleanup(func() { _ = f.engine.Stop() })
	return f
}

func (f *engineFixture) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *engineFixture) segments(kind SegmentKind) []TranscriptSegment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TranscriptSegment
	for _, ev := range f.events {
		for _, seg := range ev.Segments {
			if seg.Kind == kind {
				out = append(out, seg)
			}
		}
	}
	return out
}

func TestEngineSilenceProducesNoTranscripts(t *testing.T) {
	f := newEngineFixture(t, "should never appear")

	if err := f.engine.Start(""); err != nil {
		t.Fatal(err)
	}
	if f.engine.Status().Status != StatusListening {
		t.Fatalf("status = %v", f.engine.Status().Status)
	}

	// 2 секунды тишины порциями по 20 мс
	for i := 0; i < 100; i++ {
		f.capture.Feed(make([]float32, 320))
	}
	waitFor(t, 2*time.Second, func() bool {
		return f.engine.Diagnostics().VADWindows.Load() > 50
	})

	if f.eventCount() != 0 {
		t.Fatalf("silence produced %d transcript events", f.eventCount())
	}
	if got := f.engine.Diagnostics().VADSpeech.Load(); got != 0 {
		t.Fatalf("vad_speech = %d, want 0", got)
	}
	if f.engine.Status().Status != StatusListening {
		t.Fatal("status must stay listening on silence")
	}
}

func TestEngineSpeechEmitsPartialThenFinal(t *testing.T) {
	f := newEngineFixture(t, "hello world")

	if err := f.engine.Start(""); err != nil {
		t.Fatal(err)
	}

	// ~1.2 секунды речи: достаточно для partial (600 мс) и флаша на stop
	f.capture.Feed(loudSamples(ai.VADSampleRate * 12 / 10))
	waitFor(t, 3*time.Second, func() bool {
		return f.engine.Diagnostics().VADSpeech.Load() > 30
	})
	waitFor(t, 3*time.Second, func() bool {
		return len(f.segments(SegmentPartial)) >= 1
	})

	if err := f.engine.Stop(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return len(f.segments(SegmentFinal)) == 1
	})

	finals := f.segments(SegmentFinal)
	if finals[0].Text != "Hello world" {
		t.Errorf("final text = %q, want %q", finals[0].Text, "Hello world")
	}
	if finals[0].Confidence == nil || *finals[0].Confidence <= 0.6 {
		t.Errorf("confidence = %v, want > 0.6", finals[0].Confidence)
	}

	partials := f.segments(SegmentPartial)
	if partials[0].ID != finals[0].ID {
		t.Error("partial and final must share the utterance id")
	}
	if f.engine.Status().Status != StatusStopped {
		t.Fatalf("status after stop = %v", f.engine.Status().Status)
	}
}

func TestEngineStartIsExclusive(t *testing.T) {
	f := newEngineFixture(t, "x")

	if err := f.engine.Start(""); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Start(""); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start = %v, want ErrAlreadyRunning", err)
	}
}

func TestEngineStopIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, "x")

	if err := f.engine.Stop(); err != nil {
		t.Fatalf("stop before start = %v", err)
	}
	if err := f.engine.Start(""); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Stop(); err != nil {
		t.Fatalf("double stop = %v", err)
	}
}

func TestEngineSeqStrictlyIncreasingAcrossUtterances(t *testing.T) {
	f := newEngineFixture(t, "testing one two three")

	if err := f.engine.Start(""); err != nil {
		t.Fatal(err)
	}
	f.capture.Feed(loudSamples(ai.VADSampleRate))
	waitFor(t, 3*time.Second, func() bool {
		return len(f.segments(SegmentPartial)) >= 1
	})
	if err := f.engine.Stop(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return len(f.segments(SegmentFinal)) >= 1
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 1; i < len(f.events); i++ {
		if f.events[i].Seq <= f.events[i-1].Seq {
			t.Fatalf("seq not increasing: %d then %d", f.events[i-1].Seq, f.events[i].Seq)
		}
	}
}

func TestEngineForceFlushOnStop(t *testing.T) {
	f := newEngineFixture(t, "testing one")

	if err := f.engine.Start(""); err != nil {
		t.Fatal(err)
	}
	// Половина фразы и резкий stop посреди высказывания
	f.capture.Feed(loudSamples(ai.VADSampleRate / 2))
	waitFor(t, 3*time.Second, func() bool {
		return f.engine.Diagnostics().VADSpeech.Load() > 10
	})
	if err := f.engine.Stop(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool {
		return len(f.segments(SegmentFinal)) == 1
	})
	finals := f.segments(SegmentFinal)
	if finals[0].Text != "Testing one" {
		t.Errorf("final text = %q, want flushed partial utterance", finals[0].Text)
	}
}

func TestEngineEmptyFinalsProduceFallback(t *testing.T) {
	f := newEngineFixture(t, "") // модель всегда молчит

	if err := f.engine.Start(""); err != nil {
		t.Fatal(err)
	}

	// Два высказывания подряд: первый пустой финал дропается молча,
	// второй включает заглушку
	for round := 0; round < 2; round++ {
		f.capture.Feed(loudSamples(ai.VADSampleRate))
		waitFor(t, 3*time.Second, func() bool {
			return f.capture.ringEmpty()
		})
		// Тишина дольше hangover (1.5 с для long-form профиля)
		f.capture.Feed(make([]float32, ai.VADSampleRate*2))
		waitFor(t, 5*time.Second, func() bool {
			return f.capture.ringEmpty()
		})
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(f.segments(SegmentFinal)) >= 1
	})
	finals := f.segments(SegmentFinal)
	if finals[0].Text != FallbackText {
		t.Errorf("fallback text = %q, want %q", finals[0].Text, FallbackText)
	}
}

func TestEngineSettingsPatch(t *testing.T) {
	f := newEngineFixture(t, "x")

	updated, err := f.engine.ApplySettingsPatch(json.RawMessage(`{"inputGainBoost": 2.5}`))
	if err != nil {
		t.Fatal(err)
	}
	if updated.InputGainBoost != 2.5 {
		t.Errorf("InputGainBoost = %v", updated.InputGainBoost)
	}
	// Остальные поля не тронуты
	if updated.ModelProfile != "large-v3-turbo" {
		t.Errorf("ModelProfile = %q", updated.ModelProfile)
	}

	// Невалидное значение - синхронная ошибка, состояние не меняется
	if _, err := f.engine.ApplySettingsPatch(json.RawMessage(`{"inputGainBoost": 99}`)); err == nil {
		t.Fatal("expected validation error")
	}
	if f.engine.GetSettings().InputGainBoost != 2.5 {
		t.Error("failed patch must not change settings")
	}
}

func TestEngineListDevices(t *testing.T) {
	f := newEngineFixture(t, "x")
	devices, err := f.engine.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || !devices[0].IsRecommended {
		t.Fatalf("devices = %+v", devices)
	}
}
