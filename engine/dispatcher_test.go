package engine

import (
	"sync"
	"testing"
	"time"
)

func partialSegment(id, text string) []TranscriptSegment {
	return []TranscriptSegment{{ID: id, Text: text, Kind: SegmentPartial}}
}

func finalSegment(id, text string) []TranscriptSegment {
	return []TranscriptSegment{{ID: id, Text: text, Kind: SegmentFinal}}
}

func TestDispatcherSeqStrictlyIncreasing(t *testing.T) {
	d := NewDispatcher(&Diagnostics{})

	var mu sync.Mutex
	var seqs []uint64
	unsubscribe := d.SubscribeTranscripts("test", func(ev TranscriptEvent) {
		mu.Lock()
		seqs = append(seqs, ev.Seq)
		mu.Unlock()
	})
	defer unsubscribe()

	for i := 0; i < 50; i++ {
		d.PublishSegments(partialSegment("u1", "x"))
	}
	d.PublishSegments(finalSegment("u1", "done"))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 51
	})

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("seq not strictly increasing: %d after %d", seqs[i], seqs[i-1])
		}
	}
}

func TestDispatcherPartialBeforeFinalOrdering(t *testing.T) {
	d := NewDispatcher(&Diagnostics{})

	var mu sync.Mutex
	var kinds []SegmentKind
	unsubscribe := d.SubscribeTranscripts("test", func(ev TranscriptEvent) {
		mu.Lock()
		kinds = append(kinds, ev.Segments[0].Kind)
		mu.Unlock()
	})
	defer unsubscribe()

	d.PublishSegments(partialSegment("u1", "he"))
	d.PublishSegments(partialSegment("u1", "hello"))
	d.PublishSegments(finalSegment("u1", "hello world"))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if kinds[0] != SegmentPartial || kinds[1] != SegmentPartial || kinds[2] != SegmentFinal {
		t.Fatalf("order = %v", kinds)
	}
}

func TestDispatcherSlowSubscriberDropsPartialsKeepsFinals(t *testing.T) {
	d := NewDispatcher(&Diagnostics{})

	var mu sync.Mutex
	var finals int
	var events int
	unsubscribe := d.SubscribeTranscripts("slow", func(ev TranscriptEvent) {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		events++
		if containsFinal(ev) {
			finals++
		}
		mu.Unlock()
	})
	defer unsubscribe()

	// Заливаем очередь partial'ами сильно быстрее, чем подписчик читает
	const totalPartials = 300
	for i := 0; i < totalPartials; i++ {
		d.PublishSegments(partialSegment("u1", "partial"))
	}
	const totalFinals = 5
	for i := 0; i < totalFinals; i++ {
		d.PublishSegments(finalSegment("u1", "final"))
	}

	waitFor(t, 10*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return finals == totalFinals
	})

	mu.Lock()
	defer mu.Unlock()
	if events >= totalPartials+totalFinals {
		t.Fatalf("slow subscriber received all %d events, expected drops", events)
	}
}

func TestDispatcherPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	d := NewDispatcher(&Diagnostics{})

	unsubscribe := d.SubscribeTranscripts("stuck", func(ev TranscriptEvent) {
		time.Sleep(200 * time.Millisecond)
	})
	defer unsubscribe()

	start := time.Now()
	for i := 0; i < subscriberQueueCap; i++ {
		d.PublishSegments(partialSegment("u1", "x"))
	}
	// Очередь полна: очередной partial вытесняет старый, без блокировки
	d.PublishSegments(partialSegment("u1", "y"))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish blocked for %v", elapsed)
	}
}

func TestDispatcherStatusAndActivityChannels(t *testing.T) {
	d := NewDispatcher(&Diagnostics{})

	statusCh, cancelStatus := d.SubscribeStatus()
	defer cancelStatus()
	activityCh, cancelActivity := d.SubscribeActivity()
	defer cancelActivity()

	d.PublishStatus(EngineStatusEvent{Status: StatusListening})
	d.PublishActivity(AudioActivityEvent{Seq: 1, RMS: 0.1, IsSpeech: true})

	select {
	case ev := <-statusCh:
		if ev.Status != StatusListening {
			t.Errorf("status = %v", ev.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("status event not delivered")
	}

	select {
	case ev := <-activityCh:
		if !ev.IsSpeech {
			t.Error("activity event lost isSpeech")
		}
	case <-time.After(time.Second):
		t.Fatal("activity event not delivered")
	}
}

func TestDispatcherUnsubscribeStopsDelivery(t *testing.T) {
	d := NewDispatcher(&Diagnostics{})

	var mu sync.Mutex
	count := 0
	unsubscribe := d.SubscribeTranscripts("gone", func(ev TranscriptEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	d.PublishSegments(finalSegment("u1", "one"))
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	unsubscribe()
	d.PublishSegments(finalSegment("u2", "two"))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("events after unsubscribe: %d", count)
	}
}
