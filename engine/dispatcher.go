package engine

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// subscriberQueueCap ёмкость очереди одного подписчика.
const subscriberQueueCap = 64

// finalEnqueueTimeout сколько диспетчер готов ждать медленного подписчика
// перед вытеснением partial'а из его очереди.
const finalEnqueueTimeout = 50 * time.Millisecond

// Dispatcher (C9) назначает seq, упорядочивает partial -> final и
// раздаёт события подписчикам. Медленный подписчик никогда не
// блокирует движок: у каждого своя ограниченная очередь с политикой
// drop-oldest-partial; финалы не выбрасываются.
type Dispatcher struct {
	seq  atomic.Uint64
	diag *Diagnostics

	mu          sync.Mutex
	subscribers map[uint64]*subscriber
	nextSubID   uint64

	statusMu    sync.Mutex
	statusSubs  map[uint64]chan EngineStatusEvent
	activitySubs map[uint64]chan AudioActivityEvent
	nextChanID  uint64
}

// NewDispatcher создаёт диспетчер.
func NewDispatcher(diag *Diagnostics) *Dispatcher {
	return &Dispatcher{
		diag:         diag,
		subscribers:  make(map[uint64]*subscriber),
		statusSubs:   make(map[uint64]chan EngineStatusEvent),
		activitySubs: make(map[uint64]chan AudioActivityEvent),
	}
}

type subscriber struct {
	name    string
	handler func(TranscriptEvent)

	mu    sync.Mutex
	cond  *sync.Cond
	queue []TranscriptEvent
	close bool
}

// SubscribeTranscripts регистрирует подписчика. handler вызывается из
// выделенной горутины подписчика; её задержки касаются только его очереди.
// Возвращает функцию отписки.
func (d *Dispatcher) SubscribeTranscripts(name string, handler func(TranscriptEvent)) func() {
	sub := &subscriber{name: name, handler: handler}
	sub.cond = sync.NewCond(&sub.mu)

	d.mu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.subscribers[id] = sub
	d.mu.Unlock()

	go sub.run()

	return func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
		sub.mu.Lock()
		sub.close = true
		sub.cond.Broadcast()
		sub.mu.Unlock()
	}
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.close {
			s.cond.Wait()
		}
		if s.close && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		event := s.queue[0]
		s.queue = s.queue[:copy(s.queue, s.queue[1:])]
		s.mu.Unlock()

		s.handler(event)
	}
}

// enqueue кладёт событие в очередь подписчика согласно политике.
func (s *subscriber) enqueue(event TranscriptEvent, hasFinal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.close {
		return
	}

	if len(s.queue) < subscriberQueueCap {
		s.queue = append(s.queue, event)
		s.cond.Broadcast()
		return
	}

	if !hasFinal {
		// Очередь полна: новый partial замещает старейший partial
		for i, queued := range s.queue {
			if !containsFinal(queued) {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.queue = append(s.queue, event)
				log.Printf("Subscriber %q lagging, dropped oldest partial", s.name)
				s.cond.Broadcast()
				return
			}
		}
		// Одни финалы в очереди - partial выбрасываем
		log.Printf("Subscriber %q lagging, dropped incoming partial", s.name)
		return
	}

	// Финал: ждём до 50 мс освобождения места
	deadline := time.Now().Add(finalEnqueueTimeout)
	for len(s.queue) >= subscriberQueueCap && time.Now().Before(deadline) {
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
		s.mu.Lock()
		if s.close {
			return
		}
	}
	if len(s.queue) >= subscriberQueueCap {
		// Вытесняем старейший не-финал; финалы не теряются никогда
		dropped := false
		for i, queued := range s.queue {
			if !containsFinal(queued) {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				dropped = true
				break
			}
		}
		log.Printf("Subscriber %q lag warning: queue full on final (dropped_partial=%v)", s.name, dropped)
	}
	s.queue = append(s.queue, event)
	s.cond.Broadcast()
}

func containsFinal(event TranscriptEvent) bool {
	for _, seg := range event.Segments {
		if seg.Kind == SegmentFinal {
			return true
		}
	}
	return false
}

// PublishSegments назначает событию монотонный seq и раздаёт его.
// Вызывается только из post/dispatch потока - порядок событий
// одного высказывания (partial* -> final) сохраняется.
func (d *Dispatcher) PublishSegments(segments []TranscriptSegment) TranscriptEvent {
	event := TranscriptEvent{
		Seq:      d.seq.Add(1),
		Segments: segments,
	}
	d.diag.SegmentsEmitted.Add(uint64(len(segments)))

	hasFinal := containsFinal(event)
	d.mu.Lock()
	subs := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		subs = append(subs, sub)
	}
	d.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(event, hasFinal)
	}
	return event
}

// ── Статус и активность ─────────────────────────────────────────────────

// SubscribeStatus возвращает канал статусных событий и функцию отписки.
func (d *Dispatcher) SubscribeStatus() (<-chan EngineStatusEvent, func()) {
	ch := make(chan EngineStatusEvent, subscriberQueueCap)
	d.statusMu.Lock()
	id := d.nextChanID
	d.nextChanID++
	d.statusSubs[id] = ch
	d.statusMu.Unlock()
	return ch, func() {
		d.statusMu.Lock()
		delete(d.statusSubs, id)
		d.statusMu.Unlock()
	}
}

// SubscribeActivity возвращает канал активности и функцию отписки.
func (d *Dispatcher) SubscribeActivity() (<-chan AudioActivityEvent, func()) {
	ch := make(chan AudioActivityEvent, subscriberQueueCap)
	d.statusMu.Lock()
	id := d.nextChanID
	d.nextChanID++
	d.activitySubs[id] = ch
	d.statusMu.Unlock()
	return ch, func() {
		d.statusMu.Lock()
		delete(d.activitySubs, id)
		d.statusMu.Unlock()
	}
}

// PublishStatus рассылает статус (best effort: при полной очереди
// старое событие вытесняется).
func (d *Dispatcher) PublishStatus(event EngineStatusEvent) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	for _, ch := range d.statusSubs {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// PublishActivity рассылает событие активности (уровень + решение VAD).
func (d *Dispatcher) PublishActivity(event AudioActivityEvent) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	for _, ch := range d.activitySubs {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}
