package engine

import (
	"log"
	"sync"
	"time"
)

// SpeechModel абстракция движка распознавания для worker'а и контроллера.
// Реализуется обёрткой над ai.WhisperEngine; в тестах подменяется
// скриптованной моделью.
type SpeechModel interface {
	// WarmUp загружает модель; повторный вызов на загруженной - no-op
	WarmUp() error
	// Loaded true если сессии резидентны (warmup можно пропустить)
	Loaded() bool
	Transcribe(samples []float32, partial bool, biasTerms []string) (text string, confidence *float32, err error)
	// TranscribeRefined повторный проход с ненулевой температурой
	TranscribeRefined(samples []float32, biasTerms []string) (text string, confidence *float32, err error)
	Close()
}

// InferenceJob задача на инференс одного буфера речи.
type InferenceJob struct {
	UtteranceID string
	PCM         []float32
	Partial     bool
	BiasTerms   []string
	// Повторная отправка с ненулевой температурой (confidence gating)
	Refine bool
}

// InferenceResult результат выполнения задачи.
type InferenceResult struct {
	Job        InferenceJob
	Text       string
	Confidence *float32
	Err        error
}

// submitTimeout бюджет backpressure для partial-задач: дольше не ждём,
// partial просто выбрасывается. Финалы не выбрасываются никогда.
const submitTimeout = 20 * time.Millisecond

// inferenceRetryLimit одна повторная попытка на транзиентную ошибку.
const inferenceRetryLimit = 1

// workerQueueCap сколько задач ждёт в очереди; задача в работе из очереди
// уже извлечена, так что всего их не больше двух: одна в работе + одна в очереди.
const workerQueueCap = 1

// Worker единственный поток инференса (C7). Владеет моделью эксклюзивно.
// Вместе с задачей в работе держит не больше двух задач; устаревшие partial'ы того же
// высказывания замещаются, отменённые отбрасываются при выборке.
type Worker struct {
	model SpeechModel
	diag  *Diagnostics

	onResult func(InferenceResult)
	// cancelled проверка отменённости высказывания при dequeue
	cancelled func(id string) bool

	mu    sync.Mutex
	cond  *sync.Cond
	queue []InferenceJob
	busy  bool
	stop  bool

	// Две подряд ошибки - задача дропается с ошибкой наружу
	consecutiveFailures int

	done chan struct{}
}

// NewWorker создаёт worker. Запуск через Start.
func NewWorker(model SpeechModel, diag *Diagnostics, onResult func(InferenceResult), cancelled func(string) bool) *Worker {
	w := &Worker{
		model:     model,
		diag:      diag,
		onResult:  onResult,
		cancelled: cancelled,
		done:      make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Start запускает поток инференса.
func (w *Worker) Start() {
	go w.run()
}

// Stop останавливает worker. Задача в работе дорабатывает (останов
// ограничивает контроллер), очередь очищается.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stop = true
	w.queue = nil
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.done
}

// SubmitPartial кладёт partial-задачу. Очередной partial того же
// высказывания замещает ждущий в очереди - порядок не ломается.
// Возвращает false если задача выброшена по backpressure.
func (w *Worker) SubmitPartial(job InferenceJob) bool {
	deadline := time.Now().Add(submitTimeout)
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		if w.stop {
			return false
		}
		// Замещение более старого partial по id
		for i, queued := range w.queue {
			if queued.Partial && queued.UtteranceID == job.UtteranceID {
				w.queue[i] = job
				w.cond.Broadcast()
				return true
			}
		}
		if len(w.queue) < workerQueueCap {
			w.queue = append(w.queue, job)
			w.cond.Broadcast()
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		w.mu.Unlock()
		time.Sleep(time.Millisecond)
		w.mu.Lock()
	}
}

// SubmitFinal кладёт финальную задачу, блокируясь при полной очереди.
// Ждущие partial'ы того же высказывания вытесняются: финал их заменяет.
func (w *Worker) SubmitFinal(job InferenceJob) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		if w.stop {
			return
		}
		// Финал делает ждущие partial'ы этого высказывания бессмысленными
		filtered := w.queue[:0]
		for _, queued := range w.queue {
			if queued.Partial && queued.UtteranceID == job.UtteranceID {
				continue
			}
			filtered = append(filtered, queued)
		}
		w.queue = filtered

		if len(w.queue) < workerQueueCap {
			w.queue = append(w.queue, job)
			w.cond.Broadcast()
			return
		}
		w.mu.Unlock()
		time.Sleep(time.Millisecond)
		w.mu.Lock()
	}
}

// QueueLen текущая длина очереди (для тестов и диагностики).
func (w *Worker) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Worker) run() {
	defer close(w.done)

	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stop {
			w.cond.Wait()
		}
		if w.stop {
			w.mu.Unlock()
			return
		}
		job := w.queue[0]
		w.queue = w.queue[:copy(w.queue, w.queue[1:])]
		w.busy = true
		w.mu.Unlock()

		// Задачи отменённых высказываний отбрасываются при выборке
		if w.cancelled == nil || !w.cancelled(job.UtteranceID) {
			w.execute(job)
		} else {
			log.Printf("Dropping inference job for cancelled utterance %s", job.UtteranceID)
		}

		w.mu.Lock()
		w.busy = false
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

// Drain ждёт, пока очередь опустеет и текущая задача доработает.
// Возвращает false по таймауту: инференс в полёте при остановке
// ограничен этим бюджетом.
func (w *Worker) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) > 0 || w.busy {
		if w.stop {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		w.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		w.mu.Lock()
	}
	return true
}

// execute выполняет задачу с одной повторной попыткой на транзиентную
// ошибку. Вторая подряд неудача отдаёт ошибку наружу и дропает задачу -
// worker никогда не роняет движок, он сообщает и продолжает.
func (w *Worker) execute(job InferenceJob) {
	w.diag.InferenceCalls.Add(1)

	var text string
	var confidence *float32
	var err error
	for attempt := 0; attempt <= inferenceRetryLimit; attempt++ {
		if job.Refine {
			text, confidence, err = w.model.TranscribeRefined(job.PCM, job.BiasTerms)
		} else {
			text, confidence, err = w.model.Transcribe(job.PCM, job.Partial, job.BiasTerms)
		}
		if err == nil {
			break
		}
		w.diag.InferenceErrors.Add(1)
		log.Printf("Inference error (attempt %d) for utterance %s: %v", attempt+1, job.UtteranceID, err)
	}

	if err != nil {
		w.consecutiveFailures++
	} else {
		w.consecutiveFailures = 0
	}

	persistent := err != nil && w.consecutiveFailures >= 2
	if err != nil && !persistent {
		// Транзиентная ошибка после ретрая: задача дропается молча,
		// движок остаётся в listening
		return
	}

	w.onResult(InferenceResult{
		Job:        job,
		Text:       text,
		Confidence: confidence,
		Err:        err,
	})
}
