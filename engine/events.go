// Package engine содержит ядро Dictum: сегментацию речи, inference worker,
// диспетчер транскриптов и контроллер жизненного цикла.
package engine

// Имена каналов событий pub/sub. UI подписывается на них через API слой.
const (
	ChannelTranscript = "dictum://transcript"
	ChannelStatus     = "dictum://status"
	ChannelActivity   = "dictum://activity"
)

// SegmentKind различает стриминговый partial и зафиксированный final.
type SegmentKind string

const (
	SegmentPartial SegmentKind = "partial"
	SegmentFinal   SegmentKind = "final"
)

// TranscriptSegment один распознанный сегмент речи.
type TranscriptSegment struct {
	// Стабильный id высказывания (общий для partial -> final)
	ID   string      `json:"id"`
	Text string      `json:"text"`
	Kind SegmentKind `json:"kind"`
	// Уверенность модели [0,1]; nil если токены не были оценены
	Confidence *float32 `json:"confidence"`
}

// TranscriptEvent событие канала dictum://transcript.
// Повторное событие с тем же id и новым текстом - замена (tail rewrite),
// подписчики обязаны трактовать "тот же id, новый текст" как обновление.
type TranscriptEvent struct {
	Seq      uint64              `json:"seq"`
	Segments []TranscriptSegment `json:"segments"`
}

// EngineStatus состояние движка.
type EngineStatus string

const (
	StatusIdle      EngineStatus = "idle"
	StatusWarmingUp EngineStatus = "warmingup"
	StatusListening EngineStatus = "listening"
	StatusStopped   EngineStatus = "stopped"
	StatusError     EngineStatus = "error"
)

// EngineStatusEvent событие канала dictum://status.
type EngineStatusEvent struct {
	Status EngineStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// AudioActivityEvent событие канала dictum://activity, по одному на
// обработанный чанк.
type AudioActivityEvent struct {
	Seq      uint64  `json:"seq"`
	RMS      float32 `json:"rms"`
	IsSpeech bool    `json:"isSpeech"`
}

func confidencePtr(value float32, ok bool) *float32 {
	if !ok {
		return nil
	}
	v := value
	return &v
}
