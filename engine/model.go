package engine

import (
	"dictum/ai"
)

// WhisperModel адаптер ai.WhisperEngine под интерфейс SpeechModel.
type WhisperModel struct {
	engine *ai.WhisperEngine
}

// NewWhisperModel оборачивает движок.
func NewWhisperModel(engine *ai.WhisperEngine) *WhisperModel {
	return &WhisperModel{engine: engine}
}

func (m *WhisperModel) WarmUp() error {
	return m.engine.WarmUp()
}

func (m *WhisperModel) Loaded() bool {
	return m.engine.Loaded()
}

func (m *WhisperModel) Transcribe(samples []float32, partial bool, biasTerms []string) (string, *float32, error) {
	tr, err := m.engine.Transcribe(samples, partial, biasTerms)
	if err != nil {
		return "", nil, err
	}
	return tr.Text, confidencePtr(tr.Confidence, tr.HasConfidence), nil
}

func (m *WhisperModel) TranscribeRefined(samples []float32, biasTerms []string) (string, *float32, error) {
	tr, err := m.engine.TranscribeRefined(samples, biasTerms)
	if err != nil {
		return "", nil, err
	}
	return tr.Text, confidencePtr(tr.Confidence, tr.HasConfidence), nil
}

func (m *WhisperModel) Close() {
	m.engine.Close()
}
