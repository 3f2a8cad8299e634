package api

import (
	"encoding/json"

	"dictum/audio"
	"dictum/engine"
	"dictum/models"
)

// Message единый конверт WebSocket/gRPC сообщений: тип плюс
// опциональные поля запроса и ответа. Закрытый набор значений Type
// описан в handleMessage.
type Message struct {
	Type string `json:"type"`

	// Запросы
	DeviceName string          `json:"deviceName,omitempty"`
	Settings   json.RawMessage `json:"settings,omitempty"`
	ModelID    string          `json:"modelId,omitempty"`

	// Ответы
	Status   *engine.EngineStatusEvent `json:"status,omitempty"`
	Devices  []audio.DeviceInfo        `json:"devices,omitempty"`
	Runtime  *engine.Settings          `json:"runtime,omitempty"`
	Models   []models.ModelState       `json:"models,omitempty"`
	Progress float64                   `json:"progress,omitempty"`
	Error    string                    `json:"error,omitempty"`

	// События каналов dictum://*
	Channel    string                     `json:"channel,omitempty"`
	Transcript *engine.TranscriptEvent    `json:"transcript,omitempty"`
	Activity   *engine.AudioActivityEvent `json:"activity,omitempty"`

	// Диагностика
	Diagnostics *engine.DiagnosticsSnapshot `json:"diagnostics,omitempty"`
}
