// Package models управляет профилями Whisper моделей: реестр, пути,
// скачивание экспортов.
package models

// ModelFile один файл экспорта optimum.
type ModelFile struct {
	Name        string `json:"name"`
	DownloadURL string `json:"downloadUrl"`
	SizeBytes   int64  `json:"sizeBytes"`
	Optional    bool   `json:"optional,omitempty"`
}

// ModelInfo описание профиля модели.
type ModelInfo struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Size        string      `json:"size"`
	Description string      `json:"description"`
	Languages   []string    `json:"languages"`
	Speed       string      `json:"speed"`
	Recommended bool        `json:"recommended,omitempty"`
	Files       []ModelFile `json:"files"`
}

// ModelStatus статус модели на устройстве.
type ModelStatus string

const (
	ModelStatusNotDownloaded ModelStatus = "not_downloaded"
	ModelStatusDownloading   ModelStatus = "downloading"
	ModelStatusDownloaded    ModelStatus = "downloaded"
	ModelStatusActive        ModelStatus = "active"
	ModelStatusError         ModelStatus = "error"
)

// ModelState состояние модели с прогрессом.
type ModelState struct {
	ModelInfo
	Status   ModelStatus `json:"status"`
	Progress float64     `json:"progress,omitempty"` // 0-100
	Error    string      `json:"error,omitempty"`
	Path     string      `json:"path,omitempty"`
}

func whisperFiles(repo string, encSize, decSize, pastSize int64) []ModelFile {
	base := "https://huggingface.co/" + repo + "/resolve/main/"
	return []ModelFile{
		{Name: "encoder_model.onnx", DownloadURL: base + "onnx/encoder_model.onnx", SizeBytes: encSize},
		{Name: "decoder_model.onnx", DownloadURL: base + "onnx/decoder_model.onnx", SizeBytes: decSize},
		{Name: "decoder_with_past_model.onnx", DownloadURL: base + "onnx/decoder_with_past_model.onnx", SizeBytes: pastSize, Optional: true},
		{Name: "tokenizer.json", DownloadURL: base + "tokenizer.json", SizeBytes: 2_480_000},
	}
}

// Registry реестр доступных профилей Whisper.
var Registry = []ModelInfo{
	{
		ID:          "tiny",
		Name:        "Tiny",
		Size:        "152 MB",
		Description: "Fastest profile, rough quality",
		Languages:   []string{"multi"},
		Speed:       "~10x",
		Files:       whisperFiles("onnx-community/whisper-tiny", 32_000_000, 120_000_000, 112_000_000),
	},
	{
		ID:          "base",
		Name:        "Base",
		Size:        "290 MB",
		Description: "Good speed/quality balance for short dictation",
		Languages:   []string{"multi"},
		Speed:       "~7x",
		Files:       whisperFiles("onnx-community/whisper-base", 83_000_000, 207_000_000, 195_000_000),
	},
	{
		ID:          "small",
		Name:        "Small",
		Size:        "970 MB",
		Description: "Solid recognition quality",
		Languages:   []string{"multi"},
		Speed:       "~4x",
		Files:       whisperFiles("onnx-community/whisper-small", 353_000_000, 617_000_000, 587_000_000),
	},
	{
		ID:          "large-v3-turbo",
		Name:        "Large v3 Turbo",
		Size:        "1.6 GB",
		Description: "Best quality at dictation-friendly latency",
		Languages:   []string{"multi"},
		Speed:       "~2x",
		Recommended: true,
		Files:       whisperFiles("onnx-community/whisper-large-v3-turbo", 1_270_000_000, 330_000_000, 313_000_000),
	},
}

// GetModelByID возвращает профиль или nil.
func GetModelByID(id string) *ModelInfo {
	for i := range Registry {
		if Registry[i].ID == id {
			return &Registry[i]
		}
	}
	return nil
}
