package models

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// ProgressCallback отчёт о прогрессе скачивания профиля.
type ProgressCallback func(modelID string, progress float64, status ModelStatus, err error)

// Manager менеджер моделей: раскладка на диске, скачивание, разрешение
// профиля в пути к файлам экспорта.
type Manager struct {
	modelsDir   string
	activeModel string
	downloads   map[string]context.CancelFunc
	mu          sync.RWMutex
	onProgress  ProgressCallback
}

// NewManager создаёт менеджер, гарантируя директорию моделей.
func NewManager(modelsDir string) (*Manager, error) {
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}
	return &Manager{
		modelsDir: modelsDir,
		downloads: make(map[string]context.CancelFunc),
	}, nil
}

// SetProgressCallback устанавливает callback прогресса.
func (m *Manager) SetProgressCallback(cb ProgressCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onProgress = cb
}

// ModelsDir путь к директории моделей.
func (m *Manager) ModelsDir() string { return m.modelsDir }

// ProfileDir директория конкретного профиля.
func (m *Manager) ProfileDir(modelID string) string {
	return filepath.Join(m.modelsDir, modelID)
}

// FilePath путь к файлу внутри профиля.
func (m *Manager) FilePath(modelID, fileName string) string {
	return filepath.Join(m.ProfileDir(modelID), fileName)
}

// SileroVADPath путь к модели Silero VAD (общая для всех профилей).
func (m *Manager) SileroVADPath() string {
	return filepath.Join(m.modelsDir, "silero_vad.onnx")
}

// IsDownloaded возвращает true если все обязательные файлы на месте.
func (m *Manager) IsDownloaded(modelID string) bool {
	info := GetModelByID(modelID)
	if info == nil {
		return false
	}
	for _, f := range info.Files {
		if f.Optional {
			continue
		}
		if _, err := os.Stat(m.FilePath(modelID, f.Name)); err != nil {
			return false
		}
	}
	return true
}

// SetActive помечает профиль активным.
func (m *Manager) SetActive(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeModel = modelID
}

// States возвращает состояния всех профилей реестра.
func (m *Manager) States() []ModelState {
	m.mu.RLock()
	active := m.activeModel
	downloading := make(map[string]bool, len(m.downloads))
	for id := range m.downloads {
		downloading[id] = true
	}
	m.mu.RUnlock()

	states := make([]ModelState, 0, len(Registry))
	for _, info := range Registry {
		state := ModelState{ModelInfo: info, Status: ModelStatusNotDownloaded}
		switch {
		case downloading[info.ID]:
			state.Status = ModelStatusDownloading
		case m.IsDownloaded(info.ID):
			state.Status = ModelStatusDownloaded
			state.Path = m.ProfileDir(info.ID)
			if info.ID == active {
				state.Status = ModelStatusActive
			}
		}
		states = append(states, state)
	}
	return states
}

// Download скачивает все файлы профиля в фоне.
func (m *Manager) Download(modelID string) error {
	info := GetModelByID(modelID)
	if info == nil {
		return fmt.Errorf("unknown model profile: %s", modelID)
	}

	m.mu.Lock()
	if _, busy := m.downloads[modelID]; busy {
		m.mu.Unlock()
		return fmt.Errorf("model %s is already downloading", modelID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.downloads[modelID] = cancel
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.downloads, modelID)
			m.mu.Unlock()
		}()

		var total, done int64
		for _, f := range info.Files {
			total += f.SizeBytes
		}

		for _, f := range info.Files {
			dest := m.FilePath(modelID, f.Name)
			if _, err := os.Stat(dest); err == nil {
				done += f.SizeBytes
				continue
			}
			base := done
			err := DownloadFile(ctx, f.DownloadURL, dest, f.SizeBytes, func(progress float64) {
				overall := (float64(base) + progress/100*float64(f.SizeBytes)) / float64(total) * 100
				m.notify(modelID, overall, ModelStatusDownloading, nil)
			})
			if err != nil {
				if f.Optional {
					log.Printf("Optional model file %s unavailable: %v", f.Name, err)
					done += f.SizeBytes
					continue
				}
				m.notify(modelID, 0, ModelStatusError, err)
				return
			}
			done += f.SizeBytes
		}

		m.notify(modelID, 100, ModelStatusDownloaded, nil)
		log.Printf("Model profile %s downloaded to %s", modelID, m.ProfileDir(modelID))
	}()

	return nil
}

// CancelDownload прерывает скачивание профиля.
func (m *Manager) CancelDownload(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.downloads[modelID]; ok {
		cancel()
		delete(m.downloads, modelID)
	}
}

func (m *Manager) notify(modelID string, progress float64, status ModelStatus, err error) {
	m.mu.RLock()
	cb := m.onProgress
	m.mu.RUnlock()
	if cb != nil {
		cb(modelID, progress, status, err)
	}
}
