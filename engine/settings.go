package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
)

// Settings полный набор runtime-настроек движка.
// Читатели получают неизменяемый снапшот через SettingsStore;
// пишет только контроллер.
type Settings struct {
	PreferredInputDevice string `json:"preferredInputDevice,omitempty"`

	// Модель и исполнение: смена требует перезагрузки сессий
	ModelProfile string `json:"modelProfile"`
	OrtEP        string `json:"ortEp"`

	PerformanceProfile string `json:"performanceProfile"`
	LanguageHint       string `json:"languageHint"`
	ToggleShortcut     string `json:"toggleShortcut"`

	PillVisualizerSensitivity float64 `json:"pillVisualizerSensitivity"`
	ActivitySensitivity       float64 `json:"activitySensitivity"`
	ActivityNoiseGate         float64 `json:"activityNoiseGate"`
	ActivityClipThreshold     float64 `json:"activityClipThreshold"`
	InputGainBoost            float64 `json:"inputGainBoost"`

	PostUtteranceRefine bool     `json:"postUtteranceRefine"`
	PhraseBiasTerms     []string `json:"phraseBiasTerms,omitempty"`
	ReliabilityMode     bool     `json:"reliabilityMode"`
	CloudMode           string   `json:"cloudMode"`

	InjectionMode string `json:"injectionMode"`
}

// DefaultSettings настройки по умолчанию.
func DefaultSettings() Settings {
	return Settings{
		ModelProfile:              "large-v3-turbo",
		OrtEP:                     "auto",
		PerformanceProfile:        "stability_long_form",
		LanguageHint:              "auto",
		ToggleShortcut:            "Ctrl+Shift+Space",
		PillVisualizerSensitivity: 10,
		ActivitySensitivity:       10,
		ActivityNoiseGate:         0.005,
		ActivityClipThreshold:     0.35,
		InputGainBoost:            1.0,
		PostUtteranceRefine:       false,
		ReliabilityMode:           false,
		CloudMode:                 "local_only",
		InjectionMode:             "sendinput",
	}
}

// Normalize приводит значения к допустимым диапазонам. Невалидные строки
// заменяются значениями по умолчанию, числовые опции клампятся.
func (s *Settings) Normalize() {
	s.ModelProfile = strings.ToLower(strings.TrimSpace(s.ModelProfile))
	if s.ModelProfile == "" {
		s.ModelProfile = "large-v3-turbo"
	}

	switch strings.ToLower(strings.TrimSpace(s.OrtEP)) {
	case "cpu":
		s.OrtEP = "cpu"
	case "dml", "directml":
		s.OrtEP = "directml"
	default:
		s.OrtEP = "auto"
	}

	switch s.PerformanceProfile {
	case "whisper_balanced_english", "latency_short_utterance", "balanced_general", "stability_long_form":
	default:
		s.PerformanceProfile = "stability_long_form"
	}

	switch strings.ToLower(strings.TrimSpace(s.LanguageHint)) {
	case "en", "eng", "english":
		s.LanguageHint = "english"
	case "zh", "zh-cn", "zh-hans", "mandarin", "chinese":
		s.LanguageHint = "mandarin"
	case "ru", "rus", "russian":
		s.LanguageHint = "russian"
	default:
		s.LanguageHint = "auto"
	}

	if strings.TrimSpace(s.ToggleShortcut) == "" {
		s.ToggleShortcut = "Ctrl+Shift+Space"
	}

	s.PillVisualizerSensitivity = clampF(s.PillVisualizerSensitivity, 1, 20)
	s.ActivitySensitivity = clampF(s.ActivitySensitivity, 1, 20)
	s.ActivityNoiseGate = clampF(s.ActivityNoiseGate, 0, 0.1)
	s.ActivityClipThreshold = clampF(s.ActivityClipThreshold, 0.02, 1)
	s.InputGainBoost = clampF(s.InputGainBoost, 0.5, 8)

	switch s.CloudMode {
	case "local_only", "hybrid", "cloud_preferred":
	default:
		s.CloudMode = "local_only"
	}

	switch s.InjectionMode {
	case "sendinput", "clipboard-paste", "off":
	default:
		s.InjectionMode = "sendinput"
	}
}

// Validate проверяет частичное обновление до применения.
// Ошибка конфигурации синхронна и не меняет состояние.
func (s *Settings) Validate() error {
	if s.InputGainBoost != 0 && (s.InputGainBoost < 0.5 || s.InputGainBoost > 8) {
		return fmt.Errorf("inputGainBoost out of range [0.5, 8]: %v", s.InputGainBoost)
	}
	if s.ActivityNoiseGate < 0 || s.ActivityNoiseGate > 0.1 {
		return fmt.Errorf("activityNoiseGate out of range [0, 0.1]: %v", s.ActivityNoiseGate)
	}
	return nil
}

// RequiresReload возвращает true если переход old->new требует
// перезагрузки модели или EP.
func RequiresReload(old, new Settings) bool {
	return old.ModelProfile != new.ModelProfile || old.OrtEP != new.OrtEP
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SettingsStore публикует настройки атомарным снапшотом:
// единственный писатель (контроллер), много читателей.
type SettingsStore struct {
	current atomic.Pointer[Settings]
}

// NewSettingsStore создаёт store с начальными настройками.
func NewSettingsStore(initial Settings) *SettingsStore {
	initial.Normalize()
	store := &SettingsStore{}
	store.current.Store(&initial)
	return store
}

// Load возвращает текущий снапшот (копию не делает - снапшот неизменяем).
func (s *SettingsStore) Load() Settings {
	return *s.current.Load()
}

// Store публикует новый снапшот.
func (s *SettingsStore) Store(settings Settings) {
	settings.Normalize()
	copied := settings
	s.current.Store(&copied)
}

// ── Профили производительности ──────────────────────────────────────────

// ProfileParams параметры сегментации, выведенные из performanceProfile.
type ProfileParams struct {
	SilenceHangoverMs  int
	PartialIntervalMs  int
	MaxUtteranceMs     int
	MinSpeechSamples   int
	VADEnterThreshold  float32
	VADExitThreshold   float32
	VADExitHangMs      int
	EnablePartials     bool
}

// ProfileFor возвращает параметры сегментера для профиля.
func ProfileFor(profile string) ProfileParams {
	switch profile {
	case "latency_short_utterance":
		return ProfileParams{
			SilenceHangoverMs: 700,
			PartialIntervalMs: 450,
			MaxUtteranceMs:    20000,
			MinSpeechSamples:  4000,
			VADEnterThreshold: 0.5,
			VADExitThreshold:  0.35,
			VADExitHangMs:     150,
			EnablePartials:    true,
		}
	case "whisper_balanced_english":
		return ProfileParams{
			SilenceHangoverMs: 800,
			PartialIntervalMs: 600,
			MaxUtteranceMs:    30000,
			MinSpeechSamples:  4000,
			VADEnterThreshold: 0.45,
			VADExitThreshold:  0.3,
			VADExitHangMs:     200,
			EnablePartials:    true,
		}
	case "balanced_general":
		return ProfileParams{
			SilenceHangoverMs: 900,
			PartialIntervalMs: 600,
			MaxUtteranceMs:    30000,
			MinSpeechSamples:  5000,
			VADEnterThreshold: 0.5,
			VADExitThreshold:  0.35,
			VADExitHangMs:     200,
			EnablePartials:    true,
		}
	default: // stability_long_form
		return ProfileParams{
			SilenceHangoverMs: 1500,
			PartialIntervalMs: 600,
			MaxUtteranceMs:    30000,
			MinSpeechSamples:  5000,
			VADEnterThreshold: 0.5,
			VADExitThreshold:  0.35,
			VADExitHangMs:     250,
			EnablePartials:    true,
		}
	}
}

// ── Файл настроек ───────────────────────────────────────────────────────

// DefaultSettingsPath путь к settings.json в платформенной data-директории.
func DefaultSettingsPath() string {
	return filepath.Join(DefaultDataDir(), "settings.json")
}

// DefaultDataDir платформенная директория данных приложения.
func DefaultDataDir() string {
	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "Lattice Labs", "Dictum")
		}
		return "."
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "dictum")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "dictum")
	}
	return filepath.Join(home, ".local", "share", "dictum")
}

// LoadSettings читает settings.json; при любой ошибке возвращает дефолты.
func LoadSettings(path string) Settings {
	settings := DefaultSettings()
	raw, err := os.ReadFile(path)
	if err == nil {
		_ = json.Unmarshal(raw, &settings)
	}
	settings.Normalize()
	return settings
}

// SaveSettings пишет settings.json, создавая директорию при необходимости.
func SaveSettings(path string, settings Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}
