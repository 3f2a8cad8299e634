package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"dictum/ai"
	"dictum/audio"
	"dictum/engine"
	"dictum/hotkey"
	"dictum/inject"
	"dictum/internal/api"
	"dictum/models"
	"dictum/rewrite"
)

// ownWindowTitles окна самого приложения: инжектор в них не печатает.
var ownWindowTitles = []string{"Dictum"}

func main() {
	log.Println("Dictum backend starting...")

	port := flag.String("port", "8765", "HTTP/WebSocket port")
	grpcAddr := flag.String("grpc", "", "gRPC listen address (npipe:/unix:/tcp, default per platform)")
	dataDir := flag.String("data", engine.DefaultDataDir(), "Directory for settings and rule stores")
	modelsDir := flag.String("models", "", "Directory for downloaded models (default: dataDir/models)")
	flag.Parse()

	modelsDirPath := *modelsDir
	if modelsDirPath == "" {
		modelsDirPath = filepath.Join(*dataDir, "models")
	}

	// ── Настройки ─────────────────────────────────────────────────────
	settingsPath := filepath.Join(*dataDir, "settings.json")
	settings := engine.LoadSettings(settingsPath)
	settingsStore := engine.NewSettingsStore(settings)
	log.Printf("Runtime settings loaded: model=%s ep=%s profile=%s shortcut=%s",
		settings.ModelProfile, settings.OrtEP, settings.PerformanceProfile, settings.ToggleShortcut)

	// ── Правила перезаписи ────────────────────────────────────────────
	rulesStore := rewrite.NewRulesStore(loadRules(filepath.Join(*dataDir, "rewrite_rules.json")))

	// ── Модели ────────────────────────────────────────────────────────
	modelMgr, err := models.NewManager(modelsDirPath)
	if err != nil {
		log.Fatalf("Failed to init model manager: %v", err)
	}
	log.Printf("Models directory: %s", modelsDirPath)

	modelFactory := func(s engine.Settings) engine.SpeechModel {
		dir := os.Getenv("DICTUM_MODEL_DIR")
		if dir == "" {
			dir = modelMgr.ProfileDir(s.ModelProfile)
		}
		modelMgr.SetActive(s.ModelProfile)
		cfg := ai.WhisperConfig{
			EncoderPath:         filepath.Join(dir, "encoder_model.onnx"),
			DecoderPath:         filepath.Join(dir, "decoder_model.onnx"),
			DecoderWithPastPath: filepath.Join(dir, "decoder_with_past_model.onnx"),
			TokenizerPath:       filepath.Join(dir, "tokenizer.json"),
			EP:                  ai.NormalizeEP(s.OrtEP),
			LanguageHint:        s.LanguageHint,
		}
		return engine.NewWhisperModel(ai.NewWhisperEngine(cfg))
	}

	vadFactory := func(s engine.Settings) (ai.VAD, error) {
		return ai.NewSileroVAD(ai.SileroVADConfig{
			ModelPath: modelMgr.SileroVADPath(),
			EP:        ai.EPCPU, // VAD лёгкий, GPU ему только мешает
		})
	}

	// ── Захват и движок ───────────────────────────────────────────────
	capture, err := audio.NewCapture()
	if err != nil {
		log.Fatalf("Failed to init audio capture: %v", err)
	}
	defer capture.Close()

	eng := engine.NewEngine(capture, modelFactory, vadFactory, settingsStore, rulesStore)
	diag := eng.Diagnostics()

	// ── Инжектор: подписчик финалов ───────────────────────────────────
	injector := inject.New(func() inject.Mode {
		return inject.Mode(settingsStore.Load().InjectionMode)
	}, ownWindowTitles)

	eng.SubscribeTranscripts("injector", func(event engine.TranscriptEvent) {
		for _, segment := range event.Segments {
			if segment.Kind != engine.SegmentFinal || segment.Text == "" {
				continue
			}
			// Заглушки и редактированный вывод не печатаем
			if segment.Text == engine.FallbackText || ai.IsRedactedText(segment.Text) {
				continue
			}
			diag.InjectCalls.Add(1)
			started := time.Now()
			result := injector.Inject(segment.Text)
			diag.Inject.Record(float64(time.Since(started)) / float64(time.Millisecond))
			if result.Success {
				diag.InjectSuccess.Add(1)
			} else if result.Attempted {
				eng.Dispatcher().PublishStatus(engine.EngineStatusEvent{
					Status: eng.Status().Status,
					Detail: "injection blocked",
				})
			}
		}
	})

	// ── Глобальный хоткей ─────────────────────────────────────────────
	listener, err := hotkey.Register(settings.ToggleShortcut, eng.Toggle)
	if err != nil {
		log.Printf("Hotkey registration failed: %v", err)
	} else {
		defer listener.Close()
	}

	// ── API ───────────────────────────────────────────────────────────
	server := api.NewServer(api.Config{
		Port:         *port,
		GRPCAddr:     *grpcAddr,
		SettingsPath: settingsPath,
	}, eng, modelMgr)

	server.Start()
}

// loadRules читает снапшот правил из внешнего хранилища. Отсутствие
// файла - пустые правила, движок работает без перезаписи.
func loadRules(path string) rewrite.Rules {
	raw, err := os.ReadFile(path)
	if err != nil {
		return rewrite.Rules{}
	}
	var rules rewrite.Rules
	if err := json.Unmarshal(raw, &rules); err != nil {
		log.Printf("Malformed rewrite rules file %s: %v", path, err)
		return rewrite.Rules{}
	}
	log.Printf("Rewrite rules loaded: %d dictionary, %d snippets, %d corrections",
		len(rules.Dictionary), len(rules.Snippets), len(rules.Corrections))
	return rules
}
