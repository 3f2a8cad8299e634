package ai

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	onnxInitMu      sync.Mutex
	onnxInitialized bool
)

// initONNXRuntime инициализирует ONNX Runtime один раз на процесс.
// Путь к библиотеке берётся из ONNXRUNTIME_SHARED_LIBRARY_PATH либо
// ищется в стандартных местах рядом с приложением.
func initONNXRuntime() error {
	onnxInitMu.Lock()
	defer onnxInitMu.Unlock()

	if onnxInitialized {
		return nil
	}

	libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")

	if libPath == "" {
		var searchPaths []string
		switch runtime.GOOS {
		case "windows":
			searchPaths = []string{
				"./onnxruntime.dll",
				"./lib/onnxruntime.dll",
			}
		case "darwin":
			searchPaths = []string{
				"../Resources/libonnxruntime.dylib",
				"./libonnxruntime.dylib",
			}
		default:
			searchPaths = []string{
				"./libonnxruntime.so",
				"./lib/libonnxruntime.so",
				"/usr/lib/libonnxruntime.so",
			}
		}
		for _, path := range searchPaths {
			if _, err := os.Stat(path); err == nil {
				libPath = path
				break
			}
		}
	}

	if libPath != "" {
		log.Printf("Using ONNX Runtime library: %s", libPath)
		ort.SetSharedLibraryPath(libPath)
	}
	// Если путь не найден - пробуем системную библиотеку по умолчанию

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}

	onnxInitialized = true
	log.Println("ONNX Runtime initialized successfully")
	return nil
}

// ExecutionProvider выбор бэкенда для ONNX сессий.
type ExecutionProvider string

const (
	EPAuto     ExecutionProvider = "auto"
	EPCPU      ExecutionProvider = "cpu"
	EPDirectML ExecutionProvider = "directml"
)

// NormalizeEP приводит строку настройки к известному EP.
func NormalizeEP(raw string) ExecutionProvider {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cpu":
		return EPCPU
	case "dml", "directml":
		return EPDirectML
	default:
		return EPAuto
	}
}

// newSessionOptions создаёт SessionOptions под выбранный EP.
// auto: пробуем DirectML, при ошибке молча откатываемся на CPU.
// directml: ошибка инициализации GPU фатальна.
func newSessionOptions(ep ExecutionProvider, intraThreads int) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}

	if intraThreads > 0 {
		if err := options.SetIntraOpNumThreads(intraThreads); err != nil {
			log.Printf("Warning: failed to set intra-op threads: %v", err)
		}
	}

	switch ep {
	case EPDirectML:
		if err := options.AppendExecutionProviderDirectML(0); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("directml execution provider unavailable: %w", err)
		}
		log.Println("ONNX EP: directml (strict)")
	case EPAuto:
		if err := options.AppendExecutionProviderDirectML(0); err != nil {
			log.Printf("ONNX EP: directml probe failed (%v), using cpu", err)
		} else {
			log.Println("ONNX EP: auto -> directml")
		}
	default:
		log.Println("ONNX EP: cpu")
	}

	return options, nil
}

// probeModelIO возвращает имена входов и выходов ONNX модели.
// Используется при загрузке: несовместимые экспорты должны падать
// сразу с внятным сообщением, а не на первом декоде.
func probeModelIO(modelPath string) (inputs, outputs []string, err error) {
	in, out, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read model I/O info: %w", err)
	}
	for _, i := range in {
		inputs = append(inputs, i.Name)
	}
	for _, o := range out {
		outputs = append(outputs, o.Name)
	}
	return inputs, outputs, nil
}

func containsName(names []string, needle string) bool {
	for _, n := range names {
		if strings.EqualFold(n, needle) {
			return true
		}
	}
	return false
}

func resolveName(names []string, preferred ...string) string {
	for _, p := range preferred {
		for _, n := range names {
			if strings.EqualFold(n, p) {
				return n
			}
		}
	}
	return ""
}
