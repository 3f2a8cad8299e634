package ai

import (
	"fmt"
	"log"
	"os"

	ort "github.com/yalue/onnxruntime_go"
)

// Silero VAD работает с окнами 512 сэмплов при 16 kHz (32 мс) плюс
// контекст из 64 последних сэмплов предыдущего окна.
const (
	sileroWindow      = 512
	sileroContextSize = 64
	sileroLSTMSize    = 2 * 1 * 64  // h и c по [2,1,64]
	sileroGRUSize     = 2 * 1 * 128 // единый state [2,1,128]
)

// sileroIOMode вариант интерфейса модели, определяется по именам I/O.
type sileroIOMode int

const (
	// v3/v4 LSTM: раздельные тензоры h [2,1,64] и c [2,1,64]
	sileroLSTM sileroIOMode = iota
	// v5 GRU: единый тензор state [2,1,128], выход stateN
	sileroGRU
)

// SileroVADConfig конфигурация Silero VAD.
type SileroVADConfig struct {
	ModelPath string
	EP        ExecutionProvider
}

// SileroVAD нейронный VAD на основе Silero ONNX модели.
// Принимает окна по 480 сэмплов (30 мс), внутренне буферизует их
// в нативные 512-сэмпловые окна модели и возвращает вероятность
// последнего завершённого окна.
type SileroVAD struct {
	session *ort.DynamicAdvancedSession
	ioMode  sileroIOMode

	inputName string
	srName    string
	hName     string
	cName     string
	stateName string

	// Состояние рекуррентной сети (переживает вызовы для стриминга)
	h     []float32
	c     []float32
	state []float32

	// Контекст: последние 64 сэмпла предыдущего окна
	context []float32
	// Недобранные до 512 сэмплы
	pending []float32
	// Последняя известная вероятность (для окон без завершённого окна модели)
	lastProb float32
}

// NewSileroVAD загружает модель и определяет вариант интерфейса.
// Несовместимый экспорт - ошибка загрузки, а не тихий мусор на инференсе.
func NewSileroVAD(config SileroVADConfig) (*SileroVAD, error) {
	if _, err := os.Stat(config.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("silero model file not found: %s", config.ModelPath)
	}

	if err := initONNXRuntime(); err != nil {
		return nil, err
	}

	inputs, outputs, err := probeModelIO(config.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("silero model probe: %w", err)
	}

	log.Println("=== SileroVAD Startup Report ===")
	log.Printf("  path: %s", config.ModelPath)
	log.Printf("  inputs: %v", inputs)
	log.Printf("  outputs: %v", outputs)
	log.Printf("  sample rate assumption: %d (window=%d samples)", VADSampleRate, sileroWindow)

	v := &SileroVAD{
		inputName: resolveName(inputs, "input", "audio", "x"),
		srName:    resolveName(inputs, "sr", "sample_rate"),
		hName:     resolveName(inputs, "h", "state_h"),
		cName:     resolveName(inputs, "c", "state_c"),
		stateName: resolveName(inputs, "state", "h_0", "hidden"),
		h:         make([]float32, sileroLSTMSize),
		c:         make([]float32, sileroLSTMSize),
		state:     make([]float32, sileroGRUSize),
		context:   make([]float32, sileroContextSize),
	}
	if v.inputName == "" {
		return nil, fmt.Errorf("silero model has no recognizable audio input (inputs: %v)", inputs)
	}

	var inputNames, outputNames []string
	switch {
	case v.hName != "" && v.cName != "":
		v.ioMode = sileroLSTM
		hn := resolveName(outputs, "hn", "state_hn", "h_out")
		cn := resolveName(outputs, "cn", "state_cn", "c_out")
		if hn == "" || cn == "" {
			return nil, fmt.Errorf("silero LSTM export is missing state outputs (outputs: %v)", outputs)
		}
		inputNames = []string{v.inputName, v.hName, v.cName}
		outputNames = []string{resolveName(outputs, "output", "speech_prob", "prob"), hn, cn}
		log.Println("  io_mode: lstm (v3/v4)")
	case v.stateName != "":
		v.ioMode = sileroGRU
		stateN := resolveName(outputs, "stateN", "state_out", "hn_out")
		if stateN == "" {
			return nil, fmt.Errorf("silero GRU export is missing state output (outputs: %v)", outputs)
		}
		inputNames = []string{v.inputName, v.stateName}
		outputNames = []string{resolveName(outputs, "output", "speech_prob", "prob"), stateN}
		log.Println("  io_mode: gru (v5)")
	default:
		return nil, fmt.Errorf("unknown silero VAD I/O layout: inputs=%v outputs=%v", inputs, outputs)
	}
	if outputNames[0] == "" {
		outputNames[0] = outputs[0]
	}
	if v.srName != "" {
		inputNames = append(inputNames, v.srName)
	}

	options, err := newSessionOptions(config.EP, 1)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(config.ModelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create silero ONNX session: %w", err)
	}
	v.session = session

	log.Println("=== SileroVAD ready ===")
	return v, nil
}

// Score принимает окно из 480 сэмплов и возвращает вероятность речи.
// Пока 512-сэмпловое окно модели не добралось, возвращается последняя
// известная вероятность.
func (v *SileroVAD) Score(window []float32) (float32, error) {
	v.pending = append(v.pending, window...)

	for len(v.pending) >= sileroWindow {
		chunk := v.pending[:sileroWindow]
		prob, err := v.runWindow(chunk)
		if err != nil {
			return v.lastProb, err
		}
		v.lastProb = prob
		v.pending = v.pending[:copy(v.pending, v.pending[sileroWindow:])]
	}

	return v.lastProb, nil
}

func (v *SileroVAD) runWindow(samples []float32) (float32, error) {
	// Вход модели: context + window
	inputData := make([]float32, sileroContextSize+len(samples))
	copy(inputData[:sileroContextSize], v.context)
	copy(inputData[sileroContextSize:], samples)
	copy(v.context, samples[len(samples)-sileroContextSize:])

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(inputData))), inputData)
	if err != nil {
		return 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	inputs := []ort.Value{inputTensor}
	var stateTensors []*ort.Tensor[float32]

	switch v.ioMode {
	case sileroLSTM:
		hT, err := ort.NewTensor(ort.NewShape(2, 1, 64), v.h)
		if err != nil {
			return 0, err
		}
		cT, err := ort.NewTensor(ort.NewShape(2, 1, 64), v.c)
		if err != nil {
			hT.Destroy()
			return 0, err
		}
		stateTensors = append(stateTensors, hT, cT)
		inputs = append(inputs, hT, cT)
	case sileroGRU:
		sT, err := ort.NewTensor(ort.NewShape(2, 1, 128), v.state)
		if err != nil {
			return 0, err
		}
		stateTensors = append(stateTensors, sT)
		inputs = append(inputs, sT)
	}
	defer func() {
		for _, t := range stateTensors {
			t.Destroy()
		}
	}()

	if v.srName != "" {
		srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{VADSampleRate})
		if err != nil {
			return 0, err
		}
		defer srTensor.Destroy()
		inputs = append(inputs, srTensor)
	}

	nOutputs := 2
	if v.ioMode == sileroLSTM {
		nOutputs = 3
	}
	outputs := make([]ort.Value, nOutputs)
	if err := v.session.Run(inputs, outputs); err != nil {
		return 0, fmt.Errorf("silero inference failed: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	probData := outputs[0].(*ort.Tensor[float32]).GetData()

	switch v.ioMode {
	case sileroLSTM:
		copy(v.h, outputs[1].(*ort.Tensor[float32]).GetData())
		copy(v.c, outputs[2].(*ort.Tensor[float32]).GetData())
	case sileroGRU:
		copy(v.state, outputs[1].(*ort.Tensor[float32]).GetData())
	}

	if len(probData) == 0 {
		return 0, nil
	}
	return probData[0], nil
}

// Reset сбрасывает рекуррентное состояние и буферы.
func (v *SileroVAD) Reset() {
	for i := range v.h {
		v.h[i] = 0
	}
	for i := range v.c {
		v.c[i] = 0
	}
	for i := range v.state {
		v.state[i] = 0
	}
	for i := range v.context {
		v.context[i] = 0
	}
	v.pending = v.pending[:0]
	v.lastProb = 0
}

// Close освобождает сессию.
func (v *SileroVAD) Close() {
	if v.session != nil {
		v.session.Destroy()
		v.session = nil
	}
}
