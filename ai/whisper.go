package ai

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Константы декодера.
const (
	// Fallback id-шники для токенизаторов без явных спец-токенов
	eotFallback          = 50257
	sotFallback          = 50258
	englishFallback      = 50259
	transcribeFallback   = 50359
	notimestampsFallback = 50363

	MaxDecodeSteps   = 224
	partialMaxSteps  = 10
	minFinalTokens   = 2 // минимум непробельных токенов в финале
	repeatNGramSize  = 3 // ловушка: 3-грамма, повторённая 4 раза подряд
	repeatNGramCount = 4

	// Phrase bias: бонус к логиту первого токена термина,
	// линейно затухающий на следующих двух токенах
	phraseBiasBoost = 2.0

	fallbackTemperature = 0.2

	// Оценка бюджета шагов декода по длительности аудио
	tokensPerSecondEstimate = 6.8
	decodeTokenOverhead     = 12
	minAdaptiveFinalSteps   = 24
)

// WhisperConfig пути к экспорту optimum (encoder + decoder + tokenizer)
// и параметры исполнения.
type WhisperConfig struct {
	EncoderPath         string
	DecoderPath         string
	DecoderWithPastPath string // пустой = без KV-кэша
	TokenizerPath       string
	EP                  ExecutionProvider
	IntraThreads        int
	LanguageHint        string // auto | english | mandarin | russian
}

// Transcription результат одного прохода инференса.
type Transcription struct {
	Text          string
	Confidence    float32
	HasConfidence bool
	TokenIDs      []int64
	Temperature   float32
}

// decoderConvention вариант интерфейса декодера, определяется при загрузке.
// Внутри горячего цикла по именам уже не ветвимся.
type decoderConvention int

const (
	decoderPlain decoderConvention = iota // input_ids + encoder_hidden_states
	decoderWithPast                       // + кэш past_key_values.*
)

// WhisperEngine исполняет Whisper encoder+decoder через ONNX Runtime.
// Не потокобезопасен сам по себе - владеет им единственный inference worker.
type WhisperEngine struct {
	config WhisperConfig

	encoder         *ort.DynamicAdvancedSession
	decoder         *ort.DynamicAdvancedSession
	decoderPast     *ort.DynamicAdvancedSession
	convention      decoderConvention
	encInputName    string
	encOutputName   string
	decInputNames   []string
	decOutputNames  []string
	pastInputNames  []string // past_key_values.* в порядке входов decoderPast
	pastInputOrder  []string // полный порядок входов decoderPast
	pastOutputNames []string // порядок выходов decoderPast

	tokenizer *Tokenizer
	mel       *MelProcessor
	nMels     int

	eot            int64
	timestampBegin int64 // -1 если нет timestamp-токенов
	prefix         []int64
	suppressAlways map[int64]bool
	suppressBegin  map[int64]bool

	// Подряд идущие пустые/слишком короткие финалы - триггер
	// температурного fallback
	shortFinalStreak int

	rng *rand.Rand

	debugTranscribe bool
	utteranceCount  uint64

	mu     sync.Mutex
	loaded bool
}

// NewWhisperEngine создаёт движок. Сессии загружаются в WarmUp.
func NewWhisperEngine(config WhisperConfig) *WhisperEngine {
	debug := os.Getenv("DICTUM_DEBUG_TRANSCRIBE") == "1" ||
		strings.EqualFold(os.Getenv("DICTUM_DEBUG_TRANSCRIBE"), "true")
	return &WhisperEngine{
		config:          config,
		nMels:           80,
		timestampBegin:  -1,
		debugTranscribe: debug,
		rng:             rand.New(rand.NewSource(1)),
	}
}

// WarmUp загружает сессии, определяет I/O-вариант декодера и mel-размерность,
// прогревает encoder холостым проходом. Неизвестные экспорты падают здесь,
// а не на первом декоде.
func (e *WhisperEngine) WarmUp() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded {
		return nil
	}

	for _, path := range []string{e.config.EncoderPath, e.config.DecoderPath, e.config.TokenizerPath} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("model file not found: %s", path)
		}
	}

	if err := initONNXRuntime(); err != nil {
		return err
	}

	log.Println("=== Dictum Whisper Startup Report ===")

	// ── Encoder ──────────────────────────────────────────────────────
	encIn, encOut, err := probeModelIO(e.config.EncoderPath)
	if err != nil {
		return fmt.Errorf("encoder probe: %w", err)
	}
	log.Printf("  encoder inputs: %v", encIn)
	log.Printf("  encoder outputs: %v", encOut)

	e.encInputName = resolveName(encIn, "input_features", "mel")
	if e.encInputName == "" {
		return fmt.Errorf("encoder has no recognizable mel input (inputs: %v)", encIn)
	}
	e.encOutputName = resolveName(encOut, "last_hidden_state", "encoder_hidden_states")
	if e.encOutputName == "" {
		e.encOutputName = encOut[0]
	}

	// Размерность mel берём из формы входа encoder'а
	if inInfo, _, err := ort.GetInputOutputInfo(e.config.EncoderPath); err == nil {
		for _, info := range inInfo {
			if info.Name == e.encInputName && len(info.Dimensions) >= 2 && info.Dimensions[1] > 0 {
				detected := int(info.Dimensions[1])
				if detected != e.nMels {
					log.Printf("  detected encoder mel bins: %d", detected)
					e.nMels = detected
				}
			}
		}
	}
	e.mel = NewMelProcessor(e.nMels)

	encOptions, err := newSessionOptions(e.config.EP, e.config.IntraThreads)
	if err != nil {
		return err
	}
	defer encOptions.Destroy()
	e.encoder, err = ort.NewDynamicAdvancedSession(e.config.EncoderPath,
		[]string{e.encInputName}, []string{e.encOutputName}, encOptions)
	if err != nil {
		return fmt.Errorf("failed to create encoder session: %w", err)
	}

	// ── Decoder (plain) ──────────────────────────────────────────────
	decIn, decOut, err := probeModelIO(e.config.DecoderPath)
	if err != nil {
		return fmt.Errorf("decoder probe: %w", err)
	}
	log.Printf("  decoder inputs: %v", decIn)
	log.Printf("  decoder outputs: %v", decOut)

	if !containsName(decIn, "input_ids") || !containsName(decIn, "encoder_hidden_states") {
		return fmt.Errorf("unsupported decoder I/O layout, expected input_ids + encoder_hidden_states (inputs: %v)", decIn)
	}
	logitsName := resolveName(decOut, "logits")
	if logitsName == "" {
		return fmt.Errorf("decoder has no logits output (outputs: %v)", decOut)
	}
	e.decInputNames = []string{"input_ids", "encoder_hidden_states"}
	// logits первым, present.* следом - порядок фиксируем здесь
	e.decOutputNames = []string{logitsName}
	for _, name := range decOut {
		if strings.HasPrefix(name, "present") {
			e.decOutputNames = append(e.decOutputNames, name)
		}
	}

	decOptions, err := newSessionOptions(e.config.EP, e.config.IntraThreads)
	if err != nil {
		return err
	}
	defer decOptions.Destroy()
	e.decoder, err = ort.NewDynamicAdvancedSession(e.config.DecoderPath,
		e.decInputNames, e.decOutputNames, decOptions)
	if err != nil {
		return fmt.Errorf("failed to create decoder session: %w", err)
	}

	// ── Decoder with past (опционально) ──────────────────────────────
	e.convention = decoderPlain
	if e.config.DecoderWithPastPath != "" {
		if _, err := os.Stat(e.config.DecoderWithPastPath); err == nil {
			if err := e.loadDecoderWithPast(); err != nil {
				log.Printf("  decoder_with_past unusable (%v); using plain decoder", err)
			}
		}
	}
	if e.convention == decoderWithPast {
		log.Println("  decoder convention: cached past-KV")
	} else {
		log.Println("  decoder convention: plain")
	}

	// ── Tokenizer и префикс ──────────────────────────────────────────
	e.tokenizer, err = LoadTokenizer(e.config.TokenizerPath)
	if err != nil {
		return err
	}
	log.Printf("  tokenizer vocab size: %d", e.tokenizer.VocabSize())

	e.eot = e.tokenIDOr("<|endoftext|>", eotFallback)
	if id, ok := e.tokenizer.TokenToID("<|0.00|>"); ok {
		e.timestampBegin = id
	}
	e.buildPrefix()
	e.buildSuppressMasks()

	// ── Прогрев encoder'а ────────────────────────────────────────────
	dummy := make([]float32, e.nMels*MelFrames)
	melTensor, err := ort.NewTensor(ort.NewShape(1, int64(e.nMels), MelFrames), dummy)
	if err != nil {
		return err
	}
	defer melTensor.Destroy()
	warmOut := []ort.Value{nil}
	if err := e.encoder.Run([]ort.Value{melTensor}, warmOut); err != nil {
		return fmt.Errorf("encoder warm-up pass failed: %w", err)
	}
	warmOut[0].Destroy()

	e.loaded = true
	log.Println("=== Whisper warm-up complete ===")
	return nil
}

func (e *WhisperEngine) loadDecoderWithPast() error {
	pastIn, pastOut, err := probeModelIO(e.config.DecoderWithPastPath)
	if err != nil {
		return err
	}
	log.Printf("  decoder_with_past inputs: %v", pastIn)
	log.Printf("  decoder_with_past outputs: %v", pastOut)

	var pastNames []string
	for _, name := range pastIn {
		if strings.HasPrefix(name, "past_key_values.") {
			pastNames = append(pastNames, name)
		}
	}
	if len(pastNames) == 0 || !containsName(pastIn, "input_ids") {
		return fmt.Errorf("unexpected I/O layout")
	}

	logitsName := resolveName(pastOut, "logits")
	if logitsName == "" {
		return fmt.Errorf("no logits output")
	}
	outNames := []string{logitsName}
	for _, name := range pastOut {
		if strings.HasPrefix(name, "present") {
			outNames = append(outNames, name)
		}
	}

	options, err := newSessionOptions(e.config.EP, e.config.IntraThreads)
	if err != nil {
		return err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(e.config.DecoderWithPastPath, pastIn, outNames, options)
	if err != nil {
		return err
	}

	e.decoderPast = session
	e.pastInputNames = pastNames
	e.pastInputOrder = pastIn
	e.pastOutputNames = outNames
	e.convention = decoderWithPast
	return nil
}

// buildPrefix собирает префикс декода:
// мультиязычный экспорт: <SOT> [<lang>] <transcribe> <notimestamps>
// english-only экспорт (нет <|en|>): <SOT> <transcribe> <notimestamps>.
func (e *WhisperEngine) buildPrefix() {
	sot := e.tokenIDOr("<|startoftranscript|>", sotFallback)
	transcribe := e.tokenIDOr("<|transcribe|>", transcribeFallback)

	prefix := []int64{sot}

	_, multilingual := e.tokenizer.TokenToID("<|en|>")
	if multilingual {
		var langToken string
		switch strings.ToLower(strings.TrimSpace(e.config.LanguageHint)) {
		case "english", "en":
			langToken = "<|en|>"
		case "mandarin", "chinese", "zh":
			langToken = "<|zh|>"
		case "russian", "ru":
			langToken = "<|ru|>"
		}
		if langToken != "" {
			if id, ok := e.tokenizer.TokenToID(langToken); ok {
				prefix = append(prefix, id)
			}
		}
		// auto: язык не форсируем, модель определит сама
	}

	prefix = append(prefix, transcribe)
	if id, ok := e.tokenizer.TokenToID("<|notimestamps|>"); ok {
		prefix = append(prefix, id)
	} else {
		prefix = append(prefix, notimestampsFallback)
	}
	e.prefix = prefix
	log.Printf("  decode prefix: %v (multilingual=%v)", prefix, multilingual)
}

func (e *WhisperEngine) buildSuppressMasks() {
	e.suppressAlways = make(map[int64]bool)
	for _, tok := range []string{
		"<|startoftranscript|>",
		"<|translate|>",
		"<|transcribe|>",
		"<|notimestamps|>",
		"<|nospeech|>",
	} {
		if id, ok := e.tokenizer.TokenToID(tok); ok {
			e.suppressAlways[id] = true
		}
	}
	// Первый шаг: пробел и EOT запрещены
	e.suppressBegin = map[int64]bool{220: true, e.eot: true}
}

func (e *WhisperEngine) tokenIDOr(token string, fallback int64) int64 {
	if id, ok := e.tokenizer.TokenToID(token); ok {
		return id
	}
	return fallback
}

// Loaded возвращает true после успешного WarmUp.
func (e *WhisperEngine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Transcribe прогоняет сэмплы (16 kHz mono) через encoder и жадный декод.
// biasTerms - пользовательские термины для logit-бонуса.
func (e *WhisperEngine) Transcribe(samples []float32, partial bool, biasTerms []string) (*Transcription, error) {
	return e.transcribeAt(samples, partial, biasTerms, 0.0)
}

// TranscribeRefined повторный проход при T=0.2 для confidence gating.
// Уверенность результата считается по вероятностям этого прохода.
func (e *WhisperEngine) TranscribeRefined(samples []float32, biasTerms []string) (*Transcription, error) {
	return e.transcribeAt(samples, false, biasTerms, fallbackTemperature)
}

func (e *WhisperEngine) transcribeAt(samples []float32, partial bool, biasTerms []string, temperature float32) (*Transcription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return nil, fmt.Errorf("model not loaded, call WarmUp first")
	}

	// 1. Нормировка и mel
	norm := make([]float32, len(samples))
	copy(norm, samples)
	NormalizeRMS(norm, 0.10)

	activeSamples := len(norm)
	melData := e.mel.Compute(norm, activeSamples)

	// 2. Encoder
	melTensor, err := ort.NewTensor(ort.NewShape(1, int64(e.nMels), MelFrames), melData)
	if err != nil {
		return nil, err
	}
	defer melTensor.Destroy()

	encOut := []ort.Value{nil}
	if err := e.encoder.Run([]ort.Value{melTensor}, encOut); err != nil {
		return nil, fmt.Errorf("encoder inference failed: %w", err)
	}
	encTensor := encOut[0].(*ort.Tensor[float32])
	defer encTensor.Destroy()

	encShape := encTensor.GetShape()
	if len(encShape) < 3 {
		return nil, fmt.Errorf("unexpected encoder output shape: %v", encShape)
	}
	encData := encTensor.GetData()
	encFrames := encShape[1]
	encDModel := encShape[2]

	// 3. Жадный декод. Бюджет шагов для финала адаптивен к длительности
	// аудио: короткой фразе незачем 224 шага, если EOT не приходит.
	bias := e.buildPhraseBias(biasTerms)
	maxSteps := MaxDecodeSteps
	if partial {
		maxSteps = partialMaxSteps
	} else {
		audioSeconds := float32(activeSamples) / float32(VADSampleRate)
		estimated := int(audioSeconds*tokensPerSecondEstimate) + decodeTokenOverhead
		if estimated < minAdaptiveFinalSteps {
			estimated = minAdaptiveFinalSteps
		}
		if estimated < maxSteps {
			maxSteps = estimated
		}
	}

	result, err := e.decode(encData, encFrames, encDModel, maxSteps, temperature, bias, partial)
	if err != nil {
		return nil, err
	}

	// 4. Температурный fallback: пустой / из одних спец-токенов / слишком
	// короткий финал два раза подряд - одна попытка при T=0.2 с другой
	// маской подавления. Уверенность берётся из принятого прохода.
	if !partial && temperature == 0 {
		if countContentTokens(result.Text) < minFinalTokens {
			e.shortFinalStreak++
			if e.shortFinalStreak >= 2 {
				log.Printf("Final decode degenerate twice in a row, retrying at T=%.1f", fallbackTemperature)
				retry, rerr := e.decode(encData, encFrames, encDModel, maxSteps, fallbackTemperature, bias, partial)
				if rerr == nil && countContentTokens(retry.Text) >= minFinalTokens {
					result = retry
					e.shortFinalStreak = 0
				}
			}
		} else {
			e.shortFinalStreak = 0
		}
	}

	e.utteranceCount++
	if e.debugTranscribe {
		n := len(result.TokenIDs)
		if n > 20 {
			n = 20
		}
		log.Printf("DICTUM_DEBUG_TRANSCRIBE: utterance=%d partial=%v first_tokens=%v",
			e.utteranceCount, partial, result.TokenIDs[:n])
	}

	return result, nil
}

// phraseBias токены пользовательских терминов с позиционным бонусом.
type phraseBias struct {
	// первые токены всех терминов: всегда +phraseBiasBoost
	firstTokens map[int64]bool
	// последовательности токенов терминов для затухающего бонуса
	sequences [][]int64
}

func (e *WhisperEngine) buildPhraseBias(terms []string) *phraseBias {
	if len(terms) == 0 {
		return nil
	}
	bias := &phraseBias{firstTokens: make(map[int64]bool)}
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		// Whisper обычно порождает слова с ведущим пробелом
		for _, form := range []string{" " + strings.ToLower(term), strings.ToLower(term), " " + term, term} {
			seq := e.tokenizer.EncodeGreedy(form, 3)
			// Последовательность, не покрывающая начало формы (начало не нашлось
			// в словаре), началом термина не считается
			if len(seq) == 0 || !strings.HasPrefix(form, e.tokenizer.Decode(seq)) {
				continue
			}
			bias.firstTokens[seq[0]] = true
			if len(seq) > 1 {
				bias.sequences = append(bias.sequences, seq)
			}
		}
	}
	if len(bias.firstTokens) == 0 {
		return nil
	}
	return bias
}

// boostFor возвращает бонус логита для токена с учётом уже сгенерированного
// хвоста: первый токен термина +B, продолжение термина затухает линейно.
func (b *phraseBias) boostFor(token int64, generated []int64) float32 {
	if b == nil {
		return 0
	}
	var boost float32
	if b.firstTokens[token] {
		boost = phraseBiasBoost
	}
	for _, seq := range b.sequences {
		// Совпадает ли хвост сгенерированного с началом термина
		for matched := 1; matched < len(seq) && matched <= len(generated) && matched <= 2; matched++ {
			ok := true
			for i := 0; i < matched; i++ {
				if generated[len(generated)-matched+i] != seq[i] {
					ok = false
					break
				}
			}
			if ok && seq[matched] == token {
				faded := phraseBiasBoost * float32(3-matched) / 3.0
				if faded > boost {
					boost = faded
				}
			}
		}
	}
	return boost
}

// decode жадный (или сэмплирующий при T>0) автогрессивный декод.
func (e *WhisperEngine) decode(
	encData []float32,
	encFrames, encDModel int64,
	maxSteps int,
	temperature float32,
	bias *phraseBias,
	partial bool,
) (*Transcription, error) {
	tokens := append([]int64(nil), e.prefix...)
	pastValues := make(map[string]ort.Value)
	defer func() {
		for _, v := range pastValues {
			v.Destroy()
		}
	}()

	var logProbs []float64
	usePast := e.convention == decoderWithPast

	minStepsBeforeEOT := 2
	if partial {
		minStepsBeforeEOT = 1
	}

	for step := 0; step < maxSteps; step++ {
		var logits []float32
		var vocabSize int
		var err error

		if usePast && step > 0 && len(pastValues) >= len(e.pastInputNames) {
			logits, vocabSize, err = e.runDecoderWithPast(tokens, encData, encFrames, encDModel, pastValues)
			if err != nil {
				// Откат на plain-декодер: KV-кэш больше не используем
				log.Printf("decoder_with_past step failed (%v); falling back to plain decoder", err)
				usePast = false
				for name, v := range pastValues {
					v.Destroy()
					delete(pastValues, name)
				}
				logits, vocabSize, err = e.runDecoderPlain(tokens, encData, encFrames, encDModel, pastValues, usePast)
			}
		} else {
			logits, vocabSize, err = e.runDecoderPlain(tokens, encData, encFrames, encDModel, pastValues, usePast)
		}
		if err != nil {
			return nil, err
		}

		generated := tokens[len(e.prefix):]
		next, logProb := e.selectToken(logits, vocabSize, step, minStepsBeforeEOT, temperature, bias, generated)
		tokens = append(tokens, next)
		if next != e.eot {
			logProbs = append(logProbs, logProb)
		}

		if next == e.eot {
			break
		}
		if hasRepeatedNGram(tokens[len(e.prefix):], repeatNGramSize, repeatNGramCount) {
			break
		}
	}

	text := e.tokensToText(tokens[len(e.prefix):])

	result := &Transcription{
		Text:        text,
		TokenIDs:    append([]int64(nil), tokens...),
		Temperature: temperature,
	}
	// Уверенность: геометрическое среднее вероятностей выбранных токенов
	// (length-normalized). none только если оценённых токенов нет.
	if len(logProbs) > 0 {
		var sum float64
		for _, lp := range logProbs {
			sum += lp
		}
		result.Confidence = float32(math.Exp(sum / float64(len(logProbs))))
		result.HasConfidence = true
	}
	return result, nil
}

func (e *WhisperEngine) runDecoderPlain(
	tokens []int64,
	encData []float32,
	encFrames, encDModel int64,
	pastValues map[string]ort.Value,
	collectPast bool,
) ([]float32, int, error) {
	seq := int64(len(tokens))
	inputIDs, err := ort.NewTensor(ort.NewShape(1, seq), append([]int64(nil), tokens...))
	if err != nil {
		return nil, 0, err
	}
	defer inputIDs.Destroy()

	encTensor, err := ort.NewTensor(ort.NewShape(1, encFrames, encDModel), encData)
	if err != nil {
		return nil, 0, err
	}
	defer encTensor.Destroy()

	outputs := make([]ort.Value, len(e.decOutputNames))
	if err := e.decoder.Run([]ort.Value{inputIDs, encTensor}, outputs); err != nil {
		return nil, 0, fmt.Errorf("decoder inference failed: %w", err)
	}

	logitsTensor := outputs[0].(*ort.Tensor[float32])
	logitsData := logitsTensor.GetData()
	vocabSize := len(logitsData) / int(seq)
	lastRow := make([]float32, vocabSize)
	copy(lastRow, logitsData[(int(seq)-1)*vocabSize:])
	logitsTensor.Destroy()

	// present.* -> past_key_values.* для следующего шага
	for i := 1; i < len(outputs); i++ {
		name := e.decOutputNames[i]
		if !collectPast {
			outputs[i].Destroy()
			continue
		}
		mapped := presentToPastName(name)
		if mapped == "" {
			outputs[i].Destroy()
			continue
		}
		if old, ok := pastValues[mapped]; ok {
			old.Destroy()
		}
		pastValues[mapped] = outputs[i]
	}

	return lastRow, vocabSize, nil
}

func (e *WhisperEngine) runDecoderWithPast(
	tokens []int64,
	encData []float32,
	encFrames, encDModel int64,
	pastValues map[string]ort.Value,
) ([]float32, int, error) {
	lastToken := []int64{tokens[len(tokens)-1]}
	inputIDs, err := ort.NewTensor(ort.NewShape(1, 1), lastToken)
	if err != nil {
		return nil, 0, err
	}
	defer inputIDs.Destroy()

	var encTensor *ort.Tensor[float32]
	inputs := make([]ort.Value, 0, len(e.pastInputOrder))
	for _, name := range e.pastInputOrder {
		switch {
		case name == "input_ids":
			inputs = append(inputs, inputIDs)
		case name == "encoder_hidden_states":
			if encTensor == nil {
				encTensor, err = ort.NewTensor(ort.NewShape(1, encFrames, encDModel), encData)
				if err != nil {
					return nil, 0, err
				}
			}
			inputs = append(inputs, encTensor)
		case strings.HasPrefix(name, "past_key_values."):
			v, ok := pastValues[name]
			if !ok {
				if encTensor != nil {
					encTensor.Destroy()
				}
				return nil, 0, fmt.Errorf("missing cached past key/value input: %s", name)
			}
			inputs = append(inputs, v)
		default:
			if encTensor != nil {
				encTensor.Destroy()
			}
			return nil, 0, fmt.Errorf("unsupported decoder_with_past input: %s", name)
		}
	}
	if encTensor != nil {
		defer encTensor.Destroy()
	}

	outputs := make([]ort.Value, len(e.pastOutputNames))
	if err := e.decoderPast.Run(inputs, outputs); err != nil {
		return nil, 0, err
	}

	logitsTensor := outputs[0].(*ort.Tensor[float32])
	logitsData := logitsTensor.GetData()
	vocabSize := len(logitsData)
	lastRow := make([]float32, vocabSize)
	copy(lastRow, logitsData)
	logitsTensor.Destroy()

	for i := 1; i < len(outputs); i++ {
		name := e.pastOutputNames[i]
		mapped := presentToPastName(name)
		if mapped == "" {
			outputs[i].Destroy()
			continue
		}
		// Cross-attention KV у decoder_with_past не пересчитывается:
		// некоторые экспорты отдают пустые тензоры - старое значение сохраняем
		if t, ok := outputs[i].(*ort.Tensor[float32]); ok && len(t.GetData()) == 0 {
			t.Destroy()
			continue
		}
		if old, ok := pastValues[mapped]; ok {
			old.Destroy()
		}
		pastValues[mapped] = outputs[i]
	}

	return lastRow, vocabSize, nil
}

// selectToken выбирает следующий токен: argmax при T=0, сэмплирование при T>0.
// Возвращает токен и log-softmax вероятность выбранного токена.
func (e *WhisperEngine) selectToken(
	logits []float32,
	vocabSize int,
	step int,
	minStepsBeforeEOT int,
	temperature float32,
	bias *phraseBias,
	generated []int64,
) (int64, float64) {
	suppressed := func(id int64) bool {
		if e.suppressAlways[id] {
			return true
		}
		if step == 0 && e.suppressBegin[id] {
			return true
		}
		if id == e.eot && step < minStepsBeforeEOT {
			return true
		}
		// Timestamp-токены при notimestamps-декоде не выбираем
		if e.timestampBegin >= 0 && id >= e.timestampBegin {
			return true
		}
		// Fallback-маска: при повторном проходе дополнительно давим
		// уже порождённые токены, чтобы выйти из вырожденного цикла
		if temperature > 0 {
			for _, g := range generated {
				if g == id {
					return true
				}
			}
		}
		return false
	}

	// Скорректированные логиты для выбора
	adjusted := make([]float64, vocabSize)
	maxAdj := math.Inf(-1)
	bestIdx := -1
	for i := 0; i < vocabSize; i++ {
		id := int64(i)
		v := float64(logits[i]) + float64(bias.boostFor(id, generated))
		adjusted[i] = v
		if suppressed(id) {
			continue
		}
		if v > maxAdj {
			maxAdj = v
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		// Всё подавлено - единственный выход EOT
		return e.eot, e.logSoftmaxAt(logits, vocabSize, e.eot)
	}

	next := int64(bestIdx)
	if temperature > 0 {
		next = e.sampleToken(adjusted, temperature, suppressed)
	}

	return next, e.logSoftmaxAt(logits, vocabSize, next)
}

func (e *WhisperEngine) sampleToken(adjusted []float64, temperature float32, suppressed func(int64) bool) int64 {
	maxV := math.Inf(-1)
	for i, v := range adjusted {
		if suppressed(int64(i)) {
			continue
		}
		if v > maxV {
			maxV = v
		}
	}
	var total float64
	weights := make([]float64, len(adjusted))
	for i, v := range adjusted {
		if suppressed(int64(i)) {
			continue
		}
		w := math.Exp((v - maxV) / float64(temperature))
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return e.eot
	}
	r := e.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 && w > 0 {
			return int64(i)
		}
	}
	return e.eot
}

// logSoftmaxAt считает log-softmax сырых (не скорректированных) логитов
// для выбранного токена. Бонусы и подавление в уверенность не входят.
func (e *WhisperEngine) logSoftmaxAt(logits []float32, vocabSize int, token int64) float64 {
	maxV := float32(math.Inf(-1))
	for i := 0; i < vocabSize; i++ {
		if logits[i] > maxV {
			maxV = logits[i]
		}
	}
	var sumExp float64
	for i := 0; i < vocabSize; i++ {
		sumExp += math.Exp(float64(logits[i] - maxV))
	}
	return float64(logits[token]-maxV) - math.Log(sumExp)
}

func (e *WhisperEngine) tokensToText(generated []int64) string {
	// Обрезаем по EOT и выбрасываем timestamp-токены
	var ids []int64
	for _, id := range generated {
		if id == e.eot {
			break
		}
		if e.timestampBegin >= 0 && id >= e.timestampBegin {
			continue
		}
		ids = append(ids, id)
	}
	return strings.TrimSpace(e.tokenizer.Decode(ids))
}

// Close освобождает все сессии.
func (e *WhisperEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.encoder != nil {
		e.encoder.Destroy()
		e.encoder = nil
	}
	if e.decoder != nil {
		e.decoder.Destroy()
		e.decoder = nil
	}
	if e.decoderPast != nil {
		e.decoderPast.Destroy()
		e.decoderPast = nil
	}
	e.loaded = false
}

// ── Вспомогательные функции декода ──────────────────────────────────────

func presentToPastName(output string) string {
	if rest, ok := strings.CutPrefix(output, "present."); ok {
		return "past_key_values." + rest
	}
	if rest, ok := strings.CutPrefix(output, "present_key_values."); ok {
		return "past_key_values." + rest
	}
	if strings.HasPrefix(output, "past_key_values.") {
		return output
	}
	return ""
}

// hasRepeatedNGram возвращает true если n-грамма повторяется count раз
// подряд в хвосте - ловушка вырожденного декода.
func hasRepeatedNGram(generated []int64, n, count int) bool {
	if len(generated) < n*count {
		return false
	}
	base := generated[len(generated)-n:]
	for r := 2; r <= count; r++ {
		start := len(generated) - r*n
		for i := 0; i < n; i++ {
			if generated[start+i] != base[i] {
				return false
			}
		}
	}
	return true
}

func countContentTokens(text string) int {
	return len(strings.Fields(text))
}
