// Оффлайн транскрипция аудиофайла через тот же пайплайн, что и живая
// диктовка. Используется для проверки моделей и фикстур без микрофона.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"dictum/ai"
	"dictum/audio"
	"dictum/engine"
	"dictum/media"
)

func main() {
	modelDir := flag.String("model", "", "Directory with whisper ONNX export (encoder/decoder/tokenizer)")
	vadPath := flag.String("vad", "", "Path to silero_vad.onnx (optional, energy VAD otherwise)")
	language := flag.String("lang", "auto", "Language hint: auto|english|mandarin|russian")
	ep := flag.String("ep", "cpu", "Execution provider: auto|cpu|directml")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: dictate [flags] <audio.wav|audio.mp3>")
		os.Exit(2)
	}
	audioPath := flag.Arg(0)

	if *modelDir == "" {
		*modelDir = filepath.Join(engine.DefaultDataDir(), "models", "large-v3-turbo")
	}

	samples, rate, err := readAudio(audioPath)
	if err != nil {
		log.Fatalf("Failed to read audio: %v", err)
	}
	log.Printf("Loaded %s: %d samples at %d Hz (%.1fs)",
		audioPath, len(samples), rate, float64(len(samples))/float64(rate))

	// В 16 kHz mono, как требует mel-фронтенд
	if rate != ai.VADSampleRate {
		resampler, err := audio.NewResampler(rate, ai.VADSampleRate)
		if err != nil {
			log.Fatalf("Resampler init failed: %v", err)
		}
		samples = resampler.Process(samples)
		log.Printf("Resampled to %d Hz: %d samples", ai.VADSampleRate, len(samples))
	}

	whisper := ai.NewWhisperEngine(ai.WhisperConfig{
		EncoderPath:         filepath.Join(*modelDir, "encoder_model.onnx"),
		DecoderPath:         filepath.Join(*modelDir, "decoder_model.onnx"),
		DecoderWithPastPath: filepath.Join(*modelDir, "decoder_with_past_model.onnx"),
		TokenizerPath:       filepath.Join(*modelDir, "tokenizer.json"),
		EP:                  ai.NormalizeEP(*ep),
		LanguageHint:        *language,
	})
	if err := whisper.WarmUp(); err != nil {
		log.Fatalf("Model load failed: %v", err)
	}
	defer whisper.Close()

	// Нарезка на высказывания по VAD, если модель доступна
	regions := [][]float32{samples}
	if *vadPath != "" {
		if split, err := splitByVAD(samples, *vadPath); err != nil {
			log.Printf("VAD split failed (%v), transcribing whole file", err)
		} else if len(split) > 0 {
			regions = split
		}
	}

	for i, region := range regions {
		tr, err := whisper.Transcribe(region, false, nil)
		if err != nil {
			log.Fatalf("Transcription failed: %v", err)
		}
		text := ai.PostprocessText(tr.Text)
		if text == "" {
			continue
		}
		if tr.HasConfidence {
			fmt.Printf("[%d] (%.2f) %s\n", i, tr.Confidence, text)
		} else {
			fmt.Printf("[%d] %s\n", i, text)
		}
	}
}

func readAudio(path string) ([]float32, int, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return media.ReadMP3Mono(path)
	default:
		return media.ReadWAV(path)
	}
}

// splitByVAD режет файл на речевые регионы гистерезисным гейтом
// поверх Silero VAD, как это делает живой пайплайн.
func splitByVAD(samples []float32, vadPath string) ([][]float32, error) {
	vad, err := ai.NewSileroVAD(ai.SileroVADConfig{ModelPath: vadPath, EP: ai.EPCPU})
	if err != nil {
		return nil, err
	}
	defer vad.Close()

	gate := ai.NewHysteresisGate(0.5, 0.35, 200)
	hangover := 700 * ai.VADSampleRate / 1000

	var regions [][]float32
	var current []float32
	silence := 0

	for start := 0; start+ai.VADWindowSamples <= len(samples); start += ai.VADWindowSamples {
		window := samples[start : start+ai.VADWindowSamples]
		score, err := vad.Score(window)
		if err != nil {
			return nil, err
		}
		speech := gate.Update(score)

		if current == nil {
			if speech {
				current = append(current, window...)
				silence = 0
			}
			continue
		}

		current = append(current, window...)
		if speech {
			silence = 0
		} else {
			silence += len(window)
			if silence >= hangover {
				regions = append(regions, current)
				current = nil
				silence = 0
			}
		}
	}
	if len(current) > 0 {
		regions = append(regions, current)
	}
	return regions, nil
}
