package ai

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHasRepeatedNGram(t *testing.T) {
	// 3-грамма, повторённая 4 раза подряд - ловушка
	var looped []int64
	for i := 0; i < 4; i++ {
		looped = append(looped, 10, 20, 30)
	}
	if !hasRepeatedNGram(looped, 3, 4) {
		t.Error("expected repeated 3-gram trap to fire")
	}

	// Три повтора - ещё не ловушка
	if hasRepeatedNGram(looped[:9], 3, 4) {
		t.Error("three repeats should not fire")
	}

	normal := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	if hasRepeatedNGram(normal, 3, 4) {
		t.Error("non-repeating sequence should not fire")
	}
}

func TestPresentToPastName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"present.0.decoder.key", "past_key_values.0.decoder.key"},
		{"present_key_values.1.encoder.value", "past_key_values.1.encoder.value"},
		{"past_key_values.2.decoder.value", "past_key_values.2.decoder.value"},
		{"logits", ""},
	}
	for _, tc := range cases {
		if got := presentToPastName(tc.in); got != tc.want {
			t.Errorf("presentToPastName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCountContentTokens(t *testing.T) {
	if countContentTokens("  hello   world  ") != 2 {
		t.Error("expected 2 content tokens")
	}
	if countContentTokens("") != 0 {
		t.Error("expected 0 content tokens for empty text")
	}
}

func TestBuildPhraseBias(t *testing.T) {
	tok, err := LoadTokenizer(writeTestTokenizer(t))
	if err != nil {
		t.Fatal(err)
	}
	e := &WhisperEngine{tokenizer: tok}

	bias := e.buildPhraseBias([]string{"Lattice Labs"})
	if bias == nil {
		t.Fatal("expected non-nil bias for known term")
	}
	// Первый токен термина (ĠLattice = 6) получает полный бонус
	if !bias.firstTokens[6] {
		t.Errorf("firstTokens = %v, want token 6 boosted", bias.firstTokens)
	}

	boost := bias.boostFor(6, nil)
	if boost != phraseBiasBoost {
		t.Errorf("first-token boost = %v, want %v", boost, phraseBiasBoost)
	}

	// Продолжение термина: после токена 6 токен 7 получает затухший бонус
	boost = bias.boostFor(7, []int64{6})
	if boost <= 0 || boost >= phraseBiasBoost {
		t.Errorf("continuation boost = %v, want fading in (0, %v)", boost, phraseBiasBoost)
	}

	// Вне контекста термина бонуса нет
	if bias.boostFor(7, []int64{99}) != 0 {
		t.Error("continuation without prefix should get no boost")
	}
}

func TestBuildPhraseBiasEmpty(t *testing.T) {
	tok, err := LoadTokenizer(writeTestTokenizer(t))
	if err != nil {
		t.Fatal(err)
	}
	e := &WhisperEngine{tokenizer: tok}

	if e.buildPhraseBias(nil) != nil {
		t.Error("no terms should produce nil bias")
	}
	if e.buildPhraseBias([]string{"  "}) != nil {
		t.Error("blank terms should produce nil bias")
	}
}

func TestWarmUpFailsWithoutModelFiles(t *testing.T) {
	dir := t.TempDir()
	e := NewWhisperEngine(WhisperConfig{
		EncoderPath:   filepath.Join(dir, "encoder_model.onnx"),
		DecoderPath:   filepath.Join(dir, "decoder_model.onnx"),
		TokenizerPath: filepath.Join(dir, "tokenizer.json"),
	})
	if err := e.WarmUp(); err == nil {
		t.Fatal("expected warm-up failure for missing files")
	}
	if e.Loaded() {
		t.Fatal("engine must not report loaded after failed warm-up")
	}
}

// TestWhisperRealModel прогоняет настоящий экспорт, если он есть на хосте.
func TestWhisperRealModel(t *testing.T) {
	dir := os.Getenv("DICTUM_MODEL_DIR")
	if dir == "" {
		t.Skip("DICTUM_MODEL_DIR not set, skipping real model test")
	}
	e := NewWhisperEngine(WhisperConfig{
		EncoderPath:         filepath.Join(dir, "encoder_model.onnx"),
		DecoderPath:         filepath.Join(dir, "decoder_model.onnx"),
		DecoderWithPastPath: filepath.Join(dir, "decoder_with_past_model.onnx"),
		TokenizerPath:       filepath.Join(dir, "tokenizer.json"),
		EP:                  EPCPU,
	})
	if err := e.WarmUp(); err != nil {
		t.Fatalf("warm-up failed: %v", err)
	}
	defer e.Close()

	// Секунда тишины: декод не должен падать
	samples := make([]float32, VADSampleRate)
	tr, err := e.Transcribe(samples, false, nil)
	if err != nil {
		t.Fatalf("transcribe failed: %v", err)
	}
	t.Logf("silence decode: text=%q confidence=%v", tr.Text, tr.Confidence)
}
