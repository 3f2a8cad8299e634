package ai

import "testing"

func TestHysteresisGateEnterExit(t *testing.T) {
	// 200 мс = 6 окон по 30 мс (с округлением вниз)
	gate := NewHysteresisGate(0.5, 0.35, 200)

	if gate.Update(0.4) {
		t.Fatal("below enter threshold should stay silent")
	}
	if !gate.Update(0.6) {
		t.Fatal("score above enter threshold should enter speech")
	}

	// Между exit и enter: остаёмся в речи
	if !gate.Update(0.4) {
		t.Fatal("score between thresholds should keep speech state")
	}

	// Ниже exit, но hangover ещё не исчерпан
	for i := 0; i < 5; i++ {
		if !gate.Update(0.1) {
			t.Fatalf("window %d below exit should still report speech within hang", i)
		}
	}
	// Шестое низкое окно закрывает речь
	if gate.Update(0.1) {
		t.Fatal("hangover exhausted, should flip to silence")
	}
}

func TestHysteresisGateRecoversWithinHang(t *testing.T) {
	gate := NewHysteresisGate(0.5, 0.35, 200)
	gate.Update(0.9)

	// Короткий провал ниже exit сбрасывается возвратом score
	gate.Update(0.1)
	gate.Update(0.1)
	if !gate.Update(0.8) {
		t.Fatal("recovery should keep speech")
	}
	// Счётчик провалов сброшен: снова полный hangover
	for i := 0; i < 5; i++ {
		if !gate.Update(0.1) {
			t.Fatalf("window %d should still be speech after recovery", i)
		}
	}
	if gate.Update(0.1) {
		t.Fatal("expected silence after full hang")
	}
}

func TestHysteresisGateReset(t *testing.T) {
	gate := NewHysteresisGate(0.5, 0.35, 200)
	gate.Update(0.9)
	gate.Reset()
	if gate.InSpeech() {
		t.Fatal("reset should clear speech state")
	}
}

func TestEnergyVADScore(t *testing.T) {
	vad := NewEnergyVAD(0.02)

	silence := make([]float32, VADWindowSamples)
	score, err := vad.Score(silence)
	if err != nil {
		t.Fatal(err)
	}
	if score != 0 {
		t.Errorf("silence score = %v, want 0", score)
	}

	loud := make([]float32, VADWindowSamples)
	for i := range loud {
		loud[i] = 0.5
	}
	score, err = vad.Score(loud)
	if err != nil {
		t.Fatal(err)
	}
	if score < 0.9 {
		t.Errorf("loud score = %v, want near 1", score)
	}
}
