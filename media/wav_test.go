package media

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")

	in := make([]float32, 16000)
	for i := range in {
		in[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	if err := WriteWAV(path, in, 16000); err != nil {
		t.Fatal(err)
	}

	out, rate, err := ReadWAV(path)
	if err != nil {
		t.Fatal(err)
	}
	if rate != 16000 {
		t.Fatalf("rate = %d", rate)
	}
	if len(out) != len(in) {
		t.Fatalf("samples = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1.0/32000 {
			t.Fatalf("sample %d: %v != %v", i, out[i], in[i])
		}
	}
}

func TestReadWAVRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	if err := os.WriteFile(path, []byte("definitely not a RIFF/WAVE file"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadWAV(path); err == nil {
		t.Fatal("garbage file must error")
	}
	if _, _, err := ReadWAV(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Fatal("missing file must error")
	}
}

func TestMP3WriterProducesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.mp3")

	// 32 kHz: MPEG-1 Layer III, поддерживается и кодером, и декодером
	const rate = 32000
	samples := make([]float32, rate)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/rate))
	}
	if err := DumpUtterance(path, samples, rate); err != nil {
		t.Fatal(err)
	}

	mono, decodedRate, err := ReadMP3Mono(path)
	if err != nil {
		t.Fatal(err)
	}
	if decodedRate != rate {
		t.Fatalf("decoded rate = %d", decodedRate)
	}
	if len(mono) < rate/2 {
		t.Fatalf("decoded only %d samples", len(mono))
	}
}
