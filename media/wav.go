// Package media читает и пишет аудиофайлы: WAV для фикстур и дампов,
// MP3 для отладочных записей высказываний.
package media

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// WriteWAV сохраняет mono f32 сэмплы как PCM16 WAV.
func WriteWAV(path string, samples []float32, sampleRate int) error {
	buf := &bytes.Buffer{}

	writeU32 := func(v uint32) { _ = binary.Write(buf, binary.LittleEndian, v) }
	writeU16 := func(v uint16) { _ = binary.Write(buf, binary.LittleEndian, v) }

	dataBytes := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(dataBytes[i*2:], uint16(int16(math.Round(float64(s)*32767))))
	}

	buf.WriteString("RIFF")
	writeU32(36 + uint32(len(dataBytes)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	writeU32(16)
	writeU16(1) // PCM
	writeU16(1) // mono
	writeU32(uint32(sampleRate))
	writeU32(uint32(sampleRate * 2)) // byte rate
	writeU16(2)                      // block align
	writeU16(16)                     // bits per sample

	buf.WriteString("data")
	writeU32(uint32(len(dataBytes)))
	buf.Write(dataBytes)

	return os.WriteFile(path, buf.Bytes(), 0644)
}

// ReadWAV читает PCM16 WAV и возвращает mono f32 сэмплы с частотой файла.
// Многоканальные файлы сводятся в моно усреднением.
func ReadWAV(path string) ([]float32, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	if len(raw) < 44 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a WAV file: %s", path)
	}

	var sampleRate int
	var channels int
	var bitsPerSample int
	var data []byte

	// Проход по чанкам: fmt и data могут идти в любом порядке
	pos := 12
	for pos+8 <= len(raw) {
		chunkID := string(raw[pos : pos+4])
		chunkSize := int(binary.LittleEndian.Uint32(raw[pos+4 : pos+8]))
		body := pos + 8
		if body+chunkSize > len(raw) {
			chunkSize = len(raw) - body
		}
		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 {
				format := binary.LittleEndian.Uint16(raw[body:])
				if format != 1 {
					return nil, 0, fmt.Errorf("unsupported WAV format %d (PCM only)", format)
				}
				channels = int(binary.LittleEndian.Uint16(raw[body+2:]))
				sampleRate = int(binary.LittleEndian.Uint32(raw[body+4:]))
				bitsPerSample = int(binary.LittleEndian.Uint16(raw[body+14:]))
			}
		case "data":
			data = raw[body : body+chunkSize]
		}
		pos = body + chunkSize
		if chunkSize%2 == 1 {
			pos++
		}
	}

	if sampleRate == 0 || channels == 0 || data == nil {
		return nil, 0, fmt.Errorf("malformed WAV file: %s", path)
	}
	if bitsPerSample != 16 {
		return nil, 0, fmt.Errorf("unsupported WAV bit depth %d (16-bit only)", bitsPerSample)
	}

	frameBytes := channels * 2
	frames := len(data) / frameBytes
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sample := int16(binary.LittleEndian.Uint16(data[i*frameBytes+ch*2:]))
			sum += float32(sample) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono, sampleRate, nil
}
