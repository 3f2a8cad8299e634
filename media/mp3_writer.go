package media

import (
	"fmt"
	"os"
	"sync"

	"github.com/braheezy/shine-mp3/pkg/mp3"
)

// MP3Writer стриминговый MP3 писатель (чистый Go, shine-mp3).
// Используется отладочным дампом высказываний: DICTUM_DEBUG_DUMP_DIR.
type MP3Writer struct {
	file       *os.File
	encoder    *mp3.Encoder
	sampleRate int

	// shine кодирует блоками по 1152 сэмпла; буфер отдаётся кодеру, когда
	// в нём набралось не меньше четырёх блоков (длина не выравнивается)
	buffer []int16

	samplesWritten int64
	mu             sync.Mutex
	closed         bool
}

// NewMP3Writer создаёт mono MP3 файл.
func NewMP3Writer(path string, sampleRate int) (*MP3Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return &MP3Writer{
		file:       file,
		encoder:    mp3.NewEncoder(sampleRate, 1),
		sampleRate: sampleRate,
		buffer:     make([]int16, 0, 8192),
	}, nil
}

// Write добавляет f32 сэмплы в поток.
func (w *MP3Writer) Write(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	for _, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		w.buffer = append(w.buffer, int16(s*32767))
	}
	w.samplesWritten += int64(len(samples))

	const minBlock = 1152 * 4
	if len(w.buffer) >= minBlock {
		w.encoder.Write(w.file, w.buffer)
		w.buffer = w.buffer[:0]
	}
	return nil
}

// Close дописывает остаток и закрывает файл.
func (w *MP3Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if len(w.buffer) > 0 {
		w.encoder.Write(w.file, w.buffer)
		w.buffer = nil
	}
	return w.file.Close()
}

// DumpUtterance сохраняет PCM высказывания одним MP3 файлом.
func DumpUtterance(path string, samples []float32, sampleRate int) error {
	writer, err := NewMP3Writer(path, sampleRate)
	if err != nil {
		return err
	}
	if err := writer.Write(samples); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}
