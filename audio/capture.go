package audio

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// DeviceErrorKind классификация ошибок устройства для контроллера.
type DeviceErrorKind string

const (
	DeviceNotFound    DeviceErrorKind = "DeviceNotFound"
	DeviceBusy        DeviceErrorKind = "DeviceBusy"
	UnsupportedFormat DeviceErrorKind = "UnsupportedFormat"
	StreamError       DeviceErrorKind = "StreamError"
)

// DeviceError ошибка аудио устройства с видом и деталями.
type DeviceError struct {
	Kind   DeviceErrorKind
	Detail string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// DeviceInfo описание входного устройства с аннотациями для выбора микрофона.
type DeviceInfo struct {
	Name           string `json:"name"`
	IsDefault      bool   `json:"isDefault"`
	IsLoopbackLike bool   `json:"isLoopbackLike"`
	IsRecommended  bool   `json:"isRecommended"`
}

// Имена, типичные для захвата системного вывода - такие устройства
// не годятся как источник диктовки.
var loopbackKeywords = []string{
	"stereo mix",
	"wave out",
	"what u hear",
	"what you hear",
	"loopback",
	"virtual output",
	"monitor of",
	"blackhole",
	"speakers (",
	"headphones (",
}

var micPositiveKeywords = []string{
	"microphone",
	"mic",
	"array",
	"headset",
	"line in",
	"usb",
	"webcam",
	"yeti",
	"podcast",
}

// IsLoopbackLikeName возвращает true для устройств захвата системного вывода.
func IsLoopbackLikeName(name string) bool {
	lowered := strings.ToLower(strings.TrimSpace(name))
	for _, k := range loopbackKeywords {
		if strings.Contains(lowered, k) {
			return true
		}
	}
	return false
}

// MicPreferenceScore оценивает имя устройства как кандидата в микрофон
// диктовки. Чем выше, тем лучше; loopback-подобные имена получают штраф.
func MicPreferenceScore(name string) int {
	lowered := strings.ToLower(strings.TrimSpace(name))
	score := 0
	if !IsLoopbackLikeName(lowered) {
		score += 8
	} else {
		score -= 16
	}
	for _, k := range micPositiveKeywords {
		if strings.Contains(lowered, k) {
			score += 6
			break
		}
	}
	if strings.Contains(lowered, "default") {
		score++
	}
	return score
}

// AnnotateDevices проставляет isRecommended: лучший не-loopback вход,
// предпочитая устройство по умолчанию.
func AnnotateDevices(devices []DeviceInfo) []DeviceInfo {
	bestIdx := -1
	bestScore := math.MinInt32
	for i, d := range devices {
		score := MicPreferenceScore(d.Name)
		if d.IsDefault {
			score += 2
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx >= 0 {
		devices[bestIdx].IsRecommended = true
	}
	return devices
}

// FrameSink принимает mono f32 сэмплы с capture-потока.
// Реализация не должна блокироваться дольше пары миллисекунд.
type FrameSink interface {
	PushSlice(samples []float32) int
}

// Capture источник аудио: открывает выбранное устройство и стримит PCM
// в FrameSink. Устройство открывается с нативными частотой и каналами;
// каналы усредняются в моно прямо в callback'е, конверсию частоты
// делает пайплайн.
type Capture struct {
	ctx *malgo.AllocatedContext

	device     *malgo.Device
	deviceName string // пустое имя = устройство по умолчанию

	sampleRate uint32
	channels   uint32

	sink    FrameSink
	onError func(error)

	// Скретч-буферы callback'а: без аллокаций на горячем пути
	scratch     []float32
	monoScratch []float32

	mu              sync.Mutex
	running         bool
	restartAttempts int
}

// NewCapture инициализирует аудио контекст.
func NewCapture() (*Capture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, &DeviceError{Kind: StreamError, Detail: fmt.Sprintf("audio context init: %v", err)}
	}
	return &Capture{ctx: ctx}, nil
}

// ListDevices возвращает входные устройства с аннотациями.
func (c *Capture) ListDevices() ([]DeviceInfo, error) {
	infos, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, &DeviceError{Kind: StreamError, Detail: fmt.Sprintf("enumerate capture devices: %v", err)}
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for _, dev := range infos {
		name := dev.Name()
		devices = append(devices, DeviceInfo{
			Name:           name,
			IsDefault:      dev.IsDefault != 0,
			IsLoopbackLike: IsLoopbackLikeName(name),
		})
	}
	return AnnotateDevices(devices), nil
}

// SetErrorCallback устанавливает callback для ошибок потока.
func (c *Capture) SetErrorCallback(cb func(error)) {
	c.onError = cb
}

// SampleRate возвращает нативную частоту открытого устройства.
func (c *Capture) SampleRate() int { return int(c.sampleRate) }

// Channels возвращает количество каналов открытого устройства.
func (c *Capture) Channels() int { return int(c.channels) }

// Start открывает устройство по точному имени (пустое = по умолчанию)
// и начинает стримить сэмплы в sink.
func (c *Capture) Start(deviceName string, sink FrameSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return &DeviceError{Kind: DeviceBusy, Detail: "capture already running"}
	}

	c.sink = sink
	c.deviceName = deviceName
	c.restartAttempts = 0

	if err := c.openDeviceLocked(); err != nil {
		return err
	}

	c.running = true
	log.Printf("Audio capture started: device=%q rate=%d channels=%d",
		displayName(c.deviceName), c.sampleRate, c.channels)
	return nil
}

func (c *Capture) openDeviceLocked() error {
	var deviceID *malgo.DeviceID
	if c.deviceName != "" {
		infos, err := c.ctx.Devices(malgo.Capture)
		if err != nil {
			return &DeviceError{Kind: StreamError, Detail: fmt.Sprintf("enumerate capture devices: %v", err)}
		}
		for _, dev := range infos {
			if dev.Name() == c.deviceName {
				id := dev.ID
				deviceID = &id
				break
			}
		}
		if deviceID == nil {
			return &DeviceError{Kind: DeviceNotFound, Detail: c.deviceName}
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 0 // нативные каналы
	deviceConfig.SampleRate = 0       // нативная частота
	deviceConfig.Alsa.NoMMap = 1
	if deviceID != nil {
		deviceConfig.Capture.DeviceID = deviceID.Pointer()
	}

	onRecvFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		channels := int(c.channels)
		if channels == 0 {
			return
		}
		sampleCount := int(framecount) * channels
		if len(pInputSamples) < sampleCount*4 {
			return
		}

		if cap(c.scratch) < sampleCount {
			c.scratch = make([]float32, sampleCount)
		}
		samples := c.scratch[:sampleCount]
		for i := 0; i < sampleCount; i++ {
			bits := binary.LittleEndian.Uint32(pInputSamples[i*4:])
			samples[i] = math.Float32frombits(bits)
		}

		// Downmix в моно усреднением каналов
		mono := samples
		if channels > 1 {
			frames := int(framecount)
			if cap(c.monoScratch) < frames {
				c.monoScratch = make([]float32, frames)
			}
			mono = c.monoScratch[:frames]
			for i := 0; i < frames; i++ {
				var sum float32
				for ch := 0; ch < channels; ch++ {
					sum += samples[i*channels+ch]
				}
				mono[i] = sum / float32(channels)
			}
		}

		// Кольцо полно - пайплайн отстал. Блокироваться в RT callback
		// нельзя, сэмплы теряются.
		if pushed := c.sink.PushSlice(mono); pushed < len(mono) {
			log.Printf("Warning: ring buffer full, dropped %d samples", len(mono)-pushed)
		}
	}

	onStop := func() {
		c.handleStreamStop()
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
		Stop: onStop,
	})
	if err != nil {
		return classifyInitError(err)
	}

	c.sampleRate = device.SampleRate()
	c.channels = device.CaptureChannels()
	if c.sampleRate == 0 {
		device.Uninit()
		return &DeviceError{Kind: UnsupportedFormat, Detail: "device reported zero sample rate"}
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		return classifyInitError(err)
	}

	c.device = device
	return nil
}

// handleStreamStop вызывается malgo при неожиданной остановке потока.
// Одна попытка рестарта, дальше ошибка уходит контроллеру.
func (c *Capture) handleStreamStop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	if c.restartAttempts >= 1 {
		c.running = false
		cb := c.onError
		c.mu.Unlock()
		if cb != nil {
			cb(&DeviceError{Kind: StreamError, Detail: "capture stream stopped and restart failed"})
		}
		return
	}
	c.restartAttempts++
	log.Printf("Capture stream stopped unexpectedly, attempting restart (%d/1)", c.restartAttempts)

	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	err := c.openDeviceLocked()
	cb := c.onError
	if err != nil {
		c.running = false
	}
	c.mu.Unlock()
	if err != nil && cb != nil {
		cb(err)
	}
}

// Stop останавливает захват. Идемпотентен.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	log.Println("Audio capture stopped")
}

// Close освобождает ресурсы.
func (c *Capture) Close() {
	c.Stop()
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
}

func classifyInitError(err error) error {
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "busy") || strings.Contains(lowered, "in use"):
		return &DeviceError{Kind: DeviceBusy, Detail: msg}
	case strings.Contains(lowered, "format"):
		return &DeviceError{Kind: UnsupportedFormat, Detail: msg}
	default:
		return &DeviceError{Kind: StreamError, Detail: msg}
	}
}

func displayName(name string) string {
	if name == "" {
		return "(default)"
	}
	return name
}
