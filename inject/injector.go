// Package inject доставляет финальный текст в сфокусированное чужое окно
// синтетическим вводом (C10).
package inject

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Mode режим доставки текста.
type Mode string

const (
	ModeSendInput Mode = "sendinput"
	ModeClipboard Mode = "clipboard-paste"
	ModeOff       Mode = "off"
)

// NewlinePolicy что делать с LF в тексте.
type NewlinePolicy string

const (
	NewlineEnter NewlinePolicy = "enter" // LF -> клавиша Enter (CR)
	NewlineSkip  NewlinePolicy = "skip"  // LF выбрасывается
)

// Result итог одной инъекции для диагностики.
type Result struct {
	Attempted bool
	Success   bool
	Detail    string
	// Метаданные сфокусированного окна при отказе
	FocusedProcess string
}

// dedupeWindow окно подавления дословных повторов финала.
const dedupeWindow = 700 * time.Millisecond

// clipboardRestoreDelay минимальная задержка перед восстановлением
// буфера обмена: целевое приложение должно успеть прочитать вставку.
const clipboardRestoreDelay = 150 * time.Millisecond

// Injector сериализованный инжектор: инъекции никогда не идут
// параллельно - порядок букв в чужом окне святой.
type Injector struct {
	mode          func() Mode
	newlinePolicy NewlinePolicy
	// OwnWindowTitles окна самого приложения: в них не печатаем
	ownWindowTitles []string

	mu           sync.Mutex
	lastInjected string
	lastAt       time.Time
}

// New создаёт инжектор. mode читается на каждой инъекции - переключение
// режима применяется горячо.
func New(mode func() Mode, ownTitles []string) *Injector {
	return &Injector{
		mode:            mode,
		newlinePolicy:   NewlineEnter,
		ownWindowTitles: ownTitles,
	}
}

// SetNewlinePolicy настраивает обработку переводов строки.
func (inj *Injector) SetNewlinePolicy(policy NewlinePolicy) {
	inj.newlinePolicy = policy
}

// Inject доставляет финальный текст. Вызовы сериализуются мьютексом;
// повторный идентичный текст в окне 700 мс подавляется.
func (inj *Injector) Inject(text string) Result {
	inj.mu.Lock()
	defer inj.mu.Unlock()

	text = strings.TrimRight(text, "\n")
	if text == "" {
		return Result{}
	}

	mode := inj.mode()
	if mode == ModeOff {
		// Текст всё равно уходит событием, просто не печатается
		return Result{}
	}

	now := time.Now()
	if inj.lastInjected == text && now.Sub(inj.lastAt) <= dedupeWindow {
		log.Println("Skipping duplicate final within dedupe window")
		return Result{}
	}

	// В собственное окно не печатаем - иначе диктовка зациклится
	// на панели самого приложения
	if title, own := focusedWindowIsOwn(inj.ownWindowTitles); own {
		log.Printf("Focus is on own window %q, skipping injection", title)
		return Result{}
	}

	// Повторный вход с зажатым хоткеем ломает ввод: сначала ждём
	// отпускания модификаторов
	waitModifiersReleased()

	payload := text + " "
	if inj.newlinePolicy == NewlineSkip {
		payload = strings.ReplaceAll(payload, "\n", "")
	}

	var err error
	switch mode {
	case ModeClipboard:
		err = injectViaClipboard(payload)
	default:
		err = injectViaSendInput(payload, inj.newlinePolicy)
	}

	result := Result{Attempted: true}
	if err != nil {
		result.Detail = err.Error()
		result.FocusedProcess = foregroundProcessName()
		log.Printf("Text injection failed (focused=%q): %v", result.FocusedProcess, err)
		return result
	}

	result.Success = true
	inj.lastInjected = text
	inj.lastAt = now
	return result
}

// splitUTF16 разбивает строку на UTF-16 code units с корректными
// суррогатными парами - SendInput оперирует именно ими.
func splitUTF16(text string) []uint16 {
	var units []uint16
	for _, r := range text {
		if r < 0x10000 {
			units = append(units, uint16(r))
			continue
		}
		// Суррогатная пара для символов вне BMP
		r -= 0x10000
		units = append(units, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
	}
	return units
}

func unsupportedPlatformError(op string) error {
	return fmt.Errorf("%s is not supported on this platform", op)
}
