//go:build windows

package inject

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32   = windows.NewLazySystemDLL("user32.dll")
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procSendInput                 = user32.NewProc("SendInput")
	procGetAsyncKeyState          = user32.NewProc("GetAsyncKeyState")
	procGetForegroundWindow       = user32.NewProc("GetForegroundWindow")
	procGetWindowThreadProcessId  = user32.NewProc("GetWindowThreadProcessId")
	procGetWindowTextW            = user32.NewProc("GetWindowTextW")
	procOpenClipboard             = user32.NewProc("OpenClipboard")
	procCloseClipboard            = user32.NewProc("CloseClipboard")
	procEmptyClipboard            = user32.NewProc("EmptyClipboard")
	procGetClipboardData          = user32.NewProc("GetClipboardData")
	procSetClipboardData          = user32.NewProc("SetClipboardData")
	procIsClipboardFormatAvail    = user32.NewProc("IsClipboardFormatAvailable")
	procGlobalAlloc               = kernel32.NewProc("GlobalAlloc")
	procGlobalLock                = kernel32.NewProc("GlobalLock")
	procGlobalUnlock              = kernel32.NewProc("GlobalUnlock")
)

const (
	inputKeyboard      = 1
	keyeventfKeyup     = 0x0002
	keyeventfUnicode   = 0x0004
	cfUnicodeText      = 13
	gmemMoveable       = 0x0002
	vkControl          = 0x11
	vkShift            = 0x10
	vkMenu             = 0x12
	vkLWin             = 0x5B
	vkRWin             = 0x5C
	vkReturn           = 0x0D
	vkV                = 0x56
	injectChunkUnits   = 160
)

type keybdInput struct {
	Type uint32
	_    uint32 // выравнивание до 8 байт перед union
	Ki   struct {
		Vk        uint16
		Scan      uint16
		Flags     uint32
		Time      uint32
		ExtraInfo uintptr
	}
	_ [8]byte // хвост union до размера MOUSEINPUT
}

func sendInputs(inputs []keybdInput) error {
	if len(inputs) == 0 {
		return nil
	}
	sent, _, lastErr := procSendInput.Call(
		uintptr(len(inputs)),
		uintptr(unsafe.Pointer(&inputs[0])),
		unsafe.Sizeof(inputs[0]),
	)
	if int(sent) != len(inputs) {
		return fmt.Errorf("SendInput sent %d/%d events: %v", sent, len(inputs), lastErr)
	}
	return nil
}

func keyEvent(vk, scan uint16, flags uint32) keybdInput {
	var in keybdInput
	in.Type = inputKeyboard
	in.Ki.Vk = vk
	in.Ki.Scan = scan
	in.Ki.Flags = flags
	return in
}

// injectViaSendInput печатает текст посимвольно через KEYEVENTF_UNICODE.
// LF конвертируется в нажатие Enter согласно политике.
func injectViaSendInput(text string, newline NewlinePolicy) error {
	units := splitUTF16(text)

	var inputs []keybdInput
	flush := func() error {
		if len(inputs) == 0 {
			return nil
		}
		err := sendInputs(inputs)
		inputs = inputs[:0]
		return err
	}

	for _, unit := range units {
		if unit == '\n' {
			if newline == NewlineSkip {
				continue
			}
			// Enter как виртуальная клавиша, не unicode-скан
			inputs = append(inputs,
				keyEvent(vkReturn, 0, 0),
				keyEvent(vkReturn, 0, keyeventfKeyup),
			)
		} else {
			inputs = append(inputs,
				keyEvent(0, unit, keyeventfUnicode),
				keyEvent(0, unit, keyeventfUnicode|keyeventfKeyup),
			)
		}
		if len(inputs) >= injectChunkUnits*2 {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// injectViaClipboard сохраняет буфер, подставляет текст, шлёт Ctrl+V
// и восстанавливает прежнее содержимое. Обязательный путь для
// приложений, глушащих синтетические keypress'ы.
func injectViaClipboard(text string) error {
	previous, hadPrevious := readClipboardText()

	if err := setClipboardText(text); err != nil {
		return err
	}

	pasteErr := sendKeyChord([]uint16{vkControl}, vkV)

	if hadPrevious {
		time.Sleep(clipboardRestoreDelay)
		if err := setClipboardText(previous); err != nil {
			return fmt.Errorf("paste ok but clipboard restore failed: %w", err)
		}
	}
	return pasteErr
}

func sendKeyChord(modifiers []uint16, key uint16) error {
	inputs := make([]keybdInput, 0, len(modifiers)*2+2)
	for _, vk := range modifiers {
		inputs = append(inputs, keyEvent(vk, 0, 0))
	}
	inputs = append(inputs, keyEvent(key, 0, 0), keyEvent(key, 0, keyeventfKeyup))
	for i := len(modifiers) - 1; i >= 0; i-- {
		inputs = append(inputs, keyEvent(modifiers[i], 0, keyeventfKeyup))
	}
	return sendInputs(inputs)
}

// waitModifiersReleased ждёт отпускания модификаторов хоткея
// (ограниченно), чтобы Ctrl+Shift не склеился с печатаемым текстом.
func waitModifiersReleased() {
	isDown := func(vk int) bool {
		state, _, _ := procGetAsyncKeyState.Call(uintptr(vk))
		return state&0x8000 != 0
	}
	for attempt := 0; attempt < 7; attempt++ {
		if !isDown(vkControl) && !isDown(vkShift) && !isDown(vkMenu) &&
			!isDown(vkLWin) && !isDown(vkRWin) {
			return
		}
		time.Sleep(3 * time.Millisecond)
	}
}

func focusedWindowIsOwn(ownTitles []string) (string, bool) {
	hwnd, _, _ := procGetForegroundWindow.Call()
	if hwnd == 0 {
		return "", false
	}
	buf := make([]uint16, 256)
	n, _, _ := procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	title := windows.UTF16ToString(buf[:n])
	for _, own := range ownTitles {
		if own != "" && strings.Contains(title, own) {
			return title, true
		}
	}
	return title, false
}

func foregroundProcessName() string {
	hwnd, _, _ := procGetForegroundWindow.Call()
	if hwnd == 0 {
		return ""
	}
	var pid uint32
	procGetWindowThreadProcessId.Call(hwnd, uintptr(unsafe.Pointer(&pid)))
	if pid == 0 {
		return ""
	}
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return ""
	}
	defer windows.CloseHandle(handle)
	buf := make([]uint16, 1024)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(handle, 0, &buf[0], &size); err != nil {
		return ""
	}
	full := windows.UTF16ToString(buf[:size])
	return strings.ToLower(filepath.Base(full))
}

func openClipboardRetry() bool {
	for attempt := 0; attempt < 8; attempt++ {
		ok, _, _ := procOpenClipboard.Call(0)
		if ok != 0 {
			return true
		}
		time.Sleep(8 * time.Millisecond)
	}
	return false
}

func readClipboardText() (string, bool) {
	if !openClipboardRetry() {
		return "", false
	}
	defer procCloseClipboard.Call()

	avail, _, _ := procIsClipboardFormatAvail.Call(cfUnicodeText)
	if avail == 0 {
		return "", false
	}
	h, _, _ := procGetClipboardData.Call(cfUnicodeText)
	if h == 0 {
		return "", false
	}
	ptr, _, _ := procGlobalLock.Call(h)
	if ptr == 0 {
		return "", false
	}
	defer procGlobalUnlock.Call(h)

	var units []uint16
	for offset := uintptr(0); ; offset += 2 {
		unit := *(*uint16)(unsafe.Pointer(ptr + offset))
		if unit == 0 {
			break
		}
		units = append(units, unit)
	}
	return windows.UTF16ToString(units), true
}

func setClipboardText(text string) error {
	units, err := windows.UTF16FromString(text)
	if err != nil {
		return err
	}
	bytes := uintptr(len(units) * 2)

	if !openClipboardRetry() {
		return fmt.Errorf("OpenClipboard failed")
	}
	defer procCloseClipboard.Call()

	if ok, _, _ := procEmptyClipboard.Call(); ok == 0 {
		return fmt.Errorf("EmptyClipboard failed")
	}
	hmem, _, _ := procGlobalAlloc.Call(gmemMoveable, bytes)
	if hmem == 0 {
		return fmt.Errorf("GlobalAlloc failed")
	}
	ptr, _, _ := procGlobalLock.Call(hmem)
	if ptr == 0 {
		return fmt.Errorf("GlobalLock failed")
	}
	for i, unit := range units {
		*(*uint16)(unsafe.Pointer(ptr + uintptr(i*2))) = unit
	}
	procGlobalUnlock.Call(hmem)

	if ok, _, _ := procSetClipboardData.Call(cfUnicodeText, hmem); ok == 0 {
		return fmt.Errorf("SetClipboardData failed")
	}
	return nil
}
