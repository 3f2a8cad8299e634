//go:build windows

// Package hotkey регистрирует глобальный хоткей переключения диктовки.
package hotkey

import (
	"fmt"
	"log"
	"runtime"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32                = windows.NewLazySystemDLL("user32.dll")
	procRegisterHotKey    = user32.NewProc("RegisterHotKey")
	procUnregisterHotKey  = user32.NewProc("UnregisterHotKey")
	procGetMessageW       = user32.NewProc("GetMessageW")
	procPostThreadMessage = user32.NewProc("PostThreadMessageW")
	kernel32              = windows.NewLazySystemDLL("kernel32.dll")
	procGetCurrentThread  = kernel32.NewProc("GetCurrentThreadId")
)

const (
	modAlt     = 0x0001
	modControl = 0x0002
	modShift   = 0x0004
	modWin     = 0x0008

	wmHotkey = 0x0312
	wmQuit   = 0x0012

	hotkeyID = 1
)

type msg struct {
	Hwnd    uintptr
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      struct{ X, Y int32 }
}

// Listener глобальный хоткей. Живёт на собственном OS-потоке:
// RegisterHotKey и GetMessage привязаны к потоку регистрации.
type Listener struct {
	threadID uint32
	done     chan struct{}
}

// Register регистрирует shortcut вида "Ctrl+Shift+Space" и зовёт onToggle
// на каждое нажатие. Коалесценцию повторов делает контроллер.
func Register(shortcut string, onToggle func()) (*Listener, error) {
	mods, vk, err := parseShortcut(shortcut)
	if err != nil {
		return nil, err
	}

	l := &Listener{done: make(chan struct{})}
	ready := make(chan error, 1)

	go func() {
		// Хоткей и очередь сообщений принадлежат одному OS-потоку
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(l.done)

		tid, _, _ := procGetCurrentThread.Call()
		l.threadID = uint32(tid)

		ok, _, lastErr := procRegisterHotKey.Call(0, hotkeyID, uintptr(mods), uintptr(vk))
		if ok == 0 {
			ready <- fmt.Errorf("RegisterHotKey(%s) failed: %v", shortcut, lastErr)
			return
		}
		defer procUnregisterHotKey.Call(0, hotkeyID)
		ready <- nil
		log.Printf("Global hotkey registered: %s", shortcut)

		var m msg
		for {
			ret, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
			if int32(ret) <= 0 {
				return
			}
			if m.Message == wmHotkey && m.WParam == hotkeyID {
				onToggle()
			}
		}
	}()

	if err := <-ready; err != nil {
		return nil, err
	}
	return l, nil
}

// Close снимает регистрацию и завершает поток слушателя.
func (l *Listener) Close() {
	if l.threadID != 0 {
		procPostThreadMessage.Call(uintptr(l.threadID), wmQuit, 0, 0)
	}
	<-l.done
}

// parseShortcut разбирает строку вида "Ctrl+Shift+Space".
func parseShortcut(shortcut string) (mods uint32, vk uint32, err error) {
	parts := strings.Split(shortcut, "+")
	if len(parts) == 0 {
		return 0, 0, fmt.Errorf("empty shortcut")
	}
	for i, part := range parts {
		token := strings.ToLower(strings.TrimSpace(part))
		isLast := i == len(parts)-1
		switch token {
		case "ctrl", "control":
			mods |= modControl
		case "shift":
			mods |= modShift
		case "alt":
			mods |= modAlt
		case "win", "super", "meta":
			mods |= modWin
		default:
			if !isLast {
				return 0, 0, fmt.Errorf("unknown modifier %q in shortcut %q", part, shortcut)
			}
			vk, err = keyNameToVK(token)
			if err != nil {
				return 0, 0, err
			}
		}
	}
	if vk == 0 {
		return 0, 0, fmt.Errorf("shortcut %q has no key", shortcut)
	}
	return mods, vk, nil
}

func keyNameToVK(name string) (uint32, error) {
	switch name {
	case "space":
		return 0x20, nil
	case "enter", "return":
		return 0x0D, nil
	case "tab":
		return 0x09, nil
	case "escape", "esc":
		return 0x1B, nil
	case "backspace":
		return 0x08, nil
	}
	if len(name) == 1 {
		c := name[0]
		if c >= 'a' && c <= 'z' {
			return uint32(c - 'a' + 'A'), nil
		}
		if c >= '0' && c <= '9' {
			return uint32(c), nil
		}
	}
	if strings.HasPrefix(name, "f") && len(name) <= 3 {
		var n int
		if _, err := fmt.Sscanf(name, "f%d", &n); err == nil && n >= 1 && n <= 24 {
			return uint32(0x70 + n - 1), nil
		}
	}
	return 0, fmt.Errorf("unknown key %q", name)
}
