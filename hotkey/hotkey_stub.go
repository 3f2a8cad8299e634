//go:build !windows

// Package hotkey регистрирует глобальный хоткей переключения диктовки.
package hotkey

import "log"

// Listener заглушка: глобальные хоткеи реализованы только на Windows.
type Listener struct{}

// Register на не-Windows платформах ничего не регистрирует.
// Управление остаётся доступным через API слой.
func Register(shortcut string, onToggle func()) (*Listener, error) {
	log.Printf("Global hotkey %q not registered: unsupported platform", shortcut)
	return &Listener{}, nil
}

// Close no-op.
func (l *Listener) Close() {}
