//go:build !windows

package inject

// Синтетический ввод реализован только для Windows. На остальных
// платформах инъекция сообщает об отказе, событие с текстом всё равно
// уходит подписчикам.

func injectViaSendInput(text string, newline NewlinePolicy) error {
	return unsupportedPlatformError("sendinput injection")
}

func injectViaClipboard(text string) error {
	return unsupportedPlatformError("clipboard injection")
}

func waitModifiersReleased() {}

func focusedWindowIsOwn(ownTitles []string) (string, bool) {
	return "", false
}

func foregroundProcessName() string { return "" }
