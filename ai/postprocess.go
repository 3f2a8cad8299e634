package ai

import (
	"strings"
	"unicode"
)

// PostprocessText чистит сырой вывод декодера: схлопывает пробелы,
// убирает пробел перед знаками препинания и ведущие артефакты,
// капитализирует начала предложений, ставит точку длинным фразам.
func PostprocessText(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}

	var sb strings.Builder
	sb.Grow(len(trimmed) + 8)
	prevSpace := false
	for _, ch := range trimmed {
		if unicode.IsSpace(ch) {
			if !prevSpace {
				sb.WriteByte(' ')
			}
			prevSpace = true
			continue
		}
		if strings.ContainsRune(".,!?;:", ch) && prevSpace {
			// Съедаем пробел перед знаком препинания
			s := sb.String()
			sb.Reset()
			sb.WriteString(strings.TrimRight(s, " "))
		}
		sb.WriteRune(ch)
		prevSpace = false
	}
	out := strings.TrimSpace(sb.String())

	// Ведущая пунктуация - артефакт рестарта декодера
	out = strings.TrimLeft(out, ",;:.!? ")

	// Местоимение "i" всегда с заглавной
	words := strings.Fields(out)
	for i, w := range words {
		if w == "i" {
			words[i] = "I"
		}
	}
	out = strings.Join(words, " ")

	out = capitalizeSentenceStarts(out)

	// Терминальная пунктуация для длинных фраз
	if len(words) >= 8 && !strings.HasSuffix(out, ".") &&
		!strings.HasSuffix(out, "!") && !strings.HasSuffix(out, "?") {
		out += "."
	}

	return out
}

func capitalizeSentenceStarts(text string) string {
	runes := []rune(text)
	capNext := true
	for i, ch := range runes {
		if capNext && ch >= 'a' && ch <= 'z' {
			runes[i] = unicode.ToUpper(ch)
			capNext = false
		} else if unicode.IsLetter(ch) {
			capNext = false
		}
		if ch == '.' || ch == '!' || ch == '?' {
			capNext = true
		}
	}
	return string(runes)
}

// IsDegenerateText детектирует вырожденные повторы - частый режим
// галлюцинации Whisper на шуме.
func IsDegenerateText(text string) bool {
	words := normalizedWords(text)
	if len(words) < 6 {
		return false
	}

	unique := make(map[string]bool, len(words))
	for _, w := range words {
		unique[w] = true
	}
	if len(unique) <= 2 {
		return true
	}
	if len(words) >= 12 && len(unique)*100/len(words) <= 30 {
		return true
	}

	if maxSameWordRun(words) >= 4 {
		return true
	}

	return hasRepeatingPhrase(words, 1, 3) ||
		hasRepeatingPhrase(words, 2, 3) ||
		hasRepeatingPhrase(words, 3, 3)
}

// IsLowQualityText расширяет проверку вырожденности эвристиками
// по длительности аудио.
func IsLowQualityText(text string, audioSeconds float32) bool {
	if IsDegenerateText(text) {
		return true
	}
	if hasDigitHallucination(text) {
		return true
	}
	words := len(strings.Fields(text))
	if audioSeconds >= 8.0 && words <= 1 {
		return true
	}
	if audioSeconds >= 14.0 && words <= 2 {
		return true
	}
	return false
}

// LikelyTruncated возвращает true если текст подозрительно короток
// для длительности аудио.
func LikelyTruncated(text string, audioSeconds float32) bool {
	words := len(strings.Fields(text))
	if audioSeconds >= 10.0 && words <= 8 {
		return true
	}
	if audioSeconds >= 6.0 && words <= 4 {
		return true
	}
	return false
}

// IsRedactedText детектирует выводы из одних звёздочек (редактированный
// текст системных распознавателей) - такое никогда не печатаем.
func IsRedactedText(text string) bool {
	total := 0
	stars := 0
	for _, c := range text {
		if unicode.IsSpace(c) {
			continue
		}
		total++
		if c == '*' {
			stars++
		}
	}
	return total >= 6 && stars*100/total >= 80
}

func hasDigitHallucination(text string) bool {
	sameRun := 0
	var last rune
	for _, c := range text {
		if c >= '0' && c <= '9' {
			if c == last {
				sameRun++
			} else {
				sameRun = 1
				last = c
			}
			if sameRun >= 5 {
				return true
			}
		} else {
			sameRun = 0
			last = 0
		}
	}

	for _, token := range strings.Fields(text) {
		var digits []rune
		for _, c := range token {
			if c >= '0' && c <= '9' {
				digits = append(digits, c)
			}
		}
		if len(digits) >= 6 {
			unique := make(map[rune]bool)
			for _, d := range digits {
				unique[d] = true
			}
			if len(unique) == 1 {
				return true
			}
		}
	}
	return false
}

func normalizedWords(text string) []string {
	var out []string
	for _, raw := range strings.Fields(text) {
		var sb strings.Builder
		for _, c := range raw {
			if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '\'' {
				sb.WriteRune(unicode.ToLower(c))
			}
		}
		if sb.Len() > 0 {
			out = append(out, sb.String())
		}
	}
	return out
}

func maxSameWordRun(words []string) int {
	if len(words) == 0 {
		return 0
	}
	maxRun, run := 1, 1
	for i := 1; i < len(words); i++ {
		if words[i] == words[i-1] {
			run++
			if run > maxRun {
				maxRun = run
			}
		} else {
			run = 1
		}
	}
	return maxRun
}

func hasRepeatingPhrase(words []string, phraseLen, repeats int) bool {
	span := phraseLen * repeats
	if phraseLen == 0 || repeats < 2 || len(words) < span {
		return false
	}
	for start := 0; start+span <= len(words); start++ {
		base := words[start : start+phraseLen]
		ok := true
		for r := 1; r < repeats && ok; r++ {
			s := start + r*phraseLen
			for i := 0; i < phraseLen; i++ {
				if words[s+i] != base[i] {
					ok = false
					break
				}
			}
		}
		if ok {
			return true
		}
	}
	return false
}
