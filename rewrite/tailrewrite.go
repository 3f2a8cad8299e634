package rewrite

import (
	"strings"
	"time"
	"unicode"
)

// Параметры tail rewrite: защита от само-ревизии модели, когда новый
// финал повторяет и расширяет предыдущие.
const (
	tailWindow            = 6500 * time.Millisecond
	tailJaccardThreshold  = 0.62
	tailContainmentPrefix = 2
	tailMaxRewritten      = 2
	tailHistoryDepth      = 2
)

// TailSegment финал в истории tail rewriter'а.
type TailSegment struct {
	ID        string
	Text      string
	EmittedAt time.Time
	// Однажды переписанный сегмент стабилен и дальше не переписывается
	Rewritten bool
}

// TailOutcome результат обработки нового финала.
type TailOutcome struct {
	// Переписанные сегменты: тот же id, новый текст. Пустой текст -
	// ретракция (сегмент поглощён соседним).
	Superseded []TailSegment
	// true если новый финал поглощён переписыванием и отдельно
	// не публикуется
	Absorbed bool
}

// TailRewriter хранит хвост последних финалов и решает, является ли
// новый финал само-ревизией предыдущих.
type TailRewriter struct {
	history []TailSegment
}

// NewTailRewriter создаёт rewriter с пустой историей.
func NewTailRewriter() *TailRewriter {
	return &TailRewriter{}
}

// Reset очищает историю (на старте сессии прослушивания).
func (t *TailRewriter) Reset() {
	t.history = nil
}

// Process принимает новый финал и возвращает решение. Если новый текст
// сильно перекрывает предыдущие 1-2 финала в окне 6.5 с, вместо новой
// публикации переписываются их id: старейший получает новый текст,
// остальные ретрагируются пустым текстом.
func (t *TailRewriter) Process(id, text string, now time.Time) TailOutcome {
	defer t.push(TailSegment{ID: id, Text: text, EmittedAt: now})

	newTokens := tailTokens(text)
	if len(newTokens) == 0 {
		return TailOutcome{}
	}

	// Кандидаты: последние 1-2 финала в окне, от новых к старым
	var overlapped []int
	for i := len(t.history) - 1; i >= 0 && len(overlapped) < tailMaxRewritten; i-- {
		prev := t.history[i]
		if now.Sub(prev.EmittedAt) > tailWindow {
			break
		}
		if prev.Rewritten {
			// Стабильность: переписанный текст дальше не трогаем
			break
		}
		if !tailOverlaps(newTokens, tailTokens(prev.Text)) {
			break
		}
		overlapped = append(overlapped, i)
	}

	if len(overlapped) == 0 {
		return TailOutcome{}
	}

	// Старейший перекрытый id получает полный новый текст,
	// более новые ретрагируются
	oldest := overlapped[len(overlapped)-1]
	outcome := TailOutcome{Absorbed: true}
	outcome.Superseded = append(outcome.Superseded, TailSegment{
		ID:        t.history[oldest].ID,
		Text:      text,
		EmittedAt: now,
		Rewritten: true,
	})
	for k := len(overlapped) - 2; k >= 0; k-- {
		idx := overlapped[k]
		outcome.Superseded = append(outcome.Superseded, TailSegment{
			ID:        t.history[idx].ID,
			Text:      "",
			EmittedAt: now,
			Rewritten: true,
		})
	}

	// История: переписанные записи обновляются и помечаются стабильными
	t.history[oldest].Text = text
	t.history[oldest].Rewritten = true
	for k := len(overlapped) - 2; k >= 0; k-- {
		idx := overlapped[k]
		t.history[idx].Text = ""
		t.history[idx].Rewritten = true
	}

	return outcome
}

func (t *TailRewriter) push(seg TailSegment) {
	// Поглощённый финал в историю не попадает: его текст уже живёт
	// под переписанным id
	for _, h := range t.history {
		if h.Rewritten && h.Text == seg.Text {
			return
		}
	}
	t.history = append(t.history, seg)
	if len(t.history) > tailHistoryDepth {
		t.history = t.history[len(t.history)-tailHistoryDepth:]
	}
}

// tailOverlaps перекрытие по спецификации: общий префикс токенов
// >= min(6, len-1), ИЛИ Jaccard >= 0.62, ИЛИ вхождение с префиксом >= 2.
func tailOverlaps(newTokens, prevTokens []string) bool {
	if len(prevTokens) == 0 {
		return false
	}

	prefix := sharedPrefixLen(newTokens, prevTokens)
	prefixNeed := len(prevTokens) - 1
	if prefixNeed > 6 {
		prefixNeed = 6
	}
	if prefixNeed < 1 {
		prefixNeed = 1
	}
	if prefix >= prefixNeed {
		return true
	}

	if jaccard(newTokens, prevTokens) >= tailJaccardThreshold {
		return true
	}

	if prefix >= tailContainmentPrefix && containsSubsequence(newTokens, prevTokens) {
		return true
	}

	return false
}

func tailTokens(text string) []string {
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

func sharedPrefixLen(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// containsSubsequence возвращает true если haystack содержит needle
// как непрерывную подпоследовательность токенов.
func containsSubsequence(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
	for start := 0; start+len(needle) <= len(haystack); start++ {
		ok := true
		for i := range needle {
			if haystack[start+i] != needle[i] {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}
