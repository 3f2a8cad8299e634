package ai

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Tokenizer минимальный загрузчик HuggingFace tokenizer.json для Whisper:
// словарь byte-level BPE для детокенизации и поиск id спец-токенов.
// Полный encode не нужен - декодер порождает id, а не текст.
type Tokenizer struct {
	idToToken map[int64]string
	tokenToID map[string]int64
	special   map[int64]bool

	byteDecoder map[rune]byte
	byteEncoder map[byte]rune
}

type tokenizerFile struct {
	AddedTokens []struct {
		ID      int64  `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Model struct {
		Vocab map[string]int64 `json:"vocab"`
	} `json:"model"`
}

// LoadTokenizer читает tokenizer.json.
func LoadTokenizer(path string) (*Tokenizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer: %w", err)
	}

	var file tokenizerFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer: %w", err)
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer vocab is empty: %s", path)
	}

	t := &Tokenizer{
		idToToken: make(map[int64]string, len(file.Model.Vocab)+len(file.AddedTokens)),
		tokenToID: make(map[string]int64, len(file.Model.Vocab)+len(file.AddedTokens)),
		special:   make(map[int64]bool, len(file.AddedTokens)),
	}
	t.byteEncoder, t.byteDecoder = buildByteMaps()

	for token, id := range file.Model.Vocab {
		t.idToToken[id] = token
		t.tokenToID[token] = id
	}
	for _, added := range file.AddedTokens {
		t.idToToken[added.ID] = added.Content
		t.tokenToID[added.Content] = added.ID
		if added.Special || strings.HasPrefix(added.Content, "<|") {
			t.special[added.ID] = true
		}
	}

	return t, nil
}

// VocabSize возвращает размер словаря вместе со спец-токенами.
func (t *Tokenizer) VocabSize() int { return len(t.idToToken) }

// TokenToID ищет id точного токена (спец-токены по содержимому,
// обычные - в byte-level представлении).
func (t *Tokenizer) TokenToID(token string) (int64, bool) {
	if id, ok := t.tokenToID[token]; ok {
		return id, true
	}
	if id, ok := t.tokenToID[t.textToByteLevel(token)]; ok {
		return id, true
	}
	return 0, false
}

// IsSpecial возвращает true для спец-токенов и timestamp-токенов.
func (t *Tokenizer) IsSpecial(id int64) bool {
	return t.special[id]
}

// Decode детокенизирует последовательность id в Unicode текст,
// пропуская спец-токены.
func (t *Tokenizer) Decode(ids []int64) string {
	var bytes []byte
	for _, id := range ids {
		if t.special[id] {
			continue
		}
		token, ok := t.idToToken[id]
		if !ok {
			continue
		}
		for _, r := range token {
			if b, ok := t.byteDecoder[r]; ok {
				bytes = append(bytes, b)
			} else {
				// Неожиданный символ вне byte-level алфавита - берём как есть
				bytes = append(bytes, []byte(string(r))...)
			}
		}
	}
	return string(bytes)
}

// EncodeGreedy жадно токенизирует текст наибольшими совпадениями словаря.
// Точности BPE-merges здесь не требуется: используется только для
// phrase-bias терминов, где важны первые токены последовательности.
func (t *Tokenizer) EncodeGreedy(text string, maxTokens int) []int64 {
	level := t.textToByteLevel(text)
	runes := []rune(level)

	var out []int64
	i := 0
	for i < len(runes) && len(out) < maxTokens {
		matched := false
		// Ограничиваем длину кандидата разумным максимумом BPE-токена
		end := i + 32
		if end > len(runes) {
			end = len(runes)
		}
		for j := end; j > i; j-- {
			if id, ok := t.tokenToID[string(runes[i:j])]; ok {
				out = append(out, id)
				i = j
				matched = true
				break
			}
		}
		if !matched {
			i++
		}
	}
	return out
}

func (t *Tokenizer) textToByteLevel(text string) string {
	var sb strings.Builder
	for _, b := range []byte(text) {
		sb.WriteRune(t.byteEncoder[b])
	}
	return sb.String()
}

// buildByteMaps строит GPT-2 byte-level отображение байт <-> юникод символ.
func buildByteMaps() (map[byte]rune, map[rune]byte) {
	var bs []int
	for b := int('!'); b <= int('~'); b++ {
		bs = append(bs, b)
	}
	for b := 0xA1; b <= 0xAC; b++ {
		bs = append(bs, b)
	}
	for b := 0xAE; b <= 0xFF; b++ {
		bs = append(bs, b)
	}

	inBs := make(map[int]bool, len(bs))
	for _, b := range bs {
		inBs[b] = true
	}

	encoder := make(map[byte]rune, 256)
	decoder := make(map[rune]byte, 256)
	for _, b := range bs {
		encoder[byte(b)] = rune(b)
		decoder[rune(b)] = byte(b)
	}
	n := 0
	for b := 0; b < 256; b++ {
		if !inBs[b] {
			encoder[byte(b)] = rune(256 + n)
			decoder[rune(256+n)] = byte(b)
			n++
		}
	}
	return encoder, decoder
}
