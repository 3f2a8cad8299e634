package ai

import (
	"os"
	"path/filepath"
	"testing"
)

// writeTestTokenizer создаёт минимальный tokenizer.json с byte-level
// словарём, достаточным для детокенизации пары слов.
func writeTestTokenizer(t *testing.T) string {
	t.Helper()
	raw := `{
		"added_tokens": [
			{"id": 50257, "content": "<|endoftext|>", "special": true},
			{"id": 50258, "content": "<|startoftranscript|>", "special": true},
			{"id": 50259, "content": "<|en|>", "special": true},
			{"id": 50359, "content": "<|transcribe|>", "special": true},
			{"id": 50363, "content": "<|notimestamps|>", "special": true}
		],
		"model": {
			"type": "BPE",
			"vocab": {
				"hello": 1,
				"Ġworld": 2,
				"Ġhel": 3,
				"lo": 4,
				"!": 5,
				"ĠLattice": 6,
				"ĠLabs": 7
			}
		}
	}`
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTokenizerDecode(t *testing.T) {
	tok, err := LoadTokenizer(writeTestTokenizer(t))
	if err != nil {
		t.Fatal(err)
	}

	// Ġ (U+0120) в byte-level словаре - пробел
	text := tok.Decode([]int64{1, 2, 5})
	if text != "hello world!" {
		t.Errorf("Decode = %q, want %q", text, "hello world!")
	}
}

func TestTokenizerDecodeSkipsSpecials(t *testing.T) {
	tok, err := LoadTokenizer(writeTestTokenizer(t))
	if err != nil {
		t.Fatal(err)
	}

	text := tok.Decode([]int64{50258, 50259, 1, 50257})
	if text != "hello" {
		t.Errorf("Decode = %q, want %q", text, "hello")
	}
}

func TestTokenizerTokenToID(t *testing.T) {
	tok, err := LoadTokenizer(writeTestTokenizer(t))
	if err != nil {
		t.Fatal(err)
	}

	id, ok := tok.TokenToID("<|endoftext|>")
	if !ok || id != 50257 {
		t.Errorf("TokenToID(<|endoftext|>) = %d, %v", id, ok)
	}

	// Обычный токен через byte-level представление
	id, ok = tok.TokenToID(" world")
	if !ok || id != 2 {
		t.Errorf("TokenToID(\" world\") = %d, %v", id, ok)
	}

	if _, ok := tok.TokenToID("nonexistent"); ok {
		t.Error("TokenToID should fail for unknown token")
	}
}

func TestTokenizerEncodeGreedy(t *testing.T) {
	tok, err := LoadTokenizer(writeTestTokenizer(t))
	if err != nil {
		t.Fatal(err)
	}

	// " hello" = Ġhel + lo (жадное наибольшее совпадение)
	ids := tok.EncodeGreedy(" hello", 3)
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 4 {
		t.Errorf("EncodeGreedy(\" hello\") = %v, want [3 4]", ids)
	}

	ids = tok.EncodeGreedy(" Lattice Labs", 3)
	if len(ids) != 2 || ids[0] != 6 || ids[1] != 7 {
		t.Errorf("EncodeGreedy(\" Lattice Labs\") = %v, want [6 7]", ids)
	}
}

func TestTokenizerMissingFile(t *testing.T) {
	if _, err := LoadTokenizer("/nonexistent/tokenizer.json"); err == nil {
		t.Fatal("expected error for missing tokenizer")
	}
}
