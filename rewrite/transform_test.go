package rewrite

import "testing"

func latticeRules() Rules {
	return Rules{
		Dictionary: []DictionaryEntry{
			{Term: "Lattice Labs", Aliases: []string{"lattice lab", "ladder labs"}, Enabled: true},
		},
	}
}

func TestDictionaryRewrite(t *testing.T) {
	store := NewRulesStore(latticeRules())

	result := store.Apply("ladder labs rocks")
	if result.Text != "Lattice Labs rocks" {
		t.Errorf("Apply = %q, want %q", result.Text, "Lattice Labs rocks")
	}
	if !result.DictionaryApplied {
		t.Error("DictionaryApplied should be true")
	}
}

func TestDictionaryRewriteIdempotent(t *testing.T) {
	store := NewRulesStore(latticeRules())

	once := store.Apply("ladder labs rocks").Text
	twice := store.Apply(once).Text
	if once != twice {
		t.Errorf("rewrite not idempotent: %q -> %q", once, twice)
	}
}

func TestDictionaryPreservesCase(t *testing.T) {
	store := NewRulesStore(Rules{
		Dictionary: []DictionaryEntry{
			{Term: "kubernetes", Aliases: []string{"cooper netties"}, Enabled: true},
		},
	})

	// Заглавная первая буква исходного вхождения переносится
	result := store.Apply("Cooper netties is down")
	if result.Text != "Kubernetes is down" {
		t.Errorf("Apply = %q, want %q", result.Text, "Kubernetes is down")
	}
}

func TestDictionaryWholeWordsOnly(t *testing.T) {
	store := NewRulesStore(Rules{
		Dictionary: []DictionaryEntry{
			{Term: "AI", Aliases: []string{"hey eye"}, Enabled: true},
		},
	})
	// Алиас обрывается внутри слова - замены быть не должно
	result := store.Apply("saying hey eyeball")
	if result.Text != "saying hey eyeball" {
		t.Errorf("Apply = %q, partial word must not match", result.Text)
	}
	// А целое вхождение заменяется
	result = store.Apply("the hey eye model")
	if result.Text != "the AI model" {
		t.Errorf("Apply = %q, want whole-word replacement", result.Text)
	}
}

func TestDisabledEntriesSkipped(t *testing.T) {
	store := NewRulesStore(Rules{
		Dictionary: []DictionaryEntry{
			{Term: "Lattice Labs", Aliases: []string{"ladder labs"}, Enabled: false},
		},
	})
	result := store.Apply("ladder labs rocks")
	if result.DictionaryApplied {
		t.Error("disabled entry must not apply")
	}
}

func TestLearnedCorrections(t *testing.T) {
	store := NewRulesStore(Rules{
		Corrections: []LearnedCorrection{
			{Heard: "wisper", Corrected: "whisper"},
		},
	})

	result := store.Apply("the wisper model")
	if result.Text != "the whisper model" {
		t.Errorf("Apply = %q", result.Text)
	}
	if !result.CorrectionApplied {
		t.Error("CorrectionApplied should be true")
	}

	hits := store.CorrectionHits()
	if hits["wisper"] != 1 {
		t.Errorf("hits = %v, want wisper:1", hits)
	}

	store.Apply("wisper again")
	if store.CorrectionHits()["wisper"] != 2 {
		t.Error("hit counter should accumulate")
	}
}

func TestSnippetSlashMode(t *testing.T) {
	store := NewRulesStore(Rules{
		Snippets: []SnippetEntry{
			{Trigger: "sig", Expansion: "Best regards,\nDictum Team", Mode: SnippetSlash, Enabled: true},
		},
	})

	// Точное совпадение /trigger
	result := store.Apply("/sig")
	if result.Text != "Best regards,\nDictum Team" {
		t.Errorf("Apply = %q", result.Text)
	}
	if !result.SnippetApplied {
		t.Error("SnippetApplied should be true")
	}

	// С навешанной точкой распознавателя
	result = store.Apply("/sig.")
	if result.Text != "Best regards,\nDictum Team" {
		t.Errorf("Apply with period = %q", result.Text)
	}

	// В конце фразы
	result = store.Apply("see below /sig")
	if result.Text != "see below Best regards,\nDictum Team" {
		t.Errorf("Apply at end = %q", result.Text)
	}
}

func TestSnippetPhraseMode(t *testing.T) {
	store := NewRulesStore(Rules{
		Snippets: []SnippetEntry{
			{Trigger: "insert address", Expansion: "221B Baker Street", Mode: SnippetPhrase, Enabled: true},
		},
	})

	result := store.Apply("ship it to insert address today")
	if result.Text != "ship it to 221B Baker Street today" {
		t.Errorf("Apply = %q", result.Text)
	}
}

func TestRulesSnapshotSwap(t *testing.T) {
	store := NewRulesStore(Rules{})
	if store.Apply("ladder labs").DictionaryApplied {
		t.Fatal("empty rules must not rewrite")
	}

	store.Store(latticeRules())
	if !store.Apply("ladder labs").DictionaryApplied {
		t.Fatal("new snapshot should rewrite")
	}
}

func TestMatchCase(t *testing.T) {
	if got := matchCase("HELLO", "world"); got != "WORLD" {
		t.Errorf("all-caps = %q", got)
	}
	if got := matchCase("Hello", "world"); got != "World" {
		t.Errorf("title = %q", got)
	}
	if got := matchCase("hello", "World"); got != "World" {
		t.Errorf("lower source keeps replacement = %q", got)
	}
}
