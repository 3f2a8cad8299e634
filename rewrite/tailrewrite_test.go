package rewrite

import (
	"testing"
	"time"
)

func TestTailRewriteSupersedesExtendedFinal(t *testing.T) {
	tr := NewTailRewriter()
	base := time.Now()

	first := tr.Process("utt-1", "the cat sat", base)
	if first.Absorbed || len(first.Superseded) != 0 {
		t.Fatalf("first final must publish as-is: %+v", first)
	}

	second := tr.Process("utt-2", "the cat sat on the mat", base.Add(2*time.Second))
	if !second.Absorbed {
		t.Fatal("extended final must be absorbed into prior id")
	}
	if len(second.Superseded) != 1 {
		t.Fatalf("superseded = %+v, want single segment", second.Superseded)
	}
	if second.Superseded[0].ID != "utt-1" {
		t.Errorf("superseded id = %s, want utt-1", second.Superseded[0].ID)
	}
	if second.Superseded[0].Text != "the cat sat on the mat" {
		t.Errorf("superseded text = %q", second.Superseded[0].Text)
	}
}

func TestTailRewriteIgnoresUnrelatedFinal(t *testing.T) {
	tr := NewTailRewriter()
	base := time.Now()

	tr.Process("utt-1", "the cat sat", base)
	outcome := tr.Process("utt-2", "completely different topic here", base.Add(time.Second))
	if outcome.Absorbed {
		t.Fatal("unrelated final must not rewrite the tail")
	}
}

func TestTailRewriteWindowExpires(t *testing.T) {
	tr := NewTailRewriter()
	base := time.Now()

	tr.Process("utt-1", "the cat sat", base)
	outcome := tr.Process("utt-2", "the cat sat on the mat", base.Add(7*time.Second))
	if outcome.Absorbed {
		t.Fatal("final outside 6.5s window must not be rewritten")
	}
}

func TestTailRewriteStability(t *testing.T) {
	tr := NewTailRewriter()
	base := time.Now()

	tr.Process("utt-1", "the cat sat", base)
	tr.Process("utt-2", "the cat sat on the mat", base.Add(time.Second))

	// Несвязанный финал не трогает уже переписанный текст
	outcome := tr.Process("utt-3", "weather is nice today", base.Add(2*time.Second))
	if outcome.Absorbed {
		t.Fatal("stable rewritten tail must not be rewritten by unrelated final")
	}
}

func TestTailRewriteJaccardOverlap(t *testing.T) {
	tr := NewTailRewriter()
	base := time.Now()

	tr.Process("utt-1", "send the report to finance", base)
	// Почти тот же набор слов, но другой порядок начала
	outcome := tr.Process("utt-2", "please send the report to finance", base.Add(time.Second))
	if !outcome.Absorbed {
		t.Fatal("high-jaccard revision should be absorbed")
	}
}

func TestTailRewriteReset(t *testing.T) {
	tr := NewTailRewriter()
	base := time.Now()

	tr.Process("utt-1", "the cat sat", base)
	tr.Reset()
	outcome := tr.Process("utt-2", "the cat sat on the mat", base.Add(time.Second))
	if outcome.Absorbed {
		t.Fatal("history must be empty after reset")
	}
}
