package inject

import (
	"runtime"
	"testing"
)

func TestSplitUTF16Basic(t *testing.T) {
	units := splitUTF16("ab")
	if len(units) != 2 || units[0] != 'a' || units[1] != 'b' {
		t.Fatalf("units = %v", units)
	}
}

func TestSplitUTF16SurrogatePairs(t *testing.T) {
	// U+1F600 (эмодзи) кодируется суррогатной парой
	units := splitUTF16("\U0001F600")
	if len(units) != 2 {
		t.Fatalf("expected surrogate pair, got %v", units)
	}
	if units[0] < 0xD800 || units[0] > 0xDBFF {
		t.Errorf("high surrogate = %04x", units[0])
	}
	if units[1] < 0xDC00 || units[1] > 0xDFFF {
		t.Errorf("low surrogate = %04x", units[1])
	}
}

func TestSplitUTF16MixedText(t *testing.T) {
	text := "hi \U0001F600 там"
	units := splitUTF16(text)
	// 3 ASCII + 2 суррогата + 1 пробел + 3 кириллических
	if len(units) != 9 {
		t.Fatalf("units = %d, want 9", len(units))
	}
}

func TestInjectModeOff(t *testing.T) {
	inj := New(func() Mode { return ModeOff }, nil)
	result := inj.Inject("hello")
	if result.Attempted {
		t.Fatal("mode off must not attempt injection")
	}
}

func TestInjectEmptyText(t *testing.T) {
	inj := New(func() Mode { return ModeSendInput }, nil)
	if result := inj.Inject("\n\n"); result.Attempted {
		t.Fatal("empty text must not attempt injection")
	}
}

func TestInjectUnsupportedPlatformReportsFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("platform supports real injection")
	}
	inj := New(func() Mode { return ModeSendInput }, nil)
	result := inj.Inject("hello")
	if !result.Attempted {
		t.Fatal("injection should be attempted")
	}
	if result.Success {
		t.Fatal("stub platform must report failure")
	}
	if result.Detail == "" {
		t.Fatal("failure must carry detail")
	}
}
