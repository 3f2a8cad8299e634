package ai

import "testing"

func TestPostprocessText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  hello   world ", "Hello world"},
		{"hello , world", "Hello, world"},
		{", hello", "Hello"},
		{"i think i can", "I think I can"},
		{"first. second sentence", "First. Second sentence"},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range cases {
		got := PostprocessText(tc.in)
		if got != tc.want {
			t.Errorf("PostprocessText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPostprocessAddsTerminalPeriod(t *testing.T) {
	long := "this is a reasonably long dictated sentence here"
	got := PostprocessText(long)
	if got[len(got)-1] != '.' {
		t.Errorf("long phrase should get terminal period: %q", got)
	}

	short := "hello world"
	got = PostprocessText(short)
	if got[len(got)-1] == '.' {
		t.Errorf("short phrase should not get terminal period: %q", got)
	}
}

func TestIsDegenerateText(t *testing.T) {
	degenerate := []string{
		"the the the the the the the",
		"okay okay okay okay okay okay okay okay okay okay okay okay",
		"go home go home go home now then",
	}
	for _, text := range degenerate {
		if !IsDegenerateText(text) {
			t.Errorf("IsDegenerateText(%q) = false, want true", text)
		}
	}

	normal := []string{
		"hello world",
		"the quick brown fox jumps over the lazy dog",
	}
	for _, text := range normal {
		if IsDegenerateText(text) {
			t.Errorf("IsDegenerateText(%q) = true, want false", text)
		}
	}
}

func TestIsLowQualityText(t *testing.T) {
	if !IsLowQualityText("ok", 10.0) {
		t.Error("single word for 10s audio should be low quality")
	}
	if IsLowQualityText("ok", 1.0) {
		t.Error("single word for short audio is fine")
	}
	if !IsLowQualityText("call 5555555 now", 3.0) {
		t.Error("repeated-digit run should be low quality")
	}
}

func TestLikelyTruncated(t *testing.T) {
	if !LikelyTruncated("just four small words", 12.0) {
		t.Error("4 words for 12s audio should look truncated")
	}
	if LikelyTruncated("plenty of words in this perfectly reasonable long transcript output", 10.0) {
		t.Error("long transcript should not look truncated")
	}
}

func TestIsRedactedText(t *testing.T) {
	if !IsRedactedText("*** **** *****") {
		t.Error("asterisk-only output should be redacted")
	}
	if IsRedactedText("hello world") {
		t.Error("normal text is not redacted")
	}
	if IsRedactedText("a*b") {
		t.Error("short text should not trip the redaction guard")
	}
}
