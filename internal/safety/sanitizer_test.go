package safety

import (
	"strings"
	"testing"
)

func TestClean_PassesNormalInput(t *testing.T) {
	s := NewSanitizer()
	tests := []string{
		"What is the weather today?",
		"Help me write a Python function",
		"multi\nline\ttext",
		"",
	}
	for _, input := range tests {
		out, issues := s.Clean(input)
		if out != strings.TrimSpace(input) {
			t.Errorf("Clean(%q) = %q, want unchanged", input, out)
		}
		if len(issues) != 0 {
			t.Errorf("Clean(%q) reported issues %v, want none", input, issues)
		}
	}
}

func TestClean_StripsTemplateTags(t *testing.T) {
	s := NewSanitizer()
	tests := []struct {
		input string
		want  string
	}{
		{"hello <|im_start|> world", "hello  world"},
		{"before [SYSTEM] after", "before  after"},
		{"<system> fake persona", "fake persona"},
	}
	for _, tc := range tests {
		out, issues := s.Clean(tc.input)
		if out != strings.TrimSpace(tc.want) {
			t.Errorf("Clean(%q) = %q, want %q", tc.input, out, tc.want)
		}
		if len(issues) == 0 {
			t.Errorf("Clean(%q) reported no issues, want at least one", tc.input)
		}
	}
}

func TestClean_RemovesControlCharacters(t *testing.T) {
	s := NewSanitizer()
	out, issues := s.Clean("abc\x00def\x1bghi")
	if out != "abcdefghi" {
		t.Errorf("got %q, want control chars stripped", out)
	}
	if len(issues) == 0 {
		t.Error("expected an issue for control characters")
	}
}

func TestClean_RepairsInvalidUTF8(t *testing.T) {
	s := NewSanitizer()
	out, issues := s.Clean("ok\xffnot")
	if !strings.Contains(out, "�") {
		t.Errorf("got %q, want replacement rune", out)
	}
	if len(issues) == 0 {
		t.Error("expected an issue for invalid utf-8")
	}
}

func TestClean_TruncatesAtCap(t *testing.T) {
	s := NewSanitizer()
	out, issues := s.Clean(strings.Repeat("x", MaxContentLength+500))
	if got := len([]rune(out)); got != MaxContentLength+1 { // cap plus ellipsis
		t.Errorf("got %d runes, want %d", got, MaxContentLength+1)
	}
	if len(issues) == 0 {
		t.Error("expected an issue for truncation")
	}
}
