package strings

import (
	"testing"
)

func TestTruncateOneLine(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{
			name:     "short string unchanged",
			input:    "restart pods",
			maxLen:   20,
			expected: "restart pods",
		},
		{
			name:     "exact length unchanged",
			input:    "hello",
			maxLen:   5,
			expected: "hello",
		},
		{
			name:     "long string truncated with ellipsis",
			input:    "restart every pod in the staging namespace",
			maxLen:   15,
			expected: "restart ever...",
		},
		{
			name:     "newlines become spaces",
			input:    "first line\nsecond line",
			maxLen:   30,
			expected: "first line second line",
		},
		{
			name:     "whitespace runs collapse",
			input:    "  spaced \t\t out \r\n text  ",
			maxLen:   30,
			expected: "spaced out text",
		},
		{
			name:     "unicode preserved",
			input:    "héllo wörld",
			maxLen:   20,
			expected: "héllo wörld",
		},
		{
			name:     "unicode truncation counts runes",
			input:    "日本語テスト文字列",
			maxLen:   6,
			expected: "日本語...",
		},
		{
			name:     "empty string",
			input:    "",
			maxLen:   10,
			expected: "",
		},
		{
			name:     "whitespace only becomes empty",
			input:    "   \n\t  ",
			maxLen:   10,
			expected: "",
		},
		{
			name:     "maxLen below minimum clamped",
			input:    "hello",
			maxLen:   2,
			expected: "h...",
		},
		{
			name:     "negative maxLen clamped",
			input:    "hello",
			maxLen:   -5,
			expected: "h...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := TruncateOneLine(tt.input, tt.maxLen)
			if result != tt.expected {
				t.Errorf("TruncateOneLine(%q, %d) = %q, want %q",
					tt.input, tt.maxLen, result, tt.expected)
			}
		})
	}
}

func TestTruncateOneLineRuneLength(t *testing.T) {
	input := "日本語テスト" // 6 runes, 18 bytes
	result := TruncateOneLine(input, 5)

	expected := "日本..."
	if result != expected {
		t.Errorf("expected %q but got %q", expected, result)
	}

	runeCount := 0
	for range result {
		runeCount++
	}
	if runeCount != 5 {
		t.Errorf("expected 5 runes but got %d", runeCount)
	}
}
