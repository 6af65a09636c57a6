package queue

import (
	"strings"
	"testing"
)

func TestSummarizeError(t *testing.T) {
	tests := map[string]struct {
		in   string
		want string
	}{
		"plain":           {in: "connection refused", want: "connection refused"},
		"first line only": {in: "fetch failed\nGET https://example.com\n503", want: "fetch failed"},
		"trims space":     {in: "  timeout  \nrest", want: "timeout"},
		"empty":           {in: "", want: ""},
	}
	for name, tt := range tests {
		if got := summarizeError(tt.in); got != tt.want {
			t.Errorf("%s: expected %q, got %q", name, tt.want, got)
		}
	}
}

func TestSummarizeErrorTruncates(t *testing.T) {
	long := strings.Repeat("x", maxStoredErrorLen+500)
	got := summarizeError(long)
	if len(got) != maxStoredErrorLen {
		t.Errorf("expected %d chars, got %d", maxStoredErrorLen, len(got))
	}
}
