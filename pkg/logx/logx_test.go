package logx

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want Level
	}{
		{name: "debug", raw: "debug", want: LevelDebug},
		{name: "padded upper", raw: " WARN ", want: LevelWarn},
		{name: "warning alias", raw: "warning", want: LevelWarn},
		{name: "empty falls back", raw: "", want: LevelError},
		{name: "garbage falls back", raw: "loud", want: LevelError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := parseLevel(tt.raw, LevelError); got != tt.want {
				t.Fatalf("parseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{name: "under limit", in: "abc", limit: 10, want: "abc"},
		{name: "at limit", in: "abcde", limit: 5, want: "abcde"},
		{name: "over limit", in: "abcdef", limit: 5, want: "ab..."},
		{name: "tiny limit", in: "abcdef", limit: 3, want: "abc"},
		{name: "zero keeps all", in: "abcdef", limit: 0, want: "abcdef"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := truncate(tt.in, tt.limit); got != tt.want {
				t.Fatalf("truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
		})
	}
}

func TestRenderChatLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "level message and sorted fields",
			in:   `{"level":"warn","time":"2026-01-02T10:00:00Z","message":"cycle failed","service":"check","attempt":2}`,
			want: "[WARN] cycle failed\n- attempt=2\n- service=check",
		},
		{
			name: "msg key fallback",
			in:   `{"level":"error","msg":"boom"}`,
			want: "[ERROR] boom",
		},
		{
			name: "stack rendered on own lines",
			in:   `{"level":"error","message":"panic","stack":"goroutine 1"}`,
			want: "[ERROR] panic\n- stack=\ngoroutine 1",
		},
		{
			name: "non-json passes through trimmed",
			in:   "plain text line\n",
			want: "plain text line",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := renderChatLine([]byte(tt.in)); got != tt.want {
				t.Fatalf("renderChatLine = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithDerivesWithoutMutatingParent(t *testing.T) {
	var buf bytes.Buffer
	base := Logger{static: zerolog.New(&buf), bound: true}

	parent := base.With(String("a", "1"))
	_ = parent.With(String("b", "2"))
	parent.Info("hello", Int("n", 7))

	var ev map[string]any
	if err := json.Unmarshal(buf.Bytes(), &ev); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if ev["message"] != "hello" || ev["a"] != "1" {
		t.Fatalf("missing expected fields in %v", ev)
	}
	if got, ok := ev["n"].(float64); !ok || got != 7 {
		t.Fatalf("call-site field n = %v, want 7", ev["n"])
	}
	if _, leaked := ev["b"]; leaked {
		t.Fatalf("field from derived logger leaked into parent: %v", ev)
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero Logger should report IsZero")
	}
	// Must not panic.
	zero.Error("dropped")

	n := Nop()
	if n.IsZero() {
		t.Fatalf("Nop logger is usable, not zero")
	}
	n.Info("dropped")
}
