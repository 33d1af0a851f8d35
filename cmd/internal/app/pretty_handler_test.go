package app

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandlerLine(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	h := newPrettyHandler(&sb, &slog.HandlerOptions{Level: slog.LevelInfo}, false)
	log := slog.New(h)

	log.Info("hub.connect", "uid", "u-1", "handle", "01ABC", "duration_ms", int64(12))

	line := sb.String()
	for _, want := range []string{"msg=hub.connect", "uid=u-1", "handle=01ABC", "duration=12ms", "[INFO]"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("color disabled but line has escapes: %q", line)
	}
}

func TestPrettyHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	h := newPrettyHandler(&sb, &slog.HandlerOptions{Level: slog.LevelWarn}, false)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestPrettyHandlerGroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	h := newPrettyHandler(&sb, nil, false)
	log := slog.New(h.WithGroup("room").WithAttrs([]slog.Attr{slog.String("name", "R1")}))

	log.Info("closed")

	line := sb.String()
	if !strings.Contains(line, "room.name=R1") {
		t.Fatalf("line %q missing grouped attr", line)
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: `""`},
		{in: "plain", want: "plain"},
		{in: "two words", want: `"two words"`},
		{in: `has"quote`, want: `"has\"quote"`},
	}
	for _, tc := range cases {
		if got := quoteIfNeeded(tc.in); got != tc.want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestValueToInt64(t *testing.T) {
	t.Parallel()

	if n, ok := valueToInt64(slog.Int64Value(42)); !ok || n != 42 {
		t.Fatalf("int64 value: %d %v", n, ok)
	}
	if n, ok := valueToInt64(slog.StringValue("17")); !ok || n != 17 {
		t.Fatalf("numeric string: %d %v", n, ok)
	}
	if _, ok := valueToInt64(slog.StringValue("nope")); ok {
		t.Fatal("non-numeric string should not convert")
	}
	if _, ok := valueToInt64(slog.TimeValue(time.Now())); ok {
		t.Fatal("time value should not convert")
	}
}
