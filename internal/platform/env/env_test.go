package env

import (
	"log/slog"
	"testing"
	"time"
)

func TestBlankValuesUseDefault(t *testing.T) {
	t.Setenv("HXO_TEST_INT", "  ")
	got, err := Int("HXO_TEST_INT", 7)
	if err != nil || got != 7 {
		t.Fatalf("Int()=%d,%v want 7", got, err)
	}
	if s := String("HXO_TEST_UNSET_STRING", "fallback"); s != "fallback" {
		t.Fatalf("String()=%q", s)
	}
}

func TestParsers(t *testing.T) {
	t.Setenv("HXO_TEST_DUR", "1500ms")
	t.Setenv("HXO_TEST_BOOL", "false")
	t.Setenv("HXO_TEST_LEVEL", "warn")
	d, err := Duration("HXO_TEST_DUR", time.Second)
	if err != nil || d != 1500*time.Millisecond {
		t.Fatalf("Duration()=%v,%v", d, err)
	}
	b, err := Bool("HXO_TEST_BOOL", true)
	if err != nil || b {
		t.Fatalf("Bool()=%v,%v", b, err)
	}
	level, err := Level("HXO_TEST_LEVEL", slog.LevelInfo)
	if err != nil || level != slog.LevelWarn {
		t.Fatalf("Level()=%v,%v", level, err)
	}
}

func TestParseErrorsNameTheKey(t *testing.T) {
	t.Setenv("HXO_TEST_BAD", "many")
	if _, err := Int("HXO_TEST_BAD", 1); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Level("HXO_TEST_BAD", slog.LevelInfo); err == nil {
		t.Fatalf("expected level parse error")
	}
}
