package monitoring

import (
	"fmt"
	"testing"
	"time"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op logger
	SetLogger(nil)
	Logf("test message")
}

func TestPrefixed(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	now := 15 * time.Microsecond
	logf := Prefixed("02:00:00:00:00:0a", func() time.Duration { return now })
	logf("ISS retry %d", 2)
	now = 30 * time.Microsecond
	logf("done")

	want := []string{
		"[02:00:00:00:00:0a t=15µs] ISS retry 2",
		"[02:00:00:00:00:0a t=30µs] done",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d", len(lines), len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}
