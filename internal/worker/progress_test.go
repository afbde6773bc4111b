package worker

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestProgressLogsOnCompletion(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	p := NewProgress(log, "r-1", time.Hour)
	p.Update(1, 3, 0)
	p.Update(2, 3, 1)
	if buf.Len() != 0 {
		t.Errorf("Expected no log before completion within interval, got %q", buf.String())
	}

	p.Update(3, 3, 1)
	out := buf.String()
	if !strings.Contains(out, "completed=3") || !strings.Contains(out, "failed=1") {
		t.Errorf("Expected final progress line, got %q", out)
	}
}

func TestProgressLogsOnInterval(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	p := NewProgress(log, "r-1", time.Nanosecond)
	time.Sleep(time.Millisecond)
	p.Update(1, 100, 0)
	if !strings.Contains(buf.String(), "completed=1") {
		t.Errorf("Expected interval log, got %q", buf.String())
	}
}

func TestProgressCallback(t *testing.T) {
	p := NewProgress(nil, "r-1", time.Hour)
	var fn ProgressFunc = p.Callback()
	fn(1, 1, 0)
}
