package exchange

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAppendAndReadDay(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLog() error = %v", err)
	}

	day := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	entries := []Entry{
		{Timestamp: day, TurnID: "t1", Type: "tts", Text: "How can I help?", Provider: "kokoro"},
		{Timestamp: day.Add(5 * time.Second), TurnID: "t1", Type: "stt", Text: "what time is it", Provider: "whisper", DurationSec: 2.1},
	}
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := l.ReadDay(day)
	if err != nil {
		t.Fatalf("ReadDay() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadDay() returned %d entries, want 2", len(got))
	}
	if got[0].Text != "How can I help?" || got[0].Type != "tts" {
		t.Errorf("first entry = %+v", got[0])
	}
	if got[1].Provider != "whisper" || got[1].DurationSec != 2.1 {
		t.Errorf("second entry = %+v", got[1])
	}
}

func TestAppendFillsTimestamp(t *testing.T) {
	l, err := NewLog(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLog() error = %v", err)
	}
	fixed := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	if err := l.Append(Entry{TurnID: "t2", Type: "tts", Text: "hi"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := l.ReadDay(fixed)
	if err != nil {
		t.Fatalf("ReadDay() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ReadDay() returned %d entries, want 1", len(got))
	}
	if !got[0].Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", got[0].Timestamp, fixed)
	}
}

func TestReadDaySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLog() error = %v", err)
	}

	day := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	if err := l.Append(Entry{Timestamp: day, TurnID: "t3", Type: "stt", Text: "ok"}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "exchanges_2026-08-25.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{malformed\n")
	f.Close()
	if err := l.Append(Entry{Timestamp: day.Add(time.Minute), TurnID: "t4", Type: "tts", Text: "bye"}); err != nil {
		t.Fatal(err)
	}

	got, err := l.ReadDay(day)
	if err != nil {
		t.Fatalf("ReadDay() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ReadDay() returned %d entries, want 2 (malformed skipped)", len(got))
	}
}

func TestReadDayMissingFile(t *testing.T) {
	l, err := NewLog(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLog() error = %v", err)
	}
	got, err := l.ReadDay(time.Now())
	if err != nil {
		t.Errorf("ReadDay() on missing file error = %v, want nil", err)
	}
	if got != nil {
		t.Errorf("ReadDay() = %v, want nil", got)
	}
}
