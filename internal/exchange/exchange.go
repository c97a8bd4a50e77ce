// Package exchange keeps the conversation transcript as daily JSONL files:
// one line per spoken or heard utterance. Files are opened in append mode
// per entry so several processes can share a log directory.
package exchange

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one utterance in the conversation record.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	TurnID      string    `json:"turn_id"`
	Type        string    `json:"type"` // "tts" or "stt"
	Text        string    `json:"text"`
	Provider    string    `json:"provider,omitempty"`
	Voice       string    `json:"voice,omitempty"`
	DurationSec float64   `json:"duration_sec,omitempty"`
	AudioFile   string    `json:"audio_file,omitempty"`
}

// Log appends entries to exchanges_YYYY-MM-DD.jsonl under dir.
type Log struct {
	dir string
	log zerolog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewLog creates the log directory if needed.
func NewLog(dir string, logger zerolog.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Log{dir: dir, log: logger, now: time.Now}, nil
}

// Append writes one entry. A zero timestamp is filled with the current
// time. The line is written with a single append so concurrent writers
// from other processes do not interleave.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode exchange entry: %w", err)
	}
	line = append(line, '\n')

	path := l.pathFor(e.Timestamp)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open exchange log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append exchange entry: %w", err)
	}
	l.log.Debug().Str("turn_id", e.TurnID).Str("type", e.Type).Msg("exchange logged")
	return nil
}

// ReadDay returns every entry logged on the given day, in file order.
func (l *Log) ReadDay(day time.Time) ([]Entry, error) {
	f, err := os.Open(l.pathFor(day))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open exchange log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			l.log.Warn().Err(err).Msg("skipping malformed exchange line")
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("scan exchange log: %w", err)
	}
	return entries, nil
}

func (l *Log) pathFor(t time.Time) string {
	return filepath.Join(l.dir, fmt.Sprintf("exchanges_%s.jsonl", t.Format("2006-01-02")))
}
