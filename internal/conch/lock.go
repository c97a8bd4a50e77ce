// Package conch implements the cross-process turn lock. The lock is a JSON
// record in a shared directory holding holder id, pid, acquisition time and
// TTL; mutations are serialized through an OS advisory file lock on a guard
// sidecar. The lock is advisory and best-effort: staleness (TTL elapsed or
// holder process dead) makes it reclaimable by anyone, and the window
// between a staleness check and the reclaim is an accepted race.
package conch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mbailey/voicemode-sub000/internal/metrics"
)

const (
	DefaultTTL          = 60 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultWaitTimeout  = 30 * time.Second

	recordName = "conch.lock"
	guardName  = "conch.lock.guard"
)

// ErrAcquireTimeout is returned when a waiting Acquire gives up.
var ErrAcquireTimeout = errors.New("timed out waiting for turn lock")

// ErrNotHolder is returned by Refresh when the caller does not hold the lock.
var ErrNotHolder = errors.New("not the current lock holder")

// BusyError reports a non-wait acquire that found the lock validly held.
type BusyError struct {
	Holder string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("turn lock busy: held by %s", e.Holder)
}

// record is the persisted lock state. TTL travels with the record so a
// process that did not create it can evaluate staleness on the original
// holder's terms.
type record struct {
	HolderID   string    `json:"holder_id"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTLMillis  int64     `json:"ttl_ms"`
}

func (rec record) ttl(fallback time.Duration) time.Duration {
	if rec.TTLMillis > 0 {
		return time.Duration(rec.TTLMillis) * time.Millisecond
	}
	return fallback
}

// Info is a point-in-time view of the lock for diagnostics.
type Info struct {
	Held       bool      `json:"held"`
	HolderID   string    `json:"holder_id,omitempty"`
	PID        int       `json:"pid,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Stale      bool      `json:"stale,omitempty"`
}

// Options configures a Lock. Now and Alive are injectable for tests.
type Options struct {
	Dir          string
	TTL          time.Duration
	PollInterval time.Duration
	WaitTimeout  time.Duration
	Log          zerolog.Logger
	Now          func() time.Time
	Alive        func(pid int) bool
}

// Lock arbitrates the audio device across processes. All methods are safe
// for concurrent use from multiple goroutines and multiple processes.
type Lock struct {
	dir        string
	recordPath string
	ttl        time.Duration
	poll       time.Duration
	waitLimit  time.Duration
	log        zerolog.Logger
	now        func() time.Time
	alive      func(pid int) bool

	// guard serializes read-modify-write cycles across processes; mu does
	// the same across goroutines of this handle, since a flock instance
	// treats a second Lock call as already held. Both are held only for
	// the duration of one cycle, never across waits, and the guard file
	// is never deleted so its inode stays stable for every process.
	mu    sync.Mutex
	guard *flock.Flock
}

// New creates the lock directory if needed and returns a Lock handle.
// Creating a handle does not acquire anything.
func New(opts Options) (*Lock, error) {
	dir := opts.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "voicemode")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	l := &Lock{
		dir:        dir,
		recordPath: filepath.Join(dir, recordName),
		ttl:        opts.TTL,
		poll:       opts.PollInterval,
		waitLimit:  opts.WaitTimeout,
		log:        opts.Log,
		now:        opts.Now,
		alive:      opts.Alive,
		guard:      flock.New(filepath.Join(dir, guardName)),
	}
	if l.ttl == 0 {
		l.ttl = DefaultTTL
	}
	if l.poll == 0 {
		l.poll = DefaultPollInterval
	}
	if l.waitLimit == 0 {
		l.waitLimit = DefaultWaitTimeout
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.alive == nil {
		l.alive = processAlive
	}
	return l, nil
}

// DefaultHolderID builds a holder identity of hostname, pid and a random
// suffix, unique per process and readable in diagnostics.
func DefaultHolderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// TryAcquire attempts to claim the lock once. It succeeds when no record
// exists, the current record is stale, or the caller already holds the lock
// (which refreshes the acquisition time). On failure it reports the current
// holder's identity.
func (l *Lock) TryAcquire(holderID string) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guard.Lock(); err != nil {
		return false, "", fmt.Errorf("lock guard: %w", err)
	}
	defer l.guard.Unlock()

	now := l.now()
	result := "acquired"
	rec, err := l.readRecord()
	switch {
	case err == nil && rec.HolderID == holderID:
		// Idempotent re-acquire by the same holder.
	case err == nil && !l.stale(rec, now):
		return false, rec.HolderID, nil
	case err == nil:
		l.log.Info().
			Str("stale_holder", rec.HolderID).
			Int("stale_pid", rec.PID).
			Time("acquired_at", rec.AcquiredAt).
			Str("holder", holderID).
			Msg("reclaiming stale turn lock")
		result = "reclaimed"
	case errors.Is(err, os.ErrNotExist):
		// Free.
	default:
		// Unreadable record: treat as stale and overwrite.
		l.log.Warn().Err(err).Str("holder", holderID).Msg("turn lock record unreadable, reclaiming")
		result = "reclaimed"
	}

	if err := l.writeRecord(record{
		HolderID:   holderID,
		PID:        os.Getpid(),
		AcquiredAt: now,
		TTLMillis:  l.ttl.Milliseconds(),
	}); err != nil {
		return false, "", err
	}
	metrics.LockAcquiresTotal.WithLabelValues(result).Inc()
	l.log.Debug().Str("holder", holderID).Msg("turn lock acquired")
	return true, "", nil
}

// Acquire claims the lock, optionally waiting. Without wait a held lock
// returns *BusyError immediately. With wait it polls TryAcquire every poll
// interval (a directory watch wakes it early when the record changes) until
// success, the wait timeout, or context cancellation.
func (l *Lock) Acquire(ctx context.Context, holderID string, wait bool) error {
	acquired, holder, err := l.TryAcquire(holderID)
	if err != nil {
		return err
	}
	if acquired {
		return nil
	}
	if !wait {
		metrics.LockAcquiresTotal.WithLabelValues("busy").Inc()
		return &BusyError{Holder: holder}
	}

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, l.waitLimit)
	defer cancel()

	// Fast wake on record changes; polling remains the correctness bound,
	// so a failed watcher just means full poll latency.
	var events chan fsnotify.Event
	if watcher, werr := fsnotify.NewWatcher(); werr == nil {
		if werr = watcher.Add(l.dir); werr == nil {
			events = watcher.Events
		}
		defer watcher.Close()
	}

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.LockAcquiresTotal.WithLabelValues("timeout").Inc()
			return fmt.Errorf("%w (held by %s)", ErrAcquireTimeout, holder)
		case <-ticker.C:
		case <-events:
		}

		acquired, holder, err = l.TryAcquire(holderID)
		if err != nil {
			return err
		}
		if acquired {
			metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Release clears the record if and only if the caller is the current
// holder. A release by anyone else is a no-op, so a stale or delayed
// release cannot clobber a newer legitimate holder.
func (l *Lock) Release(holderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guard.Lock(); err != nil {
		return fmt.Errorf("lock guard: %w", err)
	}
	defer l.guard.Unlock()

	rec, err := l.readRecord()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return nil
	}
	if rec.HolderID != holderID {
		l.log.Debug().
			Str("holder", holderID).
			Str("current", rec.HolderID).
			Msg("ignoring release by non-holder")
		return nil
	}

	if err := os.Remove(l.recordPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock record: %w", err)
	}
	l.log.Debug().Str("holder", holderID).Msg("turn lock released")
	return nil
}

// Refresh extends the holder's acquisition time so a long turn is not
// reclaimed as stale mid-flight. Only the current holder may refresh.
func (l *Lock) Refresh(holderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guard.Lock(); err != nil {
		return fmt.Errorf("lock guard: %w", err)
	}
	defer l.guard.Unlock()

	rec, err := l.readRecord()
	if err != nil {
		return ErrNotHolder
	}
	if rec.HolderID != holderID {
		return ErrNotHolder
	}

	rec.AcquiredAt = l.now()
	return l.writeRecord(rec)
}

// Info reports the current lock state for diagnostics. A stale record is
// reported as not held but with the stale holder's identity attached.
func (l *Lock) Info() (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guard.Lock(); err != nil {
		return Info{}, fmt.Errorf("lock guard: %w", err)
	}
	defer l.guard.Unlock()

	rec, err := l.readRecord()
	if errors.Is(err, os.ErrNotExist) {
		return Info{}, nil
	}
	if err != nil {
		return Info{}, nil
	}

	info := Info{
		HolderID:   rec.HolderID,
		PID:        rec.PID,
		AcquiredAt: rec.AcquiredAt,
		ExpiresAt:  rec.AcquiredAt.Add(rec.ttl(l.ttl)),
	}
	if l.stale(rec, l.now()) {
		info.Stale = true
	} else {
		info.Held = true
	}
	return info, nil
}

// Held reports whether a live holder has the conch right now.
func (l *Lock) Held() bool {
	info, err := l.Info()
	return err == nil && info.Held
}

// stale reports whether a record no longer protects its holder: the TTL
// elapsed or the holder process is gone.
func (l *Lock) stale(rec record, now time.Time) bool {
	if now.Sub(rec.AcquiredAt) >= rec.ttl(l.ttl) {
		return true
	}
	if rec.PID <= 0 {
		return true
	}
	return !l.alive(rec.PID)
}

func (l *Lock) readRecord() (record, error) {
	data, err := os.ReadFile(l.recordPath)
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("decode lock record: %w", err)
	}
	if rec.HolderID == "" {
		return record{}, fmt.Errorf("lock record missing holder id")
	}
	return rec, nil
}

// writeRecord persists atomically via temp file and rename so a concurrent
// reader never sees a partial record.
func (l *Lock) writeRecord(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode lock record: %w", err)
	}

	tmp, err := os.CreateTemp(l.dir, recordName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, l.recordPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename lock record: %w", err)
	}
	return nil
}

// processAlive is the best-effort PID liveness check: signal 0 probes
// existence without touching the process. EPERM still means alive.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
