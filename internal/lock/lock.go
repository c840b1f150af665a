// Package lock provides the per-context lock file that keeps two processes
// from running turns against the same context at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/emesal/chibi-sub000/internal/vfs"
)

const (
	FileName         = ".lock"
	DefaultHeartbeat = 30 * time.Second
	DefaultRetries   = 5
)

var ErrLocked = errors.New("context is locked by another process")

var errMalformed = errors.New("malformed lock file")

// Lock is a held lock file. The zero value is not usable; call Acquire.
type Lock struct {
	path      string
	token     string
	heartbeat time.Duration
	logger    *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type options struct {
	retries  uint
	interval time.Duration
	logger   *slog.Logger
}

type Option func(*options)

// WithRetries caps acquisition attempts.
func WithRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.retries = uint(n)
		}
	}
}

// WithRetryInterval sets the initial wait between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Acquire creates dir/.lock and starts refreshing it every heartbeat. A lock
// left behind by a dead process is taken over once its timestamp is older
// than one and a half heartbeats.
func Acquire(ctx context.Context, dir string, heartbeat time.Duration, opts ...Option) (*Lock, error) {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	o := options{retries: DefaultRetries, interval: 200 * time.Millisecond, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	l := &Lock{
		path:      filepath.Join(dir, FileName),
		token:     uuid.NewString(),
		heartbeat: heartbeat,
		logger:    o.logger.With("component", "lock"),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.interval
	b.MaxInterval = heartbeat
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, l.tryCreate()
	}, backoff.WithBackOff(b), backoff.WithMaxTries(o.retries))
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, l.path)
		}
		return nil, err
	}

	go l.beat()
	return l, nil
}

func (l *Lock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		_, werr := f.WriteString(l.contents())
		cerr := f.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(l.path)
			return backoff.Permanent(fmt.Errorf("write lock: %w", errors.Join(werr, cerr)))
		}
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return backoff.Permanent(fmt.Errorf("create lock: %w", err))
	}

	stale, rerr := staleLock(l.path, l.heartbeat)
	switch {
	case errors.Is(rerr, os.ErrNotExist):
		return ErrLocked
	case rerr != nil:
		return backoff.Permanent(fmt.Errorf("read lock: %w", rerr))
	case stale:
		l.logger.Warn("removing stale lock", "path", l.path)
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return backoff.Permanent(fmt.Errorf("remove stale lock: %w", err))
		}
	}
	return ErrLocked
}

func (l *Lock) contents() string {
	return strconv.FormatInt(time.Now().Unix(), 10) + "\n" + l.token + "\n"
}

func (l *Lock) beat() {
	defer close(l.done)
	ticker := time.NewTicker(l.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if !l.owned() {
				l.logger.Warn("lock taken over, heartbeat stopped", "path", l.path)
				return
			}
			if err := vfs.WriteFileAtomic(l.path, []byte(l.contents())); err != nil {
				l.logger.Warn("lock heartbeat failed", "path", l.path, "error", err)
			}
		}
	}
}

func (l *Lock) owned() bool {
	_, token, err := readLock(l.path)
	return err == nil && token == l.token
}

// Release stops the heartbeat and removes the file if it is still ours.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
	if !l.owned() {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Path is the lock file location.
func (l *Lock) Path() string { return l.path }

// Status reports "[active]" or "[stale]" for dir's lock, or "" when there is
// none.
func Status(dir string, heartbeat time.Duration) string {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	stale, err := staleLock(filepath.Join(dir, FileName), heartbeat)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ""
	case err != nil || stale:
		return "[stale]"
	}
	return "[active]"
}

// staleLock reports whether path's lock has outlived 1.5 heartbeats. A file
// without a readable timestamp may be one its owner has created but not yet
// written, so its age comes from the modification time instead.
func staleLock(path string, heartbeat time.Duration) (bool, error) {
	at, _, err := readLock(path)
	if errors.Is(err, errMalformed) {
		info, serr := os.Stat(path)
		if serr != nil {
			return false, serr
		}
		at = info.ModTime()
	} else if err != nil {
		return false, err
	}
	return isStale(at, heartbeat), nil
}

func readLock(path string) (time.Time, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, "", err
	}
	stamp, token, _ := strings.Cut(string(data), "\n")
	secs, err := strconv.ParseInt(strings.TrimSpace(stamp), 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %s", errMalformed, path)
	}
	return time.Unix(secs, 0), strings.TrimSpace(token), nil
}

func isStale(at time.Time, heartbeat time.Duration) bool {
	return time.Since(at) > heartbeat*3/2
}
