// Package cron runs housekeeping jobs, chiefly the hourly sweep of expired
// tool-output cache entries, on robfig/cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/emesal/chibi-sub000/internal/cache"
)

// Job is one unit of housekeeping. The string is a short report for logs.
type Job func(ctx context.Context) (string, error)

// State is what the service remembers about a job's last run.
type State struct {
	LastRunAt  time.Time
	LastStatus string // "ok" or "error"
	LastError  string
	Runs       int
}

type entry struct {
	name  string
	spec  string
	job   Job
	id    rcron.EntryID
	state State
}

type Service struct {
	mu      sync.Mutex
	cron    *rcron.Cron
	entries map[string]*entry
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(opts ...Option) *Service {
	s := &Service{
		entries: make(map[string]*entry),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cron")
	s.cron = rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)))
	return s
}

// Add schedules job under name. spec is a five-field cron expression or a
// descriptor such as "@hourly" or "@every 10m". Re-adding a name replaces
// the previous schedule.
func (s *Service) Add(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old.id)
		delete(s.entries, name)
	}
	e := &entry{name: name, spec: spec, job: job}
	id, err := s.cron.AddFunc(spec, func() { s.execute(e) })
	if err != nil {
		return fmt.Errorf("schedule %s (%s): %w", name, spec, err)
	}
	e.id = id
	s.entries[name] = e
	return nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	return true
}

// Jobs lists scheduled job names in order.
func (s *Service) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// State returns the last-run record for name.
func (s *Service) State(name string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return State{}, false
	}
	return e.state, true
}

// Next returns when name runs next. It is zero before Start.
func (s *Service) Next(name string) time.Time {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(e.id).Next
}

// RunNow executes name synchronously, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(e)
}

func (s *Service) execute(e *entry) error {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	report, err := e.job(ctx)

	s.mu.Lock()
	e.state.LastRunAt = time.Now()
	e.state.Runs++
	if err != nil {
		e.state.LastStatus = "error"
		e.state.LastError = err.Error()
	} else {
		e.state.LastStatus = "ok"
		e.state.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("job failed", "job", e.name, "error", err)
		return err
	}
	s.logger.Debug("job finished", "job", e.name, "report", report)
	return nil
}

// Start runs the scheduler until Stop or until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	n := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Debug("scheduler started", "jobs", n)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// Stop halts the scheduler and waits briefly for running jobs. It is safe
// to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	cancel()
	close(stopCh)

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("stop timed out waiting for running jobs")
	}
	s.logger.Debug("scheduler stopped")
}

// CacheJanitorName is the job name used for the cache sweep.
const CacheJanitorName = "cache-cleanup"

// CacheJanitor removes cached tool outputs older than maxAge. A zero maxAge
// uses the manager's configured age.
func CacheJanitor(cm *cache.Manager, maxAge time.Duration) Job {
	return func(ctx context.Context) (string, error) {
		n, err := cm.Cleanup(ctx, maxAge)
		if err != nil {
			return "", fmt.Errorf("cache cleanup: %w", err)
		}
		return fmt.Sprintf("removed %d cache entries", n), nil
	}
}
