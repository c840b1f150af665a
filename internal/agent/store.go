package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/emesal/chibi-sub000/internal/cache"
	"github.com/emesal/chibi-sub000/internal/config"
	"github.com/emesal/chibi-sub000/internal/hooks"
	"github.com/emesal/chibi-sub000/internal/lock"
	"github.com/emesal/chibi-sub000/internal/loop"
	"github.com/emesal/chibi-sub000/internal/vfs"
)

// Store is the persistent side of the runtime: the VFS, transcripts, the
// output cache and the hooks that observe them. Maintenance commands use
// it without a model backend.
type Store struct {
	VFS      *vfs.VFS
	History  *loop.VFSHistory
	Cache    *cache.Manager
	Hooks    *hooks.Dispatcher
	Manifest *hooks.Manifest

	cfg     *config.Config
	logger  *slog.Logger
	closeFS func() error
}

// OpenStore opens the configured VFS backend and registers the manifest's
// hooks with workDir as their working directory.
func OpenStore(cfg *config.Config, logger *slog.Logger, workDir string) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{cfg: cfg, logger: logger.With("component", "store")}

	switch cfg.Storage.Backend {
	case "sqlite":
		backend, err := vfs.NewSQLiteBackend(cfg.SQLitePath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		s.VFS = vfs.New(backend)
		s.closeFS = backend.Close
	default:
		dir := cfg.StorageDir()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		s.VFS = vfs.New(vfs.NewLocalBackend(dir))
		s.closeFS = func() error { return nil }
	}

	manifest, err := hooks.LoadManifest(cfg.HooksPath())
	if err != nil {
		_ = s.closeFS()
		return nil, err
	}
	s.Manifest = manifest
	s.Hooks = hooks.NewDispatcher(hooks.WithLogger(logger))
	manifest.Apply(s.Hooks, workDir)

	s.History = loop.NewVFSHistory(s.VFS)
	s.Cache = cache.NewManager(s.VFS, s.Hooks, cache.Config{
		Threshold:    cfg.Cache.Threshold,
		PreviewChars: cfg.Cache.PreviewChars,
		MaxAge:       time.Duration(cfg.Cache.MaxAgeDays) * 24 * time.Hour,
	}, cache.WithLogger(logger))
	return s, nil
}

// Clear wipes a context's transcript and cached outputs, bracketed by the
// pre_clear and post_clear hooks.
func (s *Store) Clear(ctx context.Context, name string) error {
	if name == "" {
		name = loop.DefaultContext
	}
	payload := map[string]any{"context_name": name}
	s.Hooks.Notify(ctx, hooks.PreClear, payload)
	if err := s.History.Clear(ctx, name); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	if err := s.Cache.Clear(ctx, name); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	s.Hooks.Notify(ctx, hooks.PostClear, payload)
	s.logger.Info("context cleared", "context", name)
	return nil
}

// LockStatus reports "[active]", "[stale]" or "" for a context's lock.
func (s *Store) LockStatus(name string) string {
	return ContextLockStatus(s.cfg, name)
}

// ContextLockStatus reads a context's lock from its directory under the
// config's lock root.
func ContextLockStatus(cfg *config.Config, name string) string {
	return lock.Status(filepath.Join(cfg.LockDir(), name), time.Duration(cfg.Lock.HeartbeatSecs)*time.Second)
}

func (s *Store) Close() error {
	if s.closeFS == nil {
		return nil
	}
	if err := s.closeFS(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	return nil
}
