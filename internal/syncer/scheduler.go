package syncer

// scheduler.go starts runs in the background for the serve command.
//
// Triggers from the HTTP API, the interval scheduler and the file watcher
// share one entry point. Concurrent triggers of the same kind join the run
// already in flight; a different kind fails fast on the lock.

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// Trigger runs kind, joining an identical run already in progress.
// shared is true when the result came from another caller's run.
// The run is detached from ctx cancellation so one caller leaving does
// not abort it for the others.
func (s *Service) Trigger(ctx context.Context, kind Kind) (CommandResult, bool, error) {
	v, err, shared := s.flight.Do(string(kind), func() (any, error) {
		return s.Run(context.WithoutCancel(ctx), kind)
	})
	res, _ := v.(CommandResult)
	return res, shared, err
}

// StartScheduler runs kind immediately, then every interval, until ctx is
// cancelled. Run failures are logged and do not stop the scheduler.
func (s *Service) StartScheduler(ctx context.Context, interval time.Duration, kind Kind) {
	slog.Info("sync scheduler started", "interval", interval.String(), "kind", kind)
	ctx = core.ContextWithTrigger(ctx, "schedule")

	s.scheduledRun(ctx, kind)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			s.scheduledRun(ctx, kind)
		}
	}
}

func (s *Service) scheduledRun(ctx context.Context, kind Kind) {
	start := time.Now()
	res, shared, err := s.Trigger(ctx, kind)
	if err != nil {
		slog.Error("scheduled run failed", "kind", kind, "run_id", res.RunID, "error", err)
		return
	}
	slog.Info("scheduled run completed",
		"kind", kind,
		"run_id", res.RunID,
		"status", res.Status,
		"shared", shared,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// SourceFiles returns the base names of the configured source files that
// live directly in the data directory.
func (s *Service) SourceFiles() []string {
	dataDir := filepath.Clean(s.rt.DataDir())
	var names []string
	for _, tc := range s.rt.File.Tables {
		p := s.rt.SourcePath(tc)
		if filepath.Dir(p) == dataDir {
			names = append(names, filepath.Base(p))
		}
	}
	return names
}

// WatchSources calls onChange once the files named in files have been
// quiet for debounce after a write, create or rename in dir. It returns
// when ctx is cancelled.
func WatchSources(ctx context.Context, dir string, files []string, debounce time.Duration, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	watched := make(map[string]bool, len(files))
	for _, f := range files {
		watched[f] = true
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !watched[filepath.Base(ev.Name)] {
				continue
			}
			slog.Debug("source changed", "file", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Stop()
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("source watcher error", "error", err)
		case <-fire:
			fire = nil
			onChange()
		}
	}
}

// Watch triggers kind whenever a configured source file changes.
func (s *Service) Watch(ctx context.Context, debounce time.Duration, kind Kind) error {
	dir := s.rt.DataDir()
	slog.Info("watching data directory", "dir", dir, "kind", kind)
	ctx = core.ContextWithTrigger(ctx, "watch")
	return WatchSources(ctx, dir, s.SourceFiles(), debounce, func() {
		s.scheduledRun(ctx, kind)
	})
}
