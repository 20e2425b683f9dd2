// Package refresh recalculates a source workbook in place before it is read.
//
// The recalculation itself is an external program (for example a script that
// drives the spreadsheet application). Refresher runs it, retrying failed
// attempts with exponential backoff until the configured timeout.
package refresh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// FilePlaceholder in the command arguments is replaced by the workbook path.
// Without it the path is appended as the last argument.
const FilePlaceholder = "{file}"

// MaxBackoff caps the wait between attempts.
const MaxBackoff = 10 * time.Second

var (
	// ErrTimeout is returned when no attempt succeeded before the deadline.
	ErrTimeout = errors.New("refresh timed out")

	// ErrNoCommand is returned when refresh is requested but no command is configured.
	ErrNoCommand = errors.New("refresh_command is not configured")
)

// Result reports one refresh.
type Result struct {
	OK      bool
	Elapsed time.Duration
	Err     error
}

// Refresher runs the configured refresh command.
type Refresher struct {
	command []string
	timeout time.Duration
	poll    time.Duration

	run   func(ctx context.Context, argv []string) error
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Refresher for argv. poll is the first backoff interval and
// is raised to one second when smaller.
func New(argv []string, timeout, poll time.Duration) *Refresher {
	return &Refresher{
		command: argv,
		timeout: timeout,
		poll:    poll,
		run:     runCommand,
		sleep:   sleepContext,
	}
}

// Refresh recalculates path. It blocks until an attempt succeeds, the
// timeout passes or ctx is cancelled.
func (r *Refresher) Refresh(ctx context.Context, path string) Result {
	started := time.Now()
	err := r.refresh(ctx, path)
	return Result{OK: err == nil, Elapsed: time.Since(started), Err: err}
}

func (r *Refresher) refresh(ctx context.Context, path string) error {
	if len(r.command) == 0 {
		return ErrNoCommand
	}
	argv := Args(r.command, path)
	name := filepath.Base(path)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	window := r.poll
	if window < time.Second {
		window = time.Second
	}

	for attempt := 1; ; attempt++ {
		err := r.run(ctx, argv)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return r.deadlineError(ctx, name, err)
		}
		slog.Warn("refresh attempt failed", "file", name, "attempt", attempt, "retry_in", window, "error", err)

		if err := r.sleep(ctx, window); err != nil {
			return r.deadlineError(ctx, name, err)
		}
		window = min(window*2, MaxBackoff)
	}
}

func (r *Refresher) deadlineError(ctx context.Context, name string, last error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w for %s (last error: %v)", ErrTimeout, name, last)
	}
	return ctx.Err()
}

// Args substitutes path into the command template.
func Args(template []string, path string) []string {
	argv := make([]string, 0, len(template)+1)
	found := false
	for _, a := range template {
		if strings.Contains(a, FilePlaceholder) {
			a = strings.ReplaceAll(a, FilePlaceholder, path)
			found = true
		}
		argv = append(argv, a)
	}
	if !found {
		argv = append(argv, path)
	}
	return argv
}

func runCommand(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
