package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sheetsync/internal/syncer"
	"github.com/JonMunkholm/sheetsync/internal/web"
)

type serveFlags struct {
	kind     string
	watch    bool
	every    time.Duration
	debounce time.Duration
}

func serveCmd(flags *globalFlags) *cobra.Command {
	sf := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API and run scheduled or watched syncs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), flags, sf, cmd.Flags().Changed("watch"))
		},
	}
	cmd.Flags().StringVar(&sf.kind, "mode", "sync", "run kind for scheduled and watched runs: sync, dry-run or validate")
	cmd.Flags().BoolVar(&sf.watch, "watch", false, "run when a source file in data_dir changes (default: app.watch_data_dir)")
	cmd.Flags().DurationVar(&sf.every, "every", 0, "run on this interval (default: app.schedule_interval)")
	cmd.Flags().DurationVar(&sf.debounce, "debounce", 5*time.Second, "quiet period after a source change before running")
	return cmd
}

func serve(ctx context.Context, flags *globalFlags, sf *serveFlags, watchSet bool) error {
	kind, err := syncer.ParseKind(sf.kind)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	interval := sf.every
	if interval == 0 {
		if interval, err = a.rt.ScheduleInterval(); err != nil {
			return err
		}
	}
	watch := a.rt.File.App.WatchDataDir
	if watchSet {
		watch = sf.watch
	}

	server := web.NewServer(web.Deps{
		Runner:  a.service,
		History: a.audit,
		DB:      a.pool,
		Guard:   a.guard,
	}, a.rt.Env)

	// Background jobs stop with ctx (SIGINT/SIGTERM).
	jobCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()

	if interval > 0 {
		go a.service.StartScheduler(jobCtx, interval, kind)
	}
	if watch {
		go func() {
			if err := a.service.Watch(jobCtx, sf.debounce, kind); err != nil {
				slog.Error("source watcher stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down...")
	cancelJobs()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.rt.Env.Server.ShutdownTimeout)
	defer cancel()

	if st := a.guard.Status(); st.Busy {
		slog.Info("waiting for run to complete", "holder", st.Holder)
		if err := a.guard.WaitForDrain(shutdownCtx); err != nil {
			slog.Warn("run did not complete in time", "error", err)
		} else {
			slog.Info("run completed")
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return err
	}
	slog.Info("server stopped")
	return nil
}
