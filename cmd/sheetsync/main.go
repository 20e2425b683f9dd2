// Command sheetsync loads spreadsheet exports into the warehouse.
//
// Every run command prints one line, run_id=<id> status=<status>
// message=<text>, and exits non-zero on any uncaught error.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sheetsync/internal/core"
	_ "github.com/JonMunkholm/sheetsync/internal/core/tables" // Register all tables
	"github.com/JonMunkholm/sheetsync/internal/syncer"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errUnhealthy makes healthcheck exit 1 after its lines were printed.
var errUnhealthy = errors.New("healthcheck failed")

type globalFlags struct {
	configPath string
	envPath    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errUnhealthy) {
			printError(os.Stdout, err)
		}
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "sheetsync",
		Short:         "Sync spreadsheet exports into Postgres",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&flags.configPath, "config", "config.yml", "path to the runtime file (config.yml or config.toml)")
	root.PersistentFlags().StringVar(&flags.envPath, "env-file", ".env", "path to the .env credentials file")

	root.AddCommand(
		runCommand(flags, "bootstrap", "Apply schema migrations and record them", func(ctx context.Context, s *syncer.Service) (syncer.CommandResult, error) {
			return s.Bootstrap(ctx)
		}),
		runCommand(flags, "refresh", "Recalculate workbooks flagged refresh_before_load", func(ctx context.Context, s *syncer.Service) (syncer.CommandResult, error) {
			return s.RefreshOnly(ctx)
		}),
		runCommand(flags, "validate", "Read and validate every table without writing", func(ctx context.Context, s *syncer.Service) (syncer.CommandResult, error) {
			return s.Validate(ctx)
		}),
		runCommand(flags, "sync", "Load, validate and promote every table", func(ctx context.Context, s *syncer.Service) (syncer.CommandResult, error) {
			return s.Sync(ctx)
		}),
		runCommand(flags, "dry-run", "Validate every table while holding the sync lock", func(ctx context.Context, s *syncer.Service) (syncer.CommandResult, error) {
			return s.DryRun(ctx)
		}),
		healthcheckCmd(flags),
		resetStagingCmd(flags),
		serveCmd(flags),
		versionCmd(),
	)
	return root
}

// runCommand builds a command that runs fn against a fully wired service.
func runCommand(flags *globalFlags, use, short string, fn func(context.Context, *syncer.Service) (syncer.CommandResult, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := fn(cmd.Context(), a.service)
			if res.RunID != "" {
				fmt.Fprintln(cmd.OutOrStdout(), res.String())
			}
			return err
		},
	}
}

func healthcheckCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check schemas and runtime role grants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			h, err := a.healthcheck(cmd.Context())
			if err != nil {
				return err
			}
			slog.Info("healthcheck", "ok", h.OK, "details", h.Details)
			for _, line := range h.Lines() {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if !h.OK {
				return errUnhealthy
			}
			return nil
		},
	}
}

func resetStagingCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-staging <table>",
		Short: "Delete every staged row of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.service.ResetStaging(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "table=%s status=success message=staging cleared\n", args[0])
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sheetsync %s (%d tables registered)\n", version, core.TableCount())
		},
	}
}

// printError writes the error line and, for known failures, the operator hint.
func printError(w io.Writer, err error) {
	slog.Error("command failed", "error", err)
	fmt.Fprintf(w, "ERROR: %v\n", err)
	if core.IsUserFacing(err) {
		fmt.Fprintf(w, "hint: %s\n", core.FormatUserError(err))
	}
}
