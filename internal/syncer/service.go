// Package syncer orchestrates sync runs: it reads each configured table,
// validates it, stages it and promotes it, recording every stage in the
// audit trail.
//
// Tables are processed one at a time in configuration order. A table error
// is recorded and the run continues unless app.stop_on_error is set. Write
// modes (sync, dry-run) hold the advisory lock for the whole run.
package syncer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/sync/singleflight"

	"github.com/JonMunkholm/sheetsync/internal/audit"
	"github.com/JonMunkholm/sheetsync/internal/config"
	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/migrate"
	"github.com/JonMunkholm/sheetsync/internal/promote"
	"github.com/JonMunkholm/sheetsync/internal/refresh"
	"github.com/JonMunkholm/sheetsync/internal/source"
)

// SourceReader reads one table's source file.
type SourceReader interface {
	Read(ctx context.Context, req source.Request) (*core.Batch, error)
}

// Refresher recalculates a workbook in place.
type Refresher interface {
	Refresh(ctx context.Context, path string) refresh.Result
}

// Auditor records runs, steps and their side outputs.
type Auditor interface {
	StartRun(ctx context.Context, info audit.RunInfo) (pgtype.UUID, error)
	FinishRun(ctx context.Context, runID pgtype.UUID, status audit.Status, notes string) error
	Step(ctx context.Context, runID pgtype.UUID, name audit.StepName, table string, fn func(context.Context, *audit.Counters) error) error
	WriteMetadata(ctx context.Context, runID pgtype.UUID, table, key string, value map[string]any) error
	WriteSnapshot(ctx context.Context, runID pgtype.UUID, table string) (audit.Snapshot, error)
	WriteRejections(ctx context.Context, runID pgtype.UUID, table string, rejections []core.Rejection) (int, string, error)
}

// Stager lands validated rows in the staging schema.
type Stager interface {
	Load(ctx context.Context, table string, frame *core.Frame, runID pgtype.UUID) (int64, error)
	ClearRun(ctx context.Context, table string, runID pgtype.UUID) (int64, error)
	ClearTable(ctx context.Context, table string) error
}

// Promoter moves staged rows into production.
type Promoter interface {
	Promote(ctx context.Context, spec core.TableSyncSpec, runID pgtype.UUID) (promote.Result, error)
}

// Locker runs fn while holding the process-wide sync lock.
type Locker interface {
	Run(ctx context.Context, holder string, fn func(context.Context) error) error
}

// Migrator applies pending schema migrations.
type Migrator interface {
	Apply(ctx context.Context) ([]migrate.Result, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Source  SourceReader
	Refresh Refresher
	Audit   Auditor
	Staging Stager
	Promote Promoter
	Lock    Locker
	Migrate Migrator
}

// Kind selects what a run does.
type Kind string

const (
	KindSync     Kind = "sync"
	KindDryRun   Kind = "dry-run"
	KindValidate Kind = "validate"
)

// ParseKind accepts the run kinds that can be triggered remotely.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindSync, KindDryRun, KindValidate:
		return k, nil
	case "":
		return KindSync, nil
	}
	return "", fmt.Errorf("unknown run kind: %q", s)
}

// writes reports whether the kind stages and promotes data.
func (k Kind) writes() bool { return k == KindSync }

// locks reports whether the kind must hold the advisory lock.
func (k Kind) locks() bool { return k != KindValidate }

// CommandResult is the outcome of one command.
type CommandResult struct {
	RunID   string       `json:"run_id"`
	Status  audit.Status `json:"status"`
	Message string       `json:"message"`
}

// String renders the result as the CLI prints it.
func (r CommandResult) String() string {
	return fmt.Sprintf("run_id=%s status=%s message=%s", r.RunID, r.Status, r.Message)
}

// Service runs sync commands against one runtime configuration.
type Service struct {
	rt   *config.Runtime
	deps Deps

	appVersion string
	machineID  string

	flight singleflight.Group
}

// New creates a Service.
func New(rt *config.Runtime, deps Deps, appVersion string) *Service {
	return &Service{
		rt:         rt,
		deps:       deps,
		appVersion: appVersion,
		machineID:  MachineID(),
	}
}

// Tables returns the configured tables in processing order.
func (s *Service) Tables() []config.TableConfig {
	return s.rt.File.Tables
}

// ResolveSpec merges a table's runtime configuration into its registered spec.
func ResolveSpec(tc config.TableConfig) (core.TableSyncSpec, error) {
	o := core.Overrides{
		Mode:            core.SyncMode(tc.Mode),
		UniqueKeys:      tc.UniqueKeys,
		RequiredColumns: tc.RequiredColumns,
		DedupeOrderBy:   tc.DedupeOrderBy,
		Types:           tc.Types,
	}
	if tc.Incremental != nil {
		o.Watermark = &core.Watermark{
			Column:       tc.Incremental.WatermarkColumn,
			LookbackDays: tc.Incremental.Lookback(),
		}
	}
	return core.Resolve(tc.Name, o)
}

// startRun records a running run. triggered_by is the kind for CLI runs and
// the context trigger for background and API runs.
func (s *Service) startRun(ctx context.Context, kind string) (pgtype.UUID, error) {
	triggeredBy := core.TriggerFromContext(ctx)
	if triggeredBy == "" {
		triggeredBy = kind
	}
	return s.deps.Audit.StartRun(ctx, audit.RunInfo{
		AppVersion:  s.appVersion,
		MachineID:   s.machineID,
		ConfigHash:  s.rt.ConfigHash,
		Notes:       kind,
		TriggeredBy: triggeredBy,
	})
}

// finishRun closes the run even when ctx was cancelled.
func (s *Service) finishRun(ctx context.Context, runID pgtype.UUID, status audit.Status, notes string) error {
	return s.deps.Audit.FinishRun(context.WithoutCancel(ctx), runID, status, notes)
}
