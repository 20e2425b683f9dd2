package syncer

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/sheetsync/internal/audit"
	"github.com/JonMunkholm/sheetsync/internal/config"
	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/logging"
	"github.com/JonMunkholm/sheetsync/internal/migrate"
	"github.com/JonMunkholm/sheetsync/internal/source"
)

// Bootstrap applies pending migrations and records them in a run.
func (s *Service) Bootstrap(ctx context.Context) (CommandResult, error) {
	results, err := s.deps.Migrate.Apply(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	applied, skipped := migrate.Summary(results)

	runID, err := s.startRun(ctx, "bootstrap")
	if err != nil {
		return CommandResult{}, err
	}
	res := CommandResult{RunID: core.PgUUIDToString(runID)}

	err = s.deps.Audit.Step(ctx, runID, audit.StepCleanup, "ddl_migrations", func(_ context.Context, c *audit.Counters) error {
		c.SetRowsIn(int64(len(results)))
		c.SetRowsOut(int64(len(applied)))
		c.Detail("applied_versions", applied)
		c.Detail("skipped_versions", skipped)
		return nil
	})
	if err != nil {
		_ = s.finishRun(ctx, runID, audit.StatusFailed, err.Error())
		return res, err
	}

	res.Status, res.Message = audit.StatusSuccess, "bootstrap completed"
	return res, s.finishRun(ctx, runID, res.Status, res.Message)
}

// RefreshOnly refreshes every table flagged refresh_before_load.
// A failed refresh degrades the run to partial.
func (s *Service) RefreshOnly(ctx context.Context) (CommandResult, error) {
	runID, err := s.startRun(ctx, "refresh")
	if err != nil {
		return CommandResult{}, err
	}
	ctx = logging.WithRunID(ctx, core.PgUUIDToString(runID))
	res := CommandResult{RunID: core.PgUUIDToString(runID)}

	var failed []string
	for _, tc := range s.rt.File.Tables {
		if !tc.RefreshBeforeLoad {
			continue
		}
		if err := ctx.Err(); err != nil {
			_ = s.finishRun(ctx, runID, audit.StatusFailed, err.Error())
			return res, err
		}
		if err := s.refreshTable(ctx, runID, tc); err != nil {
			logging.FromContext(ctx).Error("refresh failed", "table", tc.Name, "error", err)
			failed = append(failed, tc.Name)
		}
	}

	res.Status, res.Message = audit.StatusSuccess, "refresh completed"
	notes := ""
	if len(failed) > 0 {
		res.Status = audit.StatusPartial
		notes = "refresh failures: " + strings.Join(failed, ",")
	}
	return res, s.finishRun(ctx, runID, res.Status, notes)
}

// Validate reads, transforms and records rejections for every table
// without touching staging or production. It does not take the lock.
func (s *Service) Validate(ctx context.Context) (CommandResult, error) {
	return s.run(ctx, KindValidate)
}

// DryRun is Validate under the advisory lock.
func (s *Service) DryRun(ctx context.Context) (CommandResult, error) {
	return s.run(ctx, KindDryRun)
}

// Sync runs the full pipeline for every table.
func (s *Service) Sync(ctx context.Context) (CommandResult, error) {
	return s.run(ctx, KindSync)
}

// Run dispatches on kind.
func (s *Service) Run(ctx context.Context, kind Kind) (CommandResult, error) {
	switch kind {
	case KindSync, KindDryRun, KindValidate:
		return s.run(ctx, kind)
	}
	return CommandResult{}, fmt.Errorf("unknown run kind: %q", kind)
}

func (s *Service) run(ctx context.Context, kind Kind) (CommandResult, error) {
	runID, err := s.startRun(ctx, string(kind))
	if err != nil {
		return CommandResult{}, err
	}
	id := core.PgUUIDToString(runID)
	ctx = logging.WithRunID(ctx, id)
	res := CommandResult{RunID: id}

	var tableErrs []string
	body := func(ctx context.Context) error {
		for _, tc := range s.rt.File.Tables {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.syncTable(ctx, runID, kind, tc); err != nil {
				logging.FromContext(ctx).Error("table sync failed", "table", tc.Name, "error", err)
				if s.rt.File.App.StopOnError {
					return fmt.Errorf("%s: %w", tc.Name, err)
				}
				tableErrs = append(tableErrs, fmt.Sprintf("%s: %v", tc.Name, err))
			}
		}
		return nil
	}

	if kind.locks() {
		err = s.deps.Lock.Run(ctx, string(kind), body)
	} else {
		err = body(ctx)
	}
	if err != nil {
		res.Status, res.Message = audit.StatusFailed, err.Error()
		if ferr := s.finishRun(ctx, runID, res.Status, res.Message); ferr != nil {
			logging.FromContext(ctx).Error("finish run failed", "error", ferr)
		}
		return res, err
	}

	res.Status, res.Message = audit.StatusSuccess, fmt.Sprintf("%s completed", kind)
	if len(tableErrs) > 0 {
		res.Status, res.Message = audit.StatusPartial, strings.Join(tableErrs, "; ")
	}
	logging.FromContext(ctx).Info("run finished", "kind", kind, "status", res.Status)
	return res, s.finishRun(ctx, runID, res.Status, res.Message)
}

// syncTable runs every stage of one table. Each stage is its own audit step.
func (s *Service) syncTable(ctx context.Context, runID pgtype.UUID, kind Kind, tc config.TableConfig) error {
	if tc.RefreshBeforeLoad {
		if err := s.refreshTable(ctx, runID, tc); err != nil {
			return err
		}
	}

	spec, prepared, err := s.prepareTable(ctx, runID, tc)
	if err != nil {
		return err
	}

	log := logging.WithFields(ctx, "table", tc.Name)
	if !kind.writes() {
		log.Info("table validated",
			"rows_in", prepared.RowsIn, "rows_valid", prepared.RowsOut, "rows_rejected", prepared.RowsRejected)
		return nil
	}

	rejected := int64(prepared.RowsRejected)
	var loaded int64
	err = s.deps.Audit.Step(ctx, runID, audit.StepLoadStaging, tc.Name, func(ctx context.Context, c *audit.Counters) error {
		n, err := s.deps.Staging.Load(ctx, tc.Name, prepared.Frame, runID)
		if err != nil {
			return err
		}
		loaded = n
		c.SetRowsIn(int64(prepared.Frame.Len()))
		c.SetRowsOut(n)
		c.SetRowsRejected(rejected)
		return nil
	})
	if err != nil {
		return err
	}

	err = s.deps.Audit.Step(ctx, runID, audit.StepPromote, tc.Name, func(ctx context.Context, c *audit.Counters) error {
		result, err := s.deps.Promote.Promote(ctx, spec, runID)
		if err != nil {
			return err
		}
		if result.Watermark != nil {
			meta := result.Watermark.Metadata(spec.Types[result.Watermark.Column])
			if err := s.deps.Audit.WriteMetadata(ctx, runID, tc.Name, "incremental_watermark", meta); err != nil {
				return err
			}
		}
		snap, err := s.deps.Audit.WriteSnapshot(ctx, runID, tc.Name)
		if err != nil {
			return err
		}
		c.SetRowsIn(loaded)
		c.SetRowsOut(result.Rows)
		c.SetRowsRejected(rejected)
		c.Detail("mode", string(result.Mode))
		c.Detail("snapshot_row_count", snap.RowCount)
		return nil
	})
	if err != nil {
		return err
	}

	err = s.deps.Audit.Step(ctx, runID, audit.StepCleanup, tc.Name, func(ctx context.Context, c *audit.Counters) error {
		cleared, err := s.deps.Staging.ClearRun(ctx, tc.Name, runID)
		if err != nil {
			return err
		}
		c.SetRowsIn(loaded)
		c.SetRowsOut(0)
		c.Detail("cleared_rows", cleared)
		return nil
	})
	if err != nil {
		return err
	}

	log.Info("table synced",
		"rows_in", prepared.RowsIn, "rows_valid", prepared.RowsOut, "rows_rejected", prepared.RowsRejected,
		"rows_loaded", loaded)
	return nil
}

// prepareTable is the validate step: read, transform, persist rejections.
func (s *Service) prepareTable(ctx context.Context, runID pgtype.UUID, tc config.TableConfig) (core.TableSyncSpec, *core.TransformResult, error) {
	var (
		spec     core.TableSyncSpec
		prepared *core.TransformResult
	)
	err := s.deps.Audit.Step(ctx, runID, audit.StepValidate, tc.Name, func(ctx context.Context, c *audit.Counters) error {
		var err error
		spec, err = ResolveSpec(tc)
		if err != nil {
			return err
		}

		batch, err := s.deps.Source.Read(ctx, source.Request{
			Table: tc.Name,
			Path:  s.rt.SourcePath(tc),
			Sheet: tc.Sheet,
		})
		if err != nil {
			return err
		}

		prepared, err = core.Transform(spec, batch)
		if err != nil {
			return err
		}

		written, file, err := s.deps.Audit.WriteRejections(ctx, runID, tc.Name, prepared.Rejections)
		if err != nil {
			return err
		}

		c.SetRowsIn(int64(prepared.RowsIn))
		c.SetRowsOut(int64(prepared.RowsOut))
		c.SetRowsRejected(int64(prepared.RowsRejected))
		c.Detail("dropped_headers", nonNil(prepared.DroppedHeaders))
		c.Detail("dropped_empty_rows", prepared.DroppedEmptyRows)
		c.Detail("required_columns", nonNil(spec.RequiredColumns))
		c.Detail("unique_keys", nonNil(spec.UniqueKeys))
		c.Detail("cast_errors", prepared.CastErrors)
		c.Detail("duplicate_rows", prepared.DuplicateRows)
		c.Detail("rejection_records", written)
		if file != "" {
			c.Detail("rejections_file", file)
		}
		return nil
	})
	return spec, prepared, err
}

func (s *Service) refreshTable(ctx context.Context, runID pgtype.UUID, tc config.TableConfig) error {
	return s.deps.Audit.Step(ctx, runID, audit.StepRefresh, tc.Name, func(ctx context.Context, c *audit.Counters) error {
		result := s.deps.Refresh.Refresh(ctx, s.rt.SourcePath(tc))
		c.Detail("file", tc.File)
		c.Detail("elapsed_seconds", math.Round(result.Elapsed.Seconds()*1000)/1000)
		if !result.OK {
			c.Detail("error", result.Err.Error())
			return result.Err
		}
		return nil
	})
}

// ResetStaging truncates a table's staging area under the lock.
func (s *Service) ResetStaging(ctx context.Context, table string) error {
	if _, ok := s.rt.File.Table(table); !ok {
		return fmt.Errorf("%w: table %q is not configured", core.ErrConfig, table)
	}
	return s.deps.Lock.Run(ctx, "reset-staging", func(ctx context.Context) error {
		if err := s.deps.Staging.ClearTable(ctx, table); err != nil {
			return err
		}
		logging.FromContext(ctx).Info("staging cleared", "table", table)
		return nil
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
