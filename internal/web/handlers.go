package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/sheetsync/internal/audit"
	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/lock"
	"github.com/JonMunkholm/sheetsync/internal/syncer"
)

// MaxHistoryLimit caps the limit query parameter of the runs listing.
const MaxHistoryLimit = 500

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status   string            `json:"status"`
	Database string            `json:"database"`
	Sync     *lock.GuardStatus `json:"sync,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "ok"}
	if s.deps.Guard != nil {
		st := s.deps.Guard.Status()
		resp.Sync = &st
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.deps.DB.Ping(ctx); err != nil {
		resp.Status, resp.Database = "degraded", err.Error()
		writeJSONStatus(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, resp)
}

// TableInfo describes one configured table.
type TableInfo struct {
	Name              string   `json:"name"`
	File              string   `json:"file"`
	Sheet             string   `json:"sheet,omitempty"`
	Mode              string   `json:"mode"`
	UniqueKeys        []string `json:"unique_keys"`
	RequiredColumns   []string `json:"required_columns"`
	RefreshBeforeLoad bool     `json:"refresh_before_load"`
	BusinessColumns   []string `json:"business_columns"`
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables := s.deps.Runner.Tables()
	infos := make([]TableInfo, 0, len(tables))
	for _, tc := range tables {
		info := TableInfo{
			Name:              tc.Name,
			File:              tc.File,
			Sheet:             tc.Sheet,
			Mode:              tc.Mode,
			UniqueKeys:        core.NormalizeColumnNames(tc.UniqueKeys),
			RequiredColumns:   core.NormalizeColumnNames(tc.RequiredColumns),
			RefreshBeforeLoad: tc.RefreshBeforeLoad,
		}
		if spec, ok := core.Get(tc.Name); ok {
			info.BusinessColumns = spec.BusinessColumns
		}
		infos = append(infos, info)
	}
	writeJSON(w, infos)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", audit.DefaultHistoryLimit)
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	runs, err := s.deps.History.ListRuns(r.Context(), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if runs == nil {
		runs = []audit.Run{}
	}
	writeJSON(w, runs)
}

// RunDetail is a run with its steps.
type RunDetail struct {
	audit.Run
	Steps []audit.StepRecord `json:"steps"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	run, err := s.deps.History.GetRun(r.Context(), runID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	steps, err := s.deps.History.ListSteps(r.Context(), runID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if steps == nil {
		steps = []audit.StepRecord{}
	}
	writeJSON(w, RunDetail{Run: *run, Steps: steps})
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	steps, err := s.deps.History.ListSteps(r.Context(), runID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if steps == nil {
		steps = []audit.StepRecord{}
	}
	writeJSON(w, steps)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	snaps, err := s.deps.History.ListSnapshots(r.Context(), runID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []audit.SnapshotRecord{}
	}
	writeJSON(w, snaps)
}

// TriggerResponse is the body of POST /api/sync.
type TriggerResponse struct {
	syncer.CommandResult
	Shared bool `json:"shared"`
}

// handleTriggerSync starts a run and waits for it. A run that finished as
// failed is reported with its run id next to the mapped error.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	kind, err := syncer.ParseKind(r.URL.Query().Get("mode"))
	if err != nil {
		respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	res, shared, err := s.deps.Runner.Trigger(withTrigger(r.Context(), r), kind)
	if err != nil {
		if res.RunID == "" {
			respondError(w, r, err)
			return
		}
		msg := core.MapError(err)
		writeJSONStatus(w, statusFor(err), struct {
			TriggerResponse
			ErrorResponse
		}{
			TriggerResponse{CommandResult: res, Shared: shared},
			ErrorResponse{Error: msg.Message, Message: msg.Message, Action: msg.Action, Code: msg.Code},
		})
		return
	}
	writeJSON(w, TriggerResponse{CommandResult: res, Shared: shared})
}

// runIDParam parses the {runID} URL parameter.
func runIDParam(r *http.Request) (pgtype.UUID, error) {
	raw := chi.URLParam(r, "runID")
	id := core.ToPgUUID(raw)
	if !id.Valid {
		return id, fmt.Errorf("%w: invalid run id %q", errBadRequest, raw)
	}
	return id, nil
}

// parseIntParam parses a positive integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}
