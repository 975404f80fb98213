package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/large-farva/pulse-engine/internal/jobs"
	"github.com/large-farva/pulse-engine/internal/logging"
	"github.com/large-farva/pulse-engine/internal/pulse"
)

// maxMissionBytes bounds a submitted mission document.
const maxMissionBytes = 1 << 20

// ---------------------------------------------------------------------------
// Core handlers
// ---------------------------------------------------------------------------

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// If the client asks for JSON, return component-level health checks.
	if r.Header.Get("Accept") == "application/json" {
		a.handleHealthDetailed(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (a *App) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{}
	allOK := true

	// The runner is healthy if it answers a command promptly.
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := a.sendCommand(ctx, "ping", nil); err != nil {
		checks["runner"] = map[string]any{"ok": false, "error": err.Error()}
		allOK = false
	} else {
		checks["runner"] = map[string]any{"ok": true, "active_jobs": a.runner.Active()}
	}

	checks["websocket"] = map[string]any{"ok": true, "clients": a.wsHub.Clients()}

	status := http.StatusOK
	if !allOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": allOK,
		"checks":  checks,
	})
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"name":           "pulse-engine",
		"state":          a.state.Load().(string),
		"uptime_seconds": int64(time.Since(a.startedAt).Seconds()),
		"jobs":           a.runner.Counts(),
		"active_jobs":    a.runner.Active(),
		"max_jobs":       a.cfg.Server.MaxJobs,
		"ws_clients":     a.wsHub.Clients(),
		"default_units":  a.cfg.Export.Units,
	}
	if a.configPath != "" {
		resp["config_path"] = a.configPath
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    Version,
		"go_version": GoVersion,
		"built_at":   BuiltAt,
	})
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func (a *App) handleSubmit(w http.ResponseWriter, r *http.Request) {
	doc, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMissionBytes))
	if err != nil {
		jsonError(w, "read mission: "+err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	payload, _ := json.Marshal(jobs.SubmitPayload{Config: string(doc)})
	res, err := a.sendCommand(r.Context(), "submit", payload)
	if err != nil {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !res.OK {
		code := http.StatusBadRequest
		if res.Error == jobs.ErrFull.Error() {
			code = http.StatusTooManyRequests
		}
		writeCommandResult(w, code, res)
		return
	}
	a.log.Info(logging.ContextWithJobID(r.Context(), res.JobID), "job submitted", logging.String("remote", r.RemoteAddr))
	a.emit("info", fmt.Sprintf("job %s submitted", res.JobID))
	w.Header().Set("Location", "/api/jobs/"+res.JobID)
	writeCommandResult(w, http.StatusAccepted, res)
}

func (a *App) handleJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.runner.Jobs())
}

func (a *App) handleJob(w http.ResponseWriter, r *http.Request) {
	j, ok := a.runner.Job(r.PathValue("id"))
	if !ok {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *App) handlePlot(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("units")
	if raw == "" {
		raw = a.cfg.Export.Units
	}
	units, err := pulse.ParseUnits(raw)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", id+".xmgr"))
	if err := a.runner.WritePlot(id, w, units); err != nil {
		w.Header().Del("Content-Disposition")
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			jsonError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, jobs.ErrNotReady):
			jsonError(w, err.Error(), http.StatusConflict)
		default:
			jsonError(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func (a *App) handleCancel(w http.ResponseWriter, r *http.Request) {
	payload, _ := json.Marshal(jobs.CancelPayload{ID: r.PathValue("id")})
	res, err := a.sendCommand(r.Context(), "cancel", payload)
	if err != nil {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	code := http.StatusOK
	if !res.OK {
		code = http.StatusConflict
		if _, ok := a.runner.Job(res.JobID); !ok {
			code = http.StatusNotFound
		}
	}
	writeCommandResult(w, code, res)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// sendCommand sends a command to the runner and waits for the reply.
func (a *App) sendCommand(ctx context.Context, cmdType string, payload json.RawMessage) (jobs.CommandResult, error) {
	reply := make(chan jobs.CommandResult, 1)
	select {
	case a.runner.Commands <- jobs.Command{Type: cmdType, Payload: payload, Reply: reply}:
	case <-ctx.Done():
		return jobs.CommandResult{}, fmt.Errorf("runner busy: %w", ctx.Err())
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return jobs.CommandResult{}, fmt.Errorf("runner did not reply: %w", ctx.Err())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]any{
		"ok":    false,
		"error": msg,
	})
}

// writeCommandResult writes a jobs.CommandResult as JSON.
func writeCommandResult(w http.ResponseWriter, code int, result jobs.CommandResult) {
	writeJSON(w, code, result)
}
