package ctl

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/large-farva/pulse-engine/internal/jobs"
	"github.com/large-farva/pulse-engine/internal/planner"
	"github.com/large-farva/pulse-engine/internal/timing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := out
	out = &buf
	t.Cleanup(func() { out = prev })
	return &buf
}

var doneJob = jobs.Job{
	ID:      "abc123",
	Mission: "scan-2beam",
	Model:   "scanning",
	State:   jobs.StateDone,
	Report: &planner.Report{
		Model:          "scanning",
		Policy:         "transmit_echo",
		AltitudeM:      800e3,
		AltitudeSource: planner.AltitudeFromMission,
		Workers:        4,
		Feasible:       true,
		DutyFactor:     0.2,
		Best: []timing.Setting{
			{Owner: 0, PRI: 2e-3, PulseWidth: 4e-4},
			{Owner: 1, PRI: 2e-3, PulseWidth: 4e-4, Offset: 1e-3},
		},
	},
}

func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	writeJSON := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "ok\n") })
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, StatusResponse{Name: "pulse-engine", State: "IDLE", Jobs: map[string]int{"done": 2}, MaxJobs: 64})
	})
	mux.HandleFunc("GET /api/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"version": "v1.2.3", "go_version": "go1.26", "built_at": "today"})
	})
	mux.HandleFunc("POST /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(b), "[mission]") {
			writeJSON(w, 400, jobs.CommandResult{Error: "no mission"})
			return
		}
		writeJSON(w, 202, jobs.CommandResult{OK: true, JobID: doneJob.ID})
	})
	mux.HandleFunc("GET /api/jobs", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, 200, []jobs.Job{doneJob}) })
	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != doneJob.ID {
			writeJSON(w, 404, map[string]any{"ok": false, "error": "job not found"})
			return
		}
		writeJSON(w, 200, doneJob)
	})
	mux.HandleFunc("GET /api/jobs/{id}/plot", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "# pulse timing, time axis in "+r.URL.Query().Get("units")+"\n&\n")
	})
	mux.HandleFunc("POST /api/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 404, jobs.CommandResult{Error: "job not found: " + r.PathValue("id")})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatus(t *testing.T) {
	srv := fakeDaemon(t)
	buf := capture(t)
	if err := Status(srv.URL, false); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"PULSE ENGINE STATUS", "IDLE", "done 2", "0 active / 64 max"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("status output missing %q:\n%s", want, buf)
		}
	}
}

func TestHealthAndVersion(t *testing.T) {
	srv := fakeDaemon(t)
	buf := capture(t)
	if err := Health(srv.URL, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"healthy": true`) {
		t.Errorf("health json: %s", buf)
	}
	buf.Reset()
	if err := VersionInfo(srv.URL, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "v1.2.3 (go1.26)") {
		t.Errorf("version output: %s", buf)
	}
}

func TestSubmitWait(t *testing.T) {
	srv := fakeDaemon(t)
	buf := capture(t)
	path := filepath.Join(t.TempDir(), "m.toml")
	if err := os.WriteFile(path, []byte("[mission]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Submit(srv.URL, SubmitOptions{Path: path, Wait: true, Poll: time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"JOB abc123", "done", "2.0000 ms", "400.000 µs", "1.0000 ms", "transmit_echo"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("result output missing %q:\n%s", want, buf)
		}
	}

	if err := os.WriteFile(path, []byte("nothing"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Submit(srv.URL, SubmitOptions{Path: path}); err == nil || !strings.Contains(err.Error(), "no mission") {
		t.Errorf("err = %v", err)
	}
}

func TestJobsAndResult(t *testing.T) {
	srv := fakeDaemon(t)
	buf := capture(t)
	if err := Jobs(srv.URL, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "abc123") || !strings.Contains(buf.String(), "0.2000") {
		t.Errorf("jobs output:\n%s", buf)
	}
	if err := Result(srv.URL, "missing", false); err == nil || !strings.Contains(err.Error(), "job not found") {
		t.Errorf("err = %v", err)
	}
}

func TestCancelReportsDaemonError(t *testing.T) {
	srv := fakeDaemon(t)
	capture(t)
	if err := Cancel(srv.URL, "zzz", false); err == nil || !strings.Contains(err.Error(), "job not found: zzz") {
		t.Errorf("err = %v", err)
	}
}

func TestPlotToFile(t *testing.T) {
	srv := fakeDaemon(t)
	capture(t)
	path := filepath.Join(t.TempDir(), "p.xmgr")
	if err := Plot(srv.URL, doneJob.ID, PlotOptions{Units: "ms", Output: path}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(b), "# pulse timing, time axis in ms") {
		t.Errorf("plot = %q", b)
	}
}

func TestWSURL(t *testing.T) {
	tests := []struct {
		base, job, want string
		wantErr         bool
	}{
		{"http://127.0.0.1:8080/", "", "ws://127.0.0.1:8080/ws", false},
		{"https://host", "abc", "wss://host/ws?job=abc", false},
		{"ftp://host", "", "", true},
	}
	for _, tt := range tests {
		got, err := wsURL(tt.base, tt.job)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("wsURL(%q, %q) = %q, %v", tt.base, tt.job, got, err)
		}
	}
}

func TestRenderEvent(t *testing.T) {
	buf := capture(t)
	renderEvent([]byte(`{"type":"job","job_id":"abc","state":"done","mission":"m1","duty_factor":0.25}`))
	renderEvent([]byte(`{"type":"progress","job_id":"abc","trials":10,"feasible_trials":3,"best_duty_factor":0.5}`))
	renderEvent([]byte(`not json`))
	got := buf.String()
	for _, want := range []string{"m1 duty 0.2500", "10 trials, 3 feasible", "not json"} {
		if !strings.Contains(got, want) {
			t.Errorf("render output missing %q:\n%s", want, got)
		}
	}
}

func TestFormatSeconds(t *testing.T) {
	tests := []struct {
		v    float64
		want string
	}{
		{0, "0"},
		{1.5e-4, "150.000 µs"},
		{2.5e-3, "2.5000 ms"},
		{2, "2.000000 s"},
	}
	for _, tt := range tests {
		if got := formatSeconds(tt.v); got != tt.want {
			t.Errorf("formatSeconds(%g) = %q, want %q", tt.v, got, tt.want)
		}
	}
}
