package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/large-farva/pulse-engine/internal/config"
	"github.com/large-farva/pulse-engine/internal/jobs"
)

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Search.Workers = 2
	return newTestAppWith(t, cfg)
}

func newTestAppWith(t *testing.T, cfg config.Config) (*App, *httptest.Server) {
	t.Helper()
	a, err := New(Options{Cfg: cfg, Registry: prometheus.NewRegistry(), Heartbeat: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.start(ctx)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func mission(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("..", "..", "configs", "scanning.example.toml"))
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestHealthz(t *testing.T) {
	_, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Errorf("healthz = %d %q", resp.StatusCode, body)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set("Accept", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	got := decode[struct {
		Healthy bool `json:"healthy"`
	}](t, resp)
	if !got.Healthy {
		t.Error("detailed health reports unhealthy")
	}
}

func TestStatusAndVersion(t *testing.T) {
	_, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	status := decode[map[string]any](t, resp)
	if status["name"] != "pulse-engine" || status["state"] != StateIdle {
		t.Errorf("status = %v", status)
	}

	resp, err = http.Get(srv.URL + "/api/version")
	if err != nil {
		t.Fatal(err)
	}
	if v := decode[map[string]string](t, resp); v["version"] != Version {
		t.Errorf("version = %v", v)
	}
}

func TestJobLifecycle(t *testing.T) {
	_, srv := newTestApp(t)

	resp, err := http.Post(srv.URL+"/api/jobs", "application/toml", strings.NewReader(mission(t)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	sub := decode[jobs.CommandResult](t, resp)
	if !sub.OK || sub.JobID == "" {
		t.Fatalf("submit = %+v", sub)
	}

	var j jobs.Job
	deadline := time.Now().Add(20 * time.Second)
	for {
		resp, err := http.Get(srv.URL + "/api/jobs/" + sub.JobID)
		if err != nil {
			t.Fatal(err)
		}
		j = decode[jobs.Job](t, resp)
		if j.State.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", j.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if j.State != jobs.StateDone || j.Report == nil || len(j.Report.Best) != 2 {
		t.Fatalf("job = %+v", j)
	}
	if j.Report.Workers != 2 {
		t.Errorf("workers = %d, want the daemon's 2", j.Report.Workers)
	}

	resp, err = http.Get(srv.URL + "/api/jobs")
	if err != nil {
		t.Fatal(err)
	}
	if list := decode[[]jobs.Job](t, resp); len(list) != 1 || list[0].ID != sub.JobID {
		t.Errorf("jobs = %+v", list)
	}

	resp, err = http.Get(srv.URL + "/api/jobs/" + sub.JobID + "/plot?units=ms")
	if err != nil {
		t.Fatal(err)
	}
	plot, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(string(plot), "# pulse timing, time axis in ms") {
		t.Errorf("plot = %d %.60s", resp.StatusCode, plot)
	}

	resp, err = http.Post(srv.URL+"/api/jobs/"+sub.JobID+"/cancel", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cancel of a finished job = %d, want 409", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	metrics, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{`pulse_jobs{state="done"} 1`, `pulse_http_requests_total{code="202",route="POST /api/jobs"} 1`} {
		if !strings.Contains(string(metrics), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestJobErrors(t *testing.T) {
	_, srv := newTestApp(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid mission", http.MethodPost, "/api/jobs", "[mission]\nmodel = \"pendulum\"\n", http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/api/jobs/nope", "", http.StatusNotFound},
		{"unknown plot", http.MethodGet, "/api/jobs/nope/plot", "", http.StatusNotFound},
		{"bad units", http.MethodGet, "/api/jobs/nope/plot?units=furlongs", "", http.StatusBadRequest},
		{"unknown cancel", http.MethodPost, "/api/jobs/nope/cancel", "", http.StatusNotFound},
		{"wrong method", http.MethodDelete, "/api/jobs", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL+tt.path, strings.NewReader(tt.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestWebSocketHeartbeat(t *testing.T) {
	_, srv := newTestApp(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		var ev struct {
			Type  string `json:"type"`
			State string `json:"state"`
		}
		if err := json.Unmarshal(b, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type == "heartbeat" {
			if ev.State != StateIdle {
				t.Errorf("heartbeat state = %s", ev.State)
			}
			return
		}
	}
	t.Fatal("no heartbeat received")
}

func TestJobKeepsMissionWorkersWithoutDaemonOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Search.Workers = 0
	_, srv := newTestAppWith(t, cfg)

	doc := strings.Replace(mission(t), "workers = 0", "workers = 3", 1)
	resp, err := http.Post(srv.URL+"/api/jobs", "application/toml", strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	sub := decode[jobs.CommandResult](t, resp)
	if !sub.OK {
		t.Fatalf("submit = %+v", sub)
	}

	deadline := time.Now().Add(20 * time.Second)
	for {
		resp, err := http.Get(srv.URL + "/api/jobs/" + sub.JobID)
		if err != nil {
			t.Fatal(err)
		}
		j := decode[jobs.Job](t, resp)
		if j.State.Terminal() {
			if j.Report == nil || j.Report.Workers != 3 {
				t.Errorf("job = %+v, want the mission's 3 workers", j)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", j.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitRejectsTLEFileWithoutTLEDir(t *testing.T) {
	_, srv := newTestApp(t)

	doc := mission(t) + "\n[orbit]\ntle_file = \"/etc/passwd\"\nnorad_id = 25544\n"
	resp, err := http.Post(srv.URL+"/api/jobs", "application/toml", strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	res := decode[jobs.CommandResult](t, resp)
	if res.OK || !strings.Contains(res.Error, jobs.ErrTLEPath.Error()) {
		t.Errorf("result = %+v", res)
	}
}
