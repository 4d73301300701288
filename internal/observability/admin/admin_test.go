package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"abot/internal/schedule"
	"abot/internal/subscription"
	logx "abot/pkg/logx"
)

type fixedHealth subscription.Health

func (h fixedHealth) Health() subscription.Health { return subscription.Health(h) }

func get(t *testing.T, h http.Handler, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		health fixedHealth
		status string
	}{
		{"ok", fixedHealth{}, "ok"},
		{"degraded", fixedHealth{Degraded: true, LastError: "disk full"}, "degraded"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := New(Config{}, tc.health, logx.Nop())
			rec := get(t, s.handler(Config{}), "/healthz", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("code=%d", rec.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body["status"] != tc.status {
				t.Fatalf("status=%q", body["status"])
			}
			if tc.health.Degraded && body["persistence_error"] != "disk full" {
				t.Fatalf("persistence_error=%q", body["persistence_error"])
			}
		})
	}
}

type fixedJobs []schedule.HistoryItem

func (j fixedJobs) History() []schedule.HistoryItem { return j }

func TestJobHistory(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := fixedJobs{
		{Name: "registry.flush", Started: start, Duration: 20 * time.Millisecond},
		{Name: "stats.digest", Started: start.Add(time.Minute), Duration: time.Second, Error: "notifier queue full"},
	}

	if rec := get(t, New(Config{}, fixedHealth{}, logx.Nop()).handler(Config{}), "/jobs", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("without jobs: code=%d", rec.Code)
	}

	s := New(Config{}, fixedHealth{}, logx.Nop(), WithJobs(jobs))
	rec := get(t, s.handler(Config{}), "/jobs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	var body struct {
		Jobs []jobRun `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Jobs) != 2 || body.Jobs[0].Name != "stats.digest" || body.Jobs[0].Error == "" || body.Jobs[1].DurationMS != 20 {
		t.Fatalf("jobs=%+v", body.Jobs)
	}
}

func TestTokenAuth(t *testing.T) {
	s := New(Config{}, fixedHealth{}, logx.Nop())
	h := s.handler(Config{Token: "t0k"})

	if rec := get(t, h, "/healthz", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code=%d", rec.Code)
	}
	if rec := get(t, h, "/healthz", map[string]string{"Authorization": "Bearer nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: code=%d", rec.Code)
	}
	if rec := get(t, h, "/healthz", map[string]string{"Authorization": "Bearer t0k"}); rec.Code != http.StatusOK {
		t.Fatalf("bearer: code=%d", rec.Code)
	}
	if rec := get(t, h, "/metrics?token=t0k", nil); rec.Code != http.StatusOK {
		t.Fatalf("query token: code=%d", rec.Code)
	}
}

func TestPprofGated(t *testing.T) {
	s := New(Config{}, fixedHealth{}, logx.Nop())
	if rec := get(t, s.handler(Config{}), "/debug/pprof/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof off: code=%d", rec.Code)
	}
	if rec := get(t, s.handler(Config{Pprof: true}), "/debug/pprof/", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof on: code=%d", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:9090", true},
		{"localhost:9090", true},
		{"[::1]:9090", true},
		{"0.0.0.0:9090", false},
		{":9090", false},
		{"10.0.0.5:9090", false},
		{"garbage", false},
	}
	for _, tc := range tests {
		if got := IsLoopbackAddr(tc.addr); got != tc.want {
			t.Errorf("IsLoopbackAddr(%q)=%v want %v", tc.addr, got, tc.want)
		}
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, fixedHealth{}, logx.Nop())
	if err := s.serveOnce(context.Background()); !errors.Is(err, errInsecureBind) {
		t.Fatalf("err=%v", err)
	}
}

func waitAddr(t *testing.T, s *Service, want bool) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); (a != "") == want {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener running=%v never reached", want)
	return ""
}

func TestReconfigureLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Config{}, fixedHealth{}, logx.Nop())
	s.Start(ctx)
	if s.Addr() != "" {
		t.Fatalf("disabled listener started")
	}

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := waitAddr(t, s, true)

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code=%d", resp.StatusCode)
	}

	stopCtx, stop := context.WithTimeout(ctx, 5*time.Second)
	defer stop()
	s.Reconfigure(stopCtx, Config{Enabled: false, Addr: "127.0.0.1:0"})
	waitAddr(t, s, false)
	if s.Enabled() {
		t.Fatalf("still enabled")
	}
}
