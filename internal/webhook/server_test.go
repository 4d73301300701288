package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"abot/internal/alert"
	"abot/internal/dispatch"
	"abot/internal/ingest"
	"abot/internal/member"
	"abot/internal/subscription"
	logx "abot/pkg/logx"
)

type countingSink struct {
	mu   sync.Mutex
	sent int
}

func (s *countingSink) Send(context.Context, string, string) error {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return nil
}

type failingPersister struct{}

func (failingPersister) SaveState(context.Context, subscription.State) error {
	return errors.New("read-only filesystem")
}

type fixture struct {
	srv  *Server
	reg  *subscription.Registry
	disp *dispatch.Dispatcher
	sink *countingSink
}

func newFixture(t *testing.T, opts ...subscription.Option) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	scale := alert.DefaultScale()
	members := member.New(member.Member{ID: "node7"}, member.Member{ID: "node8"})
	reg := subscription.New(scale, append([]subscription.Option{subscription.WithClock(mock)}, opts...)...)
	sink := &countingSink{}
	d := dispatch.New(reg, sink, dispatch.WithClock(mock), dispatch.WithScale(scale))
	proc := ingest.NewProcessor(scale, members, d, mock, logx.Nop())

	srv, err := New(Config{APIKeys: []string{"k1", " k2 "}}, Deps{
		Processor: proc,
		Registry:  reg,
		Members:   members,
		Stats:     d.Stats(),
		Version:   "test",
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{srv: srv, reg: reg, disp: d, sink: sink}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

var apiKey = map[string]string{"X-API-Key": "k1"}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error *Error          `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("body %q: %v", rec.Body.String(), err)
	}
	if v != nil {
		if err := json.Unmarshal(env.Data, v); err != nil {
			t.Fatalf("data %q: %v", env.Data, err)
		}
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(Config{APIKeys: []string{" "}}, Deps{}); err == nil {
		t.Fatalf("expected error without API keys")
	}
}

func TestPostAlertAuth(t *testing.T) {
	f := newFixture(t)
	body := `{"memberId":"node7","severity":"high","message":"x"}`
	cases := []struct {
		name string
		hdr  map[string]string
		want int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"x-api-key", apiKey, http.StatusOK},
		{"bearer", map[string]string{"Authorization": "Bearer k2"}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/alerts", body, tc.hdr)
			if rec.Code != tc.want {
				t.Fatalf("status=%d want %d body=%s", rec.Code, tc.want, rec.Body.String())
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Fatalf("missing request id")
			}
		})
	}
}

func TestPostAlertDelivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, _ = f.reg.Upsert(ctx, "100", "node7", "high", 0)
	_, _, _ = f.reg.Upsert(ctx, "200", "node7", "high", 30*time.Minute)

	rec := f.do(t, http.MethodPost, "/api/v1/alerts", `{"memberId":"node7","severity":"high","message":"down","code":1}`, apiKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var rep dispatch.Report
	decodeData(t, rec, &rep)
	if rep.Matched != 2 || rep.Delivered != 1 || rep.Muted != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if f.sink.sent != 1 {
		t.Fatalf("sent=%d", f.sink.sent)
	}
}

func TestPostAlertRejected(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		body string
		code string
	}{
		{`{"memberId":`, ErrCodeBadRequest},
		{`{"memberId":"node9","severity":"high"}`, ErrCodeValidationFailed},
		{`{"memberId":"node7","severity":"meh"}`, ErrCodeValidationFailed},
	}
	for _, tc := range cases {
		rec := f.do(t, http.MethodPost, "/api/v1/alerts", tc.body, apiKey)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", tc.body, rec.Code)
		}
		var env Response
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil || env.Error == nil || env.Error.Code != tc.code {
			t.Fatalf("%s: body=%s", tc.body, rec.Body.String())
		}
	}
	if s := f.disp.Stats().Snapshot(); s.Rejected != 3 || s.Received != 0 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestPostAlertStopped(t *testing.T) {
	f := newFixture(t)
	f.disp.Stop()
	rec := f.do(t, http.MethodPost, "/api/v1/alerts", `{"memberId":"node7","severity":"low"}`, apiKey)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestMaintenanceAPI(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/maintenance/node7", `{"mode":"on"}`, apiKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp maintenanceResponse
	decodeData(t, rec, &resp)
	if !resp.Maintenance || !resp.Changed || !resp.Durable || resp.Since.IsZero() {
		t.Fatalf("resp=%+v", resp)
	}
	if _, on := f.reg.Maintenance("node7"); !on {
		t.Fatalf("maintenance not set")
	}

	rec = f.do(t, http.MethodGet, "/api/v1/maintenance", "", apiKey)
	var list []subscription.MaintenanceState
	decodeData(t, rec, &list)
	if len(list) != 1 || list[0].Member != "node7" {
		t.Fatalf("list=%+v", list)
	}

	if rec := f.do(t, http.MethodPut, "/api/v1/maintenance/node9", `{"mode":"on"}`, apiKey); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown member status=%d", rec.Code)
	}
	if rec := f.do(t, http.MethodPut, "/api/v1/maintenance/node7", `{"mode":"maybe"}`, apiKey); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad mode status=%d", rec.Code)
	}
}

func TestMaintenanceNotDurable(t *testing.T) {
	f := newFixture(t, subscription.WithPersister(failingPersister{}))
	rec := f.do(t, http.MethodPut, "/api/v1/maintenance/node8", `{"mode":"on"}`, apiKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp maintenanceResponse
	decodeData(t, rec, &resp)
	if resp.Durable || resp.Warning == "" {
		t.Fatalf("resp=%+v", resp)
	}

	rec = f.do(t, http.MethodGet, "/healthz", "", nil)
	var health map[string]any
	decodeData(t, rec, &health)
	if health["status"] != "degraded" {
		t.Fatalf("health=%v", health)
	}
}

func TestStatsAndHealth(t *testing.T) {
	f := newFixture(t)
	_ = f.do(t, http.MethodPost, "/api/v1/alerts", `{"memberId":"node7","severity":"low"}`, apiKey)

	rec := f.do(t, http.MethodGet, "/api/v1/stats", "", apiKey)
	var st statsResponse
	decodeData(t, rec, &st)
	if st.Stats.Received != 1 || st.Version != "test" {
		t.Fatalf("stats=%+v", st)
	}

	rec = f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz=%d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "abot_alerts_received_total") {
		t.Fatalf("metrics=%d", rec.Code)
	}
}

func TestRecovererReturns500(t *testing.T) {
	r := chi.NewRouter()
	r.Use(recoverer(logx.Nop()))
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), ErrCodeInternalError) {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}
