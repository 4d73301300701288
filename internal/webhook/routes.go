package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"abot/internal/alert"
	"abot/internal/dispatch"
	"abot/internal/ingest"
	"abot/internal/subscription"
	logx "abot/pkg/logx"
)

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(requestLogger(s.log))
	r.Use(recoverer(s.log))
	r.Use(instrument)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apiKeyAuth(s.cfg.APIKeys))
		r.Use(rateLimit(newLimiter(s.cfg.RatePerSec)))

		r.Post("/alerts", s.postAlert)
		r.Get("/stats", s.getStats)
		r.Get("/maintenance", s.listMaintenance)
		r.Put("/maintenance/{member}", s.putMaintenance)
	})

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) postAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, ingest.MaxPayloadBytes))
	if err != nil {
		s.deps.Processor.Reject(ingest.SourceWebhook, err)
		JSONError(w, badRequest(ErrCodeBadRequest, "cannot read body: "+err.Error()))
		return
	}

	rep, err := s.deps.Processor.Process(r.Context(), ingest.SourceWebhook, body)
	if err != nil {
		var ve *alert.ValidationError
		var de *ingest.DecodeError
		switch {
		case errors.As(err, &ve):
			JSONError(w, badRequest(ErrCodeValidationFailed, ve.Error()))
		case errors.As(err, &de):
			JSONError(w, badRequest(ErrCodeBadRequest, de.Error()))
		case errors.Is(err, dispatch.ErrStopped):
			JSONError(w, &Error{Code: ErrCodeUnavailable, Message: "shutting down", Status: http.StatusServiceUnavailable})
		default:
			// Client went away or the request timed out mid-fanout.
			s.log.Warn("dispatch interrupted",
				logx.String("request_id", RequestID(r.Context())),
				logx.String("alert_id", rep.AlertID),
				logx.Err(err),
			)
			JSONError(w, &Error{Code: ErrCodeUnavailable, Message: err.Error(), Status: http.StatusServiceUnavailable})
		}
		return
	}
	OK(w, rep)
}

type maintenanceRequest struct {
	Mode string `json:"mode"`
}

type maintenanceResponse struct {
	Member      string    `json:"member"`
	Maintenance bool      `json:"maintenance"`
	Since       time.Time `json:"since,omitempty"`
	Changed     bool      `json:"changed"`
	Durable     bool      `json:"durable"`
	Warning     string    `json:"warning,omitempty"`
}

func (s *Server) putMaintenance(w http.ResponseWriter, r *http.Request) {
	member := strings.TrimSpace(chi.URLParam(r, "member"))
	if s.deps.Members != nil && !s.deps.Members.Contains(member) {
		JSONError(w, notFound("unknown member "+member))
		return
	}

	var req maintenanceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		JSONError(w, badRequest(ErrCodeBadRequest, "malformed body: "+err.Error()))
		return
	}
	var on bool
	switch strings.ToLower(strings.TrimSpace(req.Mode)) {
	case "on":
		on = true
	case "off":
	default:
		JSONError(w, badRequest(ErrCodeValidationFailed, `mode must be "on" or "off"`))
		return
	}

	changed, err := s.deps.Registry.SetMaintenance(r.Context(), member, on)
	resp := maintenanceResponse{Member: member, Maintenance: on, Changed: changed, Durable: true}
	if err != nil {
		var pe *subscription.PersistenceError
		if !errors.As(err, &pe) {
			s.log.Error("set maintenance failed", logx.String("member", member), logx.Err(err))
			JSONError(w, ErrInternal)
			return
		}
		resp.Durable = false
		resp.Warning = "storage is unavailable; the change is active but not persisted"
	}
	if st, ok := s.deps.Registry.Maintenance(member); ok {
		resp.Since = st.Since
	}
	OK(w, resp)
}

func (s *Server) listMaintenance(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Registry.Snapshot()
	out := st.Maintenance
	if out == nil {
		out = []subscription.MaintenanceState{}
	}
	OK(w, out)
}

type statsResponse struct {
	Version       string                 `json:"version,omitempty"`
	Stats         dispatch.StatsSnapshot `json:"stats"`
	Subscriptions int                    `json:"subscriptions"`
	Persistence   subscription.Health    `json:"persistence"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Version:       s.deps.Version,
		Subscriptions: s.deps.Registry.Len(),
		Persistence:   s.deps.Registry.Health(),
	}
	if s.deps.Stats != nil {
		resp.Stats = s.deps.Stats.Snapshot()
	}
	OK(w, resp)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	h := s.deps.Registry.Health()
	status := "ok"
	if h.Degraded {
		status = "degraded"
	}
	// Degraded persistence still serves alerts, so liveness stays 200.
	OK(w, map[string]any{"status": status, "persistence": h})
}
