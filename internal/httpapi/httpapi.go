// Package httpapi exposes the schedule CRUD and ad-hoc send endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"heraldbot/internal/config"
	"heraldbot/internal/schedule"
	"heraldbot/internal/services/broadcast"
	"heraldbot/internal/store"
	"heraldbot/pkg/logx"
)

// Broadcaster is the paced-send slice the API needs.
type Broadcaster interface {
	Send(ctx context.Context, targets []string, text string) []broadcast.TargetResult
	Dispatch(ctx context.Context, targets []string, text string) string
	Status(id string) (broadcast.JobStatus, bool)
}

// Enhancer rewrites ad-hoc message text. May be nil.
type Enhancer interface {
	EnhanceMessage(ctx context.Context, msgContext, text string) (string, error)
}

type Server struct {
	store     store.Store
	sender    Broadcaster
	enhancer  Enhancer
	log       logx.Logger
	router    chi.Router
	startedAt time.Time
	now       func() time.Time
}

func New(st store.Store, sender Broadcaster, enhancer Enhancer, cfg config.HTTPConfig, log logx.Logger) *Server {
	s := &Server{
		store:     st,
		sender:    sender,
		enhancer:  enhancer,
		log:       log,
		startedAt: time.Now(),
		now:       time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/schedules", s.handleCreateSchedule)
		r.Get("/schedules", s.handleListSchedules)
		r.Put("/schedules/{id}", s.handleUpdateSchedule)
		r.Post("/send", s.handleSend)
		r.Get("/jobs/{id}", s.handleJobStatus)
	})

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  "ok",
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m := req.toMessage()
	if errs := m.Validate(); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"errors":  errs,
		})
		return
	}

	next, ok, err := schedule.NextRun(*m, s.now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"errors":  []string{err.Error()},
		})
		return
	}
	if ok {
		m.NextRunAt = &next
		m.Status = schedule.StatusActive
	} else {
		m.Status = schedule.StatusCompleted
	}

	id, err := s.store.Insert(r.Context(), m)
	if err != nil {
		s.log.Error("schedule insert failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not save schedule")
		return
	}
	m.ID = id

	resp := map[string]any{
		"success":     true,
		"schedule_id": id,
		"schedule":    scheduleView(m),
	}
	if m.NextRunAt != nil {
		resp["next_run_at"] = m.NextRunAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListActive(r.Context())
	if err != nil {
		s.log.Error("schedule list failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not list schedules")
		return
	}
	views := make([]map[string]any, 0, len(items))
	for _, m := range items {
		views = append(views, scheduleView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"schedules": views,
	})
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	var req updateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	patch, errs := req.toPatch()
	if len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"errors":  errs,
		})
		return
	}
	if patch.IsZero() {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}

	if err := s.store.Update(r.Context(), id, patch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.log.Error("schedule update failed", logx.Int64("schedule", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not update schedule")
		return
	}

	m, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not reload schedule")
		return
	}

	// A changed time or frequency shifts the next occurrence.
	if (patch.TimeOfDay != nil || patch.Frequency != nil) && m.Status == schedule.StatusActive {
		if next, ok, err := schedule.NextRun(*m, s.now()); err == nil && ok {
			if uerr := s.store.Update(r.Context(), id, store.Patch{NextRunAt: &next}); uerr == nil {
				m.NextRunAt = &next
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"schedule": scheduleView(m),
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	targets := req.Target.Values()
	if len(targets) == 0 || req.Message == "" {
		writeError(w, http.StatusBadRequest, "target and message are required")
		return
	}

	text := req.Message
	if bool(req.EnhanceAI) && s.enhancer != nil {
		enhanced, err := s.enhancer.EnhanceMessage(r.Context(), req.Context, text)
		if err != nil {
			s.log.Warn("send enhancement failed, using original", logx.Err(err))
		} else {
			text = enhanced
		}
	}

	if req.Async {
		// The job outlives the request; shutdown waits for it to drain
		// rather than cancelling it.
		jobID := s.sender.Dispatch(context.WithoutCancel(r.Context()), targets, text)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"job_id":  jobID,
		})
		return
	}

	results := s.sender.Send(r.Context(), targets, text)
	failed := 0
	for _, res := range results {
		if !res.OK {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": failed == 0,
		"sent":    len(results) - failed,
		"failed":  failed,
		"results": results,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.sender.Status(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job":     st,
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
