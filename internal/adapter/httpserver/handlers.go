package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fairyhunter13/vision-to-tag/internal/config"
	"github.com/fairyhunter13/vision-to-tag/internal/domain"
	"github.com/fairyhunter13/vision-to-tag/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Dispatch   usecase.DispatchService
	Status     usecase.StatusService
	TagOnce    usecase.TagOnceService
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, dispatch usecase.DispatchService, status usecase.StatusService, tagOnce usecase.TagOnceService, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Dispatch: dispatch, Status: status, TagOnce: tagOnce, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func validationMessage(err error) string {
	ve, ok := err.(validator.ValidationErrors)
	if !ok {
		return "validation failed"
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, strings.ToLower(fe.Field())+": "+fe.Tag())
	}
	sort.Strings(parts)
	return "validation failed: " + strings.Join(parts, "; ")
}

// CreateTaskHandler accepts a tagging submission and dispatches it onto the
// platform queue. The transport status is always 200; the body carries the
// outcome and a server-generated task id either way.
func (s *Server) CreateTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req struct {
			URL        string `json:"url" validate:"required,url"`
			UID        string `json:"uid" validate:"omitempty,max=100"`
			Platform   string `json:"platform" validate:"required"`
			Dimensions string `json:"dimensions" validate:"required"`
			MaterialID string `json:"material_id" validate:"omitempty,json"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFailure(w, "invalid json body", uuid.New().String())
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeFailure(w, validationMessage(err), uuid.New().String())
			return
		}

		taskID, err := s.Dispatch.Dispatch(r.Context(), domain.Submission{
			URL:        req.URL,
			UID:        req.UID,
			Platform:   req.Platform,
			Dimensions: req.Dimensions,
			MaterialID: req.MaterialID,
		})
		if err != nil {
			LoggerFrom(r).Warn("task dispatch rejected", "task_id", taskID, "error", err)
			writeFailure(w, err.Error(), taskID)
			return
		}
		writeSuccess(w, "task created", taskID, nil)
	}
}

// GetTaskHandler returns the durable state of one task. The body status is
// the task status itself, or "error" when the id is malformed or unknown.
func (s *Server) GetTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "task_id")
		if _, err := uuid.Parse(taskID); err != nil {
			writeFailure(w, "invalid task id", taskID)
			return
		}
		view, err := s.Status.Fetch(r.Context(), taskID)
		if err != nil {
			msg := "task lookup failed"
			if errors.Is(err, domain.ErrNotFound) {
				msg = "task not found"
			}
			writeFailure(w, msg, taskID)
			return
		}
		writeEnvelope(w, string(view.Status), view.Message, view.TaskID, view.Tags)
	}
}

// TagVideoHandler runs the whole tagging pass inline and returns the tags in
// the response, without creating a task. Long videos hold the connection for
// the duration of the pass.
func (s *Server) TagVideoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req struct {
			URL        string `json:"url" validate:"required,url"`
			Dimensions string `json:"dimensions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFailure(w, "invalid json body", "")
			return
		}
		if req.Dimensions == "" {
			req.Dimensions = domain.DimensionAll
		}
		if err := getValidator().Struct(req); err != nil {
			writeFailure(w, validationMessage(err), "")
			return
		}

		tags, msgs, err := s.TagOnce.Tag(r.Context(), req.URL, req.Dimensions)
		if err != nil {
			LoggerFrom(r).Error("inline tagging failed", "url", req.URL, "error", err)
			writeFailure(w, err.Error(), "")
			return
		}
		if msgs.Failed() {
			writeEnvelope(w, statusError, joinFailures(msgs), "", tags)
			return
		}
		writeSuccess(w, "success", "", tags)
	}
}

func joinFailures(msgs domain.MessageSet) string {
	keys := make([]string, 0, len(msgs))
	for dim, m := range msgs {
		if m.Status == domain.DimStatusFailed {
			keys = append(keys, dim)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, dim := range keys {
		parts = append(parts, dim+": "+msgs[dim].Message)
	}
	return strings.Join(parts, "; ")
}

// ReadyzHandler probes the task store and the queue substrate.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
