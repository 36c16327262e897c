// Package progressserver exposes the session API over HTTP: JSON endpoints
// for the session lifecycle and a websocket channel streaming live setup
// progress and the countdown.
package progressserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kvlab/kvlab/internal/bridge"
	"github.com/kvlab/kvlab/internal/labspec"
	"github.com/kvlab/kvlab/internal/session"
	"github.com/kvlab/kvlab/internal/validation"
)

// Sessions is the persistence surface the API needs.
type Sessions interface {
	Create(ctx context.Context, sess *session.Session) error
	Get(ctx context.Context, id string) (*session.Session, error)
	ActiveForUserLab(ctx context.Context, userID, labID string) (*session.Session, error)
	ExecutionLogs(ctx context.Context, sessionID string) ([]session.ExecutionLog, error)
}

// Lifecycle drives sessions through their state machine.
type Lifecycle interface {
	Start(ctx context.Context, sessionID string) error
	Submit(ctx context.Context, sessionID string) error
	Cancel(ctx context.Context, sessionID string) error
}

// Validator checks lab questions against live sandboxes.
type Validator interface {
	Validate(ctx context.Context, sessionID, questionID string) (validation.Result, error)
}

// Live is the bridge surface the websocket handler drives.
type Live interface {
	OnClientConnected(sessionID string, client bridge.Client)
	OnClientDisconnected(sessionID string, client bridge.Client)
	Subscribe(sandboxName string, client bridge.Client)
	Unsubscribe(sandboxName string, client bridge.Client)
}

// Catalog resolves lab definitions.
type Catalog interface {
	Lab(id string) (labspec.Lab, bool)
	List() []labspec.Lab
}

type Server struct {
	store     Sessions
	catalog   Catalog
	lifecycle Lifecycle
	validator Validator
	live      Live
	logger    *log.Logger
}

func New(store Sessions, catalog Catalog, lifecycle Lifecycle, validator Validator, live Live, logger *log.Logger) *Server {
	return &Server{
		store:     store,
		catalog:   catalog,
		lifecycle: lifecycle,
		validator: validator,
		live:      live,
		logger:    logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/labs", s.handleListLabs)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /v1/sessions/{id}/logs", s.handleSessionLogs)
	mux.HandleFunc("POST /v1/sessions/{id}/submit", s.handleSubmit)
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/sessions/{id}/validate", s.handleValidate)
	mux.HandleFunc("GET /v1/sessions/{id}/progress", s.handleProgress)

	return h2c.NewHandler(mux, &http2.Server{})
}

type labView struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	DurationMinutes int    `json:"duration_minutes"`
	Questions       int    `json:"questions"`
}

func (s *Server) handleListLabs(w http.ResponseWriter, _ *http.Request) {
	labs := s.catalog.List()
	views := make([]labView, 0, len(labs))
	for _, lab := range labs {
		views = append(views, labView{
			ID:              lab.ID,
			Title:           lab.Title,
			DurationMinutes: lab.DurationMinutes,
			Questions:       len(lab.Questions),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"labs": views})
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
	LabID  string `json:"lab_id"`
}

type sessionView struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	LabID            string     `json:"lab_id"`
	Status           string     `json:"status"`
	SandboxName      string     `json:"sandbox_name"`
	Namespace        string     `json:"namespace"`
	PodRef           string     `json:"pod_ref,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	SetupStartedAt   *time.Time `json:"setup_started_at,omitempty"`
	SetupCompletedAt *time.Time `json:"setup_completed_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

func viewOf(sess *session.Session) sessionView {
	return sessionView{
		ID:               sess.ID,
		UserID:           sess.UserID,
		LabID:            sess.LabID,
		Status:           string(sess.Status),
		SandboxName:      sess.SandboxName,
		Namespace:        sess.Namespace,
		PodRef:           sess.PodRef,
		CreatedAt:        sess.CreatedAt,
		SetupStartedAt:   sess.SetupStartedAt,
		SetupCompletedAt: sess.SetupCompletedAt,
		ExpiresAt:        sess.ExpiresAt,
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.LabID = strings.TrimSpace(req.LabID)
	if req.UserID == "" || req.LabID == "" {
		writeError(w, http.StatusBadRequest, "user_id and lab_id are required")
		return
	}
	if _, ok := s.catalog.Lab(req.LabID); !ok {
		writeError(w, http.StatusNotFound, "unknown lab "+req.LabID)
		return
	}

	if existing, err := s.store.ActiveForUserLab(r.Context(), req.UserID, req.LabID); err != nil {
		s.internalError(w, "active session lookup", err)
		return
	} else if existing != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "an active session for this lab already exists",
			"session": viewOf(existing),
		})
		return
	}

	sess := session.New(req.UserID, req.LabID)
	if err := s.store.Create(r.Context(), sess); err != nil {
		s.internalError(w, "persist session", err)
		return
	}
	if err := s.lifecycle.Start(r.Context(), sess.ID); err != nil {
		s.internalError(w, "start session", err)
		return
	}

	created, err := s.store.Get(r.Context(), sess.ID)
	if err != nil {
		s.internalError(w, "reload session", err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(created))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

type executionLogView struct {
	StepOrder  int       `json:"step_order"`
	StepTitle  string    `json:"step_title"`
	Command    string    `json:"command"`
	ExitCode   int       `json:"exit_code"`
	Output     string    `json:"output,omitempty"`
	Outcome    string    `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	logs, err := s.store.ExecutionLogs(r.Context(), sess.ID)
	if err != nil {
		s.internalError(w, "load execution logs", err)
		return
	}
	views := make([]executionLogView, 0, len(logs))
	for _, entry := range logs {
		views = append(views, executionLogView{
			StepOrder:  entry.StepOrder,
			StepTitle:  entry.StepTitle,
			Command:    entry.Command,
			ExitCode:   entry.ExitCode,
			Output:     entry.Output,
			Outcome:    entry.Outcome,
			StartedAt:  entry.StartedAt,
			FinishedAt: entry.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": views})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.terminate(w, r, s.lifecycle.Submit)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.terminate(w, r, s.lifecycle.Cancel)
}

func (s *Server) terminate(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), sess.ID); err != nil {
		switch {
		case errors.Is(err, session.ErrStatusConflict):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, session.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			s.internalError(w, "terminate session", err)
		}
		return
	}
	updated, err := s.store.Get(r.Context(), sess.ID)
	if err != nil {
		s.internalError(w, "reload session", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(updated))
}

type validateRequest struct {
	QuestionID string `json:"question_id"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.QuestionID) == "" {
		writeError(w, http.StatusBadRequest, "question_id is required")
		return
	}

	result, err := s.validator.Validate(r.Context(), sess.ID, req.QuestionID)
	if err != nil {
		switch {
		case errors.Is(err, validation.ErrNotCheckable):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, validation.ErrSessionNotReady):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.PathValue("id")
	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			s.internalError(w, "load session", err)
		}
		return nil, false
	}
	return sess, true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	if s.logger != nil {
		s.logger.Error(op+" failed", "err", err)
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
