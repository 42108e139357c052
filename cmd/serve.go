package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/echo-labs/echo-cli/internal/metrics"
	"github.com/echo-labs/echo-cli/internal/model"
	"github.com/echo-labs/echo-cli/internal/pipeline"
	"github.com/echo-labs/echo-cli/internal/session"
	"github.com/echo-labs/echo-cli/internal/store"
	"github.com/echo-labs/echo-cli/pkg/echoapi"
)

var servePort int

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for onboarding and story generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		runner := newJobRunner(ctx, env.Pipeline)
		sessions := session.NewSessions(time.Duration(cfg.Session.TTLMins) * time.Minute)
		router := buildRouter(serverDeps{
			Start:    runner.Start,
			Store:    env.Store,
			Client:   env.Client,
			Sessions: sessions,
			Origins:  cfg.Server.AllowedOrigins,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		listenErr := make(chan error, 1)
		go func() {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				listenErr <- eris.Wrap(err, "server listen")
			}
			close(listenErr)
		}()

		select {
		case err := <-listenErr:
			if err != nil {
				return err
			}
		case <-ctx.Done():
		}

		// Graceful shutdown. Background runs see ctx cancelled and record
		// their failure before the store is closed.
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
		if err := runner.Wait(shutdownCtx); err != nil {
			zap.L().Warn("story runs still in flight at shutdown", zap.Error(err))
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// startFunc registers a run for userID and executes it in the background.
type startFunc func(ctx context.Context, userID int64) (*model.Run, error)

// jobRunner prepares runs on the request context and executes them on
// baseCtx, so they outlive the request but stop on server shutdown.
type jobRunner struct {
	baseCtx context.Context
	p       *pipeline.Pipeline
	wg      sync.WaitGroup
}

func newJobRunner(baseCtx context.Context, p *pipeline.Pipeline) *jobRunner {
	return &jobRunner{baseCtx: baseCtx, p: p}
}

// Start registers a run for userID and executes it in the background.
func (j *jobRunner) Start(ctx context.Context, userID int64) (*model.Run, error) {
	job, err := j.p.Prepare(ctx, userID)
	if err != nil {
		return nil, err
	}

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		outcome, err := job.Execute(j.baseCtx)
		if err != nil {
			zap.L().Error("async story generation failed",
				zap.Int64("user_id", userID),
				zap.String("run_id", job.Run.ID),
				zap.Error(err),
			)
			return
		}
		zap.L().Info("async story generation complete",
			zap.Int64("user_id", userID),
			zap.String("run_id", outcome.RunID),
			zap.String("story_ref", outcome.StoryRef.String()),
		)
	}()
	return job.Run, nil
}

// Wait blocks until every started run has returned or ctx is done.
func (j *jobRunner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "serve: wait for runs")
	}
}

// serverDeps holds what the HTTP handlers need.
type serverDeps struct {
	Start    startFunc
	Store    store.Store
	Client   echoapi.Client
	Sessions *session.Sessions
	Origins  []string
}

func buildRouter(d serverDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.Origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	h := &handlers{serverDeps: d}
	r.Post("/stories", h.startStory)
	r.Get("/runs/{id}", h.getRun)
	r.Get("/users/{id}/stories", h.listStories)
	r.Get("/users/{id}/events", h.listEvents)

	r.Route("/onboarding", func(r chi.Router) {
		r.Post("/", h.startOnboarding)
		r.Get("/steps", h.listSteps)
		r.Get("/{session}", h.getOnboarding)
		r.Put("/{session}/answers/{step}", h.answerStep)
		r.Post("/{session}/submit", h.submitOnboarding)
		r.Delete("/{session}", h.deleteOnboarding)
	})
	return r
}

type handlers struct {
	serverDeps
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// -- stories --

func (h *handlers) startStory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if h.Start == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not configured")
		return
	}

	run, err := h.Start(r.Context(), req.UserID)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		writeError(w, http.StatusConflict, "a story is already being generated for this user")
		return
	case errors.Is(err, pipeline.ErrMissingIdentifier):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		zap.L().Error("start story failed", zap.Int64("user_id", req.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not start story generation")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"run_id":  run.ID,
		"user_id": run.UserID,
	})
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	run, err := h.Store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		zap.L().Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load run")
		return
	}

	steps, err := h.Store.ListSteps(ctx, runID)
	if err != nil {
		zap.L().Error("list steps failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load run steps")
		return
	}
	writeJSON(w, http.StatusOK, runDetail{Run: run, Steps: steps})
}

func (h *handlers) listStories(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	writeJSON(w, http.StatusOK, h.Client.ListStories(r.Context(), userID))
}

func (h *handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var storyIDs []int64
	for _, raw := range r.URL.Query()["story_id"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid story_id")
			return
		}
		storyIDs = append(storyIDs, id)
	}
	writeJSON(w, http.StatusOK, h.Client.ListEvents(r.Context(), userID, storyIDs...))
}

// -- onboarding --

// draftView is the JSON shape of an onboarding session.
type draftView struct {
	SessionID string              `json:"session_id"`
	Profile   echoapi.UserProfile `json:"profile"`
	Next      *session.Step       `json:"next,omitempty"`
	Missing   []string            `json:"missing"`
	Complete  bool                `json:"complete"`
}

func viewDraft(id string, d session.Draft) draftView {
	v := draftView{
		SessionID: id,
		Profile:   d.Profile(),
		Missing:   d.Missing(),
		Complete:  d.Complete(),
	}
	if v.Missing == nil {
		v.Missing = []string{}
	}
	if next, ok := d.Next(); ok {
		v.Next = &next
	}
	return v
}

func (h *handlers) startOnboarding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	// An empty body starts a session for a new user.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, d := h.Sessions.Start(req.UserID)
	writeJSON(w, http.StatusCreated, viewDraft(id, d))
}

func (h *handlers) listSteps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, session.Steps)
}

func (h *handlers) getOnboarding(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")
	d, err := h.Sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, viewDraft(id, d))
}

func (h *handlers) answerStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")
	step := chi.URLParam(r, "step")

	var req struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := h.Sessions.Apply(id, step, req.Answer)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, session.ErrUnknownStep):
		writeError(w, http.StatusNotFound, "unknown step")
		return
	case errors.Is(err, session.ErrInvalidAnswer):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "could not apply answer")
		return
	}
	writeJSON(w, http.StatusOK, viewDraft(id, d))
}

func (h *handlers) submitOnboarding(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")
	d, err := h.Sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !d.Complete() {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   "profile is incomplete",
			"missing": d.Missing(),
		})
		return
	}

	saved, err := h.Client.UpsertUser(r.Context(), d.Profile())
	if err != nil {
		zap.L().Error("save profile failed", zap.String("session_id", id), zap.Error(err))
		status := http.StatusBadGateway
		if echoapi.IsKind(err, echoapi.KindValidation) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, "could not save profile")
		return
	}

	h.Sessions.Delete(id)
	writeJSON(w, http.StatusOK, saved)
}

func (h *handlers) deleteOnboarding(w http.ResponseWriter, r *http.Request) {
	h.Sessions.Delete(chi.URLParam(r, "session"))
	w.WriteHeader(http.StatusNoContent)
}
