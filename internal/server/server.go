package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"transfer-hub/internal/cache"
	"transfer-hub/internal/progress"
	"transfer-hub/internal/task"
)

// Options carries the collaborators of a Server.
type Options struct {
	Addr     string
	Manager  *task.Manager
	Recorder *Recorder
	Paths    *cache.Paths
	// Header is sent when fetching playlists.
	Header http.Header
	Client *http.Client
	Logger zerolog.Logger
}

type Server struct {
	addr     string
	manager  *task.Manager
	recorder *Recorder
	paths    *cache.Paths
	header   http.Header
	client   *http.Client
	logger   zerolog.Logger

	mu        sync.Mutex
	playlists map[string]*playlistState
	http      *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Manager == nil || opts.Recorder == nil || opts.Paths == nil {
		return nil, errors.New("server: manager, recorder and paths are required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Server{
		addr:      opts.Addr,
		manager:   opts.Manager,
		recorder:  opts.Recorder,
		paths:     opts.Paths,
		header:    opts.Header.Clone(),
		client:    client,
		logger:    opts.Logger,
		playlists: make(map[string]*playlistState),
	}, nil
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/tasks", s.handleList)
	mux.HandleFunc("POST /api/tasks", s.handleAdd)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleCancel)
	mux.HandleFunc("POST /api/tasks/{id}/progress", s.handleProgress)

	mux.HandleFunc("POST /api/playlists", s.handleAddPlaylist)
	mux.HandleFunc("GET /api/playlists/{id}", s.handleGetPlaylist)

	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.mu.Lock()
	s.http = &http.Server{Addr: s.addr, Handler: s.Handler()}
	srv := s.http
	s.mu.Unlock()

	s.logger.Info().Str("addr", s.addr).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type taskView struct {
	task.Snapshot
	Progress *ProgressView `json:"progress,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	live := s.manager.Tasks()
	views := make([]taskView, 0, len(live))
	for _, snap := range live {
		views = append(views, s.view(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"live":     views,
		"finished": s.recorder.History(),
	})
}

func (s *Server) view(snap task.Snapshot) taskView {
	v := taskView{Snapshot: snap}
	if p, ok := s.recorder.Progress(snap.ID); ok {
		v.Progress = &p
	}
	return v
}

type addRequest struct {
	ID            string         `json:"id"`
	URL           string         `json:"url"`
	Method        string         `json:"method"`
	Headers       map[string]any `json:"headers"`
	Upload        bool           `json:"upload"`
	Body          string         `json:"body"`
	BodyPath      string         `json:"body_path"`
	ContentLength int64          `json:"content_length"`
	Path          string         `json:"path"`
	AppendExt     string         `json:"append_ext"`
	Timeout       string         `json:"timeout"`
	SessionID     string         `json:"session_id"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var body addRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	opts := task.Options{Path: body.Path, AppendExt: body.AppendExt, SessionID: body.SessionID}
	if body.Timeout != "" {
		d, err := time.ParseDuration(body.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("timeout: %w", err))
			return
		}
		opts.Timeout = d
	}
	req := task.Request{
		Method:   body.Method,
		URL:      body.URL,
		Header:   body.Headers,
		Upload:   body.Upload,
		BodyPath: body.BodyPath,
	}
	if body.Body != "" {
		req.Body = []byte(body.Body)
	}

	ch := s.manager.Submit(opts, body.ContentLength, body.ID, req)
	// Rejections are delivered before Submit returns.
	select {
	case res := <-ch:
		if errors.Is(res.Err, task.ErrValidation) {
			status := http.StatusBadRequest
			if errors.Is(res.Err, task.ErrDuplicateTask) {
				status = http.StatusConflict
			}
			writeError(w, status, res.Err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": body.ID, "result": resultView(res)})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": body.ID})
	}
}

func resultView(res task.Result) map[string]any {
	out := map[string]any{"response": res.Response}
	if res.Err != nil {
		out["error"] = res.Err.Error()
		out["kind"] = task.KindOf(res.Err)
	}
	return out
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if snap, err := s.manager.Lookup(id); err == nil {
		writeJSON(w, http.StatusOK, s.view(snap))
		return
	}
	if f, ok := s.recorder.Finished(id); ok {
		writeJSON(w, http.StatusOK, f)
		return
	}
	writeError(w, http.StatusNotFound, task.ErrTaskNotFound)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Lookup(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.manager.Cancel(id)
	w.WriteHeader(http.StatusAccepted)
}

type progressRequest struct {
	Direction string `json:"direction"`
	Interval  string `json:"interval"`
	Count     int    `json:"count"`
}

// handleProgress configures progress relaying. The task does not need to
// exist yet.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body progressRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg := progress.Config{Count: body.Count}
	if body.Count < 0 {
		writeError(w, http.StatusBadRequest, errors.New("count must not be negative"))
		return
	}
	if body.Interval != "" {
		n, err := humanize.ParseBytes(body.Interval)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("interval: %w", err))
			return
		}
		cfg.IntervalBytes = int64(n)
	}
	switch strings.ToLower(body.Direction) {
	case "", "download":
		s.manager.EnableProgressReport(id, cfg)
	case "upload":
		s.manager.EnableUploadProgress(id, cfg)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown direction %q", body.Direction))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
