package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/daisyvoice/daisy/session"
)

// Version is reported by the health endpoint, set at build time.
var Version = "dev"

// Config configures the HTTP server.
type Config struct {
	Addr             string
	AllowedOrigins   []string
	ConversationsDir string
}

// Server is the HTTP and websocket front end over the session registry.
type Server struct {
	cfg       Config
	registry  *session.Registry
	downloads *DownloadManager
	tts       Synthesizer
	log       *slog.Logger

	http *http.Server
}

// New wires the server. tts may be nil when server-side synthesis is
// disabled.
func New(cfg Config, registry *session.Registry, tts Synthesizer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		registry:  registry,
		downloads: NewDownloadManager(log),
		tts:       tts,
		log:       log,
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Delete("/sessions/{sessionID}", s.handleDeleteSession)
		r.Post("/sessions/{sessionID}/config", s.handleUpdateSessionConfig)

		r.Get("/conversations/{conversationID}", s.handleGetConversation)

		r.Post("/downloads", s.handleCreateDownload)
		r.Get("/downloads/{token}", s.handleDownload)
	})

	r.Get("/ws/{sessionID}", s.handleWS)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully. The
// download token sweeper runs alongside.
func (s *Server) Run(ctx context.Context) error {
	go s.downloads.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.cfg.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: s.registry.Count(),
		Version:  Version,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.registry.Create(session.CreateOptions{
		WorkDir:        req.WorkingDirectory,
		AllowedTools:   req.AllowedTools,
		PermissionMode: req.PermissionMode,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		s.log.Error("session creation failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	// Warm the agent process so the first prompt is not delayed by spawn.
	if err := sess.Client.Start(); err != nil {
		s.log.Warn("agent process warm start failed", "session_id", sess.ID, "err", err)
	}

	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.registry.List(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	deleteConv := r.URL.Query().Get("delete_conversation") == "true"

	if err := s.registry.Remove(id, deleteConv); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleUpdateSessionConfig(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	var req configUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	applyConfigUpdate(sess, nil, &req)
	sess.Touch()
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	conv, err := session.NewConversation(s.cfg.ConversationsDir, id, s.log)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	messages := conv.Messages()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n < len(messages) {
			messages = messages[len(messages)-n:]
		}
	}

	writeJSON(w, http.StatusOK, conversationHistoryResponse{
		ConversationID: id,
		Messages:       messages,
		MessageCount:   len(messages),
	})
}

func (s *Server) handleCreateDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.registry.Get(req.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	expiry := time.Duration(req.ExpiryMinutes) * time.Minute
	token, expiresAt, err := s.downloads.CreateToken(sess.ID, req.FilePath, sess.WorkDir, expiry)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, downloadLinkResponse{
		Token:       token,
		DownloadURL: "/api/downloads/" + token,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	path, filename, err := s.downloads.Redeem(token)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	http.ServeFile(w, r, path)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	sess.Touch()
	s.handleWebSocket(w, r, sess)
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
