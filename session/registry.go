package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/daisyvoice/daisy/claude"
)

// ErrSessionNotFound is returned when looking up an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// Session is one active user session: an agent client bound to a persistent
// conversation.
type Session struct {
	ID           string
	Client       *claude.Client
	Conversation *Conversation

	WorkDir        string
	AllowedTools   []string
	PermissionMode string

	CreatedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// Touch records activity, deferring inactivity eviction.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Info is a point-in-time session snapshot for the API.
type Info struct {
	SessionID      string    `json:"session_id"`
	WorkingDir     string    `json:"working_dir"`
	ConversationID string    `json:"conversation_id"`
	PermissionMode string    `json:"permission_mode"`
	AllowedTools   []string  `json:"allowed_tools"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	ProcessAlive   bool      `json:"process_alive"`
	ProcessPid     int       `json:"process_pid,omitempty"`
	MessageCount   int       `json:"message_count"`
}

// Snapshot returns the session's current state.
func (s *Session) Snapshot() Info {
	return Info{
		SessionID:      s.ID,
		WorkingDir:     s.WorkDir,
		ConversationID: s.Conversation.ID(),
		PermissionMode: s.PermissionMode,
		AllowedTools:   s.AllowedTools,
		CreatedAt:      s.CreatedAt,
		LastActivity:   s.LastActivity(),
		ProcessAlive:   s.Client.Alive(),
		ProcessPid:     s.Client.Pid(),
		MessageCount:   s.Conversation.Summary().MessageCount,
	}
}

// RegistryConfig configures the session registry.
type RegistryConfig struct {
	MaxSessions      int
	SessionTimeout   time.Duration
	SweepInterval    time.Duration
	ConversationsDir string

	// DefaultProcess is the template for new sessions' agent processes.
	DefaultProcess claude.ProcessConfig

	// Summarizer is shared by all sessions; nil disables tool summaries.
	Summarizer claude.Summarizer
}

// CreateOptions override the registry defaults for one session.
type CreateOptions struct {
	WorkDir        string
	AllowedTools   []string
	PermissionMode string
	ConversationID string
}

// Registry holds the bounded set of active sessions. When full, creating a
// session first sweeps inactive ones and then evicts the least recently
// active.
type Registry struct {
	cfg RegistryConfig
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry. Call Run to start the inactivity sweeper.
func NewRegistry(cfg RegistryConfig, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Registry{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Create builds a new session, evicting as needed to stay under the cap.
func (r *Registry) Create(opts CreateOptions) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.cfg.MaxSessions {
		r.sweepLocked()
	}
	if len(r.sessions) >= r.cfg.MaxSessions {
		if evicted := r.evictOldestLocked(); evicted == "" {
			return nil, fmt.Errorf("session limit reached (%d)", r.cfg.MaxSessions)
		}
	}

	proc := r.cfg.DefaultProcess
	if opts.WorkDir != "" {
		proc.WorkDir = opts.WorkDir
	}
	if len(opts.AllowedTools) > 0 {
		proc.AllowedTools = opts.AllowedTools
	}
	if opts.PermissionMode != "" {
		proc.PermissionMode = opts.PermissionMode
	}

	conv, err := NewConversation(r.cfg.ConversationsDir, opts.ConversationID, r.log)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ID:             newSessionID(),
		WorkDir:        proc.WorkDir,
		AllowedTools:   proc.AllowedTools,
		PermissionMode: proc.PermissionMode,
		Conversation:   conv,
		CreatedAt:      now,
		lastActivity:   now,
	}
	s.Client = claude.New(claude.Config{
		Process:    proc,
		Summarizer: r.cfg.Summarizer,
		Logger:     r.log.With("session_id", s.ID),
	})

	r.sessions[s.ID] = s
	r.log.Info("session created", "session_id", s.ID, "workdir", proc.WorkDir, "sessions", len(r.sessions))
	return s, nil
}

// UpdateDefaults replaces the process template used for sessions created
// from now on. Existing sessions keep their settings.
func (r *Registry) UpdateDefaults(proc claude.ProcessConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.DefaultProcess = proc
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove tears down a session. The conversation file is deleted only when
// deleteConversation is set.
func (r *Registry) Remove(id string, deleteConversation bool) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	s.Client.Cleanup()
	if deleteConversation {
		if err := s.Conversation.Delete(); err != nil {
			r.log.Error("failed to delete conversation file", "session_id", id, "err", err)
		}
	}

	r.log.Info("session removed", "session_id", id)
	return nil
}

// List returns snapshots of all sessions.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	return infos
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Run sweeps inactive sessions until ctx is cancelled, then shuts down all
// remaining sessions.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case <-ticker.C:
			r.mu.Lock()
			r.sweepLocked()
			r.mu.Unlock()
		}
	}
}

// sweepLocked removes sessions idle past the timeout. Caller holds r.mu.
func (r *Registry) sweepLocked() {
	cutoff := time.Now().Add(-r.cfg.SessionTimeout)
	for id, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			delete(r.sessions, id)
			r.log.Info("session expired", "session_id", id, "last_activity", s.LastActivity())
			go s.Client.Cleanup()
		}
	}
}

// evictOldestLocked removes the least recently active session to make room.
// Caller holds r.mu.
func (r *Registry) evictOldestLocked() string {
	var oldest *Session
	for _, s := range r.sessions {
		if oldest == nil || s.LastActivity().Before(oldest.LastActivity()) {
			oldest = s
		}
	}
	if oldest == nil {
		return ""
	}

	delete(r.sessions, oldest.ID)
	r.log.Warn("evicting least recently active session", "session_id", oldest.ID)
	go oldest.Client.Cleanup()
	return oldest.ID
}

// Close shuts down every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Client.Cleanup()
	}
	r.log.Info("all sessions closed", "count", len(sessions))
}
