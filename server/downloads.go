package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Download token errors.
var (
	ErrTokenNotFound = errors.New("download token not found or expired")
	ErrTokenUsed     = errors.New("download token already used")
	ErrPathOutside   = errors.New("file path is outside the session working directory")
)

// downloadToken grants one read of one file for a short window.
type downloadToken struct {
	token     string
	sessionID string
	path      string
	filename  string
	expiresAt time.Time
	used      bool
}

// DownloadManager issues and redeems single-use download tokens. Paths are
// resolved and must stay inside the session's working directory.
type DownloadManager struct {
	log *slog.Logger

	mu     sync.Mutex
	tokens map[string]*downloadToken
}

// NewDownloadManager creates an empty token store.
func NewDownloadManager(log *slog.Logger) *DownloadManager {
	if log == nil {
		log = slog.Default()
	}
	return &DownloadManager{
		log:    log,
		tokens: make(map[string]*downloadToken),
	}
}

// CreateToken validates that path resolves inside workDir and issues a token
// for it.
func (dm *DownloadManager) CreateToken(sessionID, path, workDir string, expiry time.Duration) (string, time.Time, error) {
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}

	resolved, err := resolveWithin(path, workDir)
	if err != nil {
		return "", time.Time{}, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("file not accessible: %w", err)
	}
	if info.IsDir() {
		return "", time.Time{}, fmt.Errorf("path is a directory: %s", path)
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, err
	}
	token := hex.EncodeToString(buf)
	expiresAt := time.Now().Add(expiry)

	dm.mu.Lock()
	dm.tokens[token] = &downloadToken{
		token:     token,
		sessionID: sessionID,
		path:      resolved,
		filename:  filepath.Base(resolved),
		expiresAt: expiresAt,
	}
	dm.mu.Unlock()

	dm.log.Info("download token created", "session_id", sessionID, "file", resolved, "expires_at", expiresAt)
	return token, expiresAt, nil
}

// Redeem consumes a token, returning the file path and suggested filename.
// Each token works exactly once.
func (dm *DownloadManager) Redeem(token string) (path, filename string, err error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	t, ok := dm.tokens[token]
	if !ok || time.Now().After(t.expiresAt) {
		return "", "", ErrTokenNotFound
	}
	if t.used {
		return "", "", ErrTokenUsed
	}

	t.used = true
	return t.path, t.filename, nil
}

// Run removes expired and used tokens until ctx is cancelled.
func (dm *DownloadManager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dm.sweep()
		}
	}
}

func (dm *DownloadManager) sweep() {
	now := time.Now()

	dm.mu.Lock()
	removed := 0
	for id, t := range dm.tokens {
		if t.used || now.After(t.expiresAt) {
			delete(dm.tokens, id)
			removed++
		}
	}
	dm.mu.Unlock()

	if removed > 0 {
		dm.log.Debug("swept download tokens", "removed", removed)
	}
}

// resolveWithin resolves path (relative paths are taken against workDir) and
// rejects anything escaping workDir, symlinks included.
func resolveWithin(path, workDir string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	root, err := filepath.EvalSymlinks(workDir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathOutside
	}
	return resolved, nil
}
