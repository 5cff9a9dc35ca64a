package claude

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/daisyvoice/daisy/internal/procattr"
)

// ProcessConfig holds the fixed startup configuration for the agent process.
type ProcessConfig struct {
	// CLIPath is the path to the agent CLI binary ("claude" in PATH if empty).
	CLIPath string

	// WorkDir is the working directory for the agent's file operations.
	WorkDir string

	// AllowedTools is the tool allow-list passed at spawn.
	AllowedTools []string

	// PermissionMode controls tool execution approval.
	PermissionMode string

	// SystemPrompt overrides the default system prompt.
	SystemPrompt string

	// Model selects the agent model (CLI default if empty).
	Model string

	// Env holds extra environment variables for the subprocess.
	Env map[string]string
}

// processManager owns the agent child process: at most one handle is alive
// at a time, replaced on crash or interrupt. Writes to the process stdin are
// serialized by sendMu; handle replacement is serialized by mu.
type processManager struct {
	cfg ProcessConfig
	log *slog.Logger

	mu          sync.Mutex // guards handle fields and needsReplay
	sendMu      sync.Mutex // serializes stdin writes
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	reader      *bufio.Reader
	encoder     *json.Encoder
	waitDone    chan struct{}
	needsReplay bool
}

func newProcessManager(cfg ProcessConfig, log *slog.Logger) *processManager {
	if log == nil {
		log = slog.Default()
	}
	return &processManager{cfg: cfg, log: log}
}

// BuildCLIArgs builds the fixed streaming-mode CLI arguments.
func (pm *processManager) BuildCLIArgs() []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose", // required for stream-json output
	}

	if len(pm.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(pm.cfg.AllowedTools, " "))
	}
	if pm.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", pm.cfg.PermissionMode)
	}
	if pm.cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", pm.cfg.SystemPrompt)
	}
	if pm.cfg.Model != "" {
		args = append(args, "--model", pm.cfg.Model)
	}

	return args
}

// EnsureStarted guarantees a live handle: a no-op if the process is alive,
// otherwise it terminates any stale handle and spawns a fresh one. Safe to
// call concurrently. Every handle replacement sets the needs-replay flag;
// it is cleared only after a complete history replay.
func (pm *processManager) EnsureStarted() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.aliveLocked() {
		return nil
	}

	if pm.cmd != nil {
		pm.terminateLocked(500 * time.Millisecond)
	}

	return pm.spawnLocked()
}

// spawnLocked starts a new process. Caller holds pm.mu.
func (pm *processManager) spawnLocked() error {
	cliPath := pm.cfg.CLIPath
	if cliPath == "" {
		cliPath = "claude"
	}

	cmd := exec.Command(cliPath, pm.BuildCLIArgs()...)
	procattr.Set(cmd)

	if pm.cfg.WorkDir != "" {
		cmd.Dir = pm.cfg.WorkDir
	}

	cmd.Env = os.Environ()
	for k, v := range pm.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ProcessError{Message: "failed to create stdin pipe", Cause: err}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ProcessError{Message: "failed to create stdout pipe", Cause: err}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &ProcessError{Message: "failed to create stderr pipe", Cause: err}
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return &CLINotFoundError{Path: cliPath, Cause: err}
		}
		return &ProcessError{Message: "failed to start agent process", Cause: err}
	}

	waitDone := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waitDone)
	}()
	go pm.drainStderr(stderr)

	pm.cmd = cmd
	pm.stdin = stdin
	pm.stdout = stdout
	pm.reader = bufio.NewReader(stdout)
	pm.encoder = json.NewEncoder(stdin)
	pm.waitDone = waitDone
	pm.needsReplay = true

	pm.log.Info("agent process started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr logs stderr output so the pipe never fills.
func (pm *processManager) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		pm.log.Debug("agent stderr", "line", scanner.Text())
	}
}

// aliveLocked reports whether the current handle's process is running.
// Caller holds pm.mu.
func (pm *processManager) aliveLocked() bool {
	if pm.cmd == nil {
		return false
	}
	select {
	case <-pm.waitDone:
		return false
	default:
		return true
	}
}

// Alive reports whether the agent process is running.
func (pm *processManager) Alive() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.aliveLocked()
}

// Pid returns the agent process id, or 0 when no handle is alive.
func (pm *processManager) Pid() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.aliveLocked() {
		return 0
	}
	return pm.cmd.Process.Pid
}

// KillAndInvalidate force-terminates the process immediately and clears the
// handle. This is the interrupt path: no graceful phase, and a process that
// is already dead is not an error. The next EnsureStarted spawns fresh with
// the needs-replay flag already set.
func (pm *processManager) KillAndInvalidate() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.cmd == nil {
		return
	}

	pm.log.Info("killing agent process", "pid", pm.cmd.Process.Pid)
	_ = procattr.KillGroup(pm.cmd.Process)

	select {
	case <-pm.waitDone:
	case <-time.After(time.Second):
		pm.log.Warn("agent process did not exit after kill")
	}

	pm.clearLocked()
}

// Shutdown gracefully terminates the process: SIGTERM, a short grace period,
// then SIGKILL. Used only at conversation teardown.
func (pm *processManager) Shutdown() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.cmd == nil {
		return
	}

	pm.terminateLocked(2 * time.Second)
}

// terminateLocked performs the staged SIGTERM → SIGKILL stop and clears the
// handle. Caller holds pm.mu.
func (pm *processManager) terminateLocked(grace time.Duration) {
	_ = procattr.SignalGroup(pm.cmd.Process, syscall.SIGTERM)

	select {
	case <-pm.waitDone:
	case <-time.After(grace):
		_ = procattr.KillGroup(pm.cmd.Process)
		select {
		case <-pm.waitDone:
		case <-time.After(200 * time.Millisecond):
		}
	}

	pm.clearLocked()
}

// clearLocked drops the handle and marks the next start for history replay.
// Caller holds pm.mu.
func (pm *processManager) clearLocked() {
	if pm.stdin != nil {
		pm.stdin.Close()
	}
	if pm.stdout != nil {
		pm.stdout.Close()
	}
	pm.cmd = nil
	pm.stdin = nil
	pm.stdout = nil
	pm.reader = nil
	pm.encoder = nil
	pm.waitDone = nil
	pm.needsReplay = true
}

// UpdateConfig replaces the spawn configuration and discards any live
// handle so the next start picks up the new settings. History replay is
// re-armed by the handle replacement.
func (pm *processManager) UpdateConfig(cfg ProcessConfig) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.cfg = cfg
	if pm.cmd != nil {
		pm.terminateLocked(500 * time.Millisecond)
	}
}

// WriteMessage writes one JSON line to the process stdin. Writes are
// serialized so concurrent requests cannot interleave.
func (pm *processManager) WriteMessage(v interface{}) error {
	pm.mu.Lock()
	encoder := pm.encoder
	pm.mu.Unlock()

	if encoder == nil {
		return ErrNotStarted
	}

	pm.sendMu.Lock()
	defer pm.sendMu.Unlock()
	return encoder.Encode(v)
}

// ReadLine reads the next newline-delimited JSON line from the process
// stdout, blocking until a line arrives, EOF, or the pipe closes.
func (pm *processManager) ReadLine() ([]byte, error) {
	pm.mu.Lock()
	reader := pm.reader
	pm.mu.Unlock()

	if reader == nil {
		return nil, ErrNotStarted
	}

	line, err := reader.ReadBytes('\n')
	if len(line) == 0 && err != nil {
		return nil, err
	}

	// A line at EOF may arrive without its trailing newline; return it
	// anyway and surface the error on the next read.
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}

	return line, nil
}

// NeedsReplay reports whether the next request must replay conversation
// history before its prompt.
func (pm *processManager) NeedsReplay() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.needsReplay
}

// ClearNeedsReplay marks history replay as complete.
func (pm *processManager) ClearNeedsReplay() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.needsReplay = false
}
