package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daisyvoice/daisy/claude"
)

func newTestRegistry(t *testing.T, max int) *Registry {
	t.Helper()
	return NewRegistry(RegistryConfig{
		MaxSessions:      max,
		SessionTimeout:   time.Hour,
		ConversationsDir: t.TempDir(),
		DefaultProcess: claude.ProcessConfig{
			WorkDir:        t.TempDir(),
			AllowedTools:   []string{"Read"},
			PermissionMode: "bypassPermissions",
		},
	}, nil)
}

func TestRegistryCreateAndGet(t *testing.T) {
	r := newTestRegistry(t, 5)

	sess, err := r.Create(CreateOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, []string{"Read"}, sess.AllowedTools)
	assert.Equal(t, "bypassPermissions", sess.PermissionMode)

	got, err := r.Get(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)

	_, err = r.Get("sess_nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistryCreateOverrides(t *testing.T) {
	r := newTestRegistry(t, 5)
	workDir := t.TempDir()

	sess, err := r.Create(CreateOptions{
		WorkDir:        workDir,
		AllowedTools:   []string{"Bash", "Write"},
		PermissionMode: "default",
	})
	require.NoError(t, err)

	assert.Equal(t, workDir, sess.WorkDir)
	assert.Equal(t, []string{"Bash", "Write"}, sess.AllowedTools)
	assert.Equal(t, "default", sess.PermissionMode)
}

func TestRegistryRemove(t *testing.T) {
	r := newTestRegistry(t, 5)

	sess, err := r.Create(CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, r.Remove(sess.ID, false))
	assert.Equal(t, 0, r.Count())

	assert.ErrorIs(t, r.Remove(sess.ID, false), ErrSessionNotFound)
}

func TestRegistryEvictsOldestWhenFull(t *testing.T) {
	r := newTestRegistry(t, 2)

	first, err := r.Create(CreateOptions{})
	require.NoError(t, err)
	second, err := r.Create(CreateOptions{})
	require.NoError(t, err)

	// Make the first session clearly the least recently active.
	first.mu.Lock()
	first.lastActivity = time.Now().Add(-10 * time.Minute)
	first.mu.Unlock()
	second.Touch()

	third, err := r.Create(CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, r.Count())
	_, err = r.Get(first.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = r.Get(second.ID)
	assert.NoError(t, err)
	_, err = r.Get(third.ID)
	assert.NoError(t, err)
}

func TestRegistrySweepRemovesExpired(t *testing.T) {
	r := newTestRegistry(t, 5)
	r.cfg.SessionTimeout = time.Minute

	stale, err := r.Create(CreateOptions{})
	require.NoError(t, err)
	fresh, err := r.Create(CreateOptions{})
	require.NoError(t, err)

	stale.mu.Lock()
	stale.lastActivity = time.Now().Add(-2 * time.Minute)
	stale.mu.Unlock()

	r.mu.Lock()
	r.sweepLocked()
	r.mu.Unlock()

	_, err = r.Get(stale.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = r.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestRegistryListSnapshots(t *testing.T) {
	r := newTestRegistry(t, 5)

	sess, err := r.Create(CreateOptions{})
	require.NoError(t, err)
	sess.Conversation.AddUserMessage("hello")

	infos := r.List()
	require.Len(t, infos, 1)
	assert.Equal(t, sess.ID, infos[0].SessionID)
	assert.Equal(t, sess.Conversation.ID(), infos[0].ConversationID)
	assert.Equal(t, 1, infos[0].MessageCount)
	assert.False(t, infos[0].ProcessAlive)
}

func TestRegistryClose(t *testing.T) {
	r := newTestRegistry(t, 5)

	_, err := r.Create(CreateOptions{})
	require.NoError(t, err)
	_, err = r.Create(CreateOptions{})
	require.NoError(t, err)

	r.Close()
	assert.Equal(t, 0, r.Count())
}
