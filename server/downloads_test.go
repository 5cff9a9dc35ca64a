package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDownloadTokenLifecycle(t *testing.T) {
	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, "report.txt"), "contents")

	dm := NewDownloadManager(nil)

	token, expiresAt, err := dm.CreateToken("sess_1", "report.txt", workDir, 5*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	path, filename, err := dm.Redeem(token)
	require.NoError(t, err)
	assert.Equal(t, "report.txt", filename)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "contents", string(data))

	// Tokens are single use.
	_, _, err = dm.Redeem(token)
	assert.ErrorIs(t, err, ErrTokenUsed)
}

func TestDownloadTokenExpiry(t *testing.T) {
	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, "f.txt"), "x")

	dm := NewDownloadManager(nil)

	token, _, err := dm.CreateToken("sess_1", "f.txt", workDir, time.Nanosecond)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	_, _, err = dm.Redeem(token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestDownloadTokenUnknown(t *testing.T) {
	dm := NewDownloadManager(nil)
	_, _, err := dm.Redeem("deadbeef")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestCreateTokenRejectsEscape(t *testing.T) {
	workDir := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "secret.txt"), "secret")

	dm := NewDownloadManager(nil)

	_, _, err := dm.CreateToken("sess_1", "../"+filepath.Base(outside)+"/secret.txt", workDir, time.Minute)
	assert.Error(t, err)

	_, _, err = dm.CreateToken("sess_1", filepath.Join(outside, "secret.txt"), workDir, time.Minute)
	assert.ErrorIs(t, err, ErrPathOutside)
}

func TestCreateTokenRejectsSymlinkEscape(t *testing.T) {
	workDir := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "secret.txt"), "secret")

	link := filepath.Join(workDir, "link.txt")
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), link))

	dm := NewDownloadManager(nil)
	_, _, err := dm.CreateToken("sess_1", "link.txt", workDir, time.Minute)
	assert.ErrorIs(t, err, ErrPathOutside)
}

func TestCreateTokenRejectsDirectory(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "sub"), 0o755))

	dm := NewDownloadManager(nil)
	_, _, err := dm.CreateToken("sess_1", "sub", workDir, time.Minute)
	assert.Error(t, err)
}

func TestSweepDropsUsedAndExpired(t *testing.T) {
	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, "a.txt"), "a")
	writeFile(t, filepath.Join(workDir, "b.txt"), "b")

	dm := NewDownloadManager(nil)

	used, _, err := dm.CreateToken("s", "a.txt", workDir, time.Minute)
	require.NoError(t, err)
	_, _, err = dm.Redeem(used)
	require.NoError(t, err)

	live, _, err := dm.CreateToken("s", "b.txt", workDir, time.Minute)
	require.NoError(t, err)

	dm.sweep()

	dm.mu.Lock()
	_, usedRemains := dm.tokens[used]
	_, liveRemains := dm.tokens[live]
	dm.mu.Unlock()

	assert.False(t, usedRemains)
	assert.True(t, liveRemains)
}
