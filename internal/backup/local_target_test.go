package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestTarget(t *testing.T, keep int) (*LocalTarget, string, string) {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "conf"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(src, "conf", "rules.yaml"), []byte("rules: []\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "state.db"), []byte("state"), 0600))

	restoreRoot := t.TempDir()
	target := NewLocalTarget(zaptest.NewLogger(t), Config{
		Dir:         t.TempDir(),
		Sources:     []string{src},
		RestoreRoot: restoreRoot,
		Keep:        keep,
	})

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	target.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}
	return target, src, restoreRoot
}

func TestEmergencyBackupAndRestore(t *testing.T) {
	target, src, root := newTestTarget(t, 5)
	ctx := context.Background()

	location, err := target.EmergencyBackup(ctx, "CYBER_ATTACK: sql injection")
	require.NoError(t, err)
	assert.FileExists(t, location)

	backups, err := target.List()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, 2, backups[0].Files)
	assert.Equal(t, "CYBER_ATTACK: sql injection", backups[0].Reason)
	assert.NotEmpty(t, backups[0].Checksum)

	require.NoError(t, target.Restore(ctx, location))

	restored := filepath.Join(root, src, "conf", "rules.yaml")
	data, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, "rules: []\n", string(data))
}

func TestRestoreRejectsTamperedArchive(t *testing.T) {
	target, _, _ := newTestTarget(t, 5)
	location, err := target.EmergencyBackup(context.Background(), "test")
	require.NoError(t, err)

	f, err := os.OpenFile(location, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte("tampered"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = target.Restore(context.Background(), location)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestRestoreMissingArchive(t *testing.T) {
	target, _, _ := newTestTarget(t, 5)
	assert.Error(t, target.Restore(context.Background(), filepath.Join(t.TempDir(), "missing.tar.gz")))
}

func TestBackupPrunesOldArchives(t *testing.T) {
	target, _, _ := newTestTarget(t, 2)
	ctx := context.Background()

	var locations []string
	for i := 0; i < 3; i++ {
		loc, err := target.EmergencyBackup(ctx, "test")
		require.NoError(t, err)
		locations = append(locations, loc)
	}

	backups, err := target.List()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, locations[2], backups[0].Location)
	assert.NoFileExists(t, locations[0])
}

func TestBackupCancelledContext(t *testing.T) {
	target, _, _ := newTestTarget(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := target.EmergencyBackup(ctx, "test")
	assert.ErrorIs(t, err, context.Canceled)

	backups, err := target.List()
	require.NoError(t, err)
	assert.Empty(t, backups)
}
