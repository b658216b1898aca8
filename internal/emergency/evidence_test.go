package emergency

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/mamoru/internal/security"
)

func TestEvidenceHooksWriteCompressedArtifacts(t *testing.T) {
	recent := []security.Event{
		{Type: "SQL_INJECTION", Source: "203.0.113.1", Severity: security.SeverityHigh, Timestamp: time.Now()},
		{Type: "XSS", Source: "203.0.113.2", Severity: security.SeverityHigh, Timestamp: time.Now()},
	}
	hooks, err := NewEvidenceHooks(zaptest.NewLogger(t), t.TempDir(), func() []security.Event { return recent })
	require.NoError(t, err)

	path, err := hooks.SnapshotLogs(context.Background(), "INC-test")
	require.NoError(t, err)

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	gz, err := gzip.NewReader(file)
	require.NoError(t, err)

	var got []security.Event
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		var e security.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "XSS", got[1].Type)
	assert.Equal(t, security.SeverityHigh, got[1].Severity)

	mem, err := hooks.CaptureMemoryDump(context.Background(), "INC-test")
	require.NoError(t, err)
	info, err := os.Stat(mem)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = hooks.SnapshotLogs(ctx, "INC-test")
	assert.ErrorIs(t, err, context.Canceled)
}
