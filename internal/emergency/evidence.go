package emergency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/klauspost/compress/gzip"
	psnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"

	"github.com/shizukutanaka/mamoru/internal/security"
)

// EvidenceHooks writes forensic captures as gzip files under a directory
// and returns their paths as artifact identifiers. Other hooks are no-ops.
type EvidenceHooks struct {
	NopHooks

	logger *zap.Logger
	dir    string
	// Recent returns recent security events for the log snapshot.
	Recent func() []security.Event
}

// NewEvidenceHooks creates evidence hooks writing to dir.
func NewEvidenceHooks(logger *zap.Logger, dir string, recent func() []security.Event) (*EvidenceHooks, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create evidence directory: %w", err)
	}
	return &EvidenceHooks{logger: logger, dir: dir, Recent: recent}, nil
}

// CaptureMemoryDump records runtime memory statistics and goroutine stacks.
func (h *EvidenceHooks) CaptureMemoryDump(ctx context.Context, incidentID string) (string, error) {
	return h.write(ctx, incidentID, "memory", func(w io.Writer) error {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if err := json.NewEncoder(w).Encode(ms); err != nil {
			return err
		}
		return pprof.Lookup("goroutine").WriteTo(w, 1)
	})
}

// CaptureNetworkTraffic records the host connection table.
func (h *EvidenceHooks) CaptureNetworkTraffic(ctx context.Context, incidentID string) (string, error) {
	return h.write(ctx, incidentID, "network", func(w io.Writer) error {
		conns, err := psnet.ConnectionsWithContext(ctx, "all")
		if err != nil {
			return err
		}
		return json.NewEncoder(w).Encode(conns)
	})
}

// SnapshotLogs records the recent security events.
func (h *EvidenceHooks) SnapshotLogs(ctx context.Context, incidentID string) (string, error) {
	return h.write(ctx, incidentID, "events", func(w io.Writer) error {
		var events []security.Event
		if h.Recent != nil {
			events = h.Recent()
		}
		enc := json.NewEncoder(w)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *EvidenceHooks) write(ctx context.Context, incidentID, kind string, fill func(io.Writer) error) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%s-%s.json.gz", incidentID, kind, time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(h.dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create evidence file: %w", err)
	}
	defer file.Close()

	gz := gzip.NewWriter(file)
	if err := fill(gz); err != nil {
		gz.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to capture %s evidence: %w", kind, err)
	}
	if err := gz.Close(); err != nil {
		return "", err
	}

	h.logger.Info("Evidence captured",
		zap.String("incident_id", incidentID),
		zap.String("kind", kind),
		zap.String("path", path),
	)
	return path, nil
}
