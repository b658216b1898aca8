package detection

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/shizukutanaka/mamoru/internal/clock"
	"github.com/shizukutanaka/mamoru/internal/security"
)

// RuleFileIntegrity is raised when a watched file changes or disappears.
const RuleFileIntegrity = "FILE_INTEGRITY_VIOLATION"

// Violation describes one file that no longer matches its baseline.
type Violation struct {
	Path   string
	Change string // modified, removed or added
}

// FileIntegrity compares watched files against a BLAKE2b baseline on a
// schedule and whenever fsnotify reports a change.
type FileIntegrity struct {
	logger    *zap.Logger
	clk       clock.Clock
	paths     []string
	interval  time.Duration
	responder security.Responder

	mu       sync.Mutex
	baseline map[string][]byte

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewFileIntegrity creates a checker for the given files and directories.
func NewFileIntegrity(logger *zap.Logger, clk clock.Clock, responder security.Responder, paths []string, interval time.Duration) *FileIntegrity {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &FileIntegrity{
		logger:    logger,
		clk:       clk,
		paths:     paths,
		interval:  interval,
		responder: responder,
		baseline:  make(map[string][]byte),
		stop:      make(chan struct{}),
	}
}

// Baseline hashes every watched file and replaces the stored baseline.
func (f *FileIntegrity) Baseline() error {
	hashes, err := f.snapshot()
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.baseline = hashes
	f.mu.Unlock()

	f.logger.Info("File integrity baseline recorded", zap.Int("files", len(hashes)))
	return nil
}

// Check compares the current state to the baseline, raises one CRITICAL
// detection per violation and adopts the current state as the new baseline
// so one change is reported once.
func (f *FileIntegrity) Check() []Violation {
	current, err := f.snapshot()
	if err != nil {
		f.logger.Error("File integrity scan failed", zap.Error(err))
		return nil
	}

	f.mu.Lock()
	var violations []Violation
	for path, sum := range f.baseline {
		now, ok := current[path]
		switch {
		case !ok:
			violations = append(violations, Violation{Path: path, Change: "removed"})
		case !bytes.Equal(now, sum):
			violations = append(violations, Violation{Path: path, Change: "modified"})
		}
	}
	for path := range current {
		if _, ok := f.baseline[path]; !ok {
			violations = append(violations, Violation{Path: path, Change: "added"})
		}
	}
	f.baseline = current
	f.mu.Unlock()

	sort.Slice(violations, func(i, j int) bool { return violations[i].Path < violations[j].Path })

	for _, v := range violations {
		f.logger.Error("File integrity violation",
			zap.String("path", v.Path),
			zap.String("change", v.Change),
		)
		if f.responder != nil {
			f.responder.Handle(security.Detection{
				Source:    security.SystemSource,
				Rule:      RuleFileIntegrity,
				Severity:  security.SeverityCritical,
				Detail:    fmt.Sprintf("%s %s", v.Path, v.Change),
				Timestamp: f.clk.Now(),
			})
		}
	}
	return violations
}

// Start records the baseline and begins watching.
func (f *FileIntegrity) Start() error {
	if err := f.Baseline(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.logger.Warn("File change notifications unavailable, using schedule only", zap.Error(err))
	} else {
		for _, p := range f.paths {
			if err := watcher.Add(p); err != nil {
				f.logger.Warn("Failed to watch path", zap.String("path", p), zap.Error(err))
			}
		}
		f.watcher = watcher
	}

	f.wg.Add(1)
	go f.loop()
	return nil
}

// Stop halts the checker.
func (f *FileIntegrity) Stop() {
	select {
	case <-f.stop:
	default:
		close(f.stop)
	}
	if f.watcher != nil {
		f.watcher.Close()
	}
	f.wg.Wait()
}

func (f *FileIntegrity) loop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if f.watcher != nil {
		events = f.watcher.Events
		errs = f.watcher.Errors
	}

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.Check()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Create) {
				f.Check()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			f.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

func (f *FileIntegrity) snapshot() (map[string][]byte, error) {
	hashes := make(map[string][]byte)
	for _, root := range f.paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			sum, err := hashFile(path)
			if err != nil {
				return err
			}
			hashes[path] = sum
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", root, err)
		}
	}
	return hashes, nil
}

func hashFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, file); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Fingerprint returns the hex BLAKE2b-256 digest of a file.
func Fingerprint(path string) (string, error) {
	sum, err := hashFile(path)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}
