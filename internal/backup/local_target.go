// Package backup implements the emergency backup collaborator: gzip tar
// archives of the configured paths written to a local directory.
package backup

import (
	"archive/tar"
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// ErrChecksumMismatch is returned when an archive no longer matches the
// checksum recorded when it was written.
var ErrChecksumMismatch = errors.New("backup checksum mismatch")

// Config selects what is archived and where.
type Config struct {
	Dir         string   `mapstructure:"dir"`
	Sources     []string `mapstructure:"sources"`
	RestoreRoot string   `mapstructure:"restore_root"`
	Keep        int      `mapstructure:"keep"`
}

// BackupInfo describes a stored archive.
type BackupInfo struct {
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
	Files     int       `json:"files"`
	Checksum  string    `json:"checksum"`
}

// LocalTarget writes archives to the local filesystem.
type LocalTarget struct {
	logger *zap.Logger
	config Config
	now    func() time.Time
}

// NewLocalTarget creates a target. RestoreRoot defaults to "/", which puts
// files back where they were archived from.
func NewLocalTarget(logger *zap.Logger, config Config) *LocalTarget {
	if config.RestoreRoot == "" {
		config.RestoreRoot = string(filepath.Separator)
	}
	if config.Keep <= 0 {
		config.Keep = 10
	}
	return &LocalTarget{logger: logger, config: config, now: time.Now}
}

// Name returns the target name
func (l *LocalTarget) Name() string {
	return "local"
}

// EmergencyBackup archives every source path and returns the archive path.
func (l *LocalTarget) EmergencyBackup(ctx context.Context, reason string) (string, error) {
	if err := os.MkdirAll(l.config.Dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	ts := l.now().UTC()
	name := fmt.Sprintf("emergency-%s.tar.gz", ts.Format("20060102T150405.000000000Z"))
	filePath := filepath.Join(l.config.Dir, name)

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}

	hasher, _ := blake2b.New256(nil)
	counter := &countingWriter{w: io.MultiWriter(file, hasher)}
	gz := gzip.NewWriter(counter)
	tw := tar.NewWriter(gz)

	files, archiveErr := l.archive(ctx, tw)
	if archiveErr == nil {
		archiveErr = tw.Close()
	}
	if archiveErr == nil {
		archiveErr = gz.Close()
	}
	if closeErr := file.Close(); archiveErr == nil {
		archiveErr = closeErr
	}
	if archiveErr != nil {
		os.Remove(filePath)
		return "", fmt.Errorf("failed to write backup archive: %w", archiveErr)
	}

	info := BackupInfo{
		Name:      name,
		Location:  filePath,
		Reason:    reason,
		Timestamp: ts,
		Size:      counter.n,
		Files:     files,
		Checksum:  hex.EncodeToString(hasher.Sum(nil)),
	}
	if err := writeMetadata(filePath+".meta", info); err != nil {
		os.Remove(filePath)
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	l.logger.Info("Emergency backup written",
		zap.String("location", filePath),
		zap.String("reason", reason),
		zap.Int("files", files),
		zap.Int64("size", counter.n),
	)

	if err := l.Prune(l.config.Keep); err != nil {
		l.logger.Warn("Failed to prune old backups", zap.Error(err))
	}
	return filePath, nil
}

// Restore verifies the archive at location and extracts it under
// RestoreRoot.
func (l *LocalTarget) Restore(ctx context.Context, location string) error {
	if meta, err := readMetadata(location + ".meta"); err == nil && meta.Checksum != "" {
		sum, err := checksumFile(location)
		if err != nil {
			return err
		}
		if sum != meta.Checksum {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, location)
		}
	}

	file, err := os.Open(location)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	defer gz.Close()

	root, err := filepath.Abs(l.config.RestoreRoot)
	if err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	restored := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read backup entry: %w", err)
		}

		target := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if rel, err := filepath.Rel(root, target); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("backup entry escapes restore root: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
			restored++
		}
	}

	l.logger.Info("Backup restored",
		zap.String("location", location),
		zap.String("root", root),
		zap.Int("files", restored),
	)
	return nil
}

// List returns all backups, newest first.
func (l *LocalTarget) List() ([]BackupInfo, error) {
	entries, err := os.ReadDir(l.config.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []BackupInfo{}, nil
		}
		return nil, err
	}

	backups := make([]BackupInfo, 0)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tar.gz") {
			continue
		}

		filePath := filepath.Join(l.config.Dir, entry.Name())
		if meta, err := readMetadata(filePath + ".meta"); err == nil {
			backups = append(backups, meta)
			continue
		}

		// Fallback to file info
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Name:      entry.Name(),
			Location:  filePath,
			Timestamp: info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Prune keeps the newest keep archives and deletes the rest.
func (l *LocalTarget) Prune(keep int) error {
	backups, err := l.List()
	if err != nil {
		return err
	}
	for i := keep; i < len(backups); i++ {
		if err := l.Delete(backups[i].Location); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes an archive and its metadata.
func (l *LocalTarget) Delete(location string) error {
	if err := os.Remove(location); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(location + ".meta"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *LocalTarget) archive(ctx context.Context, tw *tar.Writer) (int, error) {
	files := 0
	for _, source := range l.config.Sources {
		abs, err := filepath.Abs(source)
		if err != nil {
			return files, err
		}

		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				l.logger.Warn("Skipping unreadable path", zap.String("path", path), zap.Error(err))
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !d.IsDir() && !d.Type().IsRegular() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = strings.TrimPrefix(filepath.ToSlash(path), "/")
			if d.IsDir() {
				hdr.Name += "/"
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
			files++
			return nil
		})
		if err != nil {
			return files, err
		}
	}
	return files, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0600
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to restore %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to restore %s: %w", path, err)
	}
	return f.Close()
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher, _ := blake2b.New256(nil)
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func writeMetadata(path string, info BackupInfo) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	fmt.Fprintf(file, "name=%s\n", info.Name)
	fmt.Fprintf(file, "location=%s\n", info.Location)
	fmt.Fprintf(file, "reason=%s\n", strings.ReplaceAll(info.Reason, "\n", " "))
	fmt.Fprintf(file, "timestamp=%s\n", info.Timestamp.Format(time.RFC3339Nano))
	fmt.Fprintf(file, "size=%d\n", info.Size)
	fmt.Fprintf(file, "files=%d\n", info.Files)
	fmt.Fprintf(file, "checksum=%s\n", info.Checksum)
	return nil
}

func readMetadata(path string) (BackupInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return BackupInfo{}, err
	}
	defer file.Close()

	var info BackupInfo
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "name":
			info.Name = value
		case "location":
			info.Location = value
		case "reason":
			info.Reason = value
		case "timestamp":
			if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
				info.Timestamp = t
			}
		case "size":
			info.Size, _ = strconv.ParseInt(value, 10, 64)
		case "files":
			info.Files, _ = strconv.Atoi(value)
		case "checksum":
			info.Checksum = value
		}
	}
	return info, scanner.Err()
}
