package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"pongarena/broker/internal/config"
)

const backupStamp = "20060102T150405.000"

// rotatingWriter appends to one file and moves it aside once it would grow
// past maxSize. Backups beyond maxBackups or older than maxAge are removed.
type rotatingWriter struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	compress   bool
	now        func() time.Time

	file *os.File
	size int64
}

func newRotatingWriter(cfg config.LoggingConfig) (*rotatingWriter, error) {
	var problems []string
	if cfg.MaxSizeMB <= 0 {
		problems = append(problems, "PONG_LOG_MAX_SIZE_MB must be positive")
	}
	if cfg.MaxBackups < 0 {
		problems = append(problems, "PONG_LOG_MAX_BACKUPS must be non-negative")
	}
	if cfg.MaxAgeDays < 0 {
		problems = append(problems, "PONG_LOG_MAX_AGE_DAYS must be non-negative")
	}
	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	w := &rotatingWriter{
		path:       cfg.Path,
		maxSize:    int64(cfg.MaxSizeMB) << 20,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if err := w.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) open(mode int) error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	w.file, w.size = file, info.Size()
	return nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *rotatingWriter) rotateLocked() error {
	//1.- Move the live file aside under a millisecond stamp.
	if err := w.file.Close(); err != nil {
		return err
	}
	backup := w.path + "." + w.now().UTC().Format(backupStamp)
	if err := os.Rename(w.path, backup); err != nil {
		return err
	}
	//2.- Compression is best effort; the plain backup stays if it fails.
	if w.compress {
		if err := gzipFile(backup); err == nil {
			_ = os.Remove(backup)
		}
	}
	w.pruneBackupsLocked()
	return w.open(os.O_TRUNC)
}

func (w *rotatingWriter) pruneBackupsLocked() {
	backups, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}
	type backupFile struct {
		path string
		mod  time.Time
	}
	files := make([]backupFile, 0, len(backups))
	for _, path := range backups {
		if info, err := os.Stat(path); err == nil {
			files = append(files, backupFile{path: path, mod: info.ModTime()})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	cutoff := time.Time{}
	if w.maxAge > 0 {
		cutoff = w.now().Add(-w.maxAge)
	}
	for i, file := range files {
		tooMany := w.maxBackups > 0 && i >= w.maxBackups
		tooOld := !cutoff.IsZero() && file.mod.Before(cutoff)
		if tooMany || tooOld {
			_ = os.Remove(file.path)
		}
	}
}

func gzipFile(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(src+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	_, copyErr := io.Copy(gz, in)
	closeErr := gz.Close()
	fileErr := out.Close()
	return errors.Join(copyErr, closeErr, fileErr)
}
