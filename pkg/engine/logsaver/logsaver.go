// Package logsaver backs up the license daemon's own log before a service
// restart and merges it back in afterwards, so the restart does not punch
// a hole into the log history.
package logsaver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/flexwatch/flexwatch/pkg/storage"
)

const backupTimeLayout = "2006-01-02_15_04"

// Saver implements the log backup and merge around restarts. An optional
// blob store receives an offsite copy of every backup.
type Saver struct {
	logPath string
	saveDir string
	store   storage.BlobStore
	log     *slog.Logger
	now     func() time.Time

	lastSave string
}

type Option func(*Saver)

func WithLogger(l *slog.Logger) Option          { return func(s *Saver) { s.log = l } }
func WithStore(store storage.BlobStore) Option  { return func(s *Saver) { s.store = store } }
func withNow(now func() time.Time) Option       { return func(s *Saver) { s.now = now } }

func New(logPath, saveDir string, opts ...Option) *Saver {
	s := &Saver{
		logPath: logPath,
		saveDir: saveDir,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LastSave returns the path of the most recent backup, empty when none
// was taken or it has already been merged back.
func (s *Saver) LastSave() string { return s.lastSave }

// BackupLog copies the daemon log into the save directory under a
// timestamped name. A missing log file is a warning, not an error.
func (s *Saver) BackupLog() error {
	if err := os.MkdirAll(s.saveDir, 0o755); err != nil {
		return fmt.Errorf("create save dir %q: %w", s.saveDir, err)
	}

	data, err := os.ReadFile(s.logPath)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("license log missing, nothing to back up", "path", s.logPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read license log: %w", err)
	}

	name := "log-" + s.now().Format(backupTimeLayout) + ".log"
	dest := filepath.Join(s.saveDir, name)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("write backup %q: %w", dest, err)
	}
	s.lastSave = dest
	s.log.Info("license log backed up", "path", dest, "bytes", len(data))

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.store.Put(ctx, name, data); err != nil {
			s.log.Warn("offsite log copy failed", "key", name, "error", err)
		}
	}
	return nil
}

// MergeLastLogs prepends the last backup to the current log. The write is
// atomic; observers never see a truncated log. The backup is consumed so
// a second merge cannot prepend it twice.
func (s *Saver) MergeLastLogs() error {
	if s.lastSave == "" {
		s.log.Warn("no saved log to merge")
		return nil
	}

	prev, err := os.ReadFile(s.lastSave)
	if err != nil {
		return fmt.Errorf("read backup %q: %w", s.lastSave, err)
	}
	cur, err := os.ReadFile(s.logPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read license log: %w", err)
	}

	merged := make([]byte, 0, len(prev)+len(cur))
	merged = append(merged, prev...)
	merged = append(merged, cur...)
	if err := renameio.WriteFile(s.logPath, merged, 0o644); err != nil {
		return fmt.Errorf("merge license log: %w", err)
	}

	s.log.Info("license log merged", "backup", s.lastSave, "bytes", len(merged))
	s.lastSave = ""
	return nil
}
