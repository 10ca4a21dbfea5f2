// Package storage replaces host files atomically and keeps rotated backups
// of the versions it replaces.
package storage

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

	"github.com/google/renameio/v2"

	"archfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("storage")

	// ErrClosed reports use of a File after Close or Abort.
	ErrClosed = errors.New("file already closed")
)

// DefaultBackupDir is created next to replaced files when Options.BackupDir
// is empty.
const DefaultBackupDir = ".archfs-backups"

const (
	backupSuffix     = ".bak"
	backupTimeFormat = "20060102-150405.000000000"
)

// Options configure a Store.
type Options struct {
	// BackupCount is the number of previous versions kept per file. Zero
	// disables backups.
	BackupCount int
	// BackupDir holds the backups. A relative path is resolved against the
	// directory of the replaced file.
	BackupDir string
}

// Store creates files that replace their destination only when closed.
type Store struct {
	backupCount int
	backupDir   string
	mu          sync.Mutex
}

// New returns a Store using opts.
func New(opts Options) *Store {
	dir := opts.BackupDir
	if dir == "" {
		dir = DefaultBackupDir
	}
	count := opts.BackupCount
	if count < 0 {
		count = 0
	}
	return &Store{backupCount: count, backupDir: dir}
}

// File is a pending replacement of a destination path. Nothing is visible at
// the destination until Close succeeds.
type File struct {
	store   *Store
	path    string
	pending *renameio.PendingFile
	done    bool
}

// Create starts a replacement of path. Existing permissions are kept; perm
// applies to new files.
func (s *Store) Create(path string, perm os.FileMode) (*File, error) {
	logger.Trace("Creating pending file for %s", path)
	pf, err := renameio.NewPendingFile(path,
		renameio.WithPermissions(perm),
		renameio.WithExistingPermissions())
	if err != nil {
		return nil, fmt.Errorf("failed to create pending file for %s: %w", path, err)
	}
	return &File{store: s, path: path, pending: pf}, nil
}

// Name returns the destination path.
func (f *File) Name() string {
	return f.path
}

func (f *File) Write(p []byte) (int, error) {
	if f.done {
		return 0, ErrClosed
	}
	return f.pending.Write(p)
}

// Close backs up the current destination if configured, then atomically
// replaces it with what was written.
func (f *File) Close() error {
	if f.done {
		return ErrClosed
	}
	f.done = true

	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	if f.store.backupCount > 0 {
		if err := f.store.createBackup(f.path); err != nil {
			// Continue with the replacement even if the backup fails
			logger.Warn("Failed to create backup of %s: %v", f.path, err)
		}
	}
	if err := f.pending.CloseAtomicallyReplace(); err != nil {
		f.pending.Cleanup()
		return fmt.Errorf("failed to replace %s: %w", f.path, err)
	}
	logger.Debug("Replaced %s", f.path)
	return nil
}

// Abort discards what was written and leaves the destination untouched.
func (f *File) Abort() error {
	if f.done {
		return nil
	}
	f.done = true
	logger.Debug("Discarding pending replacement of %s", f.path)
	return f.pending.Cleanup()
}

func (s *Store) dirFor(path string) string {
	if filepath.IsAbs(s.backupDir) {
		return s.backupDir
	}
	return filepath.Join(filepath.Dir(path), s.backupDir)
}

// createBackup keeps the current content of path under a timestamped name.
func (s *Store) createBackup(path string) error {
	// Skip if the destination doesn't exist yet
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	dir := s.dirFor(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}

	base := filepath.Base(path)
	backupPath := filepath.Join(dir, base+"."+time.Now().Format(backupTimeFormat)+backupSuffix)
	logger.Debug("Creating backup: %s", backupPath)

	// The old inode survives the rename, so a hard link is enough
	if err := os.Link(path, backupPath); err != nil {
		logger.Trace("Hard link failed, copying instead: %v", err)
		if err := copyFile(path, backupPath); err != nil {
			return fmt.Errorf("failed to write backup: %w", err)
		}
	}

	return s.cleanupOldBackups(dir, base)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// cleanupOldBackups removes old backups of base, keeping only the most
// recent ones
func (s *Store) cleanupOldBackups(dir, base string) error {
	backups, err := listBackups(dir, base)
	if err != nil {
		return err
	}
	for i := s.backupCount; i < len(backups); i++ {
		logger.Debug("Removing old backup: %s", backups[i])
		if err := os.Remove(backups[i]); err != nil {
			return fmt.Errorf("failed to remove old backup %s: %w", backups[i], err)
		}
	}
	return nil
}

// Backups lists the backups of path, newest first.
func (s *Store) Backups(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	backups, err := listBackups(s.dirFor(path), filepath.Base(path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return backups, err
}

func listBackups(dir, base string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	prefix := base + "."
	backups := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), backupSuffix)
		if _, err := time.Parse(backupTimeFormat, stamp); err != nil {
			continue
		}
		backups = append(backups, filepath.Join(dir, name))
	}

	// Timestamps sort lexically, newest first
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}
