package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	accountsFileName = "kiro-accounts.json"
	usageFileName    = "kiro-usage.json"

	lockRetries    = 5
	lockMinBackoff = 100 * time.Millisecond
	lockMaxBackoff = time.Second
)

// ErrLockAcquisition is returned when the advisory file lock could not be
// taken within the bounded retry schedule.
var ErrLockAcquisition = errors.New("failed to acquire file lock")

// FileStore persists the documents as JSON files under the user config
// directory, guarded by an advisory file lock so multiple processes can
// share one pool. Writers write a temp file and atomically rename it into
// place; readers never observe a partial document.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// FileStoreOptions configures the file store.
type FileStoreOptions struct {
	// Dir overrides the storage directory; defaults to
	// <user config dir>/kiro-gateway.
	Dir    string
	Logger *slog.Logger
}

// NewFileStore creates a file store rooted at the configured directory.
func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir := opts.Dir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config dir: %w", err)
		}
		dir = filepath.Join(base, "kiro-gateway")
	}

	return &FileStore{dir: dir, logger: logger}, nil
}

// AccountsPath returns the accounts document path.
func (s *FileStore) AccountsPath() string {
	return filepath.Join(s.dir, accountsFileName)
}

// UsagePath returns the usage document path.
func (s *FileStore) UsagePath() string {
	return filepath.Join(s.dir, usageFileName)
}

// LoadAccounts reads the accounts document. A missing or corrupt file
// yields an empty document, never an error.
func (s *FileStore) LoadAccounts(ctx context.Context) (*AccountStorage, error) {
	storage := EmptyAccounts()
	s.readLenient(s.AccountsPath(), storage)
	return storage, nil
}

// SaveAccounts writes the accounts document under the file lock.
func (s *FileStore) SaveAccounts(ctx context.Context, storage *AccountStorage) error {
	storage.Version = StorageVersion
	return s.writeLocked(ctx, s.AccountsPath(), storage)
}

// LoadUsage reads the usage document. A missing or corrupt file yields an
// empty document, never an error.
func (s *FileStore) LoadUsage(ctx context.Context) (*UsageStorage, error) {
	storage := EmptyUsage()
	s.readLenient(s.UsagePath(), storage)
	if storage.Usage == nil {
		storage.Usage = make(map[string]UsageRecord)
	}
	return storage, nil
}

// SaveUsage writes the usage document under the file lock.
func (s *FileStore) SaveUsage(ctx context.Context, storage *UsageStorage) error {
	storage.Version = StorageVersion
	return s.writeLocked(ctx, s.UsagePath(), storage)
}

// readLenient decodes path into out, leaving out untouched on any error.
func (s *FileStore) readLenient(path string, out interface{}) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read storage file, using empty default", "path", path, "error", err)
		}
		return
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn("corrupt storage file, using empty default", "path", path, "error", err)
	}
}

// writeLocked serializes doc and replaces path atomically while holding the
// advisory lock.
func (s *FileStore) writeLocked(ctx context.Context, path string, doc interface{}) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create storage dir: %w", err)
	}

	release, err := s.acquireLock(ctx, path)
	if err != nil {
		s.logger.Error("file lock failed", "path", path, "error", err)
		return err
	}
	defer release()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	suffix := make([]byte, 6)
	_, _ = rand.Read(suffix)
	tmp := fmt.Sprintf("%s.%s.tmp", path, hex.EncodeToString(suffix))

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// acquireLock takes the advisory lock for path with bounded retries and
// increasing backoff. The lock lives in a sibling file so the atomic rename
// of the document never replaces the locked inode.
func (s *FileStore) acquireLock(ctx context.Context, path string) (func(), error) {
	lock := flock.New(path + ".lock")
	backoff := lockMinBackoff

	for attempt := 0; attempt <= lockRetries; attempt++ {
		ok, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLockAcquisition, path, err)
		}
		if ok {
			return func() { _ = lock.Unlock() }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > lockMaxBackoff {
			backoff = lockMaxBackoff
		}
	}

	return nil, fmt.Errorf("%w: %s after %d attempts", ErrLockAcquisition, path, lockRetries+1)
}
