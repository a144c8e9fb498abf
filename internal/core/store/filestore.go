package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/chorusrelay/chorus/internal/core"
)

const (
	recordExt = ".json"
	lockExt   = ".lock"

	lockRetryDelay = 10 * time.Millisecond
)

// ErrRecordLocked is returned by ReadFingerprint when a writer holds the
// record's lock.
var ErrRecordLocked = errors.New("fingerprint record is locked")

// FileStore persists one JSON document per fingerprint key under Dir. Every
// record has a sibling lock file: reads take a shared lock without waiting,
// writes take an exclusive lock and wait for it.
type FileStore struct {
	Dir string
}

// NewFileStore creates dir when missing and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("fingerprint directory is required")
	}
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create fingerprint directory: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (f *FileStore) ReadFingerprint(ctx context.Context, key string) (*core.FingerprintRecord, error) {
	recordPath, lockPath, err := f.paths(key)
	if err != nil {
		return nil, err
	}

	lock := flock.New(lockPath)
	locked, err := lock.TryRLock()
	if err != nil {
		return nil, fmt.Errorf("lock fingerprint record: %w", err)
	}
	if !locked {
		return nil, ErrRecordLocked
	}
	defer lock.Unlock() // nolint:errcheck // best-effort unlock

	return readRecordFile(recordPath)
}

func (f *FileStore) UpdateFingerprint(ctx context.Context, key string, fn core.FingerprintMutator) error {
	if fn == nil {
		return errors.New("fingerprint mutator is required")
	}
	recordPath, lockPath, err := f.paths(key)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	lock := flock.New(lockPath)
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock fingerprint record: %w", err)
	}
	if !locked {
		return ErrRecordLocked
	}
	defer lock.Unlock() // nolint:errcheck // best-effort unlock

	current, err := readRecordFile(recordPath)
	if err != nil {
		return err
	}

	next, err := fn(current)
	if err != nil || next == nil {
		return err
	}
	next.Key = key
	next.Compact()

	return writeRecordFile(recordPath, next)
}

func (f *FileStore) DeleteFingerprint(ctx context.Context, key string) error {
	recordPath, lockPath, err := f.paths(key)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	lock := flock.New(lockPath)
	if _, err := lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("lock fingerprint record: %w", err)
	}
	defer lock.Unlock() // nolint:errcheck // best-effort unlock

	if err := os.Remove(recordPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete fingerprint record: %w", err)
	}
	return nil
}

// ListFingerprints returns every readable record; locked records are skipped.
func (f *FileStore) ListFingerprints(ctx context.Context) ([]core.FingerprintRecord, error) {
	keys, err := f.keys()
	if err != nil {
		return nil, err
	}

	records := make([]core.FingerprintRecord, 0, len(keys))
	for _, key := range keys {
		record, err := f.ReadFingerprint(ctx, key)
		if err != nil {
			if errors.Is(err, ErrRecordLocked) {
				continue
			}
			return nil, err
		}
		if record != nil {
			records = append(records, *record)
		}
	}
	return records, nil
}

// SweepFingerprints deletes records whose file was last written before cutoff.
// Lock files stay in place so writers queued on them keep excluding each other.
func (f *FileStore) SweepFingerprints(ctx context.Context, cutoff time.Time) (int64, error) {
	keys, err := f.keys()
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, key := range keys {
		recordPath, lockPath, err := f.paths(key)
		if err != nil {
			continue
		}
		info, err := os.Stat(recordPath)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		lock := flock.New(lockPath)
		locked, err := lock.TryLock()
		if err != nil || !locked {
			continue
		}
		if err := os.Remove(recordPath); err == nil {
			removed++
		}
		_ = lock.Unlock()
	}
	return removed, nil
}

func (f *FileStore) keys() ([]string, error) {
	if f == nil || strings.TrimSpace(f.Dir) == "" {
		return nil, errors.New("store is not initialized")
	}
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		return nil, fmt.Errorf("list fingerprint records: %w", err)
	}

	keys := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileStore) paths(key string) (string, string, error) {
	if f == nil || strings.TrimSpace(f.Dir) == "" {
		return "", "", errors.New("store is not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", errors.New("fingerprint key is required")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", "", fmt.Errorf("invalid fingerprint key %q", key)
	}
	base := filepath.Join(f.Dir, key)
	return base + recordExt, base + lockExt, nil
}

func readRecordFile(path string) (*core.FingerprintRecord, error) {
	// #nosec G304 -- path is built from a validated key under the store directory
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read fingerprint record: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var record core.FingerprintRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode fingerprint record: %w", err)
	}
	return &record, nil
}

func writeRecordFile(path string, record *core.FingerprintRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode fingerprint record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write fingerprint record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write fingerprint record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write fingerprint record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write fingerprint record: %w", err)
	}
	return nil
}
