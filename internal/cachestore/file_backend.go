package cachestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	fileEntrySuffix   = ".chunk"
	fileLockName      = ".lock"
	fileLockRetryWait = 20 * time.Millisecond
)

// FileBackend stores one file per key under Dir. A lock file in Dir
// serializes writers across processes sharing the same cache directory.
type FileBackend struct {
	Dir string

	mu   sync.Mutex
	lock *flock.Flock
}

func NewFileBackend(dir string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileBackend{
		Dir:  dir,
		lock: flock.New(filepath.Join(dir, fileLockName)),
	}, nil
}

func (b *FileBackend) Load(ctx context.Context, key string) ([]byte, error) {
	unlock, err := b.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	data, err := os.ReadFile(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (b *FileBackend) Save(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	unlock, err := b.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()
	return writeFileAtomic(b.path(key), value, 0o640)
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	unlock, err := b.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()
	err = os.Remove(b.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) List(ctx context.Context, prefix string) ([]Entry, error) {
	unlock, err := b.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	dirEntries, err := os.ReadDir(b.Dir)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if dirEntry.IsDir() || !strings.HasSuffix(name, fileEntrySuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, fileEntrySuffix))
		if err != nil || !strings.HasPrefix(key, prefix) {
			continue
		}
		info, err := dirEntry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, Entry{Key: key, Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *FileBackend) Close() error {
	return b.lock.Close()
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.Dir, url.PathEscape(key)+fileEntrySuffix)
}

// acquire takes the in-process mutex first; a flock handle is shared by all
// goroutines and cannot count nested holders.
func (b *FileBackend) acquire(ctx context.Context, exclusive bool) (func(), error) {
	b.mu.Lock()
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = b.lock.TryLockContext(ctx, fileLockRetryWait)
	} else {
		ok, err = b.lock.TryRLockContext(ctx, fileLockRetryWait)
	}
	if err != nil || !ok {
		b.mu.Unlock()
		if err == nil {
			err = errors.New("not acquired")
		}
		return nil, fmt.Errorf("lock cache dir %s: %w", b.Dir, err)
	}
	return func() {
		_ = b.lock.Unlock()
		b.mu.Unlock()
	}, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
