package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Disk persists entries under dir, one JSON file per key, guarded by a
// sidecar lock file so concurrent converter processes fetching the same
// source do not interleave writes.
type Disk struct {
	dir string
}

func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Disk{dir: dir}, nil
}

func (c *Disk) entryPath(key string) string {
	// Keys are caller-provided; hash them so arbitrary source URLs cannot
	// escape the cache directory.
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".json")
}

func (c *Disk) Get(key string) (Entry, bool, error) {
	path := c.entryPath(key)

	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return Entry{}, false, fmt.Errorf("lock cache entry: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read cache entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// A torn or corrupted entry behaves like a miss; the next Put
		// overwrites it.
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (c *Disk) Put(key string, e Entry) error {
	path := c.entryPath(key)

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock cache entry: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}
