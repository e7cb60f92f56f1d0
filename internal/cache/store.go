package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/fts/internal/manifest"
)

// BlobStore holds chunk bytes by hash. Write must make a blob visible only
// once it is complete.
type BlobStore interface {
	Read(h manifest.Hash) ([]byte, error)
	Write(h manifest.Hash, data []byte) error
	Delete(h manifest.Hash) error
	List() ([]BlobInfo, error)
}

type BlobInfo struct {
	Hash    manifest.Hash
	Size    int64
	ModTime time.Time
}

// DiskStore lays blobs out as <root>/ab/cd/<hex>.
type DiskStore struct {
	root string
}

const tmpDirName = "tmp"

func NewDiskStore(root string) (*DiskStore, error) {
	if root == "" {
		return nil, errors.New("cache: disk store root required")
	}
	if err := os.MkdirAll(filepath.Join(root, tmpDirName), 0o700); err != nil {
		return nil, fmt.Errorf("cache: create store: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) Root() string { return s.root }

func (s *DiskStore) path(h manifest.Hash) string {
	hx := h.String()
	return filepath.Join(s.root, hx[0:2], hx[2:4], hx)
}

func (s *DiskStore) Read(h manifest.Hash) ([]byte, error) {
	p := s.path(h)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	now := time.Now()
	_ = os.Chtimes(p, now, now)
	return data, nil
}

func (s *DiskStore) Write(h manifest.Hash, data []byte) error {
	final := s.path(h)
	if err := os.MkdirAll(filepath.Dir(final), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDirName), h.Short()+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *DiskStore) Delete(h manifest.Hash) error {
	err := os.Remove(s.path(h))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// List walks the store and skips anything that is not a blob, including
// leftover temp files from an interrupted write.
func (s *DiskStore) List() ([]BlobInfo, error) {
	var out []BlobInfo
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == tmpDirName && filepath.Dir(p) == s.root {
				return filepath.SkipDir
			}
			return nil
		}
		h, err := manifest.ParseHash(d.Name())
		if err != nil || p != s.path(h) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, BlobInfo{Hash: h, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MemoryStore keeps blobs in a map. It backs the cache when no cache dir is
// configured.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[manifest.Hash]memBlob
}

type memBlob struct {
	data    []byte
	modTime time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[manifest.Hash]memBlob)}
}

func (s *MemoryStore) Read(h manifest.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[h]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b.data...), nil
}

func (s *MemoryStore) Write(h manifest.Hash, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[h] = memBlob{data: append([]byte(nil), data...), modTime: time.Now()}
	return nil
}

func (s *MemoryStore) Delete(h manifest.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, h)
	return nil
}

func (s *MemoryStore) List() ([]BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BlobInfo, 0, len(s.blobs))
	for h, b := range s.blobs {
		out = append(out, BlobInfo{Hash: h, Size: int64(len(b.data)), ModTime: b.modTime})
	}
	return out, nil
}

// Corrupt overwrites a stored blob in place. Test helper.
func (s *MemoryStore) Corrupt(h manifest.Hash, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blobs[h]; ok {
		b.data = append([]byte(nil), data...)
		s.blobs[h] = b
	}
}
