// Package manifest describes a file as an ordered list of content-addressed
// chunks plus the completion state of a transfer over those chunks.
package manifest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const HashSize = blake2b.Size256

var (
	ErrInvalidManifest = errors.New("manifest: invalid manifest")
	ErrInvalidName     = errors.New("manifest: invalid file name")
	ErrInvalidHash     = errors.New("manifest: invalid hash")
)

// MaxNameLength matches common filesystem limits.
const MaxNameLength = 255

// Hash is a blake2b-256 digest of chunk content.
type Hash [HashSize]byte

func Sum(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Short() string {
	return hex.EncodeToString(h[:6])
}

func ParseHash(s string) (Hash, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != HashSize {
		return Hash{}, fmt.Errorf("%w: %q", ErrInvalidHash, s)
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

// Manifest is the per-transfer chunk layout of one file.
type Manifest struct {
	Name      string
	Size      uint64
	ChunkSize uint32
	Chunks    []Hash
	Root      Hash
	Complete  *Bitmap
}

// ChunkCount returns ceil(size/chunkSize).
func ChunkCount(size uint64, chunkSize uint32) int {
	if chunkSize == 0 {
		return 0
	}
	cs := uint64(chunkSize)
	return int((size + cs - 1) / cs)
}

// RootOf derives the whole-file hash from the ordered chunk hashes.
func RootOf(chunks []Hash) Hash {
	h, _ := blake2b.New256(nil)
	for i := range chunks {
		h.Write(chunks[i][:])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// New builds a manifest from known chunk hashes with an empty bitmap.
func New(name string, size uint64, chunkSize uint32, chunks []Hash) (*Manifest, error) {
	m := &Manifest{
		Name:      name,
		Size:      size,
		ChunkSize: chunkSize,
		Chunks:    chunks,
		Root:      RootOf(chunks),
		Complete:  NewBitmap(len(chunks)),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Build hashes r in chunkSize pieces. size must be the exact stream length.
func Build(r io.Reader, name string, size uint64, chunkSize uint32) (*Manifest, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("%w: zero chunk size", ErrInvalidManifest)
	}
	n := ChunkCount(size, chunkSize)
	chunks := make([]Hash, 0, n)
	buf := make([]byte, chunkSize)
	var read uint64
	for i := 0; i < n; i++ {
		want := chunkLen(size, chunkSize, i)
		if _, err := io.ReadFull(r, buf[:want]); err != nil {
			return nil, fmt.Errorf("manifest: read chunk %d: %w", i, err)
		}
		read += uint64(want)
		chunks = append(chunks, Sum(buf[:want]))
	}
	if read != size {
		return nil, fmt.Errorf("%w: read %d of %d bytes", ErrInvalidManifest, read, size)
	}
	return New(name, size, chunkSize, chunks)
}

// FromFile builds a manifest for a regular file on disk.
func FromFile(path string, chunkSize uint32) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("manifest: %s is not a regular file", path)
	}
	return Build(f, filepath.Base(path), uint64(info.Size()), chunkSize)
}

// Validate enforces the chunk count and bitmap length invariants.
func (m *Manifest) Validate() error {
	if err := ValidateName(m.Name); err != nil {
		return err
	}
	if m.ChunkSize == 0 {
		return fmt.Errorf("%w: zero chunk size", ErrInvalidManifest)
	}
	if want := ChunkCount(m.Size, m.ChunkSize); len(m.Chunks) != want {
		return fmt.Errorf("%w: %d chunk hashes for %d bytes at chunk size %d (want %d)",
			ErrInvalidManifest, len(m.Chunks), m.Size, m.ChunkSize, want)
	}
	if m.Complete == nil || m.Complete.Len() != len(m.Chunks) {
		return fmt.Errorf("%w: bitmap length does not match chunk count", ErrInvalidManifest)
	}
	if RootOf(m.Chunks) != m.Root {
		return fmt.Errorf("%w: root hash does not match chunk hashes", ErrInvalidManifest)
	}
	return nil
}

// ChunkLen returns the byte length of chunk i.
func (m *Manifest) ChunkLen(i int) int {
	return chunkLen(m.Size, m.ChunkSize, i)
}

// Offset returns the file offset of chunk i.
func (m *Manifest) Offset(i int) int64 {
	return int64(i) * int64(m.ChunkSize)
}

// Missing lists incomplete chunk indices in ascending order.
func (m *Manifest) Missing() []int {
	return m.Complete.Unset()
}

// Clone returns a deep copy so sessions never share mutable bitmap state.
func (m *Manifest) Clone() *Manifest {
	out := *m
	out.Chunks = append([]Hash(nil), m.Chunks...)
	out.Complete = m.Complete.Clone()
	return &out
}

// EncodeHashes concatenates chunk hashes for the wire.
func EncodeHashes(chunks []Hash) []byte {
	out := make([]byte, 0, len(chunks)*HashSize)
	for i := range chunks {
		out = append(out, chunks[i][:]...)
	}
	return out
}

func DecodeHashes(raw []byte) ([]Hash, error) {
	if len(raw)%HashSize != 0 {
		return nil, fmt.Errorf("%w: hash list length %d", ErrInvalidHash, len(raw))
	}
	out := make([]Hash, len(raw)/HashSize)
	for i := range out {
		copy(out[i][:], raw[i*HashSize:(i+1)*HashSize])
	}
	return out, nil
}

// ValidateName rejects names that could escape the destination directory.
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func chunkLen(size uint64, chunkSize uint32, i int) int {
	start := uint64(i) * uint64(chunkSize)
	if start >= size {
		return 0
	}
	rem := size - start
	if rem < uint64(chunkSize) {
		return int(rem)
	}
	return int(chunkSize)
}
