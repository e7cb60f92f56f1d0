package manifest

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildChunksAndRoot(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 10_000)
	m, err := Build(bytes.NewReader(data), "blob.bin", uint64(len(data)), 4096)
	require.NoError(t, err)

	require.Len(t, m.Chunks, 3)
	assert.Equal(t, 4096, m.ChunkLen(0))
	assert.Equal(t, 10_000-8192, m.ChunkLen(2))
	assert.Equal(t, int64(8192), m.Offset(2))
	assert.Equal(t, Sum(data[:4096]), m.Chunks[0])
	assert.Equal(t, m.Chunks[0], m.Chunks[1], "identical content hashes identically")
	assert.Equal(t, RootOf(m.Chunks), m.Root)
	assert.Equal(t, []int{0, 1, 2}, m.Missing())
}

func TestBuildEmptyFile(t *testing.T) {
	m, err := Build(bytes.NewReader(nil), "empty", 0, 4096)
	require.NoError(t, err)
	assert.Empty(t, m.Chunks)
	assert.True(t, m.Complete.Full())
	assert.Equal(t, RootOf(nil), m.Root)
}

func TestBuildShortReader(t *testing.T) {
	_, err := Build(bytes.NewReader([]byte("abc")), "short", 10, 4)
	require.Error(t, err)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	m, err := FromFile(path, 4)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", m.Name)
	assert.Equal(t, uint64(11), m.Size)
	assert.Len(t, m.Chunks, 3)

	_, err = FromFile(dir, 4)
	require.Error(t, err)
}

func TestValidateRejectsBadManifests(t *testing.T) {
	m, err := Build(bytes.NewReader([]byte("abcdefgh")), "ok", 8, 4)
	require.NoError(t, err)

	wrongCount := m.Clone()
	wrongCount.Chunks = wrongCount.Chunks[:1]
	assert.True(t, errors.Is(wrongCount.Validate(), ErrInvalidManifest))

	wrongRoot := m.Clone()
	wrongRoot.Root = Sum([]byte("other"))
	assert.True(t, errors.Is(wrongRoot.Validate(), ErrInvalidManifest))

	wrongBitmap := m.Clone()
	wrongBitmap.Complete = NewBitmap(5)
	assert.True(t, errors.Is(wrongBitmap.Validate(), ErrInvalidManifest))
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"", ".", "..", "../etc/passwd", "a/b", `a\b`, "nul\x00"} {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, "name %q", name)
	}
	assert.NoError(t, ValidateName("report.final.pdf"))
}

func TestCloneIsIndependent(t *testing.T) {
	m, err := Build(bytes.NewReader([]byte("abcdefgh")), "ok", 8, 4)
	require.NoError(t, err)
	c := m.Clone()
	c.Complete.Set(0)
	assert.False(t, m.Complete.IsSet(0))
}

func TestHashesEncodeDecode(t *testing.T) {
	hashes := []Hash{Sum([]byte("a")), Sum([]byte("b"))}
	out, err := DecodeHashes(EncodeHashes(hashes))
	require.NoError(t, err)
	assert.Equal(t, hashes, out)

	_, err = DecodeHashes(make([]byte, HashSize+1))
	assert.ErrorIs(t, err, ErrInvalidHash)

	parsed, err := ParseHash(hashes[0].String())
	require.NoError(t, err)
	assert.Equal(t, hashes[0], parsed)
}

func TestBitmap(t *testing.T) {
	b := NewBitmap(70)
	b.Set(0)
	b.Set(65)
	b.Set(69)
	b.Set(70) // out of range, ignored
	assert.Equal(t, 3, b.Count())
	assert.True(t, b.IsSet(65))
	assert.False(t, b.Full())

	raw := b.Bytes()
	assert.Len(t, raw, 9)
	back, err := BitmapFromBytes(raw, 70)
	require.NoError(t, err)
	assert.Equal(t, b.Unset(), back.Unset())

	b.Clear(65)
	assert.False(t, b.IsSet(65))

	_, err = BitmapFromBytes([]byte{0xFF}, 3)
	assert.ErrorIs(t, err, ErrInvalidManifest, "pad bits must be zero")
	_, err = BitmapFromBytes([]byte{0x00, 0x00}, 3)
	assert.ErrorIs(t, err, ErrInvalidManifest)
}
