package manifest

import (
	"fmt"
	"math/bits"
)

// Bitmap tracks chunk completion. It is not safe for concurrent use; each
// session owns its own copy.
type Bitmap struct {
	words []uint64
	n     int
}

func NewBitmap(n int) *Bitmap {
	return &Bitmap{words: make([]uint64, (n+63)/64), n: n}
}

func (b *Bitmap) Len() int { return b.n }

func (b *Bitmap) Set(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.words[i/64] |= 1 << (uint(i) % 64)
}

func (b *Bitmap) Clear(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.words[i/64] &^= 1 << (uint(i) % 64)
}

func (b *Bitmap) IsSet(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.words[i/64]&(1<<(uint(i)%64)) != 0
}

func (b *Bitmap) Count() int {
	total := 0
	for _, w := range b.words {
		total += bits.OnesCount64(w)
	}
	return total
}

func (b *Bitmap) Full() bool {
	return b.Count() == b.n
}

// Unset returns the indices not yet set, ascending.
func (b *Bitmap) Unset() []int {
	out := make([]int, 0, b.n-b.Count())
	for i := 0; i < b.n; i++ {
		if !b.IsSet(i) {
			out = append(out, i)
		}
	}
	return out
}

func (b *Bitmap) Clone() *Bitmap {
	if b == nil {
		return nil
	}
	return &Bitmap{words: append([]uint64(nil), b.words...), n: b.n}
}

// Bytes packs the bitmap LSB-first, one bit per chunk.
func (b *Bitmap) Bytes() []byte {
	out := make([]byte, (b.n+7)/8)
	for i := 0; i < b.n; i++ {
		if b.IsSet(i) {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

// BitmapFromBytes is the inverse of Bytes; trailing pad bits must be zero.
func BitmapFromBytes(raw []byte, n int) (*Bitmap, error) {
	if len(raw) != (n+7)/8 {
		return nil, fmt.Errorf("%w: bitmap is %d bytes for %d chunks", ErrInvalidManifest, len(raw), n)
	}
	b := NewBitmap(n)
	for i := 0; i < len(raw)*8; i++ {
		if raw[i/8]&(1<<(uint(i)%8)) == 0 {
			continue
		}
		if i >= n {
			return nil, fmt.Errorf("%w: bitmap pad bit %d set", ErrInvalidManifest, i)
		}
		b.Set(i)
	}
	return b, nil
}
