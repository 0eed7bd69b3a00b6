// Package bitmap provides the allocator used to track free physical frames,
// TLB slots and swap slots.
package bitmap

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// A Bitmap tracks which indices of a fixed-size pool are in use.
//
// Find always returns the lowest free index. The MMU relies on this to break
// ties deterministically when it picks frames and TLB slots.
type Bitmap struct {
	bits *bitset.BitSet
	n    int
}

// New creates a Bitmap with n clear bits.
func New(n int) *Bitmap {
	if n < 0 {
		panic("bitmap size must not be negative")
	}

	return &Bitmap{
		bits: bitset.New(uint(n)),
		n:    n,
	}
}

// Len returns the capacity of the bitmap.
func (b *Bitmap) Len() int {
	return b.n
}

// Find returns the lowest clear bit and marks it. It returns -1 if every bit
// is set.
func (b *Bitmap) Find() int {
	i, ok := b.bits.NextClear(0)
	if !ok || int(i) >= b.n {
		return -1
	}

	b.bits.Set(i)

	return int(i)
}

// Mark sets bit i.
func (b *Bitmap) Mark(i int) {
	b.mustBeInRange(i)
	b.bits.Set(uint(i))
}

// Clear unsets bit i.
func (b *Bitmap) Clear(i int) {
	b.mustBeInRange(i)
	b.bits.Clear(uint(i))
}

// Test tells if bit i is set.
func (b *Bitmap) Test(i int) bool {
	b.mustBeInRange(i)
	return b.bits.Test(uint(i))
}

// NumClear returns the number of clear bits.
func (b *Bitmap) NumClear() int {
	return b.n - int(b.bits.Count())
}

func (b *Bitmap) mustBeInRange(i int) {
	if i < 0 || i >= b.n {
		panic(fmt.Sprintf("bitmap index %d out of range [0, %d)", i, b.n))
	}
}
