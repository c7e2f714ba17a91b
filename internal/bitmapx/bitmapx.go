package bitmapx

import (
	"math/rand/v2"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/exp/constraints"
)

// Bools convert to an array of bools
func Bools(n int, m *roaring.Bitmap) (bf []bool) {
	bf = make([]bool, n)

	for i := Lazy(m).Iterator(); i.HasNext() && int(i.PeekNext()) < len(bf); {
		bf[i.Next()] = true
	}

	return bf
}

// FromBools sets every index whose value is true.
func FromBools(bf []bool) *roaring.Bitmap {
	m := roaring.New()
	for i, set := range bf {
		if set {
			m.AddInt(i)
		}
	}
	return m
}

// Lazy ...
func Lazy(m *roaring.Bitmap) *roaring.Bitmap {
	if m != nil {
		return m
	}

	return roaring.New()
}

// Contains returns iff all the bits are set within the bitmap
func Contains(m *roaring.Bitmap, bits ...int) (b bool) {
	m = Lazy(m)
	b = true
	for _, i := range bits {
		b = b && m.ContainsInt(i)
	}
	return b
}

// AndNot returns the combination of the two bitmaps without modifying
func AndNot(l *roaring.Bitmap, rs ...*roaring.Bitmap) (dup *roaring.Bitmap) {
	dup = Lazy(l).Clone()
	for _, r := range rs {
		dup.AndNot(Lazy(r))
	}
	return dup
}

// Fill sets [0, n).
func Fill[T constraints.Integer](n T) *roaring.Bitmap {
	m := roaring.New()
	m.AddRange(0, uint64(n))
	return m
}

// Sample up to k set bits from m uniformly using the provided source.
func Sample(m *roaring.Bitmap, k int, src rand.Source) []uint32 {
	r := rand.New(src)
	reservoir := make([]uint32, 0, k)
	seen := 0
	for i := Lazy(m).Iterator(); i.HasNext(); seen++ {
		v := i.Next()
		if len(reservoir) < k {
			reservoir = append(reservoir, v)
			continue
		}

		if j := r.IntN(seen + 1); j < k {
			reservoir[j] = v
		}
	}

	return reservoir
}
