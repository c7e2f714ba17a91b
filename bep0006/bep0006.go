// Package bep0006 implements the allowed fast set generation of the fast extension.
package bep0006

import (
	"crypto/sha1"
	"encoding/binary"
	"net/netip"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/james-lawrence/peerwire/internal/errorsx"
)

const (
	ErrNoPieces       = errorsx.String("pieces cannot be zero")
	ErrSetTooLarge    = errorsx.String("k cannot be greater than the number of pieces")
	ErrInvalidAddress = errorsx.String("invalid address")
)

// AllowedFastSet computes the k pieces the peer at ip may request while choked.
// ipv4 addresses are masked to their /24, ipv6 addresses to their /64.
func AllowedFastSet(ip netip.Addr, infohash [20]byte, pieces uint32, k uint32) (*roaring.Bitmap, error) {
	if pieces == 0 {
		return nil, ErrNoPieces
	}

	if k > pieces {
		return nil, errorsx.Wrapf(ErrSetTooLarge, "%d > %d", k, pieces)
	}

	if !ip.IsValid() {
		return nil, ErrInvalidAddress
	}

	set := roaring.New()
	if k == 0 {
		return set, nil
	}

	var x []byte
	if ip = ip.Unmap(); ip.Is4() {
		b := ip.As4()
		b[3] = 0
		x = b[:]
	} else {
		b := ip.As16()
		clear(b[8:])
		x = b[:]
	}

	x = append(x, infohash[:]...)
	for set.GetCardinality() < uint64(k) {
		digest := sha1.Sum(x)
		x = digest[:]
		for i := 0; i < 5 && set.GetCardinality() < uint64(k); i++ {
			set.Add(binary.BigEndian.Uint32(x[i*4:]) % pieces)
		}
	}

	return set, nil
}
