package peerwire

import (
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/james-lawrence/peerwire/internal/bitmapx"
	"github.com/james-lawrence/peerwire/internal/errorsx"
)

const (
	ErrPieceOutOfRange = errorsx.String("piece index out of range")
	ErrBitfieldLength  = errorsx.String("invalid bitfield length")
)

// availability pieces the remote peer is known to hold, plus the pieces it
// suggested, the pieces it lets us request while choked and the pieces we
// currently offer it while superseeding.
type availability struct {
	have  *roaring.Bitmap
	count int

	// zero until metadata is known.
	pieces uint32

	// signals received before the piece count was known.
	pendingAll      bool
	pendingBitfield []bool

	suggested   []uint32
	allowedFast []uint32
	acceptFast  *roaring.Bitmap
	superseed   [2]int

	maxSuggest     int
	maxAllowedFast int
}

func newAvailability(maxSuggest, maxAllowedFast int) availability {
	return availability{
		have:           roaring.New(),
		acceptFast:     roaring.New(),
		superseed:      [2]int{-1, -1},
		maxSuggest:     maxSuggest,
		maxAllowedFast: maxAllowedFast,
	}
}

// check panics if the cached counter diverged from the bitmap.
func (t *availability) check() {
	if n := int(t.have.GetCardinality()); n != t.count {
		panic(fmt.Sprintf("availability counter mismatch: bitmap %d != counter %d", n, t.count))
	}
}

func (t *availability) known() bool {
	return t.pieces > 0
}

// init materializes signals received before metadata. returns the pieces the
// peer is now known to have.
func (t *availability) init(pieces uint32) (*roaring.Bitmap, error) {
	t.pieces = pieces
	defer t.check()

	switch {
	case t.pendingAll:
		t.pendingAll = false
		t.have = bitmapx.Fill(pieces)
	case t.pendingBitfield != nil:
		bits := t.pendingBitfield
		t.pendingBitfield = nil
		if err := t.validBitfield(bits); err != nil {
			t.count = int(t.have.GetCardinality())
			return t.have.Clone(), err
		}
		t.have = bitmapx.FromBools(bits)
	}

	t.count = int(t.have.GetCardinality())

	// haves received before metadata can't be validated until now.
	if t.have.GetCardinality() > 0 && t.have.Maximum() >= pieces {
		t.have.RemoveRange(uint64(pieces), uint64(t.have.Maximum())+1)
		t.count = int(t.have.GetCardinality())
		return t.have.Clone(), errorsx.Wrapf(ErrPieceOutOfRange, "pieces %d", pieces)
	}

	return t.have.Clone(), nil
}

func (t *availability) inRange(piece uint32) error {
	if t.known() && piece >= t.pieces {
		return errorsx.Wrapf(ErrPieceOutOfRange, "%d >= %d", piece, t.pieces)
	}

	return nil
}

// IncomingHave returns true when the piece is new.
func (t *availability) IncomingHave(piece uint32) (bool, error) {
	defer t.check()

	if err := t.inRange(piece); err != nil {
		return false, err
	}

	if !t.have.CheckedAdd(piece) {
		return false, nil
	}

	t.count++
	t.RemoveSuggested(piece)
	return true, nil
}

// IncomingDontHave returns true when the piece was previously held.
func (t *availability) IncomingDontHave(piece uint32) (bool, error) {
	defer t.check()

	if err := t.inRange(piece); err != nil {
		return false, err
	}

	if !t.have.CheckedRemove(piece) {
		return false, nil
	}

	t.count--
	return true, nil
}

func (t *availability) validBitfield(bits []bool) error {
	if len(bits) != int(t.pieces+7)/8*8 {
		return errorsx.Wrapf(ErrBitfieldLength, "%d bits for %d pieces", len(bits), t.pieces)
	}

	for _, set := range bits[t.pieces:] {
		if set {
			return errorsx.Wrap(ErrBitfieldLength, "spare bits set")
		}
	}

	return nil
}

// IncomingBitfield replaces the bitmap. returns the previous bitmap so callers
// can adjust availability counts.
func (t *availability) IncomingBitfield(bits []bool) (previous *roaring.Bitmap, err error) {
	defer t.check()

	if !t.known() {
		t.pendingAll = false
		t.pendingBitfield = slices.Clone(bits)
		return roaring.New(), nil
	}

	if err = t.validBitfield(bits); err != nil {
		return nil, err
	}

	previous = t.have
	t.have = bitmapx.FromBools(bits[:t.pieces])
	t.count = int(t.have.GetCardinality())
	return previous, nil
}

func (t *availability) IncomingHaveAll() (previous *roaring.Bitmap) {
	defer t.check()

	previous = t.have
	if !t.known() {
		t.pendingAll = true
		t.pendingBitfield = nil
		t.have = roaring.New()
		t.count = 0
		return previous
	}

	t.have = bitmapx.Fill(t.pieces)
	t.count = int(t.pieces)
	return previous
}

func (t *availability) IncomingHaveNone() (previous *roaring.Bitmap) {
	defer t.check()

	previous = t.have
	t.pendingAll = false
	t.pendingBitfield = nil
	t.have = roaring.New()
	t.count = 0
	return previous
}

func (t *availability) Has(piece uint32) bool {
	return t.have.Contains(piece)
}

func (t *availability) Count() int {
	return t.count
}

// Seed the peer holds every piece.
func (t *availability) Seed() bool {
	if !t.known() {
		return t.pendingAll
	}

	return t.count == int(t.pieces)
}

// Bitmap read only view of the pieces the peer holds.
func (t *availability) Bitmap() *roaring.Bitmap {
	return t.have
}

// AddSuggested remembers a suggestion, evicting the oldest beyond the bound.
func (t *availability) AddSuggested(piece uint32) error {
	if err := t.inRange(piece); err != nil {
		return err
	}

	if t.maxSuggest <= 0 || slices.Contains(t.suggested, piece) {
		return nil
	}

	if len(t.suggested) >= t.maxSuggest {
		t.suggested = slices.Delete(t.suggested, 0, 1)
	}

	t.suggested = append(t.suggested, piece)
	return nil
}

func (t *availability) RemoveSuggested(piece uint32) {
	if i := slices.Index(t.suggested, piece); i >= 0 {
		t.suggested = slices.Delete(t.suggested, i, i+1)
	}
}

func (t *availability) Suggested() *roaring.Bitmap {
	return roaring.BitmapOf(t.suggested...)
}

// AddAllowedFast records a piece we may request while choked. extras beyond
// the bound are ignored.
func (t *availability) AddAllowedFast(piece uint32) error {
	if err := t.inRange(piece); err != nil {
		return err
	}

	if slices.Contains(t.allowedFast, piece) || len(t.allowedFast) >= t.maxAllowedFast {
		return nil
	}

	t.allowedFast = append(t.allowedFast, piece)
	return nil
}

func (t *availability) AllowedFast(piece uint32) bool {
	return slices.Contains(t.allowedFast, piece)
}

func (t *availability) AllowedFastSet() *roaring.Bitmap {
	return roaring.BitmapOf(t.allowedFast...)
}

// SetAcceptFast pieces we serve to the peer while it is choked.
func (t *availability) SetAcceptFast(set *roaring.Bitmap) {
	t.acceptFast = bitmapx.Lazy(set)
}

func (t *availability) AcceptsFast(piece uint32) bool {
	return t.acceptFast.Contains(piece)
}

// SuperseedPiece offers next in place of replace. next -1 clears both slots.
func (t *availability) SuperseedPiece(replace, next int) {
	if next < 0 {
		t.superseed = [2]int{-1, -1}
		return
	}

	if replace >= 0 && t.superseed[0] == replace {
		t.superseed[0], t.superseed[1] = t.superseed[1], t.superseed[0]
	}

	t.superseed[1] = t.superseed[0]
	t.superseed[0] = next
}

// Superseeding reports whether any piece is being offered.
func (t *availability) Superseeding() bool {
	return t.superseed[0] >= 0 || t.superseed[1] >= 0
}

func (t *availability) SuperseedOffered(piece uint32) bool {
	return t.superseed[0] == int(piece) || t.superseed[1] == int(piece)
}

// SuperseedSet active offers.
func (t *availability) SuperseedSet() (offered []int) {
	for _, p := range t.superseed {
		if p >= 0 {
			offered = append(offered, p)
		}
	}
	return offered
}
