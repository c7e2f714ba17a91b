package peerwire

import (
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/anacrolix/multiless"
	"github.com/google/btree"
)

type blockState uint8

const (
	blockOpen blockState = iota
	blockRequested
	blockWriting
	blockFinished
)

type pickerBlock struct {
	state      blockState
	requesters []*Connection
	downloader *Connection
}

type pickerPiece struct {
	blocks []pickerBlock
}

func (t *pickerPiece) count(s blockState) (n int) {
	for _, b := range t.blocks {
		if b.state == s {
			n++
		}
	}
	return n
}

type rarity struct {
	piece uint32
	avail int
}

func rarityLess(a, b rarity) bool {
	return multiless.New().Int(
		a.avail, b.avail,
	).Uint32(
		a.piece, b.piece,
	).Less()
}

// NewBlockPicker rarest first block picker. pieces with blocks in flight are
// finished before new pieces are started.
func NewBlockPicker(l Layout) *blockPicker {
	p := &blockPicker{
		layout:    l,
		pieces:    make([]pickerPiece, l.Pieces),
		avail:     make([]int, l.Pieces),
		order:     btree.NewG(32, rarityLess),
		partial:   roaring.New(),
		completed: roaring.New(),
	}

	for i := range p.pieces {
		p.pieces[i].blocks = make([]pickerBlock, l.BlocksInPiece(uint32(i)))
		p.order.ReplaceOrInsert(rarity{piece: uint32(i)})
	}

	return p
}

type blockPicker struct {
	layout    Layout
	pieces    []pickerPiece
	avail     []int
	order     *btree.BTreeG[rarity]
	partial   *roaring.Bitmap
	completed *roaring.Bitmap
}

func (t *blockPicker) block(b PieceBlock) *pickerBlock {
	if !t.layout.Contains(b) {
		return nil
	}
	return &t.pieces[b.Piece].blocks[b.Block]
}

// Pick up to n open blocks from pieces in have, visiting prefer first. when no
// open block exists blocks reserved by other peers are returned as busy.
func (t *blockPicker) Pick(have, prefer *roaring.Bitmap, n int, peer *Connection) []Picked {
	var (
		open    []Picked
		busy    []Picked
		visited = roaring.New()
	)

	if n <= 0 || have == nil {
		return nil
	}

	visit := func(piece uint32) bool {
		if !visited.CheckedAdd(piece) || !have.Contains(piece) || t.completed.Contains(piece) || piece >= t.layout.Pieces {
			return true
		}

		for i, b := range t.pieces[piece].blocks {
			pb := PieceBlock{Piece: piece, Block: uint32(i)}
			switch b.state {
			case blockOpen:
				open = append(open, Picked{Block: pb})
				if len(open) >= n {
					return false
				}
			case blockRequested:
				if !slices.Contains(b.requesters, peer) {
					busy = append(busy, Picked{Block: pb, Busy: true})
				}
			}
		}

		return true
	}

	iterate := func(m *roaring.Bitmap) bool {
		if m == nil {
			return true
		}
		for i := m.Iterator(); i.HasNext(); {
			if !visit(i.Next()) {
				return false
			}
		}
		return true
	}

	if !iterate(prefer) || !iterate(t.partial.Clone()) {
		return open
	}

	t.order.Ascend(func(r rarity) bool {
		return visit(r.piece)
	})

	if len(open) > 0 {
		return open
	}

	slices.SortStableFunc(busy, func(a, b Picked) int {
		return t.Requesters(a.Block) - t.Requesters(b.Block)
	})

	return busy[:min(n, len(busy))]
}

// MarkRequested reserves the block for peer. blocks reserved by another peer
// are only granted when busy is set.
func (t *blockPicker) MarkRequested(b PieceBlock, peer *Connection, busy bool) bool {
	blk := t.block(b)
	if blk == nil || t.completed.Contains(b.Piece) {
		return false
	}

	switch blk.state {
	case blockWriting, blockFinished:
		return false
	case blockRequested:
		if !busy || slices.Contains(blk.requesters, peer) {
			return false
		}
	}

	blk.state = blockRequested
	blk.requesters = append(blk.requesters, peer)
	t.partial.Add(b.Piece)
	return true
}

// Abort releases the peer's reservation.
func (t *blockPicker) Abort(b PieceBlock, peer *Connection) {
	blk := t.block(b)
	if blk == nil {
		return
	}

	if i := slices.Index(blk.requesters, peer); i >= 0 {
		blk.requesters = slices.Delete(blk.requesters, i, i+1)
	}

	if blk.state == blockRequested && len(blk.requesters) == 0 {
		blk.state = blockOpen
	}

	t.settle(b.Piece)
}

func (t *blockPicker) settle(piece uint32) {
	if p := &t.pieces[piece]; p.count(blockOpen) == len(p.blocks) {
		t.partial.Remove(piece)
	}
}

// MarkWriting the first delivery of a block wins, later deliveries are refused.
func (t *blockPicker) MarkWriting(b PieceBlock, peer *Connection) bool {
	blk := t.block(b)
	if blk == nil || blk.state == blockWriting || blk.state == blockFinished || t.completed.Contains(b.Piece) {
		return false
	}

	blk.state = blockWriting
	blk.downloader = peer
	blk.requesters = nil
	t.partial.Add(b.Piece)
	return true
}

func (t *blockPicker) WriteFailed(b PieceBlock) {
	blk := t.block(b)
	if blk == nil || blk.state != blockWriting {
		return
	}

	blk.state = blockOpen
	blk.downloader = nil
	t.settle(b.Piece)
}

// MarkFinished returns true once every block of the piece is on disk.
func (t *blockPicker) MarkFinished(b PieceBlock) bool {
	blk := t.block(b)
	if blk == nil {
		return false
	}

	blk.state = blockFinished
	p := &t.pieces[b.Piece]
	return p.count(blockFinished) == len(p.blocks)
}

// Verified records the outcome of a piece check. failed pieces are reopened.
// returns every peer that contributed a block.
func (t *blockPicker) Verified(piece uint32, passed bool) (contributors []*Connection) {
	if piece >= t.layout.Pieces {
		return nil
	}

	p := &t.pieces[piece]
	for i := range p.blocks {
		if d := p.blocks[i].downloader; d != nil && !slices.Contains(contributors, d) {
			contributors = append(contributors, d)
		}

		if !passed {
			p.blocks[i] = pickerBlock{}
		}
	}

	t.partial.Remove(piece)
	if passed {
		t.MarkHave(piece)
	}

	return contributors
}

// MarkHave the piece is complete and verified.
func (t *blockPicker) MarkHave(piece uint32) {
	if piece >= t.layout.Pieces || !t.completed.CheckedAdd(piece) {
		return
	}

	t.order.Delete(rarity{piece: piece, avail: t.avail[piece]})
	t.partial.Remove(piece)
	p := &t.pieces[piece]
	for i := range p.blocks {
		p.blocks[i] = pickerBlock{state: blockFinished}
	}
}

func (t *blockPicker) IsDownloaded(b PieceBlock) bool {
	if t.completed.Contains(b.Piece) {
		return true
	}

	blk := t.block(b)
	return blk != nil && (blk.state == blockWriting || blk.state == blockFinished)
}

func (t *blockPicker) Requesters(b PieceBlock) int {
	if blk := t.block(b); blk != nil {
		return len(blk.requesters)
	}
	return 0
}

// FreeBlocks blocks of the piece nobody reserved.
func (t *blockPicker) FreeBlocks(piece uint32) int {
	if piece >= t.layout.Pieces {
		return 0
	}
	return t.pieces[piece].count(blockOpen)
}

// Outstanding blocks of the piece reserved but not yet received.
func (t *blockPicker) Outstanding(piece uint32) int {
	if piece >= t.layout.Pieces {
		return 0
	}
	return t.pieces[piece].count(blockRequested)
}

func (t *blockPicker) IncompletePieces() int {
	return int(uint64(t.layout.Pieces) - t.completed.GetCardinality())
}

func (t *blockPicker) Have(piece uint32) bool {
	return t.completed.Contains(piece)
}

// Completed read only view of the verified pieces.
func (t *blockPicker) Completed() *roaring.Bitmap {
	return t.completed
}

func (t *blockPicker) Availability(piece uint32) int {
	if piece >= t.layout.Pieces {
		return 0
	}
	return t.avail[piece]
}

func (t *blockPicker) adjust(pieces *roaring.Bitmap, delta int) {
	if pieces == nil {
		return
	}

	for i := pieces.Iterator(); i.HasNext(); {
		piece := i.Next()
		if piece >= t.layout.Pieces {
			continue
		}

		_, tracked := t.order.Delete(rarity{piece: piece, avail: t.avail[piece]})
		t.avail[piece] = max(0, t.avail[piece]+delta)
		if tracked {
			t.order.ReplaceOrInsert(rarity{piece: piece, avail: t.avail[piece]})
		}
	}
}

func (t *blockPicker) IncRefcount(pieces *roaring.Bitmap) {
	t.adjust(pieces, 1)
}

func (t *blockPicker) DecRefcount(pieces *roaring.Bitmap) {
	t.adjust(pieces, -1)
}
