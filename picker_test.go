package peerwire

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/require"
)

func TestBlockPickerRarestFirst(t *testing.T) {
	l := NewLayout(4*32, 32, 16)
	p := NewBlockPicker(l)
	p.IncRefcount(roaring.BitmapOf(0, 1, 2, 3))
	p.IncRefcount(roaring.BitmapOf(0, 1, 3))
	p.IncRefcount(roaring.BitmapOf(0, 3))

	picks := p.Pick(roaring.BitmapOf(0, 1, 2, 3), nil, 2, nil)
	require.Equal(t, []Picked{{Block: PieceBlock{Piece: 2, Block: 0}}, {Block: PieceBlock{Piece: 2, Block: 1}}}, picks)
	require.Equal(t, 1, p.Availability(2))
	require.Equal(t, 3, p.Availability(0))

	p.DecRefcount(roaring.BitmapOf(0, 3))
	require.Equal(t, 2, p.Availability(0))
}

func TestBlockPickerPartialPiecesFirst(t *testing.T) {
	l := NewLayout(3*32, 32, 16)
	p := NewBlockPicker(l)
	a, b := &Connection{id: 1}, &Connection{id: 2}

	require.True(t, p.MarkRequested(PieceBlock{Piece: 1, Block: 0}, a, false))
	picks := p.Pick(roaring.BitmapOf(0, 1, 2), nil, 1, b)
	require.Equal(t, []Picked{{Block: PieceBlock{Piece: 1, Block: 1}}}, picks)

	picks = p.Pick(roaring.BitmapOf(0, 1, 2), roaring.BitmapOf(2), 1, b)
	require.Equal(t, []Picked{{Block: PieceBlock{Piece: 2, Block: 0}}}, picks)
}

func TestBlockPickerBusyOnlyWhenNothingOpen(t *testing.T) {
	l := NewLayout(32, 32, 16)
	p := NewBlockPicker(l)
	a, b := &Connection{id: 1}, &Connection{id: 2}

	blk0, blk1 := PieceBlock{Piece: 0, Block: 0}, PieceBlock{Piece: 0, Block: 1}
	require.True(t, p.MarkRequested(blk0, a, false))
	require.True(t, p.MarkRequested(blk1, a, false))
	require.False(t, p.MarkRequested(blk0, b, false))

	picks := p.Pick(roaring.BitmapOf(0), nil, 4, b)
	require.Equal(t, []Picked{{Block: blk0, Busy: true}, {Block: blk1, Busy: true}}, picks)
	require.Empty(t, p.Pick(roaring.BitmapOf(0), nil, 4, a))

	require.True(t, p.MarkRequested(blk0, b, true))
	require.Equal(t, 2, p.Requesters(blk0))
	require.Equal(t, 0, p.FreeBlocks(0))
	require.Equal(t, 2, p.Outstanding(0))

	p.Abort(blk0, a)
	p.Abort(blk0, b)
	require.Equal(t, 1, p.FreeBlocks(0))
}

func TestBlockPickerWriteVerify(t *testing.T) {
	l := NewLayout(32, 32, 16)
	p := NewBlockPicker(l)
	a, b := &Connection{id: 1}, &Connection{id: 2}
	blk0, blk1 := PieceBlock{Piece: 0, Block: 0}, PieceBlock{Piece: 0, Block: 1}

	require.True(t, p.MarkRequested(blk0, a, false))
	require.True(t, p.MarkRequested(blk0, b, true))
	require.True(t, p.MarkWriting(blk0, b))
	require.False(t, p.MarkWriting(blk0, a))
	require.True(t, p.IsDownloaded(blk0))
	require.False(t, p.MarkFinished(blk0))

	require.True(t, p.MarkWriting(blk1, a))
	p.WriteFailed(blk1)
	require.False(t, p.IsDownloaded(blk1))
	require.True(t, p.MarkWriting(blk1, a))
	require.True(t, p.MarkFinished(blk1))

	contributors := p.Verified(0, false)
	require.ElementsMatch(t, []*Connection{a, b}, contributors)
	require.False(t, p.Have(0))
	require.Equal(t, 2, p.FreeBlocks(0))

	require.True(t, p.MarkWriting(blk0, a))
	p.MarkFinished(blk0)
	require.True(t, p.MarkWriting(blk1, a))
	require.True(t, p.MarkFinished(blk1))
	require.Equal(t, []*Connection{a}, p.Verified(0, true))
	require.True(t, p.Have(0))
	require.Equal(t, 0, p.IncompletePieces())
	require.False(t, p.MarkRequested(blk0, a, false))
}
