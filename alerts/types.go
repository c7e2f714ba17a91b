package alerts

import (
	"fmt"
	"net/netip"
)

type PeerDisconnected struct {
	Peer      netip.AddrPort
	Operation string
	Cause     error
}

func (PeerDisconnected) Category() Category { return CategoryPeer | CategoryError }
func (t PeerDisconnected) String() string {
	return fmt.Sprintf("%s disconnected during %s: %v", t.Peer, t.Operation, t.Cause)
}

type PeerBanned struct {
	Peer  netip.AddrPort
	Cause error
}

func (PeerBanned) Category() Category { return CategoryPeer }
func (t PeerBanned) String() string {
	return fmt.Sprintf("%s banned: %v", t.Peer, t.Cause)
}

type PeerSnubbed struct {
	Peer netip.AddrPort
}

func (PeerSnubbed) Category() Category { return CategoryPeer }
func (t PeerSnubbed) String() string { return fmt.Sprintf("%s snubbed", t.Peer) }

type PeerUnsnubbed struct {
	Peer netip.AddrPort
}

func (PeerUnsnubbed) Category() Category { return CategoryPeer }
func (t PeerUnsnubbed) String() string { return fmt.Sprintf("%s unsnubbed", t.Peer) }

type PeerError struct {
	Peer  netip.AddrPort
	Cause error
}

func (PeerError) Category() Category { return CategoryError | CategoryPeer }
func (t PeerError) String() string { return fmt.Sprintf("%s error: %v", t.Peer, t.Cause) }

type PieceFinished struct {
	Piece uint32
}

func (PieceFinished) Category() Category { return CategoryPiece }
func (t PieceFinished) String() string { return fmt.Sprintf("piece %d finished", t.Piece) }

type HashFailed struct {
	Piece uint32
}

func (HashFailed) Category() Category { return CategoryError | CategoryPiece }
func (t HashFailed) String() string { return fmt.Sprintf("piece %d failed verification", t.Piece) }

type BlockTimedOut struct {
	Peer         netip.AddrPort
	Piece, Block uint32
}

func (BlockTimedOut) Category() Category { return CategoryBlock }
func (t BlockTimedOut) String() string {
	return fmt.Sprintf("%s block %d:%d timed out", t.Peer, t.Piece, t.Block)
}

type BlockDownloading struct {
	Peer         netip.AddrPort
	Piece, Block uint32
	Endgame      bool
}

func (BlockDownloading) Category() Category { return CategoryBlock }
func (t BlockDownloading) String() string {
	return fmt.Sprintf("%s requested block %d:%d endgame(%t)", t.Peer, t.Piece, t.Block, t.Endgame)
}

type BlockFinished struct {
	Peer         netip.AddrPort
	Piece, Block uint32
}

func (BlockFinished) Category() Category { return CategoryBlock }
func (t BlockFinished) String() string {
	return fmt.Sprintf("%s block %d:%d finished", t.Peer, t.Piece, t.Block)
}

type InvalidRequest struct {
	Peer                 netip.AddrPort
	Piece, Begin, Length uint32
}

func (InvalidRequest) Category() Category { return CategoryPeer | CategoryProtocol }
func (t InvalidRequest) String() string {
	return fmt.Sprintf("%s invalid request %d:%d:%d", t.Peer, t.Piece, t.Begin, t.Length)
}

type Stats struct {
	Peer         netip.AddrPort
	Uploaded     int64
	Downloaded   int64
	UploadRate   int64
	DownloadRate int64
}

func (Stats) Category() Category { return CategoryStats }
func (t Stats) String() string {
	return fmt.Sprintf("%s up %d (%d/s) down %d (%d/s)", t.Peer, t.Uploaded, t.UploadRate, t.Downloaded, t.DownloadRate)
}

type StateChanged struct {
	Peer     netip.AddrPort
	From, To string
}

func (StateChanged) Category() Category { return CategoryStatus }
func (t StateChanged) String() string {
	return fmt.Sprintf("%s %s -> %s", t.Peer, t.From, t.To)
}
