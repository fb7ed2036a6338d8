package ports

import "downpour/internal/domain"

// PieceStorage tracks which pieces of the payload are complete.
type PieceStorage interface {
	DownloadFinished() bool
	AllPiecesDone() bool
	MarkAllPiecesDone()
	MarkPieceDone(index int)
	HasPiece(index int) bool
	CompletedLength() int64
	NumPieces() int
}

// PeerStorage is the pool of known peers. GetUnusedPeer leases a peer out of
// the unused pool; ReturnPeer puts it back once its connection is gone.
type PeerStorage interface {
	AddPeer(p *domain.Peer) bool
	IsPeerAvailable() bool
	GetUnusedPeer() *domain.Peer
	ReturnPeer(p *domain.Peer)
	CountUnused() int
	CountUsed() int
}
