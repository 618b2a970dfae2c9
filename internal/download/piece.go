// Package download implements PieceDownloader: the per-piece sliding
// window of block requests driven against one PeerSession, per
// spec.md §4.5.
package download

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"leech/internal/metainfo"
	"leech/internal/peer"
	"leech/internal/peerwire"
)

// Tuning parameters from spec.md §4.5.
const (
	MaxBacklog   = 10
	MaxBlockSize = uint32(16384)
	PieceTimeout = 30 * time.Second
)

// ErrIntegrityMismatch marks a piece whose assembled bytes don't hash to
// the expected value. Per spec.md §7 this is retryable.
var ErrIntegrityMismatch = errors.New("download: piece failed integrity check")

// Work describes one piece to fetch, as seeded by the coordinator.
type Work struct {
	Index  uint32
	Hash   [20]byte
	Length uint32
}

// Result is a verified, fully-downloaded piece.
type Result struct {
	Index uint32
	Bytes []byte
}

// inProgress mirrors spec.md §3's PieceInProgress.
type inProgress struct {
	buffer     []byte
	downloaded uint32
	requested  uint32
	backlog    int
}

// FetchPiece drives s through the sliding-window protocol to download
// work in full, verifying its SHA-1 hash before returning.
func FetchPiece(s *peer.Session, work Work) ([]byte, error) {
	deadline := time.Now().Add(PieceTimeout)

	p := &inProgress{buffer: make([]byte, work.Length)}

	for p.downloaded < work.Length {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("download: piece %d: timed out after %s", work.Index, PieceTimeout)
		}

		if err := fillBacklog(s, work, p); err != nil {
			return nil, err
		}

		msg, err := s.Recv()
		if err != nil {
			return nil, fmt.Errorf("download: piece %d: %w", work.Index, err)
		}

		switch msg.ID {
		case peerwire.Block:
			if msg.Index != work.Index {
				continue // not for this piece, discard per spec.md §4.4.
			}
			if msg.Begin > work.Length || uint64(msg.Begin)+uint64(len(msg.BlockData)) > uint64(work.Length) {
				continue // out of range, discard (checked in uint64 to avoid wraparound).
			}
			copy(p.buffer[msg.Begin:], msg.BlockData)
			p.downloaded += uint32(len(msg.BlockData))
			p.backlog--

		case peerwire.Choke:
			// Full reset: outstanding requests are presumed lost; the
			// pipeline reissues everything still undownloaded once
			// unchoked again (spec.md §9 open question, resolved as
			// full reset).
			p.requested = p.downloaded
			p.backlog = 0

		default:
			// KeepAlive, Unchoke, Have and the leech-only messages
			// require no action here; the Session already applied them.
		}
	}

	hash := sha1.Sum(p.buffer)
	if hash != work.Hash {
		return nil, fmt.Errorf("%w: piece %d", ErrIntegrityMismatch, work.Index)
	}

	return p.buffer, nil
}

func fillBacklog(s *peer.Session, work Work, p *inProgress) error {
	if s.Choked() {
		return nil
	}

	for p.backlog < MaxBacklog && p.requested < work.Length {
		blockSize := MaxBlockSize
		if remaining := work.Length - p.requested; remaining < blockSize {
			blockSize = remaining
		}

		if err := s.Send(peerwire.NewRequest(work.Index, p.requested, blockSize)); err != nil {
			return fmt.Errorf("download: piece %d: requesting block at %d: %w", work.Index, p.requested, err)
		}

		p.requested += blockSize
		p.backlog++
	}
	return nil
}

// WorkFromMeta builds the Work item for piece i of meta.
func WorkFromMeta(meta *metainfo.TorrentMeta, i int) Work {
	return Work{
		Index:  uint32(i),
		Hash:   meta.PieceHashes[i],
		Length: uint32(meta.PieceLen(i)),
	}
}
