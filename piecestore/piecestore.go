// Package piecestore owns per-piece block assembly, digest verification
// and positional persistence of a single-file torrent's output file. It
// also implements rarest-first piece selection with a sequential
// fallback, using the same availability-bucket technique the legacy
// piece queue used for O(maxPeers) lookup instead of O(piece count).
package piecestore

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/caldera-so/torrentcore/metainfo"
	"github.com/caldera-so/torrentcore/torrenterr"
)

const blockSize = 16384

// Completion is the outcome of adding a block to a piece.
type Completion int

const (
	// InProgress indicates the piece is still missing blocks.
	InProgress Completion = iota
	// Completed indicates this call supplied the final block and the
	// digest matched; AddBlock's second return value holds the assembled
	// piece.
	Completed
	// Failed indicates this call completed the piece but its digest (or
	// block contiguity) did not check out; the piece has been reset.
	Failed
	// AlreadyCompleted indicates the piece was already completed before
	// this call; the block is silently accepted.
	AlreadyCompleted
)

// pieceState is one per-piece record, private to the store.
type pieceState struct {
	index        int
	size         int64
	expectedHash [metainfo.HashSize]byte
	blocks       map[int64][]byte
	totalBlocks  int
	requested    bool
	completed    bool
}

func newPieceState(index int, size int64, hash [metainfo.HashSize]byte) *pieceState {
	return &pieceState{
		index:        index,
		size:         size,
		expectedHash: hash,
		blocks:       make(map[int64][]byte),
		totalBlocks:  int((size + blockSize - 1) / blockSize),
	}
}

// Store owns every piece of a torrent and its backing output file.
type Store struct {
	meta   *metainfo.TorrentMeta
	pieces []*pieceState
	file   *os.File

	// availability[i] counts peers known to advertise piece i.
	availability []int
	// buckets[n] is the set of idle, unrequested piece indices with
	// availability exactly n; bucket 0 holds never-advertised pieces.
	buckets []map[int]bool
}

var storeLog = log.With().Str("component", "piecestore").Logger()

// New creates a Store for meta, opening (or creating) the output file at
// <outDir>/<meta.FileName> truncated/pre-sized to meta.TotalLength.
func New(meta *metainfo.TorrentMeta, outDir string) (*Store, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, &torrenterr.IOFailedError{Op: "create output directory", Cause: err}
	}
	path := filepath.Join(outDir, meta.FileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &torrenterr.IOFailedError{Op: "open output file", Cause: err}
	}
	if err := f.Truncate(meta.TotalLength); err != nil {
		f.Close()
		return nil, &torrenterr.IOFailedError{Op: "truncate output file", Cause: err}
	}

	pieces := make([]*pieceState, meta.PieceCount())
	buckets := []map[int]bool{make(map[int]bool)}
	for i := range pieces {
		pieces[i] = newPieceState(i, meta.PieceSize(i), meta.PieceHashes[i])
		buckets[0][i] = true
	}

	return &Store{
		meta:         meta,
		pieces:       pieces,
		file:         f,
		availability: make([]int, len(pieces)),
		buckets:      buckets,
	}, nil
}

func (s *Store) ensureBucket(n int) {
	for len(s.buckets) <= n {
		s.buckets = append(s.buckets, make(map[int]bool))
	}
}

// RegisterBitfield records that a peer advertises the pieces set in bf,
// bumping each advertised idle piece into the next availability bucket.
func (s *Store) RegisterBitfield(bf func(index int) bool) {
	for i, p := range s.pieces {
		if !bf(i) {
			continue
		}
		old := s.availability[i]
		s.availability[i]++
		if !p.completed && !p.requested {
			if old < len(s.buckets) {
				delete(s.buckets[old], i)
			}
			s.ensureBucket(old + 1)
			s.buckets[old+1][i] = true
		}
	}
}

// UpdateAvailability bumps a single piece's availability count, used for
// unsolicited "have" messages.
func (s *Store) UpdateAvailability(index int) {
	if index < 0 || index >= len(s.pieces) {
		return
	}
	p := s.pieces[index]
	old := s.availability[index]
	s.availability[index]++
	if !p.completed && !p.requested {
		if old < len(s.buckets) {
			delete(s.buckets[old], index)
		}
		s.ensureBucket(old + 1)
		s.buckets[old+1][index] = true
	}
}

// NextSequential returns the lowest-indexed idle, unrequested piece,
// marking it requested, or -1 if none remain.
func (s *Store) NextSequential() int {
	for _, p := range s.pieces {
		if !p.completed && !p.requested {
			p.requested = true
			s.removeFromBucket(p.index)
			return p.index
		}
	}
	return -1
}

func (s *Store) removeFromBucket(index int) {
	avail := s.availability[index]
	if avail < len(s.buckets) {
		delete(s.buckets[avail], index)
	}
}

// Rarest returns the idle piece with the smallest non-zero availability
// advertised by the given peer, ties broken by lowest index, marking it
// requested. It falls back to NextSequential when no such piece exists.
func (s *Store) Rarest(peerHas func(index int) bool) int {
	for avail := 1; avail < len(s.buckets); avail++ {
		best := -1
		for idx := range s.buckets[avail] {
			if !peerHas(idx) {
				continue
			}
			if best == -1 || idx < best {
				best = idx
			}
		}
		if best != -1 {
			delete(s.buckets[avail], best)
			s.pieces[best].requested = true
			return best
		}
	}
	return s.NextSequential()
}

// PieceSize returns the size in bytes of piece index.
func (s *Store) PieceSize(index int) int64 {
	return s.pieces[index].size
}

// AddBlock inserts a block at offset within piece index (idempotent if
// already present). When the piece becomes fully populated it is
// assembled, digested and compared against its expected hash.
func (s *Store) AddBlock(index int, offset int64, block []byte) (Completion, []byte, error) {
	if index < 0 || index >= len(s.pieces) {
		return InProgress, nil, &torrenterr.BlockOutOfRangeError{Index: index}
	}
	p := s.pieces[index]
	if p.completed {
		return AlreadyCompleted, nil, nil
	}
	if offset < 0 || offset+int64(len(block)) > p.size {
		return InProgress, nil, &torrenterr.BlockOutOfRangeError{
			Index: index, Offset: int(offset), Length: len(block), PieceSize: int(p.size),
		}
	}
	if _, dup := p.blocks[offset]; !dup {
		p.blocks[offset] = block
	}
	if len(p.blocks) < p.totalBlocks {
		return InProgress, nil, nil
	}

	assembled, err := assemble(p)
	if err != nil {
		storeLog.Warn().Int("piece", index).Err(err).Msg("piece assembly failed")
		s.failPiece(p)
		return Failed, nil, err
	}
	digest := sha1.Sum(assembled)
	if digest != p.expectedHash {
		storeLog.Warn().Int("piece", index).Msg("piece failed digest verification")
		s.failPiece(p)
		return Failed, nil, &torrenterr.PieceHashMismatchError{Index: index}
	}

	p.completed = true
	p.requested = false
	p.blocks = nil
	s.removeFromBucket(index)
	storeLog.Debug().Int("piece", index).Msg("piece verified")
	return Completed, assembled, nil
}

func (s *Store) failPiece(p *pieceState) {
	p.blocks = make(map[int64][]byte)
	p.requested = false
	s.ensureBucket(s.availability[p.index])
	s.buckets[s.availability[p.index]][p.index] = true
}

// assemble concatenates a piece's blocks in offset order, verifying
// contiguity (no gaps, no overlaps) and total length.
func assemble(p *pieceState) ([]byte, error) {
	offsets := make([]int64, 0, len(p.blocks))
	for off := range p.blocks {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	var buf bytes.Buffer
	expected := int64(0)
	for _, off := range offsets {
		if off != expected {
			return nil, &torrenterr.ProtocolViolationError{Detail: "piece blocks are not contiguous"}
		}
		b := p.blocks[off]
		buf.Write(b)
		expected += int64(len(b))
	}
	if int64(buf.Len()) != p.size {
		return nil, &torrenterr.ProtocolViolationError{Detail: "assembled piece length does not match expected size"}
	}
	return buf.Bytes(), nil
}

// Reset unconditionally returns a not-yet-completed piece to its idle
// state, used on peer loss and per-piece timeout.
func (s *Store) Reset(index int) {
	if index < 0 || index >= len(s.pieces) {
		return
	}
	p := s.pieces[index]
	if p.completed {
		return
	}
	p.blocks = make(map[int64][]byte)
	p.requested = false
	s.ensureBucket(s.availability[index])
	s.buckets[s.availability[index]][index] = true
}

// Persist writes bytes at the piece's absolute file offset
// index*piece_length. On the final piece of the torrent it fsyncs and
// closes the file.
func (s *Store) Persist(index int, data []byte) error {
	offset := int64(index) * s.meta.PieceLength
	if _, err := s.file.WriteAt(data, offset); err != nil {
		return &torrenterr.IOFailedError{Op: "write piece", Cause: err}
	}
	if s.IsComplete() {
		if err := s.file.Sync(); err != nil {
			return &torrenterr.IOFailedError{Op: "sync output file", Cause: err}
		}
		if err := s.file.Close(); err != nil {
			return &torrenterr.IOFailedError{Op: "close output file", Cause: err}
		}
	}
	return nil
}

// IsComplete reports whether every piece has been verified.
func (s *Store) IsComplete() bool {
	for _, p := range s.pieces {
		if !p.completed {
			return false
		}
	}
	return true
}

// Progress returns (completedPieces, totalPieces).
func (s *Store) Progress() (int, int) {
	n := 0
	for _, p := range s.pieces {
		if p.completed {
			n++
		}
	}
	return n, len(s.pieces)
}
