// Package metainfo loads and validates a single-file BEP 3 .torrent
// descriptor into an immutable TorrentMeta, computing the 20-byte info
// hash from the info dictionary's exact on-wire bytes.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"os"

	"github.com/caldera-so/torrentcore/bencode"
	"github.com/caldera-so/torrentcore/torrenterr"
)

// HashSize is the length in bytes of an info hash or a piece digest.
const HashSize = 20

// TorrentMeta is the immutable, fully-validated description of a
// single-file torrent.
type TorrentMeta struct {
	InfoHash     [HashSize]byte
	PieceHashes  [][HashSize]byte
	PieceLength  int64
	TotalLength  int64
	FileName     string
	AnnounceList []string
}

// PieceCount returns the number of pieces the torrent is split into.
func (m *TorrentMeta) PieceCount() int {
	return len(m.PieceHashes)
}

// PieceSize returns the size in bytes of piece index i: PieceLength for
// every piece except the last, whose size is derived from TotalLength so
// that short last pieces are handled correctly (see the "piece
// persistence" design note: floor(total/count) is wrong for a short last
// piece, index*PieceLength plus this formula is not).
func (m *TorrentMeta) PieceSize(index int) int64 {
	if index == m.PieceCount()-1 {
		return m.TotalLength - int64(m.PieceCount()-1)*m.PieceLength
	}
	return m.PieceLength
}

func invalid(reason string) error {
	return &torrenterr.InvalidMetainfoError{Reason: reason}
}

// Load reads and validates a .torrent file at path.
func Load(path string) (*TorrentMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &torrenterr.IOFailedError{Op: "read metainfo file", Cause: err}
	}
	return Parse(raw)
}

// Parse decodes and validates raw metainfo bytes.
func Parse(raw []byte) (*TorrentMeta, error) {
	root, _, err := bencode.Decode(raw)
	if err != nil {
		return nil, err
	}
	if root.Kind != bencode.KindDict {
		return nil, invalid("top-level value is not a dictionary")
	}

	announceList, err := parseAnnounceList(root)
	if err != nil {
		return nil, err
	}

	infoVal, ok := root.DictGet("info")
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, invalid("missing or malformed \"info\" dictionary")
	}
	infoBytes := raw[infoVal.Start:infoVal.End]
	infoHash := sha1.Sum(infoBytes)

	name, length, pieceLength, pieceHashes, err := parseInfo(infoVal)
	if err != nil {
		return nil, err
	}

	meta := &TorrentMeta{
		InfoHash:     infoHash,
		PieceHashes:  pieceHashes,
		PieceLength:  pieceLength,
		TotalLength:  length,
		FileName:     name,
		AnnounceList: announceList,
	}
	if err := validate(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func validate(m *TorrentMeta) error {
	n := int64(m.PieceCount())
	if n == 0 {
		return invalid("pieces list is empty")
	}
	if n*m.PieceLength < m.TotalLength {
		return invalid("piece_hashes.len * piece_length is smaller than total_length")
	}
	if (n-1)*m.PieceLength >= m.TotalLength {
		return invalid("(piece_hashes.len - 1) * piece_length is not smaller than total_length")
	}
	if len(m.AnnounceList) == 0 {
		return invalid("no usable tracker URL")
	}
	return nil
}

// parseAnnounceList builds the deduplicated, primary-first tracker list
// from "announce" and "announce-list".
func parseAnnounceList(root bencode.Value) ([]string, error) {
	seen := make(map[string]bool)
	var list []string

	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		list = append(list, u)
	}

	announce, hasAnnounce := root.DictGet("announce")
	if hasAnnounce && announce.Kind == bencode.KindString {
		add(announce.String())
	}

	if tiers, ok := root.DictGet("announce-list"); ok && tiers.Kind == bencode.KindList {
		for _, tier := range tiers.List {
			if tier.Kind != bencode.KindList {
				continue
			}
			for _, u := range tier.List {
				if u.Kind == bencode.KindString {
					add(u.String())
				}
			}
		}
	}

	if len(list) == 0 {
		return nil, invalid("neither \"announce\" nor \"announce-list\" yields a usable tracker URL")
	}
	return list, nil
}

func parseInfo(info bencode.Value) (name string, length, pieceLength int64, pieceHashes [][HashSize]byte, err error) {
	nameVal, ok := info.DictGet("name")
	if !ok || nameVal.Kind != bencode.KindString {
		return "", 0, 0, nil, invalid("info dictionary missing \"name\"")
	}
	name = nameVal.String()

	pieceLenVal, ok := info.DictGet("piece length")
	if !ok || pieceLenVal.Kind != bencode.KindInt || pieceLenVal.Int <= 0 {
		return "", 0, 0, nil, invalid("info dictionary missing a positive \"piece length\"")
	}
	pieceLength = pieceLenVal.Int

	piecesVal, ok := info.DictGet("pieces")
	if !ok || piecesVal.Kind != bencode.KindString {
		return "", 0, 0, nil, invalid("info dictionary missing \"pieces\"")
	}
	if len(piecesVal.Str)%HashSize != 0 {
		return "", 0, 0, nil, invalid(fmt.Sprintf("\"pieces\" length %d is not a multiple of %d", len(piecesVal.Str), HashSize))
	}
	pieceHashes = splitPieces(piecesVal.Str)

	if _, hasFiles := info.DictGet("files"); hasFiles {
		return "", 0, 0, nil, invalid("multi-file torrents are not supported")
	}

	lengthVal, ok := info.DictGet("length")
	if !ok || lengthVal.Kind != bencode.KindInt || lengthVal.Int <= 0 {
		return "", 0, 0, nil, invalid("info dictionary missing a positive \"length\" (single-file torrents only)")
	}
	length = lengthVal.Int

	return name, length, pieceLength, pieceHashes, nil
}

func splitPieces(raw []byte) [][HashSize]byte {
	out := make([][HashSize]byte, len(raw)/HashSize)
	for i := range out {
		copy(out[i][:], raw[i*HashSize:(i+1)*HashSize])
	}
	return out
}
