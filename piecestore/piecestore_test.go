package piecestore

import (
	"crypto/sha1"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-so/torrentcore/metainfo"
	"github.com/caldera-so/torrentcore/torrenterr"
)

func testMeta(t *testing.T, pieceLength int64, totalLength int64, data []byte) *metainfo.TorrentMeta {
	t.Helper()
	count := int((totalLength + pieceLength - 1) / pieceLength)
	hashes := make([][metainfo.HashSize]byte, count)
	for i := 0; i < count; i++ {
		start := int64(i) * pieceLength
		end := start + pieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		hashes[i] = sha1.Sum(data[start:end])
	}
	return &metainfo.TorrentMeta{
		PieceHashes:  hashes,
		PieceLength:  pieceLength,
		TotalLength:  totalLength,
		FileName:     "out.bin",
		AnnounceList: []string{"http://tracker.example/announce"},
	}
}

// S6: a 49152-byte piece arrives as three 16 KiB blocks out of order;
// once all arrive with a matching digest, AddBlock reports Completed
// with the bytes in offset order.
func TestAddBlockOutOfOrderAssembly(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 49152)
	for i := range data {
		data[i] = byte(i)
	}
	meta := testMeta(t, 49152, 49152, data)
	s, err := New(meta, dir)
	require.NoError(t, err)

	c, _, err := s.AddBlock(0, 32768, data[32768:49152])
	require.NoError(t, err)
	assert.Equal(t, InProgress, c)

	c, _, err = s.AddBlock(0, 0, data[0:16384])
	require.NoError(t, err)
	assert.Equal(t, InProgress, c)

	c, assembled, err := s.AddBlock(0, 16384, data[16384:32768])
	require.NoError(t, err)
	require.Equal(t, Completed, c)
	assert.Equal(t, data, assembled)
}

// S6 continued: a corrupted third block fails the digest, the piece
// resets, and a subsequent correct re-download succeeds.
func TestAddBlockCorruptionThenRetry(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 49152)
	for i := range data {
		data[i] = byte(i)
	}
	meta := testMeta(t, 49152, 49152, data)
	s, err := New(meta, dir)
	require.NoError(t, err)

	_, _, err = s.AddBlock(0, 0, data[0:16384])
	require.NoError(t, err)
	_, _, err = s.AddBlock(0, 16384, data[16384:32768])
	require.NoError(t, err)

	corrupted := make([]byte, 16384)
	copy(corrupted, data[32768:49152])
	corrupted[0] ^= 0xFF
	c, _, err := s.AddBlock(0, 32768, corrupted)
	var mismatch *torrenterr.PieceHashMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 0, mismatch.Index)
	assert.Equal(t, Failed, c)

	_, _, err = s.AddBlock(0, 0, data[0:16384])
	require.NoError(t, err)
	_, _, err = s.AddBlock(0, 16384, data[16384:32768])
	require.NoError(t, err)
	c, assembled, err := s.AddBlock(0, 32768, data[32768:49152])
	require.NoError(t, err)
	require.Equal(t, Completed, c)
	assert.Equal(t, data, assembled)
}

func TestAddBlockToCompletedPieceIsAlreadyCompleted(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 16384)
	meta := testMeta(t, 16384, 16384, data)
	s, err := New(meta, dir)
	require.NoError(t, err)

	c, _, err := s.AddBlock(0, 0, data)
	require.NoError(t, err)
	require.Equal(t, Completed, c)

	c, _, err = s.AddBlock(0, 0, data)
	require.NoError(t, err)
	assert.Equal(t, AlreadyCompleted, c)
}

// completed and requested must never both hold once AddBlock returns.
func TestAddBlockClearsRequestedOnCompletion(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 16384)
	meta := testMeta(t, 16384, 16384, data)
	s, err := New(meta, dir)
	require.NoError(t, err)

	idx := s.NextSequential()
	require.Equal(t, 0, idx)
	require.True(t, s.pieces[idx].requested)

	c, _, err := s.AddBlock(idx, 0, data)
	require.NoError(t, err)
	require.Equal(t, Completed, c)
	assert.False(t, s.pieces[idx].requested)
	assert.True(t, s.pieces[idx].completed)
}

func TestAddBlockOutOfRangeRejected(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 16384)
	meta := testMeta(t, 16384, 16384, data)
	s, err := New(meta, dir)
	require.NoError(t, err)

	_, _, err = s.AddBlock(0, 16000, make([]byte, 1000))
	require.Error(t, err)
}

func TestRarestPrefersLeastAvailablePiece(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 2*16384)
	meta := testMeta(t, 16384, 2*16384, data)
	s, err := New(meta, dir)
	require.NoError(t, err)

	// piece 0 advertised by two peers, piece 1 by one: piece 1 is rarer.
	s.RegisterBitfield(func(i int) bool { return true })
	s.RegisterBitfield(func(i int) bool { return i == 0 })

	got := s.Rarest(func(i int) bool { return true })
	assert.Equal(t, 1, got)
}

func TestRarestFallsBackToSequentialWhenNoAdvertisedIdlePiece(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 2*16384)
	meta := testMeta(t, 16384, 2*16384, data)
	s, err := New(meta, dir)
	require.NoError(t, err)

	got := s.Rarest(func(i int) bool { return false })
	assert.Equal(t, 0, got)
}

func TestResetReturnsPieceToIdle(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 16384)
	meta := testMeta(t, 16384, 16384, data)
	s, err := New(meta, dir)
	require.NoError(t, err)

	idx := s.NextSequential()
	require.Equal(t, 0, idx)
	s.Reset(idx)

	assert.Equal(t, 0, s.NextSequential())
}

func TestPersistWritesAtPieceOffsetAndCompletionClosesFile(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 2*16384)
	for i := range data {
		data[i] = byte(i % 251)
	}
	meta := testMeta(t, 16384, 2*16384, data)
	s, err := New(meta, dir)
	require.NoError(t, err)

	_, p0, err := s.AddBlock(0, 0, data[0:16384])
	require.NoError(t, err)
	require.NoError(t, s.Persist(0, p0))
	assert.False(t, s.IsComplete())

	_, p1, err := s.AddBlock(1, 0, data[16384:32768])
	require.NoError(t, err)
	require.NoError(t, s.Persist(1, p1))
	assert.True(t, s.IsComplete())
	assert.ErrorIs(t, s.file.Close(), os.ErrClosed)

	written, err := os.ReadFile(dir + "/out.bin")
	require.NoError(t, err)
	assert.Equal(t, data, written)
}
