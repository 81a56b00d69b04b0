package metainfo

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTorrent assembles a minimal well-formed single-file .torrent byte
// stream for a given info-dict payload.
func buildTorrent(infoDict string, announce string) []byte {
	return []byte("d8:announce" + lenPrefix(announce) + announce + "4:info" + infoDict + "e")
}

func lenPrefix(s string) string {
	return itoa(len(s)) + ":"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func singleFileInfo(name string, pieceLength int, pieces string, length int) string {
	return "d6:lengthi" + itoa(length) + "e" +
		"4:name" + lenPrefix(name) + name +
		"12:piece lengthi" + itoa(pieceLength) + "e" +
		"6:pieces" + lenPrefix(pieces) + pieces +
		"e"
}

func TestParseValidSingleFileTorrent(t *testing.T) {
	pieceA := string(make([]byte, HashSize))
	raw := buildTorrent(singleFileInfo("file.bin", 16384, pieceA, 10), "http://tracker.example/announce")

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "file.bin", m.FileName)
	assert.EqualValues(t, 16384, m.PieceLength)
	assert.EqualValues(t, 10, m.TotalLength)
	assert.Equal(t, 1, m.PieceCount())
	assert.Equal(t, []string{"http://tracker.example/announce"}, m.AnnounceList)
}

// S3: info_hash equals SHA1 of the info sub-value's raw bytes.
func TestInfoHashMatchesRawInfoBytes(t *testing.T) {
	info := singleFileInfo("x.bin", 16384, string(make([]byte, HashSize)), 5)
	raw := buildTorrent(info, "http://tracker.example/announce")

	m, err := Parse(raw)
	require.NoError(t, err)
	want := sha1.Sum([]byte(info))
	assert.Equal(t, want, m.InfoHash)
}

func TestMissingPiecesRejected(t *testing.T) {
	info := "d6:lengthi5e4:name5:a.bin12:piece lengthi16384ee"
	raw := buildTorrent(info, "http://tracker.example/announce")
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestPiecesLengthNotMultipleOf20Rejected(t *testing.T) {
	info := singleFileInfo("x.bin", 16384, "short", 5)
	raw := buildTorrent(info, "http://tracker.example/announce")
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestMultiFileTorrentRejected(t *testing.T) {
	info := "d5:filesld6:lengthi5e4:pathl5:a.binee" +
		"e4:name3:dir12:piece lengthi16384e6:pieces" + lenPrefix(string(make([]byte, HashSize))) + string(make([]byte, HashSize)) + "e"
	raw := buildTorrent(info, "http://tracker.example/announce")
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestAnnounceListDedupedPrimaryFirst(t *testing.T) {
	info := singleFileInfo("x.bin", 16384, string(make([]byte, HashSize)), 5)
	primary := "http://primary.example/announce"
	secondary := "http://secondary.example/announce"
	raw := []byte("d" +
		"8:announce" + lenPrefix(primary) + primary +
		"13:announce-list" +
		"l" + "l" + lenPrefix(primary) + primary + "e" +
		"l" + lenPrefix(secondary) + secondary + "e" +
		"e" +
		"4:info" + info +
		"e")
	m, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, m.AnnounceList, 2)
	assert.Equal(t, "http://primary.example/announce", m.AnnounceList[0])
	assert.Equal(t, "http://secondary.example/announce", m.AnnounceList[1])
}

func TestLastPieceSizeDerivedFromTotalLength(t *testing.T) {
	twoHashes := string(make([]byte, 2*HashSize))
	info := singleFileInfo("x.bin", 16384, twoHashes, 16384+100)
	raw := buildTorrent(info, "http://tracker.example/announce")
	m, err := Parse(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 16384, m.PieceSize(0))
	assert.EqualValues(t, 100, m.PieceSize(1))
}
