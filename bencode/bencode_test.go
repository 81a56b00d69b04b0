package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-so/torrentcore/torrenterr"
)

func TestEncodeString(t *testing.T) {
	got := Encode(EncodeString([]byte("spam")))
	assert.Equal(t, "4:spam", string(got))
}

func TestEncodeInt(t *testing.T) {
	assert.Equal(t, "i42e", string(Encode(EncodeInt(42))))
	assert.Equal(t, "i-7e", string(Encode(EncodeInt(-7))))
	assert.Equal(t, "i0e", string(Encode(EncodeInt(0))))
}

func TestEncodeList(t *testing.T) {
	v := EncodeList([]Value{EncodeString([]byte("spam")), EncodeString([]byte("eggs"))})
	assert.Equal(t, "l4:spam4:eggse", string(Encode(v)))
}

// S2: dictionary keys are sorted on emit.
func TestEncodeDictSortsKeys(t *testing.T) {
	v := EncodeDict(map[string]Value{
		"cow":  EncodeString([]byte("moo")),
		"spam": EncodeString([]byte("eggs")),
	})
	assert.Equal(t, "d3:cow3:moo4:spam4:eggse", string(Encode(v)))
}

func TestDecodeInt(t *testing.T) {
	v, n, err := Decode([]byte("i0e"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, KindInt, v.Kind)
	assert.EqualValues(t, 0, v.Int)
}

// S1: decode("i-0e") fails.
func TestDecodeNegativeZeroFails(t *testing.T) {
	_, _, err := Decode([]byte("i-0e"))
	require.Error(t, err)
	var malformed *torrenterr.MalformedBencodeError
	assert.ErrorAs(t, err, &malformed)
}

func TestDecodeLeadingZeroFails(t *testing.T) {
	_, _, err := Decode([]byte("i042e"))
	require.Error(t, err)
}

func TestDecodeStringOutOfBounds(t *testing.T) {
	_, _, err := Decode([]byte("10:short"))
	require.Error(t, err)
}

func TestDecodeMissingColon(t *testing.T) {
	_, _, err := Decode([]byte("4spam"))
	require.Error(t, err)
}

func TestDecodeNonStringDictKey(t *testing.T) {
	_, _, err := Decode([]byte("di1ei2ee"))
	require.Error(t, err)
}

func TestDecodeDuplicateKeyRejected(t *testing.T) {
	_, _, err := Decode([]byte("d3:foo3:bar3:foo3:bazee"))
	require.Error(t, err)
}

func TestDecodeOutOfOrderKeyRejected(t *testing.T) {
	_, _, err := Decode([]byte("d4:spam4:eggs3:cow3:mooe"))
	require.Error(t, err)
}

// Invariant 4: decode(encode(v)) == v structurally for values the decoder
// can produce.
func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("i42e"),
		[]byte("4:spam"),
		[]byte("l4:spam4:eggse"),
		[]byte("d3:cow3:moo4:spam4:eggse"),
		[]byte("d4:infod4:name4:test12:piece lengthi16384e6:pieces0:ee"),
	}
	for _, raw := range cases {
		v, n, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, len(raw), n)
		reencoded := Encode(v)
		v2, _, err := Decode(reencoded)
		require.NoError(t, err)
		assert.Equal(t, normalize(v), normalize(v2))
	}
}

// Invariant 5: the byte range recorded for a sub-value reproduces its
// exact on-wire bytes.
func TestByteRangeCapturesExactBytes(t *testing.T) {
	raw := []byte("d4:infod4:name4:test12:piece lengthi16384e6:pieces0:ee8:announce8:foo:bare")
	root, _, err := Decode(raw)
	require.NoError(t, err)
	info, ok := root.DictGet("info")
	require.True(t, ok)
	infoBytes := raw[info.Start:info.End]
	reencoded := Encode(info)
	assert.Equal(t, string(infoBytes), string(reencoded))
}

// normalize strips byte ranges (which differ across independent decodes)
// so only the value tree is compared.
func normalize(v Value) Value {
	v.Start, v.End = 0, 0
	switch v.Kind {
	case KindList:
		out := make([]Value, len(v.List))
		for i, item := range v.List {
			out[i] = normalize(item)
		}
		v.List = out
	case KindDict:
		out := make(map[string]Value, len(v.Dict))
		for k, item := range v.Dict {
			out[k] = normalize(item)
		}
		v.Dict = out
	}
	return v
}
