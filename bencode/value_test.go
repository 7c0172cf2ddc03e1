package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripScalars(t *testing.T) {
	cases := []Value{
		Int64(0),
		Int64(-1),
		Int64(57),
		Int64(-9223372036854775808),
		Bstring([]byte("hello")),
		Bstring([]byte("")),
	}
	for _, v := range cases {
		enc := Encode(v)
		got, rest, err := Decode(enc)
		require.NoError(t, err)
		assert.Empty(t, rest)
		assert.Equal(t, v, got)
	}
}

func TestDecodeDict(t *testing.T) {
	v, rest, err := Decode([]byte("d3:cow3:moo4:spam4:eggse"))
	require.NoError(t, err)
	assert.Empty(t, rest)
	require.Equal(t, KindDict, v.Kind)
	assert.Equal(t, "moo", string(v.Dict["cow"].Bytes))
	assert.Equal(t, "eggs", string(v.Dict["spam"].Bytes))

	reenc := Encode(v)
	assert.Equal(t, "d3:cow3:moo4:spam4:eggse", string(reenc))
}

func TestDecodeList(t *testing.T) {
	v, rest, err := Decode([]byte("li5ei10ei15ei20e7:bencodee"))
	require.NoError(t, err)
	assert.Empty(t, rest)
	require.Equal(t, KindList, v.Kind)
	require.Len(t, v.List, 5)
	assert.Equal(t, int64(5), v.List[0].Int)
	assert.Equal(t, "bencode", string(v.List[4].Bytes))
}

func TestCanonicalKeyOrderIndependentOfInsertOrder(t *testing.T) {
	v := Value{Kind: KindDict, Dict: map[string]Value{
		"zebra": Int64(1),
		"apple": Int64(2),
		"mango": Int64(3),
	}}
	assert.Equal(t, "d5:applei2e5:mangoi3e5:zebrai1ee", string(Encode(v)))
}

func TestDecodeRejectsLeadingZeroInteger(t *testing.T) {
	_, _, err := Decode([]byte("i03e"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestDecodeRejectsNegativeZero(t *testing.T) {
	_, _, err := Decode([]byte("i-0e"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestDecodeRejectsOutOfOrderKeys(t *testing.T) {
	_, _, err := Decode([]byte("d5:zebrai1e5:applei2ee"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyOrder)
}

func TestDecodeRejectsDuplicateKeys(t *testing.T) {
	_, _, err := Decode([]byte("d1:ai1e1:ai2ee"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyOrder)
}

func TestDecodeRejectsNonBytesKey(t *testing.T) {
	_, _, err := Decode([]byte("di1ei2ee"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotBytesKey)
}

func TestDecodeTruncated(t *testing.T) {
	for _, in := range []string{"i5", "5:abc", "l", "d", "d1:a"} {
		_, _, err := Decode([]byte(in))
		require.Error(t, err, in)
		assert.ErrorIs(t, err, ErrTruncated, in)
	}
}

func TestDecodeConsumesPrefixAndReturnsRest(t *testing.T) {
	v, rest, err := Decode([]byte("i1e4:tail"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Int)
	assert.Equal(t, "4:tail", string(rest))
}

func TestTrackerResponseExample(t *testing.T) {
	raw := "d8:intervali1800e5:peers6:\x7f\x00\x00\x01\x1a\xe1e"
	v, rest, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Empty(t, rest)
	interval, ok := DictGet(v, "interval")
	require.True(t, ok)
	assert.EqualValues(t, 1800, interval.Int)
	peers, ok := DictGet(v, "peers")
	require.True(t, ok)
	assert.Len(t, peers.Bytes, 6)
}
