package metainfo

import (
	"crypto/sha1"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleFileTorrent(name string, content []byte, pieceLength int) string {
	hash := sha1.Sum(content)
	var sb strings.Builder
	sb.WriteString("d8:announce16:http://tracker/x4:infod")
	sb.WriteString("6:lengthi")
	sb.WriteString(itoa(len(content)))
	sb.WriteString("e4:name")
	sb.WriteString(itoa(len(name)))
	sb.WriteString(":")
	sb.WriteString(name)
	sb.WriteString("12:piece lengthi")
	sb.WriteString(itoa(pieceLength))
	sb.WriteString("e6:pieces20:")
	sb.Write(hash[:])
	sb.WriteString("ee")
	return sb.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestParseSingleFileTorrent(t *testing.T) {
	content := []byte("abc")
	raw := singleFileTorrent("a", content, 3)
	tor, err := Parse(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "a", tor.Name)
	assert.EqualValues(t, 3, tor.TotalLength)
	assert.EqualValues(t, 3, tor.PieceLength)
	require.Len(t, tor.PieceHashes, 1)
	assert.Equal(t, sha1.Sum(content), tor.PieceHashes[0])
	require.Len(t, tor.Files, 1)
	assert.Equal(t, []string{"a"}, tor.Files[0].Path)
}

func TestInfoHashIsStableAcrossRepeatedParses(t *testing.T) {
	raw := "d8:announce1:x4:infod6:lengthi3e4:name1:a12:piece lengthi3e6:pieces20:12345678901234567890ee"
	torA, err := Parse(strings.NewReader(raw))
	require.NoError(t, err)
	torB, err := Parse(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, torA.InfoHash, torB.InfoHash)
	assert.NotEqual(t, [20]byte{}, torA.InfoHash)
}

func TestPieceLenGuardsExactMultiple(t *testing.T) {
	tor := &Torrent{PieceLength: 10, TotalLength: 20, PieceHashes: make([][20]byte, 2)}
	assert.EqualValues(t, 10, tor.PieceLen(0))
	assert.EqualValues(t, 10, tor.PieceLen(1)) // exact multiple: full piece length, not 0
}

func TestPieceLenShortFinalPiece(t *testing.T) {
	tor := &Torrent{PieceLength: 10, TotalLength: 25, PieceHashes: make([][20]byte, 3)}
	assert.EqualValues(t, 10, tor.PieceLen(0))
	assert.EqualValues(t, 10, tor.PieceLen(1))
	assert.EqualValues(t, 5, tor.PieceLen(2))
}

func TestParseMultiFile(t *testing.T) {
	raw := "d8:announce1:x4:infod5:filesld6:lengthi3e4:pathl1:aeed6:lengthi4e4:pathl1:beee4:name3:dir12:piece lengthi10e6:pieces20:01234567890123456789ee"
	tor, err := Parse(strings.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, tor.Files, 2)
	assert.EqualValues(t, 3, tor.Files[0].Length)
	assert.EqualValues(t, 4, tor.Files[1].Length)
	assert.EqualValues(t, 7, tor.TotalLength)
}

func TestParseRejectsBadPiecesLength(t *testing.T) {
	raw := "d8:announce1:x4:infod6:lengthi1e4:name1:a12:piece lengthi1e6:pieces5:abcdee"
	_, err := Parse(strings.NewReader(raw))
	require.Error(t, err)
}
