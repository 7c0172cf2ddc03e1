// Package metainfo parses .torrent files into an immutable Torrent
// descriptor and computes the 20-byte info-hash that identifies a
// torrent to trackers and peers.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/stupidafcoder/goleech/bencode"
)

const hashLen = 20

// FileEntry describes one file within the torrent's content, in the
// order it appears in the metainfo. Single-file mode produces exactly
// one FileEntry whose Path is []string{Name}.
type FileEntry struct {
	Path   []string
	Length int64
}

// Torrent is the immutable, fully-parsed metainfo descriptor shared
// read-only across the whole session.
type Torrent struct {
	InfoHash    [hashLen]byte
	Announce    string
	PieceLength int64
	TotalLength int64
	PieceHashes [][hashLen]byte
	Name        string
	Files       []FileEntry
}

// NumPieces returns the number of pieces described by PieceHashes.
func (t *Torrent) NumPieces() int {
	return len(t.PieceHashes)
}

// PieceBounds returns the half-open byte range [begin, end) of piece
// index within the concatenated content, clamped to TotalLength for
// the final (possibly short) piece.
func (t *Torrent) PieceBounds(index int) (begin, end int64) {
	begin = int64(index) * t.PieceLength
	end = begin + t.PieceLength
	if end > t.TotalLength {
		end = t.TotalLength
	}
	return begin, end
}

// PieceLen returns the length in bytes of piece index, guarding the
// "total_size mod piece_length == 0" edge case explicitly: when the
// content size is an exact multiple of the piece length, the final
// piece is a full PieceLength, not zero.
func (t *Torrent) PieceLen(index int) int64 {
	begin, end := t.PieceBounds(index)
	return end - begin
}

// Open reads and parses a .torrent file from path.
func Open(path string) (*Torrent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: opening torrent file")
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a metainfo dict from r and builds a Torrent.
func Parse(r io.Reader) (*Torrent, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: reading torrent file")
	}
	top, rest, err := bencode.Decode(raw)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: decoding top-level dict")
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("metainfo: %d trailing bytes after top-level dict", len(rest))
	}
	if top.Kind != bencode.KindDict {
		return nil, fmt.Errorf("metainfo: top-level value is not a dict")
	}

	announceVal, ok := bencode.DictGet(top, "announce")
	if !ok || announceVal.Kind != bencode.KindBytes {
		return nil, fmt.Errorf("metainfo: missing or malformed 'announce'")
	}

	infoVal, ok := bencode.DictGet(top, "info")
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, fmt.Errorf("metainfo: missing or malformed 'info' dict")
	}

	t, err := parseInfo(infoVal)
	if err != nil {
		return nil, err
	}
	t.Announce = string(announceVal.Bytes)
	t.InfoHash = sha1.Sum(bencode.Encode(infoVal))
	return t, nil
}

func parseInfo(info bencode.Value) (*Torrent, error) {
	nameVal, ok := bencode.DictGet(info, "name")
	if !ok || nameVal.Kind != bencode.KindBytes {
		return nil, fmt.Errorf("metainfo: missing or malformed 'info.name'")
	}

	plVal, ok := bencode.DictGet(info, "piece length")
	if !ok || plVal.Kind != bencode.KindInt || plVal.Int <= 0 {
		return nil, fmt.Errorf("metainfo: missing or non-positive 'info.piece length'")
	}

	piecesVal, ok := bencode.DictGet(info, "pieces")
	if !ok || piecesVal.Kind != bencode.KindBytes {
		return nil, fmt.Errorf("metainfo: missing or malformed 'info.pieces'")
	}
	if len(piecesVal.Bytes)%hashLen != 0 {
		return nil, fmt.Errorf("metainfo: 'info.pieces' length %d is not a multiple of %d", len(piecesVal.Bytes), hashLen)
	}
	numPieces := len(piecesVal.Bytes) / hashLen
	pieceHashes := make([][hashLen]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(pieceHashes[i][:], piecesVal.Bytes[i*hashLen:(i+1)*hashLen])
	}

	t := &Torrent{
		PieceLength: plVal.Int,
		PieceHashes: pieceHashes,
		Name:        string(nameVal.Bytes),
	}

	filesVal, isMultiFile := bencode.DictGet(info, "files")
	if isMultiFile {
		files, total, err := parseFiles(filesVal)
		if err != nil {
			return nil, err
		}
		t.Files = files
		t.TotalLength = total
		return t, nil
	}

	lengthVal, ok := bencode.DictGet(info, "length")
	if !ok || lengthVal.Kind != bencode.KindInt || lengthVal.Int < 0 {
		return nil, fmt.Errorf("metainfo: single-file mode requires non-negative 'info.length'")
	}
	t.TotalLength = lengthVal.Int
	t.Files = []FileEntry{{Path: []string{t.Name}, Length: lengthVal.Int}}
	return t, nil
}

// parseFiles implements the multi-file extension (SPEC_FULL §4.2):
// info.files is a list of dicts, each with 'length' and a 'path' list
// of path-segment byte strings. Total length is the sum of file
// lengths; file content is laid out sequentially in listed order.
func parseFiles(filesVal bencode.Value) ([]FileEntry, int64, error) {
	if filesVal.Kind != bencode.KindList {
		return nil, 0, fmt.Errorf("metainfo: 'info.files' is not a list")
	}
	files := make([]FileEntry, 0, len(filesVal.List))
	var total int64
	for i, fv := range filesVal.List {
		if fv.Kind != bencode.KindDict {
			return nil, 0, fmt.Errorf("metainfo: 'info.files[%d]' is not a dict", i)
		}
		lengthVal, ok := bencode.DictGet(fv, "length")
		if !ok || lengthVal.Kind != bencode.KindInt || lengthVal.Int < 0 {
			return nil, 0, fmt.Errorf("metainfo: 'info.files[%d].length' missing or invalid", i)
		}
		pathVal, ok := bencode.DictGet(fv, "path")
		if !ok || pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
			return nil, 0, fmt.Errorf("metainfo: 'info.files[%d].path' missing or empty", i)
		}
		segs := make([]string, len(pathVal.List))
		for j, seg := range pathVal.List {
			if seg.Kind != bencode.KindBytes {
				return nil, 0, fmt.Errorf("metainfo: 'info.files[%d].path[%d]' is not a byte string", i, j)
			}
			segs[j] = string(seg.Bytes)
		}
		files = append(files, FileEntry{Path: segs, Length: lengthVal.Int})
		total += lengthVal.Int
	}
	return files, total, nil
}
