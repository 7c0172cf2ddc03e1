// Package resume persists and reloads download progress across
// process restarts (SPEC_FULL.md §2/§3 SUPPLEMENT, component C8). A
// resume record is a small bencoded sidecar file next to the
// destination: it records which torrent it belongs to (by info-hash,
// so a stale sidecar from a different torrent is never applied) and
// which pieces are already verified on disk.
package resume

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/stupidafcoder/goleech/bencode"
	"github.com/stupidafcoder/goleech/bitfield"
)

// Suffix is appended to the destination file path to name its sidecar.
const Suffix = ".goleech-resume"

// Record is the on-disk resume state for one torrent download.
type Record struct {
	InfoHash [20]byte
	Have     bitfield.Bitfield
}

// PathFor returns the sidecar path for a given download destination.
func PathFor(destPath string) string {
	return destPath + Suffix
}

// Load reads and validates a resume sidecar. It returns ok=false, with
// no error, when no sidecar exists yet (a fresh download): any other
// failure to read or parse an existing sidecar is a real error, since a
// corrupt resume file must not be silently treated as "start over" and
// risk a truncated write clobbering good data.
func Load(path string, wantInfoHash [20]byte, numPieces int) (Record, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, errors.Wrap(err, "resume: reading sidecar")
	}

	v, rest, err := bencode.Decode(raw)
	if err != nil {
		return Record{}, false, errors.Wrap(err, "resume: decoding sidecar")
	}
	if len(rest) != 0 {
		return Record{}, false, fmt.Errorf("resume: %d trailing bytes in sidecar", len(rest))
	}
	if v.Kind != bencode.KindDict {
		return Record{}, false, fmt.Errorf("resume: sidecar top level is not a dict")
	}

	hashVal, ok := bencode.DictGet(v, "info hash")
	if !ok || hashVal.Kind != bencode.KindBytes || len(hashVal.Bytes) != 20 {
		return Record{}, false, fmt.Errorf("resume: missing or malformed 'info hash'")
	}
	haveVal, ok := bencode.DictGet(v, "have")
	if !ok || haveVal.Kind != bencode.KindBytes {
		return Record{}, false, fmt.Errorf("resume: missing or malformed 'have'")
	}

	var rec Record
	copy(rec.InfoHash[:], hashVal.Bytes)
	rec.Have = bitfield.Bitfield(append([]byte(nil), haveVal.Bytes...))

	if rec.InfoHash != wantInfoHash {
		// Sidecar belongs to a different torrent at this path; ignore it
		// rather than mixing unrelated progress into this download.
		return Record{}, false, nil
	}
	if !rec.Have.ValidForPieceCount(numPieces) {
		return Record{}, false, fmt.Errorf("resume: sidecar bitfield does not match piece count %d", numPieces)
	}
	return rec, true, nil
}

// Save writes rec to path, replacing any existing sidecar atomically
// (write to a temp file, then rename) so a crash mid-write never leaves
// a half-written sidecar that Load would reject on the next run.
func Save(path string, rec Record) error {
	v := bencode.Value{
		Kind: bencode.KindDict,
		Dict: map[string]bencode.Value{
			"info hash": bencode.Bstring(rec.InfoHash[:]),
			"have":      bencode.Bstring([]byte(rec.Have)),
		},
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, bencode.Encode(v), 0o644); err != nil {
		return errors.Wrap(err, "resume: writing temp sidecar")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "resume: renaming temp sidecar into place")
	}
	return nil
}

// Remove deletes the sidecar at path, if present. Called once a
// download completes, since a finished torrent has nothing left to
// resume.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "resume: removing sidecar")
	}
	return nil
}
