// Package piecemgr implements the shared, mutex-guarded scheduler of
// spec.md §4.5: it decides which block each peer should request next,
// tracks outstanding requests for stall detection, verifies completed
// pieces against their SHA-1, and commits them to the backing file.
//
// A Manager is the single shared mutable resource in a session; every
// peer connection goroutine calls its exported methods under the
// manager's own lock instead of synchronizing some other way (spec.md
// §5).
package piecemgr

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/stupidafcoder/goleech/bitfield"
	"github.com/stupidafcoder/goleech/metainfo"
)

// BlockSize is the fixed block length of 2^14 bytes (spec.md §3),
// except possibly the final block of the final piece.
const BlockSize = 1 << 14

// ErrFatalIO marks a backing-file write failure as unrecoverable: it
// means a verified piece cannot be durably committed to disk at all,
// unlike a peer going away or sending a bad block, so the caller must
// abort the whole session instead of dropping one peer and continuing
// (spec.md §7). Wrap with errors.Is against this sentinel to tell the
// two cases apart.
var ErrFatalIO = errors.New("piecemgr: fatal backing-file I/O error")

// maxPendingTime is how long a Pending block is given to arrive before
// it is considered stalled and re-offered to any other peer holding
// its piece (spec.md §4.5 tier 1).
const maxPendingTime = 300 * time.Second

var debugLog = log.New(io.Discard, "", 0)

// SetVerbose toggles piecemgr's debug logging, matching the teacher's
// per-package verbosity switch (torrent.SetVerbose in GoRent).
func SetVerbose(v bool) {
	if v {
		debugLog = log.New(os.Stderr, "[piecemgr] ", log.LstdFlags)
	} else {
		debugLog = log.New(io.Discard, "", 0)
	}
}

// PeerID is the 20-byte peer identifier used as the Peer-record key.
type PeerID [20]byte

// BlockStatus is a Block's place in its lifecycle.
type BlockStatus int

const (
	BlockMissing BlockStatus = iota
	BlockPending
	BlockRetrieved
)

// Block is the addressable unit of transfer within a Piece.
type Block struct {
	Index  int // piece index
	Begin  int // byte offset within the piece
	Length int
	Status BlockStatus
	Data   []byte // present iff Status == BlockRetrieved
}

// pieceState is which of the three top-level collections a Piece lives in.
type pieceState int

const (
	stateMissing pieceState = iota
	stateOngoing
	stateHave
)

// Piece is a fixed-size (except possibly the last) chunk of content
// plus its expected hash and ordered blocks.
type Piece struct {
	Index  int
	Blocks []*Block
	Hash   [20]byte
	state  pieceState
}

func (p *Piece) complete() bool {
	for _, b := range p.Blocks {
		if b.Status != BlockRetrieved {
			return false
		}
	}
	return true
}

func (p *Piece) concatData() []byte {
	buf := make([]byte, 0, blocksLength(p.Blocks))
	for _, b := range p.Blocks {
		buf = append(buf, b.Data...)
	}
	return buf
}

func blocksLength(blocks []*Block) int {
	n := 0
	for _, b := range blocks {
		n += b.Length
	}
	return n
}

func (p *Piece) resetBlocks() {
	for _, b := range p.Blocks {
		b.Status = BlockMissing
		b.Data = nil
	}
}

type pendingRequest struct {
	block   *Block
	addedAt time.Time
}

// Manager owns all piece/block bookkeeping for one torrent and is safe
// for concurrent use by many peer-connection goroutines.
type Manager struct {
	mu sync.Mutex

	torrent *metainfo.Torrent
	file    *os.File

	pieces  []*Piece // indexed by piece index; state field says which collection it's logically in
	missing map[int]bool
	ongoing map[int]bool
	have    map[int]bool

	pending []*pendingRequest

	peers map[PeerID]bitfield.Bitfield

	downloaded uint64

	now func() time.Time // overridable for tests
}

// New partitions t's pieces into 2^14-byte blocks, opens (creating if
// necessary) the backing file at filePath, and returns a Manager with
// every piece in Missing.
func New(t *metainfo.Torrent, filePath string) (*Manager, error) {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "piecemgr: opening backing file")
	}

	m := &Manager{
		torrent: t,
		file:    f,
		pieces:  make([]*Piece, t.NumPieces()),
		missing: make(map[int]bool),
		ongoing: make(map[int]bool),
		have:    make(map[int]bool),
		peers:   make(map[PeerID]bitfield.Bitfield),
		now:     time.Now,
	}
	for i := range m.pieces {
		m.pieces[i] = &Piece{
			Index:  i,
			Blocks: partitionBlocks(i, t.PieceLen(i)),
			Hash:   t.PieceHashes[i],
			state:  stateMissing,
		}
		m.missing[i] = true
	}
	return m, nil
}

// partitionBlocks splits a piece of the given length into BlockSize
// blocks, with a possibly-shorter final block. pieceLen is guarded
// against being zero from an exact-multiple total size by the caller
// (metainfo.Torrent.PieceLen already returns a full piece length in
// that case, never zero, per spec.md §9's open question).
func partitionBlocks(pieceIndex int, pieceLen int64) []*Block {
	var blocks []*Block
	var begin int64
	for begin < pieceLen {
		length := int64(BlockSize)
		if pieceLen-begin < length {
			length = pieceLen - begin
		}
		blocks = append(blocks, &Block{
			Index:  pieceIndex,
			Begin:  int(begin),
			Length: int(length),
			Status: BlockMissing,
		})
		begin += length
	}
	return blocks
}

// AdoptResumeState marks every piece bf claims as already Have,
// without re-verifying it against disk (SPEC_FULL.md §2/§3 SUPPLEMENT,
// component C8): the resume sidecar is only ever written after a piece
// passed the same SHA-1 check BlockReceived performs, so trusting it
// here avoids re-hashing the whole file on every restart. Must be
// called before any peer is added or any request issued.
func (m *Manager) AdoptResumeState(bf bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, piece := range m.pieces {
		if !bf.HasPiece(i) {
			continue
		}
		delete(m.missing, i)
		delete(m.ongoing, i)
		m.have[i] = true
		piece.state = stateHave
		for _, b := range piece.Blocks {
			b.Status = BlockRetrieved
			b.Data = nil
		}
		m.downloaded += uint64(blocksLength(piece.Blocks))
	}
}

// HaveBitfield returns a snapshot bitfield of every verified piece, in
// the wire/resume-record packed form.
func (m *Manager) HaveBitfield() bitfield.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()
	bf := bitfield.New(len(m.pieces))
	for i := range m.pieces {
		if m.have[i] {
			bf.SetPiece(i)
		}
	}
	return bf
}

// AddPeer registers peerID's bitfield (spec.md §4.5 add_peer).
func (m *Manager) AddPeer(peerID PeerID, bf bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[peerID] = bf
}

// UpdatePeer sets bit pieceIndex in peerID's bitfield; a no-op with a
// warning if the peer is unknown (spec.md §4.5 update_peer).
func (m *Manager) UpdatePeer(peerID PeerID, pieceIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bf, ok := m.peers[peerID]
	if !ok {
		debugLog.Printf("update_peer: unknown peer %x", peerID)
		return
	}
	bf.SetPiece(pieceIndex)
}

// NeedsAnyOf reports whether peerBF claims at least one piece this
// manager has not yet verified (missing or still ongoing) — the signal
// a caller uses to decide whether to declare Interested in a peer
// (spec.md §4.4's choke/interest transitions).
func (m *Manager) NeedsAnyOf(peerBF bitfield.Bitfield) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx := range m.missing {
		if peerBF.HasPiece(idx) {
			return true
		}
	}
	for idx := range m.ongoing {
		if peerBF.HasPiece(idx) {
			return true
		}
	}
	return false
}

// RemovePeer drops peerID's bitfield (spec.md §4.5 remove_peer). Its
// Pending blocks are left in place; they are reclaimed by the
// expiration path (tier 1) the next time any other peer holding those
// pieces calls NextRequest.
func (m *Manager) RemovePeer(peerID PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerID)
}

// NextRequest is the scheduler entry point (spec.md §4.5): it returns
// the next Block peerID should request, or nil if nothing is
// available right now.
func (m *Manager) NextRequest(peerID PeerID) *Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	peerBF, ok := m.peers[peerID]
	if !ok {
		return nil
	}

	if b := m.expiredForPeer(peerBF); b != nil {
		return b
	}
	if b := m.continueOngoing(peerBF); b != nil {
		return b
	}
	return m.startRarest(peerBF)
}

// tier 1: expired retransmission.
func (m *Manager) expiredForPeer(peerBF bitfield.Bitfield) *Block {
	now := m.now()
	for _, pr := range m.pending {
		if !peerBF.HasPiece(pr.block.Index) {
			continue
		}
		if now.Sub(pr.addedAt) < maxPendingTime {
			continue
		}
		pr.addedAt = now
		return pr.block
	}
	return nil
}

// tier 2: continue an ongoing piece the peer has.
func (m *Manager) continueOngoing(peerBF bitfield.Bitfield) *Block {
	for _, idx := range sortedKeys(m.ongoing) {
		if !peerBF.HasPiece(idx) {
			continue
		}
		piece := m.pieces[idx]
		if b := m.takeNextMissingBlock(piece); b != nil {
			return b
		}
	}
	return nil
}

// tier 3: rarest-first start among missing pieces the peer has.
func (m *Manager) startRarest(peerBF bitfield.Bitfield) *Block {
	bestIdx := -1
	bestCount := -1
	for _, idx := range sortedKeys(m.missing) {
		if !peerBF.HasPiece(idx) {
			continue
		}
		count := m.peerCountHolding(idx)
		if bestIdx == -1 || count < bestCount {
			bestIdx, bestCount = idx, count
		}
	}
	if bestIdx == -1 {
		return nil
	}

	delete(m.missing, bestIdx)
	m.ongoing[bestIdx] = true
	m.pieces[bestIdx].state = stateOngoing

	return m.takeNextMissingBlock(m.pieces[bestIdx])
}

func (m *Manager) peerCountHolding(pieceIndex int) int {
	count := 0
	for _, bf := range m.peers {
		if bf.HasPiece(pieceIndex) {
			count++
		}
	}
	return count
}

func (m *Manager) takeNextMissingBlock(piece *Piece) *Block {
	for _, b := range piece.Blocks {
		if b.Status == BlockMissing {
			b.Status = BlockPending
			m.pending = append(m.pending, &pendingRequest{block: b, addedAt: m.now()})
			return b
		}
	}
	return nil
}

func sortedKeys(m map[int]bool) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// BlockReceived registers the arrival of a block from peerID,
// possibly completing and verifying its piece (spec.md §4.5
// block_received).
func (m *Manager) BlockReceived(peerID PeerID, pieceIndex, begin int, data []byte) error {
	m.mu.Lock()
	m.removePending(pieceIndex, begin)

	if !m.ongoing[pieceIndex] {
		// Late arrival after the piece already completed (or was never
		// requested from this manager) — discard per spec.md §4.5 step 2.
		m.mu.Unlock()
		debugLog.Printf("block_received: discarding late block piece=%d begin=%d", pieceIndex, begin)
		return nil
	}

	piece := m.pieces[pieceIndex]
	block := findBlock(piece, begin)
	if block == nil {
		m.mu.Unlock()
		return fmt.Errorf("piecemgr: no block at piece %d begin %d", pieceIndex, begin)
	}
	if block.Status == BlockRetrieved {
		// Two peers raced to deliver the same block; the second is a
		// silent duplicate (spec.md §5 and testable scenario 6).
		m.mu.Unlock()
		return nil
	}
	if len(data) != block.Length {
		m.mu.Unlock()
		return fmt.Errorf("piecemgr: block piece %d begin %d expected %d bytes, got %d", pieceIndex, begin, block.Length, len(data))
	}
	block.Status = BlockRetrieved
	block.Data = append([]byte(nil), data...)

	if !piece.complete() {
		m.mu.Unlock()
		return nil
	}

	// Verification is synchronous with completion (invariant, spec.md §4.5).
	content := piece.concatData()
	gotHash := sha1.Sum(content)
	if !bytes.Equal(gotHash[:], piece.Hash[:]) {
		piece.resetBlocks()
		debugLog.Printf("block_received: hash mismatch on piece %d, resetting", pieceIndex)
		m.mu.Unlock()
		return nil
	}

	offset := int64(pieceIndex) * m.torrent.PieceLength
	file := m.file
	m.mu.Unlock()

	// The piece write is the one long-running operation and is done
	// outside the lock (spec.md §5); we re-acquire to transition state.
	if _, err := file.WriteAt(content, offset); err != nil {
		return errors.Wrapf(ErrFatalIO, "writing piece %d to backing file: %v", pieceIndex, err)
	}

	m.mu.Lock()
	delete(m.ongoing, pieceIndex)
	m.have[pieceIndex] = true
	piece.state = stateHave
	for _, b := range piece.Blocks {
		b.Data = nil // memory reclaim, spec.md §9
	}
	m.downloaded += uint64(len(content))
	m.mu.Unlock()

	debugLog.Printf("piece %d complete and verified (%d/%d)", pieceIndex, len(m.have), len(m.pieces))
	return nil
}

func (m *Manager) removePending(pieceIndex, begin int) {
	for i, pr := range m.pending {
		if pr.block.Index == pieceIndex && pr.block.Begin == begin {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

func findBlock(piece *Piece, begin int) *Block {
	for _, b := range piece.Blocks {
		if b.Begin == begin {
			return b
		}
	}
	return nil
}

// Complete reports whether every piece has been verified and written.
func (m *Manager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.have) == len(m.pieces)
}

// BytesDownloaded returns the number of verified content bytes written
// so far.
func (m *Manager) BytesDownloaded() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloaded
}

// BytesUploaded is always 0: seeding is out of scope (spec.md §1).
func (m *Manager) BytesUploaded() uint64 {
	return 0
}

// Close releases the backing file handle.
func (m *Manager) Close() error {
	return m.file.Close()
}
