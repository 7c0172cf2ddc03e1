// Package session orchestrates one leech-only torrent download: it
// announces to the tracker, dials the peers it returns, drives each
// peer connection's wire protocol, and feeds everything through a
// shared piece manager until every piece is verified and written
// (spec.md §§5-7, SPEC_FULL.md component C6).
package session

import (
	"context"
	"crypto/rand"
	"io"
	"log"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/stupidafcoder/goleech/blocklist"
	"github.com/stupidafcoder/goleech/message"
	"github.com/stupidafcoder/goleech/metainfo"
	"github.com/stupidafcoder/goleech/peerconn"
	"github.com/stupidafcoder/goleech/piecemgr"
	"github.com/stupidafcoder/goleech/resume"
	"github.com/stupidafcoder/goleech/tracker"
)

var debugLog = log.New(io.Discard, "", 0)

// SetVerbose toggles session's debug logging, matching the per-package
// verbosity switch used throughout this module.
func SetVerbose(v bool) {
	if v {
		debugLog = log.New(os.Stderr, "[session] ", log.LstdFlags)
	} else {
		debugLog = log.New(io.Discard, "", 0)
	}
}

// maxBacklog bounds how many block requests a peer connection keeps
// outstanding at once (spec.md §5 suggests a small pipeline over a
// single in-flight request for throughput).
const maxBacklog = 5

// maxDialAttempts bounds retries against one peer address before this
// session gives up on it for the run; the tracker's re-announce loop
// will keep surfacing fresh addresses regardless.
const maxDialAttempts = 3

// Config holds everything needed to run one download.
type Config struct {
	MetainfoPath  string
	DestPath      string // defaults to the torrent's declared name
	Port          uint16 // the port advertised to the tracker
	MaxPeers      int    // defaults to 30
	BlocklistPath string // optional; one IP or CIDR per line (SPEC_FULL.md §2 C9)
}

// Session drives a single torrent from metainfo to a completed,
// verified file on disk.
type Session struct {
	cfg       Config
	torrent   *metainfo.Torrent
	destPath  string
	mgr       *piecemgr.Manager
	peerID    [20]byte
	blocklist *blocklist.Blocklist

	mu        sync.Mutex
	dialed    map[string]bool
	done      chan struct{}
	doneOnce  sync.Once
	fatal     chan error
	fatalOnce sync.Once
}

// New loads the metainfo file, opens (or resumes) the backing file,
// and prepares a Session ready to Run.
func New(cfg Config) (*Session, error) {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 30
	}
	if cfg.Port == 0 {
		cfg.Port = 6881
	}

	t, err := metainfo.Open(cfg.MetainfoPath)
	if err != nil {
		return nil, err
	}

	destPath := cfg.DestPath
	if destPath == "" {
		destPath = t.Name
	}

	mgr, err := piecemgr.New(t, destPath)
	if err != nil {
		return nil, err
	}

	sidecar := resume.PathFor(destPath)
	if rec, ok, err := resume.Load(sidecar, t.InfoHash, t.NumPieces()); err != nil {
		mgr.Close()
		return nil, err
	} else if ok {
		mgr.AdoptResumeState(rec.Have)
		debugLog.Printf("resumed %s from sidecar %s", t.Name, sidecar)
	}

	peerID, err := generatePeerID()
	if err != nil {
		mgr.Close()
		return nil, err
	}

	bl := blocklist.New()
	if cfg.BlocklistPath != "" {
		if err := bl.Load(cfg.BlocklistPath); err != nil {
			mgr.Close()
			return nil, err
		}
	}

	return &Session{
		cfg:       cfg,
		torrent:   t,
		destPath:  destPath,
		mgr:       mgr,
		peerID:    peerID,
		blocklist: bl,
		dialed:    make(map[string]bool),
		done:      make(chan struct{}),
		fatal:     make(chan error, 1),
	}, nil
}

// Close releases the backing file handle without saving resume state;
// callers that want progress persisted should let Run return first.
func (s *Session) Close() error {
	return s.mgr.Close()
}

// Torrent exposes the parsed metainfo, mostly for callers that want to
// print a summary before starting.
func (s *Session) Torrent() *metainfo.Torrent { return s.torrent }

// generatePeerID builds an Azureus-style 20-byte peer id: a two-letter
// client tag and version, then 12 random decimal digits (spec.md §4.3's
// peer-id convention).
func generatePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-GL0001-")
	for i := 8; i < 20; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return id, errors.Wrap(err, "session: generating peer id")
		}
		id[i] = byte('0' + n.Int64())
	}
	return id, nil
}

// Run announces to the tracker, drives peer connections until every
// piece is verified, persists or clears resume state, and returns.
// Cancelling ctx stops the download early (after saving a resume
// sidecar) rather than discarding progress.
func (s *Session) Run(ctx context.Context) error {
	defer s.mgr.Close()

	if s.mgr.Complete() {
		debugLog.Printf("%s already complete, nothing to do", s.torrent.Name)
		return resume.Remove(resume.PathFor(s.destPath))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := tracker.Announce(ctx, s.torrent, s.peerID, s.cfg.Port, s.mgr.BytesUploaded(), s.mgr.BytesDownloaded(), tracker.EventStarted)
	if err != nil {
		return errors.Wrap(err, "session: initial announce")
	}

	var wg sync.WaitGroup
	s.launchPeers(ctx, &wg, resp.Peers)

	reannounce := resp.Interval
	if reannounce <= 0 {
		reannounce = 30 * time.Second
	}
	ticker := time.NewTicker(reannounce)
	defer ticker.Stop()

	snapshotTicker := time.NewTicker(10 * time.Second)
	defer snapshotTicker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-s.done:
			break loop
		case err := <-s.fatal:
			// A backing-file I/O error is fatal (spec.md §7): unlike a
			// peer disconnecting, the downloaded content cannot be
			// committed to disk at all, so the whole session aborts
			// instead of retrying or dropping just that peer.
			runErr = err
			break loop
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case <-snapshotTicker.C:
			if err := s.saveResumeSnapshot(); err != nil {
				debugLog.Printf("resume snapshot failed: %v", err)
			}
		case <-ticker.C:
			resp, err := tracker.Announce(ctx, s.torrent, s.peerID, s.cfg.Port, s.mgr.BytesUploaded(), s.mgr.BytesDownloaded(), tracker.EventNone)
			if err != nil {
				debugLog.Printf("re-announce failed: %v", err)
				continue
			}
			s.launchPeers(ctx, &wg, resp.Peers)
		}
	}

	cancel()
	wg.Wait()

	announceEvent := tracker.EventStopped
	if s.mgr.Complete() {
		announceEvent = tracker.EventCompleted
	}
	announceCtx, cancelAnnounce := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelAnnounce()
	if _, err := tracker.Announce(announceCtx, s.torrent, s.peerID, s.cfg.Port, s.mgr.BytesUploaded(), s.mgr.BytesDownloaded(), announceEvent); err != nil {
		debugLog.Printf("final announce failed: %v", err)
	}

	if s.mgr.Complete() {
		return resume.Remove(resume.PathFor(s.destPath))
	}
	if err := s.saveResumeSnapshot(); err != nil {
		debugLog.Printf("final resume snapshot failed: %v", err)
	}
	return runErr
}

func (s *Session) saveResumeSnapshot() error {
	return resume.Save(resume.PathFor(s.destPath), resume.Record{
		InfoHash: s.torrent.InfoHash,
		Have:     s.mgr.HaveBitfield(),
	})
}

// launchPeers spawns a connection goroutine for every addr not already
// dialed this run, up to cfg.MaxPeers total.
func (s *Session) launchPeers(ctx context.Context, wg *sync.WaitGroup, peers []tracker.PeerAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range peers {
		if len(s.dialed) >= s.cfg.MaxPeers {
			return
		}
		addr := p.String()
		if s.blocklist.Blocked(addr) {
			debugLog.Printf("skipping blocklisted peer %s", addr)
			continue
		}
		if s.dialed[addr] {
			continue
		}
		s.dialed[addr] = true
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			s.runPeer(ctx, addr)
		}(addr)
	}
}

func (s *Session) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// signalFatal delivers a fatal, whole-session-ending error to Run's
// select loop. Only the first caller's error wins; later ones are
// dropped since Run is already on its way out.
func (s *Session) signalFatal(err error) {
	s.fatalOnce.Do(func() { s.fatal <- err })
}

// runPeer dials addr, handshakes, and drives its wire protocol until
// the connection dies or the piece manager reports completion.
func (s *Session) runPeer(ctx context.Context, addr string) {
	backoff := time.Second
	for attempt := 0; attempt < maxDialAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		conn, err := peerconn.Dial(addr, s.peerID, s.torrent.InfoHash, s.torrent.NumPieces())
		if err != nil {
			debugLog.Printf("dial %s failed (attempt %d): %v", addr, attempt+1, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		err = s.drivePeer(ctx, conn)
		conn.Close()
		if err != nil {
			if errors.Is(err, piecemgr.ErrFatalIO) {
				debugLog.Printf("fatal I/O error from peer %s: %v", addr, err)
				s.signalFatal(err)
				return
			}
			debugLog.Printf("peer %s disconnected: %v", addr, err)
		}
		if s.mgr.Complete() || ctx.Err() != nil {
			return
		}
		backoff = time.Second
	}
}

// drivePeer runs the read loop for one already-handshaked connection.
func (s *Session) drivePeer(ctx context.Context, conn *peerconn.Conn) error {
	numPieces := s.torrent.NumPieces()
	peerID := piecemgr.PeerID(conn.PeerID)

	s.mgr.AddPeer(peerID, conn.Bitfield.Clone())
	defer s.mgr.RemovePeer(peerID)

	if err := conn.SendBitfield(s.mgr.HaveBitfield()); err != nil {
		return errors.Wrap(err, "session: sending bitfield")
	}

	outstanding := 0
	msgCh := make(chan messageResult, 1)
	go readOne(conn, msgCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case mr := <-msgCh:
			if mr.err != nil {
				return mr.err
			}
			ev, err := conn.ApplyIncoming(mr.msg, numPieces)
			if err != nil {
				return err
			}
			if err := s.handleEvent(conn, peerID, ev, &outstanding); err != nil {
				return err
			}
			if s.mgr.Complete() {
				s.signalDone()
				return nil
			}
			go readOne(conn, msgCh)
		}
	}
}

// messageResult carries one frame (or a keep-alive nil) back from a
// blocking ReadMessage call, paired with any read error.
type messageResult struct {
	msg *message.Message
	err error
}

func readOne(conn *peerconn.Conn, out chan<- messageResult) {
	msg, err := conn.ReadMessage()
	out <- messageResult{msg: msg, err: err}
}

// handleEvent reacts to one dispatched wire event: updating the shared
// piece manager, keeping the request pipeline full, and replying with
// the protocol messages that follow naturally from it.
func (s *Session) handleEvent(conn *peerconn.Conn, peerID piecemgr.PeerID, ev peerconn.Event, outstanding *int) error {
	switch ev.Kind {
	case peerconn.EventBitfield:
		s.mgr.AddPeer(peerID, conn.Bitfield.Clone())
		if err := s.maybeDeclareInterest(conn); err != nil {
			return err
		}
		return s.fillPipeline(conn, peerID, outstanding)
	case peerconn.EventHave:
		s.mgr.UpdatePeer(peerID, ev.PieceIndex)
		if err := s.maybeDeclareInterest(conn); err != nil {
			return err
		}
		return s.fillPipeline(conn, peerID, outstanding)
	case peerconn.EventUnchoke:
		return s.fillPipeline(conn, peerID, outstanding)
	case peerconn.EventChoke:
		*outstanding = 0
		return nil
	case peerconn.EventPiece:
		*outstanding--
		if err := s.mgr.BlockReceived(peerID, ev.PieceIndex, ev.Begin, ev.Data); err != nil {
			return err
		}
		if s.mgr.Complete() {
			return nil
		}
		return s.fillPipeline(conn, peerID, outstanding)
	case peerconn.EventRequest, peerconn.EventCancel, peerconn.EventInterested,
		peerconn.EventNotInterested, peerconn.EventPort, peerconn.EventKeepAlive:
		// Seeding is out of scope (spec.md §1 non-goal): uploads and the
		// peer-interest bookkeeping that would drive them are ignored.
		return nil
	default:
		return nil
	}
}

// maybeDeclareInterest sends Interested the first time conn's known
// bitfield shows it holds a piece this manager still needs (spec.md
// §4.4): Interested is never sent unconditionally at connect time,
// since the peer's Bitfield/Have hasn't arrived yet at that point.
func (s *Session) maybeDeclareInterest(conn *peerconn.Conn) error {
	if conn.State.AmInterested || !s.mgr.NeedsAnyOf(conn.Bitfield) {
		return nil
	}
	if err := conn.SendInterested(); err != nil {
		return errors.Wrap(err, "session: sending interested")
	}
	return nil
}

// fillPipeline tops up outstanding requests to maxBacklog while the
// peer is unchoking us and we have declared interest in it, pulling
// each block from the shared scheduler.
func (s *Session) fillPipeline(conn *peerconn.Conn, peerID piecemgr.PeerID, outstanding *int) error {
	if conn.State.PeerChoking || !conn.State.AmInterested {
		return nil
	}
	for *outstanding < maxBacklog {
		blk := s.mgr.NextRequest(peerID)
		if blk == nil {
			return nil
		}
		if err := conn.SendRequest(blk.Index, blk.Begin, blk.Length); err != nil {
			return errors.Wrap(err, "session: sending request")
		}
		*outstanding++
	}
	return nil
}
