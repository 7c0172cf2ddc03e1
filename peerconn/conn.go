// Package peerconn implements the per-peer side of the BitTorrent wire
// protocol: handshake, length-prefixed framing, and the choke/interest
// state machine of spec.md §4.4. A Conn owns its transport and its own
// protocol state exclusively; it never touches the shared piece
// manager directly (spec.md §3's ownership note) — callers translate
// Events into piece-manager calls.
package peerconn

import (
	"fmt"
	"net"
	"time"

	"github.com/stupidafcoder/goleech/bitfield"
	"github.com/stupidafcoder/goleech/message"
)

// readTimeout bounds a single frame read; spec.md §5 suggests 2
// minutes before treating the peer as dead.
const readTimeout = 2 * time.Minute

const dialTimeout = 5 * time.Second

// State holds the four independent choke/interest booleans plus a
// terminal Closed flag, per spec.md §3.
type State struct {
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
	Closed         bool
}

// initialState is choking=true, interested=false on both sides.
func initialState() State {
	return State{AmChoking: true, PeerChoking: true}
}

// Conn is one peer connection: raw transport plus protocol state.
type Conn struct {
	conn     net.Conn
	Addr     string
	PeerID   [20]byte
	InfoHash [20]byte
	Bitfield bitfield.Bitfield
	State    State
}

// Dial opens a TCP connection to addr, completes the handshake, and
// returns a Conn with a zeroed bitfield sized for numPieces (populated
// later by a Bitfield or Have message via ApplyIncoming).
func Dial(addr string, peerID, infoHash [20]byte, numPieces int) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	nc.SetDeadline(time.Now().Add(dialTimeout))
	remote, err := completeHandshake(nc, peerID, infoHash)
	if err != nil {
		nc.Close()
		return nil, err
	}
	nc.SetDeadline(time.Time{})
	return &Conn{
		conn:     nc,
		Addr:     addr,
		PeerID:   remote.PeerID,
		InfoHash: infoHash,
		Bitfield: bitfield.New(numPieces),
		State:    initialState(),
	}, nil
}

// Close marks the connection Closed and releases the transport.
func (c *Conn) Close() error {
	c.State.Closed = true
	return c.conn.Close()
}

// ReadMessage reads the next frame, applying the read timeout.
func (c *Conn) ReadMessage() (*message.Message, error) {
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	return message.ReadMessage(c.conn)
}

func (c *Conn) write(m *message.Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(readTimeout))
	_, err := c.conn.Write(m.Serialize())
	return err
}

// SendChoke sends Choke and updates AmChoking.
func (c *Conn) SendChoke() error {
	if err := c.write(&message.Message{ID: message.MsgChoke}); err != nil {
		return err
	}
	c.State.AmChoking = true
	return nil
}

// SendUnchoke sends Unchoke and updates AmChoking.
func (c *Conn) SendUnchoke() error {
	if err := c.write(&message.Message{ID: message.MsgUnchoke}); err != nil {
		return err
	}
	c.State.AmChoking = false
	return nil
}

// SendInterested sends Interested and updates AmInterested.
func (c *Conn) SendInterested() error {
	if err := c.write(&message.Message{ID: message.MsgInterested}); err != nil {
		return err
	}
	c.State.AmInterested = true
	return nil
}

// SendNotInterested sends NotInterested and updates AmInterested.
func (c *Conn) SendNotInterested() error {
	if err := c.write(&message.Message{ID: message.MsgNotInterested}); err != nil {
		return err
	}
	c.State.AmInterested = false
	return nil
}

// SendBitfield announces c's own local bitfield to the peer. Sent at
// most once, immediately after the handshake.
func (c *Conn) SendBitfield(bf bitfield.Bitfield) error {
	return c.write(message.FormatBitfield([]byte(bf)))
}

// SendHave announces piece index to the peer.
func (c *Conn) SendHave(index int) error {
	return c.write(message.FormatHave(index))
}

// SendRequest asks the peer for a block.
func (c *Conn) SendRequest(index, begin, length int) error {
	return c.write(message.FormatRequest(index, begin, length))
}

// SendCancel cancels a previously sent Request.
func (c *Conn) SendCancel(index, begin, length int) error {
	return c.write(message.FormatCancel(index, begin, length))
}

// EventKind tags the meaning of an Event returned by ApplyIncoming.
type EventKind int

const (
	EventKeepAlive EventKind = iota
	EventChoke
	EventUnchoke
	EventInterested
	EventNotInterested
	EventHave
	EventBitfield
	EventPiece
	EventRequest
	EventCancel
	EventPort
)

// Event describes one dispatched incoming message, carrying whatever
// fields are relevant to its Kind.
type Event struct {
	Kind       EventKind
	PieceIndex int
	Begin      int
	Length     int
	Data       []byte
}

// ApplyIncoming updates c's local protocol state from msg (a nil msg is
// a keep-alive) and returns an Event describing what happened, so the
// caller can react (update the shared piece manager, send replies,
// etc.) without peerconn needing to know about piecemgr.
//
// numPieces is used to validate an incoming Bitfield's length and
// trailing-bit padding, per spec.md §4.4's bitfield semantics.
func (c *Conn) ApplyIncoming(msg *message.Message, numPieces int) (Event, error) {
	if msg == nil {
		return Event{Kind: EventKeepAlive}, nil
	}
	switch msg.ID {
	case message.MsgChoke:
		c.State.PeerChoking = true
		return Event{Kind: EventChoke}, nil
	case message.MsgUnchoke:
		c.State.PeerChoking = false
		return Event{Kind: EventUnchoke}, nil
	case message.MsgInterested:
		c.State.PeerInterested = true
		return Event{Kind: EventInterested}, nil
	case message.MsgNotInterested:
		c.State.PeerInterested = false
		return Event{Kind: EventNotInterested}, nil
	case message.MsgHave:
		idx, err := message.ParseHaveMessage(msg)
		if err != nil {
			return Event{}, err
		}
		if idx < 0 || idx >= numPieces {
			return Event{}, fmt.Errorf("peerconn: have index %d out of range (%d pieces)", idx, numPieces)
		}
		c.Bitfield.SetPiece(idx)
		return Event{Kind: EventHave, PieceIndex: idx}, nil
	case message.MsgBitField:
		bf := bitfield.Bitfield(msg.Payload)
		if !bf.ValidForPieceCount(numPieces) {
			return Event{}, fmt.Errorf("peerconn: bitfield of %d bytes invalid for %d pieces", len(msg.Payload), numPieces)
		}
		c.Bitfield = bf.Clone()
		return Event{Kind: EventBitfield}, nil
	case message.MsgPiece:
		if len(msg.Payload) < 8 {
			return Event{}, fmt.Errorf("peerconn: piece payload too short")
		}
		idx, begin, data := pieceFields(msg.Payload)
		return Event{Kind: EventPiece, PieceIndex: idx, Begin: begin, Data: data}, nil
	case message.MsgRequest:
		idx, begin, length, err := message.ParseRequestMessage(msg)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventRequest, PieceIndex: idx, Begin: begin, Length: length}, nil
	case message.MsgCancel:
		idx, begin, length, err := message.ParseRequestMessage(msg)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventCancel, PieceIndex: idx, Begin: begin, Length: length}, nil
	case message.MsgPort:
		return Event{Kind: EventPort}, nil
	default:
		return Event{}, fmt.Errorf("peerconn: unknown message id %d", msg.ID)
	}
}

func pieceFields(payload []byte) (index, begin int, data []byte) {
	index = int(be32(payload[0:4]))
	begin = int(be32(payload[4:8]))
	data = payload[8:]
	return index, begin, data
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
