package peerconn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupidafcoder/goleech/bitfield"
	"github.com/stupidafcoder/goleech/message"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash [20]byte
	for i := range infoHash {
		infoHash[i] = 0xAA
	}
	peerID := [20]byte{}
	copy(peerID[:], "-XX0000-000000000000")

	h := NewHandshake(infoHash, peerID)
	buf := h.Serialize()
	assert.Len(t, buf, 68)

	got, err := ReadHandshake(&fakeReader{buf: buf})
	require.NoError(t, err)
	assert.Equal(t, infoHash, got.InfoHash)
	assert.Equal(t, peerID, got.PeerID)
}

type fakeReader struct {
	buf []byte
}

func (r *fakeReader) Read(p []byte) (int, error) {
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func TestApplyIncomingChokeUnchoke(t *testing.T) {
	c := &Conn{Bitfield: bitfield.New(4), State: initialState()}
	ev, err := c.ApplyIncoming(&message.Message{ID: message.MsgUnchoke}, 4)
	require.NoError(t, err)
	assert.Equal(t, EventUnchoke, ev.Kind)
	assert.False(t, c.State.PeerChoking)

	ev, err = c.ApplyIncoming(&message.Message{ID: message.MsgChoke}, 4)
	require.NoError(t, err)
	assert.Equal(t, EventChoke, ev.Kind)
	assert.True(t, c.State.PeerChoking)
}

func TestApplyIncomingHaveUpdatesBitfield(t *testing.T) {
	c := &Conn{Bitfield: bitfield.New(4), State: initialState()}
	ev, err := c.ApplyIncoming(message.FormatHave(2), 4)
	require.NoError(t, err)
	assert.Equal(t, EventHave, ev.Kind)
	assert.Equal(t, 2, ev.PieceIndex)
	assert.True(t, c.Bitfield.HasPiece(2))
}

func TestApplyIncomingRejectsOutOfRangeHave(t *testing.T) {
	c := &Conn{Bitfield: bitfield.New(4), State: initialState()}
	_, err := c.ApplyIncoming(message.FormatHave(99), 4)
	require.Error(t, err)
}

func TestApplyIncomingBitfieldRejectsBadPadding(t *testing.T) {
	c := &Conn{Bitfield: bitfield.New(4), State: initialState()}
	bad := &message.Message{ID: message.MsgBitField, Payload: []byte{0b00001111}} // low nibble set, only 4 pieces declared
	_, err := c.ApplyIncoming(bad, 4)
	require.Error(t, err)
}

func TestApplyIncomingPiece(t *testing.T) {
	c := &Conn{Bitfield: bitfield.New(1), State: initialState()}
	msg := message.FormatPiece(0, 10, []byte("block-data"))
	ev, err := c.ApplyIncoming(msg, 1)
	require.NoError(t, err)
	assert.Equal(t, EventPiece, ev.Kind)
	assert.Equal(t, 0, ev.PieceIndex)
	assert.Equal(t, 10, ev.Begin)
	assert.Equal(t, "block-data", string(ev.Data))
}

func TestApplyIncomingKeepAlive(t *testing.T) {
	c := &Conn{Bitfield: bitfield.New(1), State: initialState()}
	ev, err := c.ApplyIncoming(nil, 1)
	require.NoError(t, err)
	assert.Equal(t, EventKeepAlive, ev.Kind)
}

func TestSendUpdatesLocalState(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	c := &Conn{conn: a, Bitfield: bitfield.New(1), State: initialState()}
	go func() {
		buf := make([]byte, 5)
		b.Read(buf)
	}()
	assert.False(t, c.State.AmInterested)
	require.NoError(t, c.SendInterested())
	assert.True(t, c.State.AmInterested)
}

func TestDialInfoHashMismatchFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var serverInfoHash, clientInfoHash [20]byte
	for i := range serverInfoHash {
		serverInfoHash[i] = byte(i)
		clientInfoHash[i] = byte(i + 1)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(2 * time.Second))
		_, _ = completeHandshake(conn, [20]byte{1}, serverInfoHash)
	}()

	_, err = Dial(ln.Addr().String(), [20]byte{2}, clientInfoHash, 1)
	require.Error(t, err)
}
