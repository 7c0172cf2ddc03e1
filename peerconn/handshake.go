package peerconn

import (
	"bytes"
	"fmt"
	"io"
)

// pstr is the fixed BitTorrent v1 protocol string named in every
// handshake (spec.md §4.4).
const pstr = "BitTorrent protocol"

// handshakeLen is the exact wire size of a handshake: 1 + len(pstr) +
// 8 reserved + 20 info-hash + 20 peer id = 68 for the standard pstr.
const handshakeLen = 1 + len(pstr) + 8 + 20 + 20

// Handshake is the 68-byte message exchanged immediately on connect,
// before any length-prefixed framing begins.
type Handshake struct {
	Pstr     string
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a standard-pstr handshake for the given
// info-hash and local peer id.
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{Pstr: pstr, InfoHash: infoHash, PeerID: peerID}
}

// Serialize encodes h to its exact wire form: a length-prefixed pstr,
// 8 reserved zero bytes, the info-hash, then the peer id.
func (h *Handshake) Serialize() []byte {
	buffer := make([]byte, len(h.Pstr)+49)
	cursor := 1
	buffer[0] = byte(len(h.Pstr))
	cursor += copy(buffer[cursor:], h.Pstr)
	cursor += copy(buffer[cursor:], make([]byte, 8))
	cursor += copy(buffer[cursor:], h.InfoHash[:])
	copy(buffer[cursor:], h.PeerID[:])
	return buffer
}

// ReadHandshake reads and decodes a Handshake from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	lengthBuffer := make([]byte, 1)
	if _, err := io.ReadFull(r, lengthBuffer); err != nil {
		return nil, err
	}
	pstrlen := int(lengthBuffer[0])
	handshakeBuffer := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, handshakeBuffer); err != nil {
		return nil, err
	}
	h := Handshake{Pstr: string(handshakeBuffer[0:pstrlen])}
	cursor := pstrlen + 8
	copy(h.InfoHash[:], handshakeBuffer[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], handshakeBuffer[cursor:cursor+20])
	return &h, nil
}

// completeHandshake writes our handshake, reads the peer's, and
// enforces that the info-hash matches (spec.md §4.4: "Mismatched
// info-hash => drop connection").
func completeHandshake(rw io.ReadWriter, peerID, infoHash [20]byte) (*Handshake, error) {
	out := NewHandshake(infoHash, peerID)
	if _, err := rw.Write(out.Serialize()); err != nil {
		return nil, err
	}
	in, err := ReadHandshake(rw)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(in.InfoHash[:], infoHash[:]) {
		return nil, fmt.Errorf("peerconn: info-hash mismatch: expected %x, got %x", infoHash, in.InfoHash)
	}
	return in, nil
}
