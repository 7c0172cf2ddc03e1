// Package message implements the length-prefixed BitTorrent wire
// message framing: a 4-byte big-endian length, zero meaning keep-alive,
// followed by a 1-byte message id and an id-specific payload.
package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies a wire message's type (payload byte 0).
type ID uint8

const (
	MsgChoke         ID = 0
	MsgUnchoke       ID = 1
	MsgInterested    ID = 2
	MsgNotInterested ID = 3
	MsgHave          ID = 4
	MsgBitField      ID = 5
	MsgRequest       ID = 6
	MsgPiece         ID = 7
	MsgCancel        ID = 8
	MsgPort          ID = 9
)

func (id ID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not_interested"
	case MsgHave:
		return "have"
	case MsgBitField:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	case MsgPort:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a single framed wire message. A nil *Message represents a
// keep-alive (length-prefix 0, no id byte).
type Message struct {
	ID      ID
	Payload []byte
}

// Serialize encodes m (or a keep-alive, if m is nil) as a length-prefixed frame.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buffer := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buffer[0:4], length)
	buffer[4] = byte(m.ID)
	copy(buffer[5:], m.Payload)
	return buffer
}

// maxMessageLength bounds the length prefix so a malicious or corrupt
// peer can't force an unbounded allocation; BitTorrent pieces are
// expected to stay well under 1 MiB and blocks under 16 KiB, so a
// message carrying more than 1 MiB of payload is a protocol violation.
const maxMessageLength = 1 << 20

// ReadMessage reads one frame from r. A zero-length frame (keep-alive)
// returns (nil, nil).
func ReadMessage(r io.Reader) (*Message, error) {
	lengthBuffer := make([]byte, 4)
	_, err := io.ReadFull(r, lengthBuffer)
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuffer)

	if length == 0 {
		return nil, nil
	}
	if length > maxMessageLength {
		return nil, fmt.Errorf("message: frame length %d exceeds maximum %d", length, maxMessageLength)
	}

	messageBuffer := make([]byte, length)
	_, err = io.ReadFull(r, messageBuffer)
	if err != nil {
		return nil, err
	}
	m := Message{
		ID:      ID(messageBuffer[0]),
		Payload: messageBuffer[1:],
	}
	return &m, nil
}

// FormatHave builds a Have message for piece index.
func FormatHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: MsgHave, Payload: payload}
}

// FormatRequest builds a Request message for the given block
// (FormatCancel reuses the same layout with the Cancel id).
func FormatRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: MsgRequest, Payload: payload}
}

// FormatCancel builds a Cancel message; its payload shape is identical
// to Request (spec.md §4.4).
func FormatCancel(index, begin, length int) *Message {
	m := FormatRequest(index, begin, length)
	m.ID = MsgCancel
	return m
}

// FormatBitfield builds a Bitfield message carrying the packed bits
// payload verbatim.
func FormatBitfield(payload []byte) *Message {
	return &Message{ID: MsgBitField, Payload: append([]byte(nil), payload...)}
}

// FormatPiece builds a Piece message carrying block data.
func FormatPiece(index, begin int, data []byte) *Message {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], data)
	return &Message{ID: MsgPiece, Payload: payload}
}

// ParsePieceMessage validates msg as a Piece response for the
// requested piece index and copies its block data into buf at the
// offset the peer reports, returning the number of bytes copied.
func ParsePieceMessage(index int, buf []byte, msg *Message) (int, error) {
	if msg.ID != MsgPiece {
		return 0, fmt.Errorf("message: expected piece, got %s", msg.ID)
	}
	if len(msg.Payload) < 8 {
		return 0, fmt.Errorf("message: piece payload too short (%d bytes)", len(msg.Payload))
	}
	parsedIndex := int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	if parsedIndex != index {
		return 0, fmt.Errorf("message: expected piece index %d, got %d", index, parsedIndex)
	}
	begin := int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	if begin >= len(buf) {
		return 0, fmt.Errorf("message: begin offset %d out of range (piece is %d bytes)", begin, len(buf))
	}
	data := msg.Payload[8:]
	if len(data)+begin > len(buf) {
		return 0, fmt.Errorf("message: block of %d bytes at offset %d overruns piece of %d bytes", len(data), begin, len(buf))
	}
	copy(buf[begin:], data)
	return len(data), nil
}

// ParseHaveMessage validates msg as a Have message and returns the
// piece index it announces.
func ParseHaveMessage(msg *Message) (int, error) {
	if msg.ID != MsgHave {
		return 0, fmt.Errorf("message: expected have, got %s", msg.ID)
	}
	if len(msg.Payload) != 4 {
		return 0, fmt.Errorf("message: have payload must be 4 bytes, got %d", len(msg.Payload))
	}
	index := int(binary.BigEndian.Uint32(msg.Payload))
	return index, nil
}

// ParseRequestMessage validates msg as a Request (or Cancel, same
// shape) message and returns its (index, begin, length) fields.
func ParseRequestMessage(msg *Message) (index, begin, length int, err error) {
	if msg.ID != MsgRequest && msg.ID != MsgCancel {
		return 0, 0, 0, fmt.Errorf("message: expected request/cancel, got %s", msg.ID)
	}
	if len(msg.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("message: request payload must be 12 bytes, got %d", len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return index, begin, length, nil
}
