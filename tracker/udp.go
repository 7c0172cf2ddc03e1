package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/stupidafcoder/goleech/metainfo"
)

// BEP-15 UDP tracker protocol: a magic connection-id request/response
// exchange, then an announce request/response carrying the same
// session fields as the HTTP form. Additive extension (SPEC_FULL.md
// §4.3); the HTTP path above is unaffected.

const (
	udpProtocolMagic  uint64 = 0x41727101980
	actionConnect     int32  = 0
	actionAnnounce    int32  = 1
	actionError       int32  = 3
	udpRequestTimeout        = 10 * time.Second
)

// AnnounceUDP performs the BEP-15 connect+announce handshake against
// host (host:port, no scheme) and returns the same Response shape as
// the HTTP path.
func AnnounceUDP(ctx context.Context, host string, t *metainfo.Torrent, peerID [20]byte, port uint16, uploaded, downloaded uint64, event Event) (*Response, error) {
	raddr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: resolving UDP tracker address")
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: dialing UDP tracker")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(udpRequestTimeout))

	connID, err := udpConnect(conn)
	if err != nil {
		return nil, err
	}

	return udpAnnounce(conn, connID, t, peerID, port, uploaded, downloaded, event)
}

func randomTransactionID() (int32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

func udpConnect(conn *net.UDPConn) (int64, error) {
	txID, err := randomTransactionID()
	if err != nil {
		return 0, err
	}
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(req[8:12], uint32(actionConnect))
	binary.BigEndian.PutUint32(req[12:16], uint32(txID))

	if _, err := conn.Write(req); err != nil {
		return 0, errors.Wrap(err, "tracker: sending UDP connect request")
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, errors.Wrap(err, "tracker: reading UDP connect response")
	}
	if n < 16 {
		return 0, fmt.Errorf("tracker: UDP connect response too short (%d bytes)", n)
	}
	action := int32(binary.BigEndian.Uint32(resp[0:4]))
	gotTx := int32(binary.BigEndian.Uint32(resp[4:8]))
	if gotTx != txID {
		return 0, fmt.Errorf("tracker: UDP connect transaction id mismatch")
	}
	if action == actionError {
		return 0, fmt.Errorf("tracker: UDP connect failed: %s", string(resp[8:n]))
	}
	if action != actionConnect {
		return 0, fmt.Errorf("tracker: unexpected UDP connect action %d", action)
	}
	connID := int64(binary.BigEndian.Uint64(resp[8:16]))
	return connID, nil
}

var udpEventCodes = map[Event]uint32{
	EventNone:      0,
	EventCompleted: 1,
	EventStarted:   2,
	EventStopped:   3,
}

func udpAnnounce(conn *net.UDPConn, connID int64, t *metainfo.Torrent, peerID [20]byte, port uint16, uploaded, downloaded uint64, event Event) (*Response, error) {
	txID, err := randomTransactionID()
	if err != nil {
		return nil, err
	}

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], uint64(connID))
	binary.BigEndian.PutUint32(req[8:12], uint32(actionAnnounce))
	binary.BigEndian.PutUint32(req[12:16], uint32(txID))
	copy(req[16:36], t.InfoHash[:])
	copy(req[36:56], peerID[:])
	binary.BigEndian.PutUint64(req[56:64], downloaded)
	binary.BigEndian.PutUint64(req[64:72], uint64(t.TotalLength)-downloaded)
	binary.BigEndian.PutUint64(req[72:80], uploaded)
	binary.BigEndian.PutUint32(req[80:84], udpEventCodes[event])
	// req[84:88] IP address: 0 = default
	// req[88:92] key: left as 0, not used by this client
	binary.BigEndian.PutUint32(req[92:96], 0xFFFFFFFF) // num_want: default
	binary.BigEndian.PutUint16(req[96:98], port)

	if _, err := conn.Write(req); err != nil {
		return nil, errors.Wrap(err, "tracker: sending UDP announce request")
	}

	resp := make([]byte, 20+6*200) // header + room for up to 200 compact peers
	n, err := conn.Read(resp)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: reading UDP announce response")
	}
	if n < 20 {
		return nil, fmt.Errorf("tracker: UDP announce response too short (%d bytes)", n)
	}
	action := int32(binary.BigEndian.Uint32(resp[0:4]))
	gotTx := int32(binary.BigEndian.Uint32(resp[4:8]))
	if gotTx != txID {
		return nil, fmt.Errorf("tracker: UDP announce transaction id mismatch")
	}
	if action == actionError {
		return nil, fmt.Errorf("tracker: UDP announce failed: %s", string(resp[8:n]))
	}
	if action != actionAnnounce {
		return nil, fmt.Errorf("tracker: unexpected UDP announce action %d", action)
	}

	interval := time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second
	if interval <= 0 {
		interval = defaultReannounceInterval
	}
	leechers := int(binary.BigEndian.Uint32(resp[12:16]))
	seeders := int(binary.BigEndian.Uint32(resp[16:20]))

	peers, err := ParseCompactPeers(resp[20:n])
	if err != nil {
		return nil, err
	}
	return &Response{
		Interval:   interval,
		Complete:   seeders,
		Incomplete: leechers,
		Peers:      peers,
	}, nil
}
