// Package tracker issues BitTorrent tracker announces (HTTP per
// spec.md §4.3, plus the BEP-15 UDP extension noted in SPEC_FULL.md)
// and parses their compact-peer responses.
package tracker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"

	"github.com/stupidafcoder/goleech/metainfo"
)

// httpTimeout bounds a single tracker HTTP request (spec.md §5).
const httpTimeout = 10 * time.Second

// defaultReannounceInterval is used when a tracker response omits or
// sends a nonsensical interval (spec.md §7).
const defaultReannounceInterval = 30 * time.Second

// Event is the optional 'event' announce parameter.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

// PeerAddr is one compact-form peer entry from an announce response.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddr) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// ParseCompactPeers decodes the 6-bytes-per-peer compact form (spec.md
// §4.3): 4 bytes big-endian IPv4, then 2 bytes big-endian port.
func ParseCompactPeers(raw []byte) ([]PeerAddr, error) {
	const peerSize = 6
	if len(raw)%peerSize != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d is not a multiple of %d", len(raw), peerSize)
	}
	n := len(raw) / peerSize
	peers := make([]PeerAddr, n)
	for i := 0; i < n; i++ {
		off := i * peerSize
		ip := make(net.IP, 4)
		copy(ip, raw[off:off+4])
		peers[i] = PeerAddr{
			IP:   ip,
			Port: be16(raw[off+4 : off+6]),
		}
	}
	return peers, nil
}

func be16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

// Response is a parsed tracker announce response.
type Response struct {
	Interval   time.Duration
	Complete   int
	Incomplete int
	Peers      []PeerAddr
}

// httpTrackerResponse mirrors the bencoded dict shape with the same
// struct-tag convenience decode the teacher used for its
// trackerRespone type (torrent/torrent.go), extended with the optional
// fields spec.md §4.3 names.
type httpTrackerResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Complete      int    `bencode:"complete"`
	Incomplete    int    `bencode:"incomplete"`
	Peers         string `bencode:"peers"`
}

// unreserved is the RFC 3986 unreserved character set: ALPHA / DIGIT /
// "-" / "." / "_" / "~". Every other byte is percent-encoded.
func isUnreserved(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '.' || b == '_' || b == '~':
		return true
	default:
		return false
	}
}

// percentEncode RFC-3986-escapes every non-unreserved byte of b,
// prefixing it with '%' and its two uppercase hex digits.
func percentEncode(b []byte) string {
	out := make([]byte, 0, len(b))
	const hex = "0123456789ABCDEF"
	for _, c := range b {
		if isUnreserved(c) {
			out = append(out, c)
		} else {
			out = append(out, '%', hex[c>>4], hex[c&0xF])
		}
	}
	return string(out)
}

// BuildAnnounceURL constructs the full HTTP announce URL with query
// parameters per spec.md §4.3.
func BuildAnnounceURL(t *metainfo.Torrent, peerID [20]byte, port uint16, uploaded, downloaded uint64, event Event) (string, error) {
	base, err := url.Parse(t.Announce)
	if err != nil {
		return "", errors.Wrap(err, "tracker: parsing announce URL")
	}
	left := uint64(t.TotalLength) - downloaded
	params := url.Values{
		"port":       {strconv.Itoa(int(port))},
		"uploaded":   {strconv.FormatUint(uploaded, 10)},
		"downloaded": {strconv.FormatUint(downloaded, 10)},
		"left":       {strconv.FormatUint(left, 10)},
		"compact":    {"1"},
	}
	if event != EventNone {
		params.Set("event", string(event))
	}
	base.RawQuery = params.Encode()
	base.RawQuery += "&info_hash=" + percentEncode(t.InfoHash[:])
	base.RawQuery += "&peer_id=" + percentEncode(peerID[:])
	return base.String(), nil
}

// AnnounceHTTP issues one HTTP GET announce and parses the response.
// A bencoded 'failure reason' is surfaced as an error (spec.md §4.3,
// §7 tracker errors).
func AnnounceHTTP(ctx context.Context, t *metainfo.Torrent, peerID [20]byte, port uint16, uploaded, downloaded uint64, event Event) (*Response, error) {
	announceURL, err := BuildAnnounceURL(t, peerID, port, uploaded, downloaded, event)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: building request")
	}

	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: announce request failed")
	}
	defer resp.Body.Close()

	var tr httpTrackerResponse
	if err := bencode.Unmarshal(resp.Body, &tr); err != nil {
		return nil, errors.Wrap(err, "tracker: decoding response")
	}
	if tr.FailureReason != "" {
		return nil, fmt.Errorf("tracker: announce failed: %s", tr.FailureReason)
	}

	peers, err := ParseCompactPeers([]byte(tr.Peers))
	if err != nil {
		return nil, err
	}

	interval := time.Duration(tr.Interval) * time.Second
	if interval <= 0 {
		interval = defaultReannounceInterval
	}
	return &Response{
		Interval:   interval,
		Complete:   tr.Complete,
		Incomplete: tr.Incomplete,
		Peers:      peers,
	}, nil
}

// Announce dispatches to the HTTP or UDP announce path based on the
// torrent's announce URL scheme (SPEC_FULL §4.3 SUPPLEMENT). Unknown
// schemes keep the teacher's explicit rejection rather than silently
// failing deep inside an HTTP client.
func Announce(ctx context.Context, t *metainfo.Torrent, peerID [20]byte, port uint16, uploaded, downloaded uint64, event Event) (*Response, error) {
	u, err := url.Parse(t.Announce)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: parsing announce URL")
	}
	switch u.Scheme {
	case "http", "https":
		return AnnounceHTTP(ctx, t, peerID, port, uploaded, downloaded, event)
	case "udp":
		return AnnounceUDP(ctx, u.Host, t, peerID, port, uploaded, downloaded, event)
	default:
		return nil, fmt.Errorf("tracker: announce scheme %q is not supported", u.Scheme)
	}
}
