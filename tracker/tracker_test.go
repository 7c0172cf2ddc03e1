package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupidafcoder/goleech/metainfo"
)

func TestParseCompactPeersExample(t *testing.T) {
	// spec.md §8 scenario 4: one peer, 127.0.0.1:6881.
	raw := []byte{0x7f, 0x00, 0x00, 0x01, 0x1a, 0xe1}
	peers, err := ParseCompactPeers(raw)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "127.0.0.1", peers[0].IP.String())
	assert.EqualValues(t, 6881, peers[0].Port)
}

func TestParseCompactPeersRejectsShortTrailer(t *testing.T) {
	_, err := ParseCompactPeers([]byte{0x7f, 0x00, 0x00})
	require.Error(t, err)
}

func TestPercentEncodeLeavesUnreservedAlone(t *testing.T) {
	got := percentEncode([]byte("abcXYZ019-._~"))
	assert.Equal(t, "abcXYZ019-._~", got)
}

func TestPercentEncodeEscapesBinary(t *testing.T) {
	got := percentEncode([]byte{0x00, 0xff, 0x1a, 0xe1})
	assert.Equal(t, "%00%FF%1A%E1", got)
}

func TestBuildAnnounceURLIncludesRequiredParams(t *testing.T) {
	tor := &metainfo.Torrent{
		Announce:    "http://tracker.example/announce",
		TotalLength: 1000,
	}
	var infoHash, peerID [20]byte
	for i := range infoHash {
		infoHash[i] = byte(i)
		peerID[i] = byte(i + 1)
	}
	u, err := BuildAnnounceURL(tor, peerID, 6881, 0, 250, EventStarted)
	require.NoError(t, err)
	assert.Contains(t, u, "port=6881")
	assert.Contains(t, u, "uploaded=0")
	assert.Contains(t, u, "downloaded=250")
	assert.Contains(t, u, "left=750")
	assert.Contains(t, u, "compact=1")
	assert.Contains(t, u, "event=started")
	assert.Contains(t, u, "info_hash=")
	assert.Contains(t, u, "peer_id=")
}

func TestAnnounceHTTPRoundTrip(t *testing.T) {
	// spec.md §8 scenario 4: a bencoded response with interval 1800 and
	// a single compact peer, 127.0.0.1:6881.
	body := "d8:intervali1800e5:peers6:\x7f\x00\x00\x01\x1a\xe1e"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		w.Write([]byte(body))
	}))
	defer srv.Close()

	tor := &metainfo.Torrent{Announce: srv.URL, TotalLength: 100}
	var peerID [20]byte
	resp, err := AnnounceHTTP(context.Background(), tor, peerID, 6881, 0, 0, EventStarted)
	require.NoError(t, err)
	assert.EqualValues(t, 1800, resp.Interval.Seconds())
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "127.0.0.1:6881", resp.Peers[0].String())
}

func TestAnnounceHTTPSurfacesFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason18:torrent not founde"))
	}))
	defer srv.Close()

	tor := &metainfo.Torrent{Announce: srv.URL, TotalLength: 100}
	var peerID [20]byte
	_, err := AnnounceHTTP(context.Background(), tor, peerID, 6881, 0, 0, EventNone)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "torrent not found")
}

func TestAnnounceDispatchesByScheme(t *testing.T) {
	tor := &metainfo.Torrent{Announce: "ftp://tracker.example/announce", TotalLength: 100}
	var peerID [20]byte
	_, err := Announce(context.Background(), tor, peerID, 6881, 0, 0, EventNone)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}
