package tracker

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnnounceParsesCompactPeers(t *testing.T) {
	peerBytes := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2} // two peers
	body := fmt.Sprintf("d8:intervali1800e5:peers%d:%se", len(peerBytes), peerBytes)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("compact"))
		w.Write([]byte(body))
	}))
	defer srv.Close()

	resp, err := Announce(srv.URL, [20]byte{1}, [20]byte{2}, 100)
	require.NoError(t, err)
	require.Equal(t, 1800, resp.Interval)
	require.Len(t, resp.Peers, 2)
	require.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
	require.Equal(t, 0x1AE1, resp.Peers[0].Port)
	require.Equal(t, "10.0.0.2", resp.Peers[1].IP.String())
}

func TestAnnounceRejectsUDPScheme(t *testing.T) {
	_, err := Announce("udp://tracker.test:1337/announce", [20]byte{}, [20]byte{}, 0)
	require.Error(t, err)
}

func TestAnnounceSurfacesFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason11:bad requeste"))
	}))
	defer srv.Close()

	_, err := Announce(srv.URL, [20]byte{}, [20]byte{}, 0)
	require.Error(t, err)
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	_, err := parseCompactPeers("abc")
	require.Error(t, err)
}
