// Package tracker implements the HTTP-only BitTorrent tracker client
// (UDP trackers are an explicit Non-goal): a GET to the announce URL,
// decoding the bencoded response into a compact peer list.
package tracker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"
)

// Port is the (fixed, never actually listened-on) port advertised to the
// tracker, since this client never accepts incoming connections.
const Port = 6881

const requestTimeout = 15 * time.Second

// Response is the tracker's announce response, decoded into the shape
// the coordinator needs.
type Response struct {
	Interval int
	Peers    []net.TCPAddr
}

type rawResponse struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// Announce issues the GET request described in spec.md §6 against
// announceURL and returns the decoded peer list.
func Announce(announceURL string, infoHash, peerID [20]byte, left int64) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing announce url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tracker: unsupported scheme %q (UDP trackers are not supported)", u.Scheme)
	}

	q := url.Values{}
	q.Set("info_hash", string(infoHash[:]))
	q.Set("peer_id", string(peerID[:]))
	q.Set("port", strconv.Itoa(Port))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("compact", "1")
	q.Set("left", strconv.FormatInt(left, 10))
	u.RawQuery = q.Encode()

	client := &http.Client{Timeout: requestTimeout}
	resp, err := client.Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("tracker: requesting %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: unexpected status %s", resp.Status)
	}

	var raw rawResponse
	if err := bencode.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("tracker: decoding response: %w", err)
	}
	if raw.Failure != "" {
		return nil, fmt.Errorf("tracker: failure reported: %s", raw.Failure)
	}

	peers, err := parseCompactPeers(raw.Peers)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}

	return &Response{Interval: raw.Interval, Peers: peers}, nil
}

// parseCompactPeers splits a compact peer string into 6-byte IPv4+port
// records, per spec.md §6.
func parseCompactPeers(compact string) ([]net.TCPAddr, error) {
	raw := []byte(compact)
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("invalid compact peers length %d (must be multiple of 6)", len(raw))
	}

	n := len(raw) / 6
	peers := make([]net.TCPAddr, 0, n)
	for i := 0; i < n; i++ {
		rec := raw[i*6 : (i+1)*6]
		ip := net.IP(bytes.Clone(rec[0:4]))
		port := binary.BigEndian.Uint16(rec[4:6])
		peers = append(peers, net.TCPAddr{IP: ip, Port: int(port)})
	}
	return peers, nil
}
