// Package metainfo parses a bencoded .torrent file into the immutable
// TorrentMeta consumed by the tracker client and the download engine.
// Only single-file torrents are supported (multi-file is an explicit
// Non-goal).
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"

	"github.com/jackpal/bencode-go"
)

// PieceHashLen is the length in bytes of a single piece's SHA-1 digest.
const PieceHashLen = 20

// TorrentMeta is the immutable, shared-by-reference description of one
// torrent, as produced by metainfo parsing and consumed by the tracker
// client and the coordinator.
type TorrentMeta struct {
	Announce    string
	Name        string
	InfoHash    [20]byte
	PieceLength int64
	TotalLength int64
	PieceHashes [][20]byte
}

// NumPieces returns the number of pieces in the torrent.
func (m *TorrentMeta) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceLen returns the length of piece i: PieceLength for all but
// possibly the last piece, which may be shorter.
func (m *TorrentMeta) PieceLen(i int) int64 {
	if i == m.NumPieces()-1 {
		if rem := m.TotalLength % m.PieceLength; rem != 0 {
			return rem
		}
	}
	return m.PieceLength
}

type rawInfo struct {
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
	// Files, present on multi-file torrents, is rejected: multi-file
	// support is an explicit Non-goal.
	Files []interface{} `bencode:"files"`
}

type rawMetainfo struct {
	Announce string  `bencode:"announce"`
	Info     rawInfo `bencode:"info"`
}

// Parse loads and decodes path into a TorrentMeta.
func Parse(path string) (*TorrentMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}

	var raw rawMetainfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decoding %q: %w", path, err)
	}

	if len(raw.Info.Files) > 0 {
		return nil, fmt.Errorf("metainfo: %q is a multi-file torrent, which is not supported", path)
	}

	if len(raw.Info.Pieces)%PieceHashLen != 0 {
		return nil, fmt.Errorf("metainfo: pieces string length %d is not a multiple of %d", len(raw.Info.Pieces), PieceHashLen)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: locating info dictionary: %w", err)
	}
	infoHash := sha1.Sum(infoBytes)

	n := len(raw.Info.Pieces) / PieceHashLen
	hashes := make([][20]byte, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], raw.Info.Pieces[i*PieceHashLen:(i+1)*PieceHashLen])
	}

	return &TorrentMeta{
		Announce:    raw.Announce,
		Name:        raw.Info.Name,
		InfoHash:    infoHash,
		PieceLength: raw.Info.PieceLength,
		TotalLength: raw.Info.Length,
		PieceHashes: hashes,
	}, nil
}

// extractInfoBytes locates the raw "4:info<dict>" value inside a bencoded
// .torrent file and returns the dictionary's own byte span (excluding the
// "4:info" key), so its SHA-1 matches whatever encoder produced the
// original file, whether or not this package's struct models every key
// inside it.
func extractInfoBytes(data []byte) ([]byte, error) {
	const key = "4:info"
	idx := bytes.Index(data, []byte(key))
	if idx < 0 {
		return nil, fmt.Errorf("no %q key found", key)
	}
	start := idx + len(key)

	end, err := bencodeValueEnd(data, start)
	if err != nil {
		return nil, err
	}
	return data[start:end], nil
}

// bencodeValueEnd returns the index just past the single bencoded value
// (int, string, list or dict) starting at data[start].
func bencodeValueEnd(data []byte, start int) (int, error) {
	if start >= len(data) {
		return 0, fmt.Errorf("unexpected end of data at offset %d", start)
	}

	switch data[start] {
	case 'i':
		j := start + 1
		for ; j < len(data) && data[j] != 'e'; j++ {
		}
		if j >= len(data) {
			return 0, fmt.Errorf("unterminated integer at %d", start)
		}
		return j + 1, nil

	case 'l', 'd':
		j := start + 1
		for j < len(data) && data[j] != 'e' {
			next, err := bencodeValueEnd(data, j)
			if err != nil {
				return 0, err
			}
			if data[start] == 'd' {
				// dict: next was the key (a string); parse the value too.
				next, err = bencodeValueEnd(data, next)
				if err != nil {
					return 0, err
				}
			}
			j = next
		}
		if j >= len(data) {
			return 0, fmt.Errorf("unterminated list/dict at %d", start)
		}
		return j + 1, nil

	default:
		if data[start] < '0' || data[start] > '9' {
			return 0, fmt.Errorf("unexpected byte %q at %d", data[start], start)
		}
		j := start
		for j < len(data) && data[j] >= '0' && data[j] <= '9' {
			j++
		}
		if j >= len(data) || data[j] != ':' {
			return 0, fmt.Errorf("malformed string length at %d", start)
		}
		length, err := parseUint(data[start:j])
		if err != nil {
			return 0, err
		}
		valStart := j + 1
		valEnd := valStart + length
		if valEnd > len(data) {
			return 0, fmt.Errorf("string value out of bounds at %d", start)
		}
		return valEnd, nil
	}
}

func parseUint(b []byte) (int, error) {
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid digit %q", c)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
