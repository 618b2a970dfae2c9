package peerwire

import (
	"bytes"
	"fmt"
	"io"
)

const (
	protocolString = "BitTorrent protocol"
	pstrlen        = byte(len(protocolString))

	// HandshakeLen is the fixed size of a handshake frame in bytes.
	HandshakeLen = 1 + len(protocolString) + 8 + 20 + 20
)

// Handshake is the fixed 68-byte frame exchanged before any other peer
// wire traffic: pstrlen, pstr, 8 reserved zero bytes, info hash, peer id.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode writes the 68-byte handshake frame to w.
func (h Handshake) Encode(w io.Writer) error {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, pstrlen)
	buf = append(buf, protocolString...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)

	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads exactly one handshake frame from r and validates it
// against expectedInfoHash. The remote peer id is returned but never
// validated, per spec.
func ReadHandshake(r io.Reader, expectedInfoHash [20]byte) (Handshake, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return Handshake{}, fmt.Errorf("peerwire: reading pstrlen: %w", err)
	}
	if lenByte[0] != pstrlen {
		return Handshake{}, fmt.Errorf("peerwire: unexpected pstrlen %d", lenByte[0])
	}

	rest := make([]byte, int(pstrlen)+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, fmt.Errorf("peerwire: reading handshake body: %w", err)
	}

	pstr := rest[:pstrlen]
	if !bytes.Equal(pstr, []byte(protocolString)) {
		return Handshake{}, fmt.Errorf("peerwire: unexpected protocol string %q", pstr)
	}

	var hs Handshake
	offset := int(pstrlen) + 8
	copy(hs.InfoHash[:], rest[offset:offset+20])
	copy(hs.PeerID[:], rest[offset+20:offset+40])

	if hs.InfoHash != expectedInfoHash {
		return Handshake{}, fmt.Errorf("peerwire: info hash mismatch: got %x want %x", hs.InfoHash, expectedInfoHash)
	}

	return hs, nil
}
