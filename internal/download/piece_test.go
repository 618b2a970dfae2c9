package download

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"leech/internal/peer"
	"leech/internal/peerwire"
)

// servePiece plays a cooperative remote peer: answers every Request with
// a matching Block cut from data.
func servePiece(t *testing.T, conn net.Conn, data []byte) {
	t.Helper()
	for {
		msg, err := peerwire.Decode(conn)
		if err != nil {
			return
		}
		if msg.ID != peerwire.Request {
			continue
		}
		block := data[msg.Begin : msg.Begin+msg.Length]
		if err := peerwire.Encode(conn, peerwire.NewBlock(msg.Index, msg.Begin, block)); err != nil {
			return
		}
	}
}

// acceptAndHandshake plays the server side of one handshake plus an
// initial Bitfield/Unchoke pair, then hands the connection to serve for
// the rest of the test.
func acceptAndHandshake(t *testing.T, ln net.Listener, infoHash [20]byte, serve func(net.Conn)) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)

	_, err = peerwire.ReadHandshake(conn, infoHash)
	require.NoError(t, err)
	require.NoError(t, peerwire.Handshake{InfoHash: infoHash, PeerID: [20]byte{7}}.Encode(conn))

	require.NoError(t, peerwire.Encode(conn, peerwire.NewBitfieldMsg([]byte{0xFF})))
	require.NoError(t, peerwire.Encode(conn, peerwire.NewUnchoke()))

	serve(conn)
}

func newListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func dialSession(t *testing.T, ln net.Listener, infoHash [20]byte) *peer.Session {
	t.Helper()
	s, err := peer.Dial(context.Background(), ln.Addr().String(), infoHash, [20]byte{1}, 1)
	require.NoError(t, err)

	msg, err := s.Recv() // consumes the Unchoke queued by acceptAndHandshake
	require.NoError(t, err)
	require.Equal(t, peerwire.Unchoke, msg.ID)
	require.False(t, s.Choked())

	return s
}

func TestFetchPieceHappyPath(t *testing.T) {
	data := make([]byte, 40000) // spans more than one 16KiB block
	for i := range data {
		data[i] = byte(i)
	}
	hash := sha1.Sum(data)

	ln := newListener(t)
	defer ln.Close()
	infoHash := [20]byte{5}

	go acceptAndHandshake(t, ln, infoHash, func(conn net.Conn) {
		servePiece(t, conn, data)
	})

	s := dialSession(t, ln, infoHash)
	defer s.Close()

	buf, err := FetchPiece(s, Work{Index: 0, Hash: hash, Length: uint32(len(data))})
	require.NoError(t, err)
	require.Equal(t, data, buf)
}

func TestFetchPieceIntegrityMismatch(t *testing.T) {
	data := make([]byte, 100)
	var wrongHash [20]byte

	ln := newListener(t)
	defer ln.Close()
	infoHash := [20]byte{6}

	go acceptAndHandshake(t, ln, infoHash, func(conn net.Conn) {
		servePiece(t, conn, data)
	})

	s := dialSession(t, ln, infoHash)
	defer s.Close()

	_, err := FetchPiece(s, Work{Index: 0, Hash: wrongHash, Length: uint32(len(data))})
	require.ErrorIs(t, err, ErrIntegrityMismatch)
}

func TestFetchPieceReissuesAfterChoke(t *testing.T) {
	data := make([]byte, 50)
	for i := range data {
		data[i] = byte(i + 1)
	}
	hash := sha1.Sum(data)

	ln := newListener(t)
	defer ln.Close()
	infoHash := [20]byte{9}

	go acceptAndHandshake(t, ln, infoHash, func(conn net.Conn) {
		msg, err := peerwire.Decode(conn)
		require.NoError(t, err)
		require.Equal(t, peerwire.Request, msg.ID)

		// Choke before answering; the downloader must reset and reissue
		// once unchoked again.
		require.NoError(t, peerwire.Encode(conn, peerwire.NewChoke()))
		require.NoError(t, peerwire.Encode(conn, peerwire.NewUnchoke()))

		servePiece(t, conn, data)
	})

	s := dialSession(t, ln, infoHash)
	defer s.Close()

	buf, err := FetchPiece(s, Work{Index: 0, Hash: hash, Length: uint32(len(data))})
	require.NoError(t, err)
	require.Equal(t, data, buf)
}
