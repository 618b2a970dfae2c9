package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"leech/internal/bitfield"
	"leech/internal/peerwire"
)

// serverHandshake plays the part of a remote peer during the handshake
// step of the client/server net.Pipe() pair used throughout this file.
func serverHandshake(t *testing.T, conn net.Conn, infoHash, remoteID [20]byte) {
	t.Helper()
	_, err := peerwire.ReadHandshake(conn, infoHash)
	require.NoError(t, err)
	require.NoError(t, peerwire.Handshake{InfoHash: infoHash, PeerID: remoteID}.Encode(conn))
}

func TestSessionHandshakeAndExplicitBitfield(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	infoHash := [20]byte{1, 2, 3}
	localID := [20]byte{9}
	remoteID := [20]byte{8}

	done := make(chan *Session, 1)
	errc := make(chan error, 1)
	go func() {
		s := newFromConn(client, "peer:1", infoHash, localID, 4)
		if err := s.handshake(); err != nil {
			errc <- err
			return
		}
		if err := s.awaitInitialBitfield(4); err != nil {
			errc <- err
			return
		}
		done <- s
	}()

	serverHandshake(t, server, infoHash, remoteID)
	bf := bitfield.New(4)
	bf.Set(1)
	bf.Set(3)
	require.NoError(t, peerwire.Encode(server, peerwire.NewBitfieldMsg(bf.Bytes())))

	select {
	case s := <-done:
		require.True(t, s.HasPiece(1))
		require.True(t, s.HasPiece(3))
		require.False(t, s.HasPiece(0))
	case err := <-errc:
		t.Fatalf("session setup failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestSessionFirstNonBitfieldMessageIsDeliveredToRecv(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	infoHash := [20]byte{1}
	s := newFromConn(client, "peer:2", infoHash, [20]byte{2}, 4)

	go func() {
		serverHandshake(t, server, infoHash, [20]byte{3})
		peerwire.Encode(server, peerwire.NewUnchoke())
	}()

	require.NoError(t, s.handshake())
	require.NoError(t, s.awaitInitialBitfield(4))

	msg, err := s.Recv()
	require.NoError(t, err)
	require.Equal(t, peerwire.Unchoke, msg.ID)
	require.False(t, s.Choked())

	// No bitfield was ever sent; the peer's claims are all false.
	require.False(t, s.HasPiece(0))
}

func TestSessionRejectsSecondBitfield(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	infoHash := [20]byte{1}
	s := newFromConn(client, "peer:3", infoHash, [20]byte{2}, 4)

	go func() {
		serverHandshake(t, server, infoHash, [20]byte{3})
		peerwire.Encode(server, peerwire.NewBitfieldMsg(bitfield.New(4).Bytes()))
		peerwire.Encode(server, peerwire.NewBitfieldMsg(bitfield.New(4).Bytes()))
	}()

	require.NoError(t, s.handshake())
	require.NoError(t, s.awaitInitialBitfield(4))

	_, err := s.Recv()
	require.Error(t, err)
}

func TestSessionIgnoresLeechOnlyMessages(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	infoHash := [20]byte{1}
	s := newFromConn(client, "peer:4", infoHash, [20]byte{2}, 4)

	go func() {
		serverHandshake(t, server, infoHash, [20]byte{3})
		peerwire.Encode(server, peerwire.NewBitfieldMsg(bitfield.New(4).Bytes()))
		peerwire.Encode(server, peerwire.NewInterested())
		peerwire.Encode(server, peerwire.NewRequest(0, 0, 16384))
		peerwire.Encode(server, peerwire.NewCancel(0, 0, 16384))
	}()

	require.NoError(t, s.handshake())
	require.NoError(t, s.awaitInitialBitfield(4))

	for i := 0; i < 3; i++ {
		_, err := s.Recv()
		require.NoError(t, err)
	}
}

func TestSessionChokeState(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	infoHash := [20]byte{1}
	s := newFromConn(client, "peer:5", infoHash, [20]byte{2}, 4)
	require.True(t, s.Choked())

	go func() {
		serverHandshake(t, server, infoHash, [20]byte{3})
		peerwire.Encode(server, peerwire.NewBitfieldMsg(bitfield.New(4).Bytes()))
		peerwire.Encode(server, peerwire.NewUnchoke())
		peerwire.Encode(server, peerwire.NewChoke())
	}()

	require.NoError(t, s.handshake())
	require.NoError(t, s.awaitInitialBitfield(4))

	_, err := s.Recv()
	require.NoError(t, err)
	require.False(t, s.Choked())

	_, err = s.Recv()
	require.NoError(t, err)
	require.True(t, s.Choked())
}
