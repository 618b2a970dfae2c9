// Package peer implements PeerSession: ownership of one TCP connection
// to a remote peer, driving the handshake, initial bitfield exchange and
// the wire message loop described in spec.md §4.4.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"leech/internal/bitfield"
	"leech/internal/logx"
	"leech/internal/peerwire"
)

// Timeouts from spec.md §4.4/§4.5.
const (
	ConnectTimeout   = 5 * time.Second
	HandshakeTimeout = 5 * time.Second
	IdleTimeout      = 30 * time.Second
)

// State is a PeerSession's position in its lifecycle state machine.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateHandshakeSent
	StateHandshakeRecv
	StateBitfieldRecv
	StateActive
	StateClosed
)

// ErrProtocolViolation marks any message-level violation of the wire
// protocol: an unknown message id, a second Bitfield message, or a
// malformed payload. Per spec.md §7 this is a session-terminal error.
var ErrProtocolViolation = errors.New("peer: protocol violation")

// Session owns one TCP connection and the framed codecs on top of it.
// It must not be used concurrently from more than one goroutine.
type Session struct {
	conn  net.Conn
	addr  string
	state State

	localPeerID [20]byte
	infoHash    [20]byte

	remoteBitfield bitfield.Bitfield
	chokedByRemote bool

	// pending holds one message read ahead during the initial bitfield
	// exchange (spec.md §4.4 step 4: a non-Bitfield first message is
	// still delivered as the first Active-state message).
	pending *peerwire.Message

	log *logrus.Entry
}

// Dial opens addr, performs the handshake and the initial bitfield
// exchange, returning a Session in StateActive.
func Dial(ctx context.Context, addr string, infoHash, localPeerID [20]byte, numPieces int) (*Session, error) {
	s := &Session{
		addr:           addr,
		state:          StateConnecting,
		localPeerID:    localPeerID,
		infoHash:       infoHash,
		remoteBitfield: bitfield.New(numPieces),
		chokedByRemote: true,
		log:            logx.Peer(addr),
	}

	dialer := net.Dialer{Timeout: ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.state = StateClosed
		return nil, fmt.Errorf("peer %s: connecting: %w", addr, err)
	}
	s.conn = conn

	if err := s.handshake(); err != nil {
		conn.Close()
		s.state = StateClosed
		return nil, err
	}

	if err := s.awaitInitialBitfield(numPieces); err != nil {
		conn.Close()
		s.state = StateClosed
		return nil, err
	}

	s.state = StateActive
	s.log.Debug("session active")
	return s, nil
}

// newFromConn builds a Session around an already-connected net.Conn,
// skipping the dial step. Used by this package's tests to drive a Session
// over net.Pipe() in place of a real TCP socket.
func newFromConn(conn net.Conn, addr string, infoHash, localPeerID [20]byte, numPieces int) *Session {
	return &Session{
		conn:           conn,
		addr:           addr,
		state:          StateConnecting,
		localPeerID:    localPeerID,
		infoHash:       infoHash,
		remoteBitfield: bitfield.New(numPieces),
		chokedByRemote: true,
		log:            logx.Peer(addr),
	}
}

func (s *Session) handshake() error {
	s.state = StateHandshakeSent
	if err := s.conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return fmt.Errorf("peer %s: setting handshake deadline: %w", s.addr, err)
	}

	hs := peerwire.Handshake{InfoHash: s.infoHash, PeerID: s.localPeerID}
	if err := hs.Encode(s.conn); err != nil {
		return fmt.Errorf("peer %s: sending handshake: %w", s.addr, err)
	}

	s.state = StateHandshakeRecv
	if _, err := peerwire.ReadHandshake(s.conn, s.infoHash); err != nil {
		return fmt.Errorf("peer %s: reading handshake: %w", s.addr, err)
	}

	return nil
}

// awaitInitialBitfield implements spec.md §4.4 step 4: read messages
// until the first non-keepalive one. If it is Bitfield, accept it as the
// peer's full bitfield; otherwise initialize an all-zero bitfield and
// deliver that message as the first Active-state message. Have messages
// arriving before the transition are applied directly.
func (s *Session) awaitInitialBitfield(numPieces int) error {
	s.state = StateBitfieldRecv

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(IdleTimeout)); err != nil {
			return fmt.Errorf("peer %s: setting read deadline: %w", s.addr, err)
		}
		msg, err := peerwire.Decode(s.conn)
		if err != nil {
			return fmt.Errorf("peer %s: reading first message: %w", s.addr, err)
		}
		if msg.IsKeepAlive {
			continue
		}

		switch msg.ID {
		case peerwire.Bitfield:
			bf, err := bitfield.FromBytes(msg.BitfieldBytes, numPieces)
			if err != nil {
				return fmt.Errorf("%w: peer %s: %v", ErrProtocolViolation, s.addr, err)
			}
			s.remoteBitfield = bf
			return nil

		case peerwire.Have:
			s.remoteBitfield.Set(int(msg.Index))
			continue

		default:
			m := msg
			s.pending = &m
			return nil
		}
	}
}

// Send writes msg to the peer.
func (s *Session) Send(msg peerwire.Message) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(IdleTimeout)); err != nil {
		return fmt.Errorf("peer %s: setting write deadline: %w", s.addr, err)
	}
	if err := peerwire.Encode(s.conn, msg); err != nil {
		return fmt.Errorf("peer %s: sending %s: %w", s.addr, msg.ID, err)
	}
	return nil
}

// Recv reads and applies the next message, updating choke/bitfield state
// per spec.md §4.4 step 5, then returns it to the caller so a
// PieceDownloader can react to Block payloads.
func (s *Session) Recv() (peerwire.Message, error) {
	if s.pending != nil {
		msg := *s.pending
		s.pending = nil
		s.applyMessage(msg)
		return msg, nil
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(IdleTimeout)); err != nil {
		return peerwire.Message{}, fmt.Errorf("peer %s: setting read deadline: %w", s.addr, err)
	}
	msg, err := peerwire.Decode(s.conn)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) ||
			errors.Is(err, net.ErrClosed) || errors.As(err, &netErr) {
			return peerwire.Message{}, fmt.Errorf("peer %s: %w", s.addr, err)
		}
		// Any other decode error is a malformed frame (unknown id, bad
		// payload length, oversized length prefix).
		return peerwire.Message{}, fmt.Errorf("%w: peer %s: %v", ErrProtocolViolation, s.addr, err)
	}
	if msg.IsKeepAlive {
		return msg, nil
	}

	if msg.ID == peerwire.Bitfield {
		return peerwire.Message{}, fmt.Errorf("%w: peer %s: bitfield after initial exchange", ErrProtocolViolation, s.addr)
	}

	s.applyMessage(msg)
	return msg, nil
}

func (s *Session) applyMessage(msg peerwire.Message) {
	switch msg.ID {
	case peerwire.Choke:
		s.chokedByRemote = true
		s.log.Debug("choked")
	case peerwire.Unchoke:
		s.chokedByRemote = false
		s.log.Debug("unchoked")
	case peerwire.Have:
		s.remoteBitfield.Set(int(msg.Index))
	case peerwire.Request, peerwire.Cancel, peerwire.Interested, peerwire.NotInterested:
		// Leech-only: recorded but never acted upon.
		s.log.Debugf("received %s, ignoring (leech-only)", msg.ID)
	}
}

// Choked reports whether the remote peer currently chokes us.
func (s *Session) Choked() bool { return s.chokedByRemote }

// HasPiece reports whether the remote peer's bitfield claims piece i.
func (s *Session) HasPiece(i int) bool { return s.remoteBitfield.Get(i) }

// Addr returns the remote peer's address, for logging and progress output.
func (s *Session) Addr() string { return s.addr }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state }

// Close releases the underlying TCP connection.
func (s *Session) Close() error {
	s.state = StateClosed
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
