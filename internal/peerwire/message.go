// Package peerwire implements the BitTorrent handshake and peer message
// wire codecs: the fixed 68-byte handshake frame and the length-prefixed
// message stream described in spec.md §4.2/§4.3.
package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID identifies the kind of a peer wire message.
type MessageID byte

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Block
	Cancel

	// keepAliveID is never sent on the wire; it marks a Message built by
	// NewKeepAlive so callers can still switch on msg.ID.
	keepAliveID MessageID = 0xFF
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Block:
		return "piece"
	case Cancel:
		return "cancel"
	case keepAliveID:
		return "keep_alive"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// Message is a tagged-variant peer wire message. Only the fields
// relevant to ID are meaningful; a stateless codec populates and reads
// them rather than modelling each variant as its own type.
type Message struct {
	ID MessageID

	// Index is the piece index for Have, Request, Block and Cancel.
	Index uint32
	// Begin is the byte offset within the piece for Request, Block and Cancel.
	Begin uint32
	// Length is the requested block length for Request and Cancel.
	Length uint32

	// BitfieldBytes carries the raw bitfield payload for Bitfield messages.
	BitfieldBytes []byte
	// BlockData carries the block payload for Block (piece) messages.
	BlockData []byte

	// IsKeepAlive marks a zero-length keep-alive message.
	IsKeepAlive bool
}

// NewKeepAlive returns a keep-alive message (zero-length frame, no id).
func NewKeepAlive() Message { return Message{ID: keepAliveID, IsKeepAlive: true} }

// NewChoke, NewUnchoke, NewInterested and NewNotInterested build the four
// empty-payload messages.
func NewChoke() Message         { return Message{ID: Choke} }
func NewUnchoke() Message       { return Message{ID: Unchoke} }
func NewInterested() Message    { return Message{ID: Interested} }
func NewNotInterested() Message { return Message{ID: NotInterested} }

// NewHave builds a Have message announcing piece index.
func NewHave(index uint32) Message { return Message{ID: Have, Index: index} }

// NewBitfieldMsg builds a Bitfield message carrying raw.
func NewBitfieldMsg(raw []byte) Message { return Message{ID: Bitfield, BitfieldBytes: raw} }

// NewRequest builds a Request message for the given block.
func NewRequest(index, begin, length uint32) Message {
	return Message{ID: Request, Index: index, Begin: begin, Length: length}
}

// NewCancel builds a Cancel message for the given block.
func NewCancel(index, begin, length uint32) Message {
	return Message{ID: Cancel, Index: index, Begin: begin, Length: length}
}

// NewBlock builds a Block ("piece") message carrying data.
func NewBlock(index, begin uint32, data []byte) Message {
	return Message{ID: Block, Index: index, Begin: begin, BlockData: data}
}

// MaxMessageLen bounds the accepted length prefix to guard against a
// malicious or corrupt peer claiming an absurd payload size.
const MaxMessageLen = 1 << 20

// Encode writes msg's wire representation (4-byte big-endian length
// prefix followed by id+payload, or just a zero length prefix for
// keep-alive) to w.
func Encode(w io.Writer, msg Message) error {
	if msg.IsKeepAlive {
		var lenBuf [4]byte
		_, err := w.Write(lenBuf[:])
		return err
	}

	var payload []byte
	switch msg.ID {
	case Choke, Unchoke, Interested, NotInterested:
		// no payload
	case Have:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, msg.Index)
	case Bitfield:
		payload = msg.BitfieldBytes
	case Request, Cancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], msg.Index)
		binary.BigEndian.PutUint32(payload[4:8], msg.Begin)
		binary.BigEndian.PutUint32(payload[8:12], msg.Length)
	case Block:
		payload = make([]byte, 8+len(msg.BlockData))
		binary.BigEndian.PutUint32(payload[0:4], msg.Index)
		binary.BigEndian.PutUint32(payload[4:8], msg.Begin)
		copy(payload[8:], msg.BlockData)
	default:
		return fmt.Errorf("peerwire: encode: unknown message id %d", msg.ID)
	}

	frame := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(payload)))
	frame[4] = byte(msg.ID)
	copy(frame[5:], payload)

	_, err := w.Write(frame)
	return err
}

// Decode reads exactly one message frame from r: a 4-byte length prefix
// followed by that many bytes. It blocks until the full frame has
// arrived, matching the "only advances once the full message is
// present" contract from a streaming Reader's perspective.
func Decode(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("peerwire: reading length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	if length == 0 {
		return NewKeepAlive(), nil
	}
	if length > MaxMessageLen {
		return Message{}, fmt.Errorf("peerwire: message too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("peerwire: reading payload: %w", err)
	}

	return decodePayload(MessageID(payload[0]), payload[1:])
}

// DecodeBuffer attempts to decode one message from buf, a buffer that
// may not yet hold a complete frame. It returns ok=false without
// consuming anything when fewer than 4+length bytes are available,
// matching spec.md §4.3's decoder contract; n is the number of bytes
// consumed from buf on success.
func DecodeBuffer(buf []byte) (msg Message, n int, ok bool, err error) {
	if len(buf) < 4 {
		return Message{}, 0, false, nil
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if uint64(len(buf)) < 4+uint64(length) {
		return Message{}, 0, false, nil
	}
	if length > MaxMessageLen {
		return Message{}, 0, false, fmt.Errorf("peerwire: message too large: %d bytes", length)
	}

	total := 4 + int(length)
	if length == 0 {
		return NewKeepAlive(), total, true, nil
	}

	payload := buf[4:total]
	msg, err = decodePayload(MessageID(payload[0]), payload[1:])
	if err != nil {
		return Message{}, 0, false, err
	}
	return msg, total, true, nil
}

func decodePayload(id MessageID, payload []byte) (Message, error) {
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if len(payload) != 0 {
			return Message{}, fmt.Errorf("peerwire: %s: unexpected %d trailing bytes", id, len(payload))
		}
		return Message{ID: id}, nil

	case Have:
		if len(payload) != 4 {
			return Message{}, fmt.Errorf("peerwire: have: expected 4 byte payload, got %d", len(payload))
		}
		return Message{ID: Have, Index: binary.BigEndian.Uint32(payload)}, nil

	case Bitfield:
		raw := make([]byte, len(payload))
		copy(raw, payload)
		return Message{ID: Bitfield, BitfieldBytes: raw}, nil

	case Request, Cancel:
		if len(payload) != 12 {
			return Message{}, fmt.Errorf("peerwire: %s: expected 12 byte payload, got %d", id, len(payload))
		}
		return Message{
			ID:     id,
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil

	case Block:
		if len(payload) < 8 {
			return Message{}, fmt.Errorf("peerwire: piece: payload too short: %d bytes", len(payload))
		}
		data := make([]byte, len(payload)-8)
		copy(data, payload[8:])
		return Message{
			ID:        Block,
			Index:     binary.BigEndian.Uint32(payload[0:4]),
			Begin:     binary.BigEndian.Uint32(payload[4:8]),
			BlockData: data,
		}, nil

	default:
		return Message{}, fmt.Errorf("peerwire: unknown message id %d", byte(id))
	}
}
