package wire

import (
	"encoding/binary"
	"io"

	"github.com/caldera-so/torrentcore/torrenterr"
)

// MessageID identifies a peer message's type, per the core BitTorrent
// wire protocol (ids 0-9; a zero-length message is a keep-alive and has
// no id).
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgPort          MessageID = 9
)

// BlockSize is the fixed block length requested of and sent by peers.
const BlockSize = 16 * 1024

// Message is a single parsed peer wire message. A nil Message denotes a
// keep-alive.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Encode returns the length-prefixed wire form of msg. A nil msg encodes
// to a keep-alive (a bare 4-byte zero length).
func (msg *Message) Encode() []byte {
	if msg == nil {
		return []byte{0, 0, 0, 0}
	}
	length := uint32(len(msg.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// WriteMessage writes msg (nil for keep-alive) to w.
func WriteMessage(w io.Writer, msg *Message) error {
	if _, err := w.Write(msg.Encode()); err != nil {
		return &torrenterr.IOFailedError{Op: "write message", Cause: err}
	}
	return nil
}

// ReadMessage reads one frame from r. It returns (nil, nil) for a
// keep-alive so callers can distinguish "no message yet" from EOF.
func ReadMessage(r io.Reader) (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length == 0 {
		return nil, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// ReadNonKeepAlive reads frames from r until a non-keep-alive message
// arrives.
func ReadNonKeepAlive(r io.Reader) (*Message, error) {
	for {
		msg, err := ReadMessage(r)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

func simple(id MessageID) *Message { return &Message{ID: id} }

func Choke() *Message          { return simple(MsgChoke) }
func Unchoke() *Message        { return simple(MsgUnchoke) }
func Interested() *Message     { return simple(MsgInterested) }
func NotInterested() *Message  { return simple(MsgNotInterested) }

// Have returns a "have" message announcing a completed piece index.
func Have(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{ID: MsgHave, Payload: payload}
}

// Bitfield returns a bitfield message carrying bf's raw bytes.
func Bitfield(bf []byte) *Message {
	return &Message{ID: MsgBitfield, Payload: bf}
}

// Request returns a request message for one 16 KiB-aligned block.
func Request(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return &Message{ID: MsgRequest, Payload: payload}
}

// Cancel returns a cancel message for an outstanding request.
func Cancel(index, begin, length uint32) *Message {
	m := Request(index, begin, length)
	m.ID = MsgCancel
	return m
}

// ParseHave extracts the piece index from a "have" message.
func ParseHave(msg *Message) (uint32, error) {
	if msg.ID != MsgHave || len(msg.Payload) != 4 {
		return 0, &torrenterr.ProtocolViolationError{Detail: "malformed have message"}
	}
	return binary.BigEndian.Uint32(msg.Payload), nil
}

// ParseRequest extracts the (index, begin, length) fields from a
// request or cancel message.
func ParseRequest(msg *Message) (index, begin, length uint32, err error) {
	if len(msg.Payload) != 12 {
		return 0, 0, 0, &torrenterr.ProtocolViolationError{Detail: "malformed request message"}
	}
	index = binary.BigEndian.Uint32(msg.Payload[0:4])
	begin = binary.BigEndian.Uint32(msg.Payload[4:8])
	length = binary.BigEndian.Uint32(msg.Payload[8:12])
	return index, begin, length, nil
}

// PieceBlock is the parsed payload of a "piece" message.
type PieceBlock struct {
	Index uint32
	Begin uint32
	Data  []byte
}

// ParsePiece extracts the (index, begin, data) fields from a piece
// message.
func ParsePiece(msg *Message) (PieceBlock, error) {
	if msg.ID != MsgPiece || len(msg.Payload) < 8 {
		return PieceBlock{}, &torrenterr.ProtocolViolationError{Detail: "malformed piece message"}
	}
	return PieceBlock{
		Index: binary.BigEndian.Uint32(msg.Payload[0:4]),
		Begin: binary.BigEndian.Uint32(msg.Payload[4:8]),
		Data:  msg.Payload[8:],
	}, nil
}
