// Package peer implements one peer wire-protocol session: the TCP
// handshake, the read loop that turns wire frames into events for the
// coordinator, and the choke/interest state machine that gates outbound
// requests.
//
// A Session publishes everything it observes onto a single channel
// (its "mailbox") instead of calling back into the coordinator
// directly, so the coordinator can serialise all peer events onto one
// goroutine without holding a lock over peer state.
package peer

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/caldera-so/torrentcore/torrenterr"
	"github.com/caldera-so/torrentcore/wire"
)

const (
	// ConnectTimeout bounds the TCP dial and the handshake exchange that
	// follows it.
	ConnectTimeout = 10 * time.Second
	// KeepAliveInterval is how often a Session sends a keep-alive frame;
	// one is sent every interval whether or not other frames went out in
	// between.
	KeepAliveInterval = 120 * time.Second
)

// EventKind identifies the kind of an Event published to a Session's
// mailbox.
type EventKind int

const (
	EventReady EventKind = iota
	EventChoke
	EventUnchoke
	EventInterested
	EventNotInterested
	EventHave
	EventBitfield
	EventPiece
	EventDisconnected
	EventError
)

// Event is one observation a Session publishes to its mailbox.
type Event struct {
	Kind  EventKind
	Peer  *Session
	Have  uint32
	Field wire.Bitset
	Block wire.PieceBlock
	Err   error
}

// State is the mutable choke/interest state a session tracks locally.
type State struct {
	AmChoked       bool
	AmInterested   bool
	PeerChoked     bool
	PeerInterested bool
}

// Session is one connection to one remote peer.
type Session struct {
	Addr       string
	PeerID     [20]byte
	State      State
	Has        wire.Bitset
	Downloaded int64 // bytes received from this peer; coordinator-maintained

	conn    net.Conn
	mailbox chan<- Event
	log     zerolog.Logger
	done    chan struct{}
}

// Dial connects to addr, performs the handshake, then starts the read
// loop publishing events to mailbox. It returns once the handshake
// completes or fails; the first event the read loop emits is Ready.
func Dial(ctx context.Context, addr string, infoHash, localPeerID [20]byte, mailbox chan<- Event) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &torrenterr.PeerConnectFailedError{Addr: addr, Cause: err}
	}
	conn.SetDeadline(time.Now().Add(ConnectTimeout))

	if err := wire.WriteHandshake(conn, wire.Handshake{InfoHash: infoHash, PeerID: localPeerID}); err != nil {
		conn.Close()
		return nil, err
	}
	hs, err := wire.ReadHandshake(conn, infoHash)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	s := &Session{
		Addr:    addr,
		PeerID:  hs.PeerID,
		State:   State{AmChoked: true, PeerChoked: true},
		conn:    conn,
		mailbox: mailbox,
		log:     log.With().Str("component", "peer").Str("addr", addr).Logger(),
		done:    make(chan struct{}),
	}

	go s.run()
	return s, nil
}

// Close terminates the session, closing its socket.
func (s *Session) Close() {
	s.conn.Close()
}

func (s *Session) publish(e Event) {
	e.Peer = s
	select {
	case s.mailbox <- e:
	case <-s.done:
	}
}

// run is the session's read loop: it emits Ready, then reads frames
// until the connection closes or a protocol violation occurs, emitting
// the corresponding event for each, and emits Disconnected or Error on
// exit.
func (s *Session) run() {
	defer close(s.done)
	defer s.conn.Close()

	s.publish(Event{Kind: EventReady})

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()
	go s.keepAliveLoop(keepAlive)

	for {
		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.publish(Event{Kind: EventDisconnected})
			} else {
				s.publish(Event{Kind: EventError, Err: err})
			}
			return
		}
		if msg == nil {
			continue // keep-alive
		}
		if err := s.handle(msg); err != nil {
			s.publish(Event{Kind: EventError, Err: err})
			return
		}
	}
}

func (s *Session) keepAliveLoop(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
			if err := wire.WriteMessage(s.conn, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) handle(msg *wire.Message) error {
	switch msg.ID {
	case wire.MsgChoke:
		s.State.AmChoked = true
		s.publish(Event{Kind: EventChoke})
	case wire.MsgUnchoke:
		s.State.AmChoked = false
		s.publish(Event{Kind: EventUnchoke})
	case wire.MsgInterested:
		s.State.PeerInterested = true
		s.publish(Event{Kind: EventInterested})
	case wire.MsgNotInterested:
		s.State.PeerInterested = false
		s.publish(Event{Kind: EventNotInterested})
	case wire.MsgHave:
		index, err := wire.ParseHave(msg)
		if err != nil {
			return err
		}
		if s.Has != nil {
			s.Has.Set(int(index))
		}
		s.publish(Event{Kind: EventHave, Have: index})
	case wire.MsgBitfield:
		s.Has = wire.Bitset(msg.Payload)
		s.publish(Event{Kind: EventBitfield, Field: s.Has})
	case wire.MsgPiece:
		block, err := wire.ParsePiece(msg)
		if err != nil {
			return err
		}
		s.publish(Event{Kind: EventPiece, Block: block})
	case wire.MsgRequest, wire.MsgCancel, wire.MsgPort:
		// accepted but ignored: this core never serves pieces.
	default:
		s.log.Debug().Uint8("id", uint8(msg.ID)).Msg("ignoring unknown message id")
	}
	return nil
}

// SendInterested declares interest in the peer's pieces.
func (s *Session) SendInterested() error {
	s.State.AmInterested = true
	return wire.WriteMessage(s.conn, wire.Interested())
}

// RequestPiece issues ceil(size/16384) pipelined block requests
// covering piece index.
func (s *Session) RequestPiece(index int, size int64) error {
	if s.State.AmChoked || !s.State.AmInterested {
		return &torrenterr.ProtocolViolationError{Detail: "cannot request while choked or not interested"}
	}
	for begin := int64(0); begin < size; begin += wire.BlockSize {
		length := int64(wire.BlockSize)
		if begin+length > size {
			length = size - begin
		}
		if err := wire.WriteMessage(s.conn, wire.Request(uint32(index), uint32(begin), uint32(length))); err != nil {
			return err
		}
	}
	return nil
}
