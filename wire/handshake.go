// Package wire implements the peer wire protocol: the fixed handshake
// and the length-prefixed message framing that follows it, plus the
// bitfield representation exchanged in the bitfield/have messages.
package wire

import (
	"bytes"
	"io"

	"github.com/caldera-so/torrentcore/torrenterr"
)

// Protocol is the protocol name string sent in every handshake.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the fixed wire size of a handshake message: pstrlen,
// pstr, 8 reserved bytes, info hash, peer id.
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// Handshake is the decoded form of a 68-byte handshake message.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode returns the 68-byte wire form of h.
func (h Handshake) Encode() []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	// 8 reserved bytes are left zero: no extension support is advertised.
	copy(buf[1+len(Protocol)+8:], h.InfoHash[:])
	copy(buf[1+len(Protocol)+8+20:], h.PeerID[:])
	return buf
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	if _, err := w.Write(h.Encode()); err != nil {
		return &torrenterr.IOFailedError{Op: "write handshake", Cause: err}
	}
	return nil
}

// ReadHandshake reads and validates a handshake from r, checking the
// protocol name and that the info hash matches wantInfoHash.
func ReadHandshake(r io.Reader, wantInfoHash [20]byte) (Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, &torrenterr.HandshakeFailedError{Reason: "could not read handshake: " + err.Error()}
	}

	pstrlen := int(buf[0])
	if pstrlen != len(Protocol) {
		return Handshake{}, &torrenterr.HandshakeFailedError{Reason: "unexpected protocol string length"}
	}
	if !bytes.Equal(buf[1:1+pstrlen], []byte(Protocol)) {
		return Handshake{}, &torrenterr.HandshakeFailedError{Reason: "unexpected protocol string"}
	}

	var h Handshake
	copy(h.InfoHash[:], buf[1+pstrlen+8:1+pstrlen+8+20])
	copy(h.PeerID[:], buf[1+pstrlen+8+20:1+pstrlen+8+40])
	if h.InfoHash != wantInfoHash {
		return Handshake{}, &torrenterr.HandshakeFailedError{Reason: "info hash mismatch"}
	}
	return h, nil
}
