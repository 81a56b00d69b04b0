package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"

	"github.com/cenkalti/backoff/v4"

	"github.com/caldera-so/torrentcore/metainfo"
	"github.com/caldera-so/torrentcore/torrenterr"
)

// udpProtocolMagic is the fixed connection id used to open a BEP 15
// connect transaction.
const udpProtocolMagic uint64 = 0x41727101980

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3
)

var udpEventCode = map[Event]uint32{
	EventNone:      0,
	EventCompleted: 1,
	EventStarted:   2,
	EventStopped:   3,
}

func (c *Client) announceUDP(ctx context.Context, u *url.URL, meta *metainfo.TorrentMeta, event Event, stats Stats) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, udpTimeout)
	defer cancel()

	conn, err := net.Dial("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("dialing udp tracker %s: %w", u.Host, err)
	}
	defer conn.Close()

	var peers []string
	op := func() error {
		connID, err := udpConnect(ctx, conn)
		if err != nil {
			return err
		}
		p, err := udpAnnounce(ctx, conn, connID, meta, event, stats, c.peerID)
		if err != nil {
			return err
		}
		peers = p
		return nil
	}

	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("udp tracker %s: %w", u.Host, err)
	}
	return peers, nil
}

func deadlineFromContext(ctx context.Context, conn net.Conn) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
}

func randomTransactionID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// encodeConnectRequest builds the fixed 16-byte BEP 15 connect request:
// the protocol magic, the connect action, and the caller's transaction
// id.
func encodeConnectRequest(txID uint32) []byte {
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)
	return req
}

func udpConnect(ctx context.Context, conn net.Conn) (uint64, error) {
	deadlineFromContext(ctx, conn)

	txID := randomTransactionID()
	req := encodeConnectRequest(txID)

	if _, err := conn.Write(req); err != nil {
		return 0, &torrenterr.TrackerUnavailableError{Cause: err}
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, &torrenterr.TrackerUnavailableError{Cause: err}
	}
	if n < 16 {
		return 0, &torrenterr.ProtocolViolationError{Detail: "udp connect response shorter than 16 bytes"}
	}
	gotAction := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := binary.BigEndian.Uint32(resp[4:8])
	if gotTxID != txID {
		return 0, &torrenterr.ProtocolViolationError{Detail: "udp connect transaction id mismatch"}
	}
	if gotAction == actionError {
		return 0, &torrenterr.TrackerRejectedError{Reason: string(resp[8:n])}
	}
	if gotAction != actionConnect {
		return 0, &torrenterr.ProtocolViolationError{Detail: "udp connect response has unexpected action"}
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func udpAnnounce(ctx context.Context, conn net.Conn, connID uint64, meta *metainfo.TorrentMeta, event Event, stats Stats, peerID PeerID) ([]string, error) {
	deadlineFromContext(ctx, conn)

	txID := randomTransactionID()
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], meta.InfoHash[:])
	copy(req[36:56], peerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(stats.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(stats.Left))
	binary.BigEndian.PutUint64(req[72:80], uint64(stats.Uploaded))
	binary.BigEndian.PutUint32(req[80:84], udpEventCode[event])
	// ip address: 0 lets the tracker use the packet's source address
	binary.BigEndian.PutUint32(req[84:88], 0)
	binary.BigEndian.PutUint32(req[88:92], randomTransactionID()) // key: randomized per announce
	binary.BigEndian.PutUint32(req[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(req[96:98], stats.Port)

	if _, err := conn.Write(req); err != nil {
		return nil, &torrenterr.TrackerUnavailableError{Cause: err}
	}

	resp := make([]byte, 20+6*numWant)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, &torrenterr.TrackerUnavailableError{Cause: err}
	}
	if n < 20 {
		return nil, &torrenterr.ProtocolViolationError{Detail: "udp announce response shorter than 20 bytes"}
	}
	gotAction := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := binary.BigEndian.Uint32(resp[4:8])
	if gotTxID != txID {
		return nil, &torrenterr.ProtocolViolationError{Detail: "udp announce transaction id mismatch"}
	}
	if gotAction == actionError {
		return nil, &torrenterr.TrackerRejectedError{Reason: string(resp[8:n])}
	}
	if gotAction != actionAnnounce {
		return nil, &torrenterr.ProtocolViolationError{Detail: "udp announce response has unexpected action"}
	}
	return parseCompactPeers(resp[20:n])
}
