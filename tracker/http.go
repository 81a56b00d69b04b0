package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/caldera-so/torrentcore/bencode"
	"github.com/caldera-so/torrentcore/metainfo"
	"github.com/caldera-so/torrentcore/torrenterr"
)

func (c *Client) announceHTTP(ctx context.Context, u *url.URL, meta *metainfo.TorrentMeta, event Event, stats Stats) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("info_hash", string(meta.InfoHash[:]))
	q.Set("peer_id", string(c.peerID[:]))
	q.Set("port", strconv.Itoa(int(stats.Port)))
	q.Set("uploaded", strconv.FormatInt(stats.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(stats.Downloaded, 10))
	q.Set("left", strconv.FormatInt(stats.Left, 10))
	q.Set("compact", "1")
	q.Set("numwant", strconv.Itoa(numWant))
	if event != EventNone {
		q.Set("event", string(event))
	}

	reqURL := *u
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building tracker request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker request to %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker %s returned status %s", u.Host, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading tracker response from %s: %w", u.Host, err)
	}

	root, _, err := bencode.Decode(body)
	if err != nil {
		return nil, err
	}
	return parseHTTPResponse(root)
}

func parseHTTPResponse(root bencode.Value) ([]string, error) {
	if root.Kind != bencode.KindDict {
		return nil, &torrenterr.MalformedBencodeError{Reason: "tracker response is not a dictionary"}
	}
	if failure, ok := root.DictGet("failure reason"); ok {
		return nil, &torrenterr.TrackerRejectedError{Reason: failure.String()}
	}

	peersVal, ok := root.DictGet("peers")
	if !ok {
		return nil, fmt.Errorf("tracker response missing \"peers\" key")
	}

	switch peersVal.Kind {
	case bencode.KindString:
		return parseCompactPeers(peersVal.Str)
	case bencode.KindList:
		return parseDictPeers(peersVal.List)
	default:
		return nil, fmt.Errorf("tracker response \"peers\" has unexpected type")
	}
}

// parseCompactPeers parses the compact peer format: groups of 6 bytes,
// 4-byte IPv4 followed by a 2-byte big-endian port.
func parseCompactPeers(data []byte) ([]string, error) {
	const peerSize = 6
	if len(data)%peerSize != 0 {
		return nil, fmt.Errorf("compact peers length %d is not a multiple of %d", len(data), peerSize)
	}
	out := make([]string, 0, len(data)/peerSize)
	for i := 0; i < len(data); i += peerSize {
		ip := net.IP(data[i : i+4])
		port := binary.BigEndian.Uint16(data[i+4 : i+6])
		out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
	}
	return out, nil
}

func parseDictPeers(list []bencode.Value) ([]string, error) {
	out := make([]string, 0, len(list))
	for _, entry := range list {
		if entry.Kind != bencode.KindDict {
			continue
		}
		ipVal, ok := entry.DictGet("ip")
		if !ok {
			continue
		}
		portVal, ok := entry.DictGet("port")
		if !ok || portVal.Kind != bencode.KindInt {
			continue
		}
		out = append(out, net.JoinHostPort(ipVal.String(), strconv.FormatInt(portVal.Int, 10)))
	}
	return out, nil
}
