// Package tracker implements the HTTP/HTTPS (BEP 3) and UDP (BEP 15)
// tracker announce protocols: given a torrent's metainfo and an event,
// it queries every tracker URL in the announce list in parallel and
// returns the deduplicated union of peer endpoints.
package tracker

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/caldera-so/torrentcore/metainfo"
	"github.com/caldera-so/torrentcore/torrenterr"
)

// Event is the tracker announce event lifecycle value.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

const (
	httpTimeout = 10 * time.Second
	udpTimeout  = 15 * time.Second
	numWant     = 50
)

// PeerID is a 20-byte Azureus-style client identifier, fixed for the
// process lifetime.
type PeerID [20]byte

// NewPeerID returns a PeerID tagged "-XX0001-" followed by 12 random
// bytes.
func NewPeerID() (PeerID, error) {
	var id PeerID
	copy(id[:], "-XX0001-")
	if _, err := rand.Read(id[8:]); err != nil {
		return PeerID{}, &torrenterr.IOFailedError{Op: "generate peer id", Cause: err}
	}
	return id, nil
}

// Stats reports the local progress used to populate announce parameters.
type Stats struct {
	Uploaded, Downloaded, Left int64
	Port                       uint16
}

// Client announces to one or more tracker URLs.
type Client struct {
	peerID PeerID
}

// New returns a tracker Client for the given peer ID.
func New(peerID PeerID) *Client {
	return &Client{peerID: peerID}
}

// Announce queries every URL in meta.AnnounceList in parallel and returns
// the deduplicated union of peer endpoints. It fails with
// *torrenterr.TrackerUnavailableError when that union is empty: every
// tracker failed, or none of those that answered listed a peer.
func (c *Client) Announce(ctx context.Context, meta *metainfo.TorrentMeta, event Event, stats Stats) ([]string, error) {
	type result struct {
		peers []string
		err   error
	}
	results := make([]result, len(meta.AnnounceList))

	g, gctx := errgroup.WithContext(ctx)
	for i, rawURL := range meta.AnnounceList {
		i, rawURL := i, rawURL
		g.Go(func() error {
			peers, err := c.announceOne(gctx, rawURL, meta, event, stats)
			if err != nil {
				trackerLog.Debug().Str("url", rawURL).Err(err).Msg("announce failed")
			}
			results[i] = result{peers: peers, err: err}
			return nil // per-tracker failure never aborts the group
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	var union []string
	var lastErr error
	for _, r := range results {
		if r.err != nil {
			lastErr = r.err
			continue
		}
		for _, p := range r.peers {
			if !seen[p] {
				seen[p] = true
				union = append(union, p)
			}
		}
	}
	if len(union) == 0 {
		return nil, &torrenterr.TrackerUnavailableError{Cause: lastErr}
	}
	trackerLog.Info().Int("peers", len(union)).Str("event", string(event)).Msg("announce succeeded")
	return union, nil
}

func (c *Client) announceOne(ctx context.Context, rawURL string, meta *metainfo.TorrentMeta, event Event, stats Stats) ([]string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("could not parse tracker url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return c.announceHTTP(ctx, u, meta, event, stats)
	case "udp", "udp4", "udp6":
		return c.announceUDP(ctx, u, meta, event, stats)
	default:
		return nil, fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}
}

var trackerLog = log.With().Str("component", "tracker").Logger()
