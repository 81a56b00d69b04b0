// Package coordinator drives the overall download: it announces to the
// tracker, dials and supervises peer sessions, assigns pieces using
// rarest-first with a sequential fallback, enforces per-piece request
// timeouts, and releases pieces whose peer disappeared, until the piece
// store reports completion.
package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/caldera-so/torrentcore/metainfo"
	"github.com/caldera-so/torrentcore/peer"
	"github.com/caldera-so/torrentcore/piecestore"
	"github.com/caldera-so/torrentcore/torrenterr"
	"github.com/caldera-so/torrentcore/tracker"
)

const (
	tickInterval        = 2 * time.Second
	dialTimeout         = 5 * time.Second
	pieceTimeout        = 30 * time.Second
	maxAssignPerTick    = 3
	maxConcurrentPeers  = 50
	emptyReplenishLimit = 5
)

// Config controls how Run drives a download. New starts from OutputDir
// "." and RarestFirst true, then applies each Option.
type Config struct {
	OutputDir   string
	RarestFirst bool
	OnProgress  func(completed, total int, downloadedBytes, totalBytes int64)
}

// Option configures a Config.
type Option func(*Config)

// WithOutputDir sets the directory the reconstructed file is written
// to.
func WithOutputDir(dir string) Option {
	return func(c *Config) { c.OutputDir = dir }
}

// WithRarestFirst toggles rarest-first piece selection; sequential
// fallback is always available regardless of this setting.
func WithRarestFirst(on bool) Option {
	return func(c *Config) { c.RarestFirst = on }
}

// WithProgress registers a callback invoked after every piece
// completes.
func WithProgress(fn func(completed, total int, downloadedBytes, totalBytes int64)) Option {
	return func(c *Config) { c.OnProgress = fn }
}

// inFlight tracks one piece's assignment to a peer.
type inFlight struct {
	peerAddr string
	deadline time.Time
}

// Coordinator owns the live state of one download: the piece store,
// active peer sessions, and in-progress piece assignments. All of its
// state is mutated only from Run's single goroutine.
type Coordinator struct {
	meta   *metainfo.TorrentMeta
	store  *piecestore.Store
	tr     *tracker.Client
	peerID tracker.PeerID
	cfg    Config
	log    zerolog.Logger

	mailbox  chan peer.Event
	peers    map[string]*peer.Session
	failed   map[string]bool
	inFlight map[int]inFlight

	uploaded, downloaded int64
}

// New builds a Coordinator for meta, opening its output file under
// cfg.OutputDir.
func New(meta *metainfo.TorrentMeta, peerID tracker.PeerID, opts ...Option) (*Coordinator, error) {
	cfg := Config{OutputDir: ".", RarestFirst: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	store, err := piecestore.New(meta, cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		meta:     meta,
		store:    store,
		tr:       tracker.New(peerID),
		peerID:   peerID,
		cfg:      cfg,
		log:      log.With().Str("component", "coordinator").Logger(),
		mailbox:  make(chan peer.Event, 256),
		peers:    make(map[string]*peer.Session),
		failed:   make(map[string]bool),
		inFlight: make(map[int]inFlight),
	}, nil
}

// Run drives the download to completion or until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	stats := func() tracker.Stats {
		completed, total := c.store.Progress()
		left := int64(total-completed) * c.meta.PieceLength
		return tracker.Stats{Uploaded: c.uploaded, Downloaded: c.downloaded, Left: left, Port: 6881}
	}

	peers, err := c.tr.Announce(ctx, c.meta, tracker.EventStarted, stats())
	if err != nil {
		return err
	}
	c.dialAll(ctx, peers)

	defer c.shutdown(ctx, stats)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	consecutiveEmpty := 0
	for {
		if c.store.IsComplete() {
			c.log.Info().Msg("download complete")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.mailbox:
			c.handleEvent(ev)
		case <-ticker.C:
			c.releaseExpired()
			c.assignPieces()
			if len(c.peers) < maxConcurrentPeers {
				morePeers, err := c.tr.Announce(ctx, c.meta, tracker.EventNone, stats())
				if err != nil || len(morePeers) == 0 {
					consecutiveEmpty++
				} else {
					consecutiveEmpty = 0
					c.dialAll(ctx, morePeers)
				}
				if consecutiveEmpty >= emptyReplenishLimit {
					c.log.Warn().Msg("tracker replenishment exhausted, continuing with current peers")
				}
			}
		}
	}
}

// dialAll connects to every address not already connected or marked
// failed, in parallel, bounded by dialTimeout per peer.
func (c *Coordinator) dialAll(ctx context.Context, addrs []string) {
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		addr := addr
		if c.peers[addr] != nil || c.failed[addr] {
			continue
		}
		if len(c.peers) >= maxConcurrentPeers {
			break
		}
		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(gctx, dialTimeout)
			defer cancel()
			// Dial's read loop publishes EventReady to c.mailbox itself
			// once the handshake completes; the session is registered
			// into c.peers from that event, not here.
			_, err := peer.Dial(dialCtx, addr, c.meta.InfoHash, [20]byte(c.peerID), c.mailbox)
			if err != nil {
				c.log.Debug().Str("addr", addr).Err(err).Msg("dial failed")
			}
			return nil // a single peer failing never aborts the group
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) handleEvent(ev peer.Event) {
	switch ev.Kind {
	case peer.EventReady:
		c.peers[ev.Peer.Addr] = ev.Peer
		if err := ev.Peer.SendInterested(); err != nil {
			c.log.Debug().Str("addr", ev.Peer.Addr).Err(err).Msg("could not send interested")
		}
	case peer.EventBitfield:
		c.store.RegisterBitfield(ev.Field.Get)
	case peer.EventHave:
		c.store.UpdateAvailability(int(ev.Have))
	case peer.EventPiece:
		c.handlePiece(ev)
	case peer.EventDisconnected, peer.EventError:
		c.dropPeer(ev.Peer)
	}
}

func (c *Coordinator) handlePiece(ev peer.Event) {
	block := ev.Block
	c.downloaded += int64(len(block.Data))
	if ev.Peer != nil {
		ev.Peer.Downloaded += int64(len(block.Data))
	}
	completion, data, err := c.store.AddBlock(int(block.Index), int64(block.Begin), block.Data)
	if err != nil && completion != piecestore.Failed {
		c.log.Debug().Err(err).Msg("block rejected")
		return
	}
	switch completion {
	case piecestore.Completed:
		delete(c.inFlight, int(block.Index))
		if err := c.store.Persist(int(block.Index), data); err != nil {
			c.log.Error().Err(err).Int("piece", int(block.Index)).Msg("persist failed")
		}
		if c.cfg.OnProgress != nil {
			completed, total := c.store.Progress()
			c.cfg.OnProgress(completed, total, c.downloaded, c.meta.TotalLength)
		}
		if s, ok := c.peers[ev.Peer.Addr]; ok {
			c.assignPeer(s)
		}
	case piecestore.Failed:
		c.log.Warn().Err(err).Int("piece", int(block.Index)).Msg("piece verification failed")
		delete(c.inFlight, int(block.Index))
	}
}

// sortedActivePeers returns peers ordered by observed download
// throughput, descending, so the fastest peers get first pick of the
// rarest pieces each tick.
func sortedActivePeers(peers map[string]*peer.Session) []*peer.Session {
	ordered := make([]*peer.Session, 0, len(peers))
	for _, s := range peers {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Downloaded > ordered[j].Downloaded })
	return ordered
}

// assignPieces attempts up to maxAssignPerTick piece assignments for
// every ready, unchoked peer, visiting peers in descending throughput
// order.
func (c *Coordinator) assignPieces() {
	for _, s := range sortedActivePeers(c.peers) {
		if s.State.AmChoked {
			continue
		}
		c.assignPeer(s)
	}
}

func (c *Coordinator) assignPeer(s *peer.Session) {
	for i := 0; i < maxAssignPerTick; i++ {
		index := -1
		if c.cfg.RarestFirst && s.Has != nil {
			index = c.store.Rarest(s.Has.Get)
		} else {
			index = c.store.NextSequential()
		}
		if index == -1 {
			return
		}
		size := c.store.PieceSize(index)
		if err := s.RequestPiece(index, size); err != nil {
			c.store.Reset(index)
			return
		}
		c.inFlight[index] = inFlight{peerAddr: s.Addr, deadline: time.Now().Add(pieceTimeout)}
	}
}

// releaseExpired resets every piece whose deadline has passed.
func (c *Coordinator) releaseExpired() {
	now := time.Now()
	for index, fl := range c.inFlight {
		if now.After(fl.deadline) {
			err := &torrenterr.PieceTimeoutError{Index: index}
			c.log.Debug().Err(err).Str("peer", fl.peerAddr).Msg("piece timed out")
			c.store.Reset(index)
			delete(c.inFlight, index)
		}
	}
}

// dropPeer removes a peer from the active set and releases every piece
// it had in flight.
func (c *Coordinator) dropPeer(s *peer.Session) {
	if s == nil {
		return
	}
	delete(c.peers, s.Addr)
	c.failed[s.Addr] = true
	for index, fl := range c.inFlight {
		if fl.peerAddr == s.Addr {
			c.store.Reset(index)
			delete(c.inFlight, index)
		}
	}
}

func (c *Coordinator) shutdown(ctx context.Context, stats func() tracker.Stats) {
	for _, s := range c.peers {
		s.Close()
	}
	event := tracker.EventStopped
	if c.store.IsComplete() {
		event = tracker.EventCompleted
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.tr.Announce(shutdownCtx, c.meta, event, stats()); err != nil {
		c.log.Debug().Err(err).Msg("final tracker announce failed")
	}
}
