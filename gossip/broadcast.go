// Package gossip propagates broadcast requests across the mesh: a bounded
// recent-digest cache suppresses re-propagation loops and a concurrent
// fan-out pushes each new payload to every known peer except the one it
// arrived from.
package gossip

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"chainmesh/peer"
	"chainmesh/wire"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultFanoutLimit caps simultaneous outbound connections during
	// one fan-out so a large registry cannot exhaust sockets.
	DefaultFanoutLimit = 8

	// DefaultDialTimeout bounds how long one unreachable peer can hold
	// up its fan-out slot.
	DefaultDialTimeout = 5 * time.Second
)

// PayloadDigest returns the hex SHA-256 of the payload's raw content.
// Dedup is keyed on payload content alone, not the full frame, so the
// same payload arriving via different hops maps to one digest.
func PayloadDigest(payloadB64 string) string {
	raw, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		// Not valid base64: hash the text itself so dedup still works.
		raw = []byte(payloadB64)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Broadcaster fans requests out to the peer registry, rewriting each
// forwarded hop's provenance to this node's own identity.
type Broadcaster struct {
	registry    *peer.Registry
	cache       *RecentCache
	self        peer.Address // identity stamped onto forwarded frames
	fanoutLimit int
	dialTimeout time.Duration
}

func NewBroadcaster(registry *peer.Registry, cache *RecentCache, self peer.Address) *Broadcaster {
	return &Broadcaster{
		registry:    registry,
		cache:       cache,
		self:        self,
		fanoutLimit: DefaultFanoutLimit,
		dialTimeout: DefaultDialTimeout,
	}
}

// Record pre-marks a payload digest as already seen, so a payload this
// node originated is not re-broadcast when it loops back.
func (b *Broadcaster) Record(digest string) {
	b.cache.Insert(digest)
}

// Broadcast propagates req to every registered peer except the direct
// predecessor (the peer matching req.Sender by ip:port). The payload
// digest is checked against the recent cache first; an already-seen
// payload is terminal. Peers are contacted concurrently and one
// unreachable peer never blocks delivery to the others. Broadcast
// returns once every fan-out attempt has finished.
func (b *Broadcaster) Broadcast(ctx context.Context, req *wire.Request) {
	// Whether something is worth propagating is the sender's call,
	// expressed through the broadcast flag.
	if !req.IsBroadcast {
		return
	}

	digest := PayloadDigest(req.Payload)
	if b.cache.Contains(digest) {
		log.Debugf("gossip: payload %.12s already propagated, suppressing", digest)
		return
	}
	b.cache.Insert(digest)

	peers := b.registry.Snapshot()
	if len(peers) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.fanoutLimit)
	sent := 0
	for _, p := range peers {
		if p.SamePeer(req.Sender) {
			continue
		}
		g.Go(func() error {
			// Failures are per-peer and never propagated: one dead
			// peer must not cancel its siblings.
			if err := b.sendTo(ctx, p, req); err != nil {
				log.Warnf("gossip: failed to forward to %s: %v", p.HostPort(), err)
			}
			return nil
		})
		sent++
	}
	g.Wait()

	log.Debugf("gossip: payload %.12s fanned out to %d peer(s)", digest, sent)
}

// sendTo opens a fresh connection, sends the re-stamped frame and closes
// without waiting for a response.
func (b *Broadcaster) sendTo(ctx context.Context, p peer.Address, req *wire.Request) error {
	fwd := *req
	fwd.Sender = b.self

	frame, err := wire.EncodeRequest(&fwd)
	if err != nil {
		return err
	}

	d := net.Dialer{Timeout: b.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", p.HostPort())
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write(frame); err != nil {
		return err
	}
	return nil
}
