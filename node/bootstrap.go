package node

import (
	"context"
	"fmt"
	"net"

	"github.com/fxamacker/cbor/v2"

	"chainmesh/gossip"
	"chainmesh/peer"
	"chainmesh/wire"

	log "github.com/sirupsen/logrus"
)

// bootstrap runs the startup discovery sequence against the bootnode:
// fetch the current peer list, then announce our own address as a
// broadcast join so the bootnode propagates it on our behalf. Failures
// leave the node with whatever peer data it has and are never fatal.
func (n *Node) bootstrap(ctx context.Context, bootnode peer.Address) {
	if err := n.fetchPeers(ctx, bootnode); err != nil {
		log.Errorf("node: bootstrap against %s failed: %v", bootnode.HostPort(), err)
		return
	}
	if err := n.announceJoin(ctx, bootnode); err != nil {
		log.Errorf("node: join announcement to %s failed: %v", bootnode.HostPort(), err)
	}
}

// fetchPeers asks the bootnode for its peer list and replaces the local
// registry wholesale on success. A non-OK status aborts; an empty or
// undecodable list is logged and leaves the registry untouched.
func (n *Node) fetchPeers(ctx context.Context, bootnode peer.Address) error {
	conn, err := n.dialPeer(ctx, bootnode)
	if err != nil {
		return fmt.Errorf("fetch peers: %w", err)
	}
	defer conn.Close()

	req := wire.NewRequest(wire.MethodGet, RoutePeers, nil, false)
	req.Sender = n.Self()

	frame, err := wire.EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("fetch peers: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("fetch peers: %w", err)
	}

	res, err := wire.DecodeResponse(conn)
	if err != nil {
		return fmt.Errorf("fetch peers: %w", err)
	}
	if res.Status != wire.StatusOK {
		return fmt.Errorf("fetch peers: bootnode answered %s", res.Status)
	}

	raw, err := res.PayloadBytes()
	if err != nil {
		return fmt.Errorf("fetch peers: %w", err)
	}

	var peers []peer.Address
	if err := cbor.Unmarshal(raw, &peers); err != nil {
		// An undecodable list is treated like an empty one: the
		// registry stays as it is and the join announcement still
		// goes out. Only a non-OK status aborts bootstrap.
		log.Errorf("node: cannot decode peer list from %s: %v", bootnode.HostPort(), err)
		return nil
	}
	if len(peers) == 0 {
		log.Errorf("node: bootnode %s returned an empty peer list", bootnode.HostPort())
		return nil
	}

	n.registry.ReplaceAll(peers)
	log.Infof("node: bootstrapped %d peer(s) from %s", len(peers), bootnode.HostPort())
	return nil
}

// announceJoin sends our own address to the bootnode as a broadcast join
// message, fire-and-forget. The payload digest is pre-recorded in the
// recent-broadcast cache so our own announcement is recognized as
// already seen when it loops back through the mesh.
func (n *Node) announceJoin(ctx context.Context, bootnode peer.Address) error {
	payload, err := cbor.Marshal(n.Self())
	if err != nil {
		return fmt.Errorf("announce join: %w", err)
	}

	req := wire.NewRequest(wire.MethodPost, RoutePeersJoin, payload, true)
	req.Sender = n.Self()

	n.caster.Record(gossip.PayloadDigest(req.Payload))

	frame, err := wire.EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("announce join: %w", err)
	}

	conn, err := n.dialPeer(ctx, bootnode)
	if err != nil {
		return fmt.Errorf("announce join: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("announce join: %w", err)
	}

	log.Infof("node: announced %s to the network via %s", n.Self().HostPort(), bootnode.HostPort())
	return nil
}

// refreshPeers re-runs peer discovery against the bootnode. Concurrent
// attempts collapse into one in-flight fetch; errors keep the ticker
// running.
func (n *Node) refreshPeers(ctx context.Context) error {
	if n.bootnode == nil {
		return nil
	}
	_, err, _ := n.sg.Do("refreshPeers", func() (interface{}, error) {
		return nil, n.fetchPeers(ctx, *n.bootnode)
	})
	if err != nil {
		log.Warnf("node: peer refresh failed: %v", err)
	}
	return nil
}

func (n *Node) dialPeer(ctx context.Context, p peer.Address) (net.Conn, error) {
	d := net.Dialer{Timeout: n.dialTimeout}
	return d.DialContext(ctx, "tcp", p.HostPort())
}
