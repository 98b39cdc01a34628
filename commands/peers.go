package commands

import (
	"context"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"

	"chainmesh/config"
	"chainmesh/nid"
	"chainmesh/node"
	"chainmesh/peer"
	"chainmesh/wire"

	log "github.com/sirupsen/logrus"
)

// RunPeers queries a running node for its peer list and prints it. An
// empty target falls back to the configured bootnode.
func RunPeers(ctx context.Context, cfg *config.Config, target string) {
	if target == "" {
		target = cfg.Network.Bootnode
	}
	if target == "" {
		log.Fatal("No target node specified and no bootnode configured")
	}

	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", target, err)
	}
	defer conn.Close()

	req := wire.NewRequest(wire.MethodGet, node.RoutePeers, nil, false)
	req.Sender = peer.Address{NodeID: nid.New()}

	frame, err := wire.EncodeRequest(req)
	if err != nil {
		log.Fatalf("Failed to encode request: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		log.Fatalf("Failed to send request: %v", err)
	}

	res, err := wire.DecodeResponse(conn)
	if err != nil {
		log.Fatalf("Failed to read response: %v", err)
	}
	if res.Status != wire.StatusOK {
		log.Fatalf("Node %s answered %s", target, res.Status)
	}

	raw, err := res.PayloadBytes()
	if err != nil {
		log.Fatalf("Bad response payload: %v", err)
	}

	var peers []peer.Address
	if err := cbor.Unmarshal(raw, &peers); err != nil {
		log.Fatalf("Failed to decode peer list: %v", err)
	}

	log.Infof("%s knows %d peer(s)", target, len(peers))
	for _, p := range peers {
		log.Infof("  %s", p.String())
	}
}
