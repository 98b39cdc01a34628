package commands

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"chainmesh/chain"
	"chainmesh/config"
	"chainmesh/datastore/leveldb"
	"chainmesh/node"
	"chainmesh/peer"

	log "github.com/sirupsen/logrus"
)

// RunServe starts a mesh node and blocks until the process is signalled.
func RunServe(ctx context.Context, cfg *config.Config) {
	store, err := leveldb.New(cfg.DataStore.EventStorePath)
	if err != nil {
		log.Fatalf("Failed to open event store: %v", err)
	}
	defer store.Close()

	ledger := chain.NewLedger(store, nil)

	n, err := node.New(node.Options{
		ListenAddress:   cfg.Network.ListenAddress,
		AdvertisedHost:  cfg.Node.AdvertisedHost,
		RefreshInterval: time.Duration(cfg.Network.PeerRefreshSeconds) * time.Second,
	}, ledger)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	bootnode, err := parseBootnode(cfg.Network.Bootnode)
	if err != nil {
		log.Fatalf("Invalid bootnode address %q: %v", cfg.Network.Bootnode, err)
	}

	sctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(sctx, bootnode); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	<-sctx.Done()

	if err := n.Stop(); err != nil {
		log.Errorf("Error stopping node: %v", err)
	}
}

// parseBootnode turns a "host:port" config value into an address. An
// empty value means no bootnode: this node founds a new network.
func parseBootnode(s string) (*peer.Address, error) {
	if s == "" {
		return nil, nil
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("bad port: %w", err)
	}
	return &peer.Address{IP: host, Port: uint16(port)}, nil
}
