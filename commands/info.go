package commands

import (
	"context"

	"chainmesh/config"

	log "github.com/sirupsen/logrus"
)

// RunInfo prints a summary of the node configuration.
func RunInfo(ctx context.Context, cfg *config.Config) {
	log.Infof("Listen address:  %s", cfg.Network.ListenAddress)
	log.Infof("Advertised host: %s", cfg.Node.AdvertisedHost)
	if cfg.Network.Bootnode != "" {
		log.Infof("Bootnode:        %s (refresh every %ds)", cfg.Network.Bootnode, cfg.Network.PeerRefreshSeconds)
	} else {
		log.Info("Bootnode:        none (network founder)")
	}
	log.Infof("Event store:     %s", cfg.DataStore.EventStorePath)
}
