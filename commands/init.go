package commands

import (
	"context"

	"chainmesh/config"

	log "github.com/sirupsen/logrus"
)

// RunInit writes a default config file.
func RunInit(ctx context.Context, cfg *config.Config) {
	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	log.Info("Wrote default config")
}
