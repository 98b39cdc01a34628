package config

import (
	"encoding/json"
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Config represents the configuration for a chainmesh node
type Config struct {
	// Default config file location
	configFile string

	Node struct {
		// Host other peers should use to reach this node. Required when
		// joining an existing network, since a sender never claims its
		// own IP on the wire.
		AdvertisedHost string `json:"advertised_host"`
	} `json:"node"`

	Network struct {
		ListenAddress string `json:"listen"`
		// Bootnode is the "host:port" of an existing node used to fetch
		// the initial peer list. Empty means this node founds a new
		// network with an empty registry.
		Bootnode string `json:"bootnode"`
		// PeerRefreshSeconds re-fetches the peer list from the bootnode
		// on a jittered interval while serving. 0 disables refresh.
		PeerRefreshSeconds int `json:"peer_refresh_seconds"`
	} `json:"network"`

	DataStore struct {
		EventStorePath string `json:"events"`
	} `json:"datastore"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Node.AdvertisedHost = ""
	cfg.Network.ListenAddress = ":7654"
	cfg.Network.Bootnode = ""
	cfg.Network.PeerRefreshSeconds = 300
	cfg.DataStore.EventStorePath = "/tmp/chainmesh/events"

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}
