package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Node     NodeConfig    `yaml:"node"`
	Cluster  ClusterConfig `yaml:"cluster"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
}

type NodeConfig struct {
	ID            uint32 `yaml:"id"`
	ClientAddress string `yaml:"client_address"`
	DataDir       string `yaml:"data_dir"`
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID      uint32 `yaml:"id"`
	Address string `yaml:"address"`
}

type TimeoutConfig struct {
	LeaderMinMs int64 `yaml:"leader_min_ms"`
	LeaderMaxMs int64 `yaml:"leader_max_ms"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == 0 {
		return fmt.Errorf("node.id must be greater than 0")
	}

	if c.Node.ClientAddress == "" {
		return fmt.Errorf("node.client_address is required")
	}

	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}

	if len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster.peers must contain at least one peer")
	}

	found := false
	uniqueIDs := make(map[uint32]bool)
	for _, peer := range c.Cluster.Peers {
		if peer.ID == 0 {
			return fmt.Errorf("peer ids must be greater than 0")
		}
		if peer.Address == "" {
			return fmt.Errorf("peer %d has no address", peer.ID)
		}
		if uniqueIDs[peer.ID] {
			return fmt.Errorf("duplicate peer ID: %d", peer.ID)
		}
		uniqueIDs[peer.ID] = true
		if peer.ID == c.Node.ID {
			found = true
		}
	}

	if !found {
		return fmt.Errorf("node.id=%d not found in cluster.peers", c.Node.ID)
	}

	if c.Timeouts.LeaderMinMs <= 0 {
		return fmt.Errorf("timeouts.leader_min_ms must be greater than 0")
	}

	if c.Timeouts.LeaderMaxMs <= c.Timeouts.LeaderMinMs {
		return fmt.Errorf("timeouts.leader_max_ms must be greater than timeouts.leader_min_ms")
	}

	return nil
}

func (c *Config) GetPeers() map[uint32]string {
	var res = make(map[uint32]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		res[peer.ID] = peer.Address
	}
	return res
}

func (c *Config) GetNodeIds() []uint32 {
	ids := make([]uint32, len(c.Cluster.Peers))
	for i, peer := range c.Cluster.Peers {
		ids[i] = peer.ID
	}
	return ids
}
