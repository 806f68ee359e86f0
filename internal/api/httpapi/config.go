package httpapi

import "time"

// Config holds runtime configuration for the HTTP API.
type Config struct {
	Enabled      bool
	Address      string
	AuthToken    string
	MaxPageSize  int
	MapCeilingKm float64
	// Topology defaults used when a request leaves hours or packet_limit out.
	TopologyHours       int
	TopologyPacketLimit int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ShutdownPeriod      time.Duration
}

func (c *Config) normalise() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = 500
	}
	if c.MapCeilingKm <= 0 {
		c.MapCeilingKm = 250
	}
	if c.TopologyHours <= 0 {
		c.TopologyHours = 24
	}
	if c.TopologyPacketLimit < 0 {
		c.TopologyPacketLimit = 0
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.ShutdownPeriod == 0 {
		c.ShutdownPeriod = 5 * time.Second
	}
}
