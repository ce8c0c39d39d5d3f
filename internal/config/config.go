package config

import (
	"fmt"
	"net/netip"
	"time"
)

// Config holds all configuration for a Chord ring node
type Config struct {
	// Node identification. Host must be the node's own IPv4 address: the
	// ring identifier is derived from it.
	Host string
	Port int // UDP port shared by every node in the ring

	// Landmark is the IPv4 address of the node to join through. Empty means
	// the node waits for a join command; equal to Host makes it the landmark.
	Landmark string

	// Admin surfaces
	AdminAddr string // gRPC control service listen address
	HTTPPort  int    // HTTP gateway port, 0 disables it
	AuthToken string // Shared secret for the admin service, empty disables auth

	// Chord parameters
	FingerEntries      int           // Finger table size (M)
	PingTimeout        time.Duration // Age at which a pending ping fails; also the audit period
	StabilizeInterval  time.Duration // How often to run stabilization
	FixFingersInterval time.Duration // How often to rebuild the finger table
	JoinRetryInterval  time.Duration // How long to wait for CHORD_JOIN_RSP before resending
	JoinAttempts       int           // CHORD_JOIN sends before giving up
	CheckPredecessor   bool          // Ping the predecessor each stabilization round

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // optional rotated log file
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:               "127.0.0.1",
		Port:               10001,
		AdminAddr:          "127.0.0.1:9440",
		HTTPPort:           8080,
		FingerEntries:      4,
		PingTimeout:        2 * time.Second,
		StabilizeInterval:  10 * time.Second,
		FixFingersInterval: 20 * time.Second,
		JoinRetryInterval:  5 * time.Second,
		JoinAttempts:       3,
		CheckPredecessor:   true,
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// Addr returns the node's IPv4 address.
func (c *Config) Addr() (netip.Addr, error) {
	return parseIPv4(c.Host)
}

// LandmarkAddr returns the configured landmark, or the zero Addr if unset.
func (c *Config) LandmarkAddr() (netip.Addr, error) {
	if c.Landmark == "" {
		return netip.Addr{}, nil
	}
	return parseIPv4(c.Landmark)
}

func parseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("address %q is not IPv4", s)
	}
	return addr, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	addr, err := c.Addr()
	if err != nil {
		return fmt.Errorf("host: %w", err)
	}
	if addr.IsUnspecified() {
		return fmt.Errorf("host must be a concrete address, got %s", addr)
	}
	if _, err := c.LandmarkAddr(); err != nil {
		return fmt.Errorf("landmark: %w", err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.FingerEntries <= 0 || c.FingerEntries > 31 {
		return fmt.Errorf("finger entries must be between 1 and 31, got %d", c.FingerEntries)
	}
	if c.PingTimeout <= 0 {
		return fmt.Errorf("ping timeout must be positive, got %s", c.PingTimeout)
	}
	if c.StabilizeInterval <= 0 {
		return fmt.Errorf("stabilize interval must be positive, got %s", c.StabilizeInterval)
	}
	if c.FixFingersInterval <= 0 {
		return fmt.Errorf("fix fingers interval must be positive, got %s", c.FixFingersInterval)
	}
	if c.JoinRetryInterval <= 0 {
		return fmt.Errorf("join retry interval must be positive, got %s", c.JoinRetryInterval)
	}
	if c.JoinAttempts <= 0 {
		return fmt.Errorf("join attempts must be positive, got %d", c.JoinAttempts)
	}
	return nil
}
