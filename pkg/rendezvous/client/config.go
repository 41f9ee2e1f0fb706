package client

import (
	"time"

	"github.com/duskline/overlay/pkg/tunnel"
	"github.com/duskline/overlay/pkg/xerrors"
)

// Config holds C6's tunables (spec.md §4.6.1, §4.6.3).
type Config struct {
	Tunnel tunnel.Config

	// PingIntervalConnect gates how often a Connecting session retries its
	// handshake, and how long call_peer waits for a service task to become
	// active.
	PingIntervalConnect time.Duration

	// PingInterval gates how often an Established session sends a
	// keepalive STUN Ping.
	PingInterval time.Duration

	// Offline is how long a session may go without a ping response before
	// it is declared Dead.
	Offline time.Duration

	// InviteTimeout bounds how long call_peer waits for a CallResponse.
	InviteTimeout time.Duration

	// PollInterval is how often the task poll loop runs.
	PollInterval time.Duration

	// RelayChannelTTL bounds a client-side relay channel entry's lifetime
	// when the service does not supply an explicit live-minutes value.
	RelayChannelTTL time.Duration

	// MinRandomVPort/MaxRandomVPort bound the local port range a new
	// session's socket binds into; MaxTryRandomVPortTimes caps how many
	// random ports the dialer tries before giving up.
	MinRandomVPort        uint16
	MaxRandomVPort        uint16
	MaxTryRandomVPortTimes int
}

// DefaultConfig returns sensible rendezvous keepalive tunables.
func DefaultConfig() Config {
	return Config{
		Tunnel:              tunnel.DefaultConfig(),
		PingIntervalConnect: 2 * time.Second,
		PingInterval:        10 * time.Second,
		Offline:             30 * time.Second,
		InviteTimeout:       5 * time.Second,
		PollInterval:        500 * time.Millisecond,
		RelayChannelTTL:     5 * time.Minute,
		MinRandomVPort:      32768,
		MaxRandomVPort:      60999,
		MaxTryRandomVPortTimes: 10,
	}
}

// Validate enforces the client's ordering constraints at construction time.
func (c Config) Validate() error {
	if err := c.Tunnel.Validate(); err != nil {
		return err
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"ping_interval", c.PingInterval},
		{"ping_interval_connect", c.PingIntervalConnect},
		{"offline", c.Offline},
		{"invite_timeout", c.InviteTimeout},
		{"polling interval", c.PollInterval},
		{"relay channel ttl", c.RelayChannelTTL},
	} {
		if d.value <= 0 {
			return xerrors.New(xerrors.InvalidParam, d.name+" must be positive")
		}
	}
	if c.Offline <= c.PingInterval {
		return xerrors.New(xerrors.InvalidParam, "offline must exceed ping_interval")
	}
	if c.MinRandomVPort > c.MaxRandomVPort {
		return xerrors.New(xerrors.InvalidParam, "min_random_vport above max_random_vport")
	}
	if c.MaxTryRandomVPortTimes < 1 {
		return xerrors.New(xerrors.InvalidParam, "max_try_random_vport_times must be at least 1")
	}
	return nil
}
