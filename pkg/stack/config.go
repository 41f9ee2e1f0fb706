package stack

import (
	"time"

	"github.com/duskline/overlay/pkg/discovery"
	"github.com/duskline/overlay/pkg/rendezvous/client"
	"github.com/duskline/overlay/pkg/rendezvous/service"
	"github.com/duskline/overlay/pkg/tunnel"
	"github.com/duskline/overlay/pkg/xerrors"
)

// Role picks which half of the rendezvous layer (spec.md §4.9) a Stack
// binds: a device/core peer runs C6 against configured services, a
// well-known peer runs C7+C8 and accepts binds from devices.
type Role int

const (
	RoleDevice Role = iota
	RoleService
)

// Config aggregates every component's tunables (C12). Apart from
// RequestTimeout, which bounds the stack's own request/response wait, a
// Stack adds no timing constants; it wires the ones C3–C8 already define.
type Config struct {
	Role Role

	Tunnel  tunnel.Config
	Client  client.Config
	Service service.Config

	// RelayDefaultTTL/RelayGCInterval size the relay registry (C8), only
	// relevant when Role is RoleService.
	RelayDefaultTTL time.Duration
	RelayGCInterval time.Duration

	// RequestTimeout bounds how long PostMessage's request/response variant
	// waits for a correlated Response before giving up.
	RequestTimeout time.Duration

	// Discovery is nil unless the LAN beacon (C11) is enabled.
	Discovery *discovery.Config
}

// DefaultConfig returns a RoleDevice configuration with every
// sub-component's own defaults and the beacon disabled.
func DefaultConfig() Config {
	return Config{
		Role:            RoleDevice,
		Tunnel:          tunnel.DefaultConfig(),
		Client:          client.DefaultConfig(),
		Service:         service.DefaultConfig(),
		RelayDefaultTTL: 10 * time.Minute,
		RelayGCInterval: time.Minute,
		RequestTimeout:  10 * time.Second,
	}
}

// Validate checks the whole tunable set's ordering constraints, fanning out
// to each component's own validator by role. Run once at stack
// construction; a Config is inert data afterwards.
func (c Config) Validate() error {
	if err := c.Tunnel.Validate(); err != nil {
		return err
	}
	if c.RequestTimeout <= 0 {
		return xerrors.New(xerrors.InvalidParam, "request timeout must be positive")
	}
	switch c.Role {
	case RoleService:
		if err := c.Service.Validate(); err != nil {
			return err
		}
		if c.RelayDefaultTTL <= 0 || c.RelayGCInterval <= 0 {
			return xerrors.New(xerrors.InvalidParam, "relay ttl and gc interval must be positive")
		}
	default:
		if err := c.Client.Validate(); err != nil {
			return err
		}
	}
	return nil
}
