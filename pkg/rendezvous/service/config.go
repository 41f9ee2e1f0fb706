package service

import (
	"time"

	"github.com/duskline/overlay/pkg/xerrors"
)

// Config holds C7's tunables (spec.md §4.7, §6).
type Config struct {
	// KnockTimeout is the rotation period for the active/knocked peer
	// sets: a peer that does not re-bind within this window is demoted to
	// knocked on the next rotation.
	KnockTimeout time.Duration

	// InviteTimeout bounds how long on_call_request waits for the
	// target's CallResponse before replying CallErrorResponse.
	InviteTimeout time.Duration

	// AllocationTimeout bounds how long on_allocation_request waits for
	// the target's acknowledgement before replying
	// AllocationErrorResponse.
	AllocationTimeout time.Duration

	// PollInterval is how often the knock-rotation pass runs.
	PollInterval time.Duration

	// MixhashLiveMinutes is the default relay channel validity minted by
	// on_allocation_request.
	MixhashLiveMinutes uint32
}

// DefaultConfig returns the constants spec.md §6 names directly.
func DefaultConfig() Config {
	return Config{
		KnockTimeout:       60 * time.Second,
		InviteTimeout:      30 * time.Second,
		AllocationTimeout:  30 * time.Second,
		PollInterval:       5 * time.Second,
		MixhashLiveMinutes: 10,
	}
}

// Validate enforces the service's tunable constraints at construction time.
func (c Config) Validate() error {
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"knock_timeout", c.KnockTimeout},
		{"invite_timeout", c.InviteTimeout},
		{"allocation timeout", c.AllocationTimeout},
		{"polling interval", c.PollInterval},
	} {
		if d.value <= 0 {
			return xerrors.New(xerrors.InvalidParam, d.name+" must be positive")
		}
	}
	if c.MixhashLiveMinutes < 1 {
		return xerrors.New(xerrors.InvalidParam, "mixhash_live_minutes must be at least 1")
	}
	return nil
}
