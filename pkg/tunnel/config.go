package tunnel

import (
	"time"

	"github.com/duskline/overlay/pkg/xerrors"
)

// Config holds the container's tunable timings (spec.md §4.4, §9's
// "every background loop is parameterized by one config duration").
type Config struct {
	// ConnectTimeout bounds how long PostMessage waits for the container to
	// become online before giving up.
	ConnectTimeout time.Duration

	// ResendInterval is the minimum gap between retransmissions of an
	// unacked fragment.
	ResendInterval time.Duration

	// ResendTimeout is how long a send-tracking entry may go without
	// completing before it is abandoned and its carrying tunnel closed.
	ResendTimeout time.Duration

	// PollingInterval is how often the resend pass runs.
	PollingInterval time.Duration

	// RecycleTimeout is how often the recycle pass runs and re-attempts
	// reconnection for queued endpoint pairs.
	RecycleTimeout time.Duration
}

// DefaultConfig returns the constants spec.md §4 names directly.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  30 * time.Second,
		ResendInterval:  120 * time.Millisecond,
		ResendTimeout:   5 * time.Second,
		PollingInterval: time.Second,
		RecycleTimeout:  500 * time.Millisecond,
	}
}

// Validate enforces the config's ordering constraints at construction
// time. A ResendInterval at or above ResendTimeout would make every
// message expire before its first retransmit.
func (c Config) Validate() error {
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"connect_timeout", c.ConnectTimeout},
		{"resend_interval", c.ResendInterval},
		{"resend_timeout", c.ResendTimeout},
		{"polling_interval", c.PollingInterval},
		{"recyle_timeout", c.RecycleTimeout},
	} {
		if d.value <= 0 {
			return xerrors.New(xerrors.InvalidParam, d.name+" must be positive")
		}
	}
	if c.ResendInterval >= c.ResendTimeout {
		return xerrors.New(xerrors.InvalidParam, "resend_interval must be below resend_timeout")
	}
	return nil
}
