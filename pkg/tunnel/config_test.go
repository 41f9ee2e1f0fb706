package tunnel_test

import (
	"testing"
	"time"

	"github.com/duskline/overlay/pkg/tunnel"
	"github.com/duskline/overlay/pkg/xerrors"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, tunnel.DefaultConfig().Validate())
}

func TestConfigRejectsResendIntervalAtOrAboveTimeout(t *testing.T) {
	cfg := tunnel.DefaultConfig()
	cfg.ResendInterval = cfg.ResendTimeout
	err := cfg.Validate()
	require.Error(t, err)
	require.Equal(t, xerrors.InvalidParam, xerrors.KindOf(err))

	cfg.ResendInterval = cfg.ResendTimeout + time.Second
	require.Error(t, cfg.Validate())
}

func TestConfigRejectsNonPositiveDurations(t *testing.T) {
	for _, mutate := range []func(*tunnel.Config){
		func(c *tunnel.Config) { c.ConnectTimeout = 0 },
		func(c *tunnel.Config) { c.ResendInterval = 0 },
		func(c *tunnel.Config) { c.ResendTimeout = -time.Second },
		func(c *tunnel.Config) { c.PollingInterval = 0 },
		func(c *tunnel.Config) { c.RecycleTimeout = 0 },
	} {
		cfg := tunnel.DefaultConfig()
		mutate(&cfg)
		err := cfg.Validate()
		require.Error(t, err)
		require.Equal(t, xerrors.InvalidParam, xerrors.KindOf(err))
	}
}
