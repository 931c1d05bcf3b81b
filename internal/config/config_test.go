package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDispatchDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  name: test\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 25, cfg.Dispatch.MaxRequests)
	require.Equal(t, 19, cfg.Dispatch.ContactCapacity)
	require.Equal(t, 15*time.Minute, cfg.Dispatch.QuarantinePeriod)
	require.Equal(t, time.Second, cfg.Dispatch.DelayMin)
	require.Equal(t, 5*time.Second, cfg.Dispatch.DelayMax)
	require.False(t, cfg.Dispatch.StickyRetry)
	require.Equal(t, "postgres", cfg.Storage.Driver)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "dispatch:\n  max_requests: 5\n")
	t.Setenv("DISPATCH_DISPATCH_MAX_REQUESTS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Dispatch.MaxRequests)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]string{
		"zero budget":     "dispatch:\n  max_requests: 0\n",
		"inverted delays": "dispatch:\n  delay_min: 10s\n  delay_max: 1s\n",
		"unknown driver":  "storage:\n  driver: sqlite\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}
