package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	conf := DefaultConfig()
	require.NoError(t, conf.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"inverted port range", func(c *Config) { c.PortMin = 8000; c.PortMax = 7000 }},
		{"zero port min", func(c *Config) { c.PortMin = 0 }},
		{"unknown backend scheme", func(c *Config) { c.BackendScheme = "ftp" }},
		{"no relay attempts", func(c *Config) { c.RelayAttempts = 0 }},
		{"unparseable shm size", func(c *Config) { c.ShmSize = "lots" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := DefaultConfig()
			tt.mutate(conf)
			assert.Error(t, conf.Validate())
		})
	}
}

func TestShmBytes(t *testing.T) {
	conf := DefaultConfig()
	conf.ShmSize = "512m"
	assert.Equal(t, int64(512<<20), conf.ShmBytes())

	conf.ShmSize = "garbage"
	assert.Zero(t, conf.ShmBytes())
}

func TestDerivedPaths(t *testing.T) {
	conf := DefaultConfig()
	conf.DataDir = "/tmp/dg-data"
	conf.RunDir = "/tmp/dg-run"

	assert.Equal(t, filepath.Join("/tmp/dg-data", "deskgate.db"), conf.DBPath())
	assert.Equal(t, filepath.Join("/tmp/dg-run", "deskgate.lock"), conf.LockPath())
	assert.Equal(t, filepath.Join("/tmp/dg-run", "deskgate.pid"), conf.PIDPath())
	assert.Equal(t, filepath.Join("/tmp/dg-run", "deskgate.json"), conf.StatePath())
}

func TestDurationHelpers(t *testing.T) {
	conf := DefaultConfig()
	conf.IdleTimeoutMinutes = 90
	conf.SessionTTLHours = 2
	conf.RelayBaseBackoffSeconds = 3

	assert.Equal(t, 90*time.Minute, conf.IdleTimeout())
	assert.Equal(t, 2*time.Hour, conf.SessionTTL())
	assert.Equal(t, 3*time.Second, conf.RelayBaseBackoff())
}
