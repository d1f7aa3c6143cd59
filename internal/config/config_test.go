package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager_Defaults(t *testing.T) {
	manager, err := NewManager()
	require.NoError(t, err)

	cfg := manager.GetConfig()
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "lims_autoverify", cfg.Database.Database)

	// The QC defaults drive the statistics engine.
	assert.Equal(t, 20, cfg.QC.WindowSize)
	assert.Equal(t, 5, cfg.QC.MinSeedPoints)

	assert.Equal(t, time.Hour, cfg.Verification.TATBreachThreshold)
	assert.Equal(t, "postgres", cfg.Audit.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestManager_Validate(t *testing.T) {
	manager, err := NewManager()
	require.NoError(t, err)
	require.NoError(t, manager.Validate())

	tests := []struct {
		name   string
		mutate func(m *Manager)
	}{
		{"invalid port", func(m *Manager) { m.config.Server.Port = 0 }},
		{"missing database host", func(m *Manager) { m.config.Database.Host = "" }},
		{"missing database name", func(m *Manager) { m.config.Database.Database = "" }},
		{"window size too small", func(m *Manager) { m.config.QC.WindowSize = 1 }},
		{"negative seed points", func(m *Manager) { m.config.QC.MinSeedPoints = -1 }},
		{"zero tat threshold", func(m *Manager) { m.config.Verification.TATBreachThreshold = 0 }},
		{"unknown audit backend", func(m *Manager) { m.config.Audit.Backend = "mongodb" }},
		{"invalid log level", func(m *Manager) { m.config.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager()
			require.NoError(t, err)
			tt.mutate(m)
			assert.Error(t, m.Validate())
		})
	}
}

func TestManager_ConnectionStrings(t *testing.T) {
	manager, err := NewManager()
	require.NoError(t, err)

	assert.Contains(t, manager.GetDatabaseConnectionString(), "host=localhost")
	assert.Contains(t, manager.GetDatabaseConnectionString(), "dbname=lims_autoverify")
	assert.Contains(t, manager.GetDatabaseURL(), "postgres://")
	assert.Contains(t, manager.GetDatabaseURL(), "sslmode=disable")
}
