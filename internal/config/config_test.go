package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopline/internal/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*time.Hour, cfg.Timeline.DefaultWindow)
	assert.Equal(t, domain.StatusIdle, cfg.DefaultStatus())
	assert.Equal(t, time.UTC, cfg.LocationOrUTC())
	assert.False(t, cfg.Rollback())
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("timeline:\n  default_status: Setup\nareas: [A, B]\n"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSetup, cfg.DefaultStatus())
	assert.Equal(t, 2*time.Hour, cfg.Timeline.DefaultWindow)
	assert.Equal(t, []string{"A", "B"}, cfg.Areas)
	assert.True(t, cfg.OrderEditable("Scheduled"))
	assert.True(t, cfg.OrderEditable(" released "))
	assert.False(t, cfg.OrderEditable("running"))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown status":   "timeline:\n  default_status: Sleeping\n",
		"order status":     "timeline:\n  default_status: OrderCreated\n",
		"zero window":      "timeline:\n  default_window: 0s\n",
		"bad location":     "timeline:\n  location: Mars/Olympus\n",
		"reconcile policy": "reconcile:\n  on_remote_failure: retry\n",
		"base path":        "server:\n  base_path: v0\n",
		"log format":       "logging:\n  format: xml\n",
		"area":             "areas: [AB]\n",
		"empty label":      "work_orders:\n  editable_statuses: [\"\"]\n",
	}
	for name, yml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(yml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sl init")

	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ReconcileKeep, cfg.Reconcile.OnRemoteFailure)
}
