package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig writes content to a config.toml in a temp dir.
func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

const threeAccounts = `
[account."home-quark"]
provider = "quark"
secret = "q-cookie"

[account.backup-115]
provider = "115"
secret = "UID=1"
enabled = false

[account."work-quark"]
provider = "quark"
secret = "q2-cookie"
default = true
`

func TestEnabledAccounts_FileOrder(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, threeAccounts))
	require.NoError(t, err)

	assert.Equal(t, []string{"home-quark", "backup-115", "work-quark"}, cfg.Order)

	enabled := cfg.EnabledAccounts()
	require.Len(t, enabled, 2)
	assert.Equal(t, "home-quark", enabled[0].Name)
	assert.Equal(t, "work-quark", enabled[1].Name)
	assert.True(t, enabled[1].Default)
}

func TestEnabledAccounts_BuiltInCode(t *testing.T) {
	off := false
	cfg := DefaultConfig()
	cfg.Accounts["b"] = Account{Provider: "baidu", Secret: "x"}
	cfg.Accounts["a"] = Account{Provider: "quark", Secret: "y"}
	cfg.Accounts["c"] = Account{Provider: "uc", Secret: "z", Enabled: &off}

	enabled := cfg.EnabledAccounts()
	require.Len(t, enabled, 2)
	assert.Equal(t, "a", enabled[0].Name)
	assert.Equal(t, "b", enabled[1].Name)
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "30s", cfg.Network.TimeoutDuration().String())
	assert.Equal(t, "720h0m0s", cfg.Cache.TTLDuration().String())

	cfg.Cache.TTL = "0"
	assert.Zero(t, cfg.Cache.TTLDuration())
}
