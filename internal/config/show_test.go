package config

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective_MasksSecrets(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, `
[account.q]
provider = "quark"
secret = "__puus=abcdefghijklmnop"
default = true
`))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(cfg, "/x/config.toml", &buf))

	out := buf.String()
	assert.Contains(t, out, "(/x/config.toml)")
	assert.Contains(t, out, `[account."q"]`)
	assert.Contains(t, out, `provider = "quark"`)
	assert.Contains(t, out, "default  = true")
	assert.NotContains(t, out, "abcdefghijklmnop")
	assert.Contains(t, out, "__pu…mnop")
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "****", MaskSecret("short"))
	assert.Equal(t, "****", MaskSecret(""))
	assert.Equal(t, "abcd…mnop", MaskSecret("abcdefghijklmnop"))
}
