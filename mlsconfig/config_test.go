package mlsconfig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mlscore/mls"
)

func TestDefaultMatchesZeroFile(t *testing.T) {
	cfg, err := Parse("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, DefaultWirePolicy, cfg.WirePolicy)
}

func TestParseOverridesDefaults(t *testing.T) {
	text := `
[group]
wire_policy = "ciphertext"
include_ratchet_tree = false
allow_duplicate_identity = true
out_of_order_tolerance = 64
max_forward_distance = 2000
`
	cfg, err := Parse(text)
	require.NoError(t, err)
	require.Equal(t, "ciphertext", cfg.WirePolicy)
	require.False(t, cfg.IncludeRatchetTree)
	require.True(t, cfg.AllowDuplicateIdentity)
	require.Equal(t, uint32(64), cfg.OutOfOrderTolerance)
	require.Equal(t, uint32(2000), cfg.MaxForwardDistance)
}

func TestParseRejectsMalformedToml(t *testing.T) {
	_, err := Parse("not = [valid toml")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.toml")
	require.Error(t, err)
}

func TestApplyLayersOntoBaseConfig(t *testing.T) {
	cfg, err := Parse(`
[group]
wire_policy = "plaintext"
out_of_order_tolerance = 16
`)
	require.NoError(t, err)

	crypto, err := mls.NewDefaultCryptoProvider()
	require.NoError(t, err)
	base := mls.GroupConfig{
		Crypto:   crypto,
		KeyStore: mls.NewMemoryKeyStore(),
	}

	result := cfg.Apply(base)
	require.Equal(t, mls.WirePolicyPurePlaintext, result.WirePolicy)
	require.Equal(t, uint32(16), result.OutOfOrderTolerance)
	require.Equal(t, uint32(0), result.MaxForwardDistance)
	require.Equal(t, crypto, result.Crypto)
}
