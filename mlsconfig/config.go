// Package mlsconfig loads the handful of operator-tunable knobs a group
// leaves as configuration rather than protocol, from a TOML file.
package mlsconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/mlscore/mls"
)

// An empty or unrecognized WirePolicy string resolves to WirePolicyMixed
// (see wirePolicy), and zero tolerances mean "use the package default".
const (
	DefaultWirePolicy = "mixed"
)

// Config is the TOML-decoded form of mls.GroupConfig's policy knobs. It
// carries none of GroupConfig's live collaborators (CryptoProvider,
// KeyStore): those are always supplied by the caller in code, never from
// a file.
type Config struct {
	WirePolicy             string `toml:"wire_policy"`
	IncludeRatchetTree     bool   `toml:"include_ratchet_tree"`
	AllowDuplicateIdentity bool   `toml:"allow_duplicate_identity"`
	OutOfOrderTolerance    uint32 `toml:"out_of_order_tolerance"`
	MaxForwardDistance     uint32 `toml:"max_forward_distance"`
}

// tomlWrapper is the on-disk shape: a single [group] table, so a config
// file can later grow sibling tables without touching this one.
type tomlWrapper struct {
	Group Config `toml:"group"`
}

// Default returns the configuration a Group would run with if no file
// were loaded at all.
func Default() Config {
	return Config{
		WirePolicy:             DefaultWirePolicy,
		IncludeRatchetTree:     true,
		AllowDuplicateIdentity: false,
	}
}

// Load reads and parses a TOML config file at path. Fields absent from
// the file fall back to Default's values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(string(data))
}

// Parse decodes text as a group configuration, following the same
// decode-over-defaults shape as germtb-mlsgit's ConfigFromTOML.
func Parse(text string) (Config, error) {
	wrapper := tomlWrapper{Group: Default()}
	if _, err := toml.Decode(text, &wrapper); err != nil {
		return Config{}, fmt.Errorf("parsing config TOML: %w", err)
	}
	cfg := Default()
	g := wrapper.Group
	if g.WirePolicy != "" {
		cfg.WirePolicy = g.WirePolicy
	}
	cfg.IncludeRatchetTree = g.IncludeRatchetTree
	cfg.AllowDuplicateIdentity = g.AllowDuplicateIdentity
	if g.OutOfOrderTolerance != 0 {
		cfg.OutOfOrderTolerance = g.OutOfOrderTolerance
	}
	if g.MaxForwardDistance != 0 {
		cfg.MaxForwardDistance = g.MaxForwardDistance
	}
	return cfg, nil
}

// wirePolicy resolves the string knob to the wire type, defaulting to
// Mixed on an empty or unrecognized value.
func (c Config) wirePolicy() mls.WirePolicy {
	switch c.WirePolicy {
	case "plaintext":
		return mls.WirePolicyPurePlaintext
	case "ciphertext":
		return mls.WirePolicyPureCiphertext
	default:
		return mls.WirePolicyMixed
	}
}

// duplicateIdentityPolicy resolves AllowDuplicateIdentity to the
// predicate mls.GroupConfig expects (spec.md §9, Open Question (b)).
func (c Config) duplicateIdentityPolicy() mls.DuplicateIdentityPolicy {
	if c.AllowDuplicateIdentity {
		return mls.AllowDuplicateIdentities
	}
	return mls.RejectDuplicateIdentities
}

// Apply fills in the policy fields of base from c, leaving Crypto and
// KeyStore untouched. Callers build a GroupConfig with its collaborators
// set, then call Apply to layer the file-driven knobs on top.
func (c Config) Apply(base mls.GroupConfig) mls.GroupConfig {
	base.WirePolicy = c.wirePolicy()
	base.IncludeRatchetTreeInGroupInfo = c.IncludeRatchetTree
	base.DuplicateIdentity = c.duplicateIdentityPolicy()
	base.OutOfOrderTolerance = c.OutOfOrderTolerance
	base.MaxForwardDistance = c.MaxForwardDistance
	return base
}
