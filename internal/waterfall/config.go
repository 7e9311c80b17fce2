package waterfall

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/enrich-cli/internal/model"
)

// DefaultTimeout bounds a provider call when no timeout is configured.
const DefaultTimeout = 20 * time.Second

// Config is the ordered provider chain per capability. Order is fixed: the
// first provider listed is always tried first.
type Config struct {
	Classification []string       `yaml:"classification" mapstructure:"classification"`
	Enhancement    []string       `yaml:"enhancement" mapstructure:"enhancement"`
	TimeoutSecs    int            `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Timeouts       map[string]int `yaml:"timeouts" mapstructure:"timeouts"`
	Category       string         `yaml:"category" mapstructure:"category"`
	// ChainFile, when set, replaces the fields above with the contents of a
	// YAML file (see LoadConfig).
	ChainFile string `yaml:"-" mapstructure:"chain_file"`
}

// LoadConfig reads a chain config from a YAML file with a top-level
// "waterfall" key.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "waterfall: read config %s", path)
	}

	var wrapper struct {
		Waterfall Config `yaml:"waterfall"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "waterfall: parse config")
	}

	cfg := &wrapper.Waterfall
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve returns the effective config: the chain file if one is set,
// otherwise c itself.
func (c Config) Resolve() (*Config, error) {
	if c.ChainFile == "" {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return &c, nil
	}
	return LoadConfig(c.ChainFile)
}

// Validate rejects chains that name the built-in fallbacks or are empty of
// names.
func (c Config) Validate() error {
	for capability, names := range map[model.Capability][]string{
		model.CapabilityClassification: c.Classification,
		model.CapabilityEnhancement:    c.Enhancement,
	} {
		for _, n := range names {
			if n == "" {
				return eris.Errorf("waterfall: empty provider name in %s chain", capability)
			}
			if model.IsLocalProvider(n) {
				return eris.Errorf("waterfall: %s chain must not list %q; it always runs last", capability, n)
			}
		}
	}
	if c.TimeoutSecs < 0 {
		return eris.New("waterfall: timeout_secs must not be negative")
	}
	return nil
}

// Chain returns the provider names for a capability in rank order.
func (c Config) Chain(capability model.Capability) []string {
	switch capability {
	case model.CapabilityClassification:
		return c.Classification
	case model.CapabilityEnhancement:
		return c.Enhancement
	default:
		return nil
	}
}

// Timeout returns the per-call timeout for a provider.
func (c Config) Timeout(name string) time.Duration {
	if secs, ok := c.Timeouts[name]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if c.TimeoutSecs > 0 {
		return time.Duration(c.TimeoutSecs) * time.Second
	}
	return DefaultTimeout
}

// Providers returns the distinct provider names across both chains.
func (c Config) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range append(append([]string(nil), c.Classification...), c.Enhancement...) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
