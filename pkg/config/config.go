// Package config loads uhpm's user configuration: repository
// locations, the symlink variable context, and the fetch/update
// policies. Values are layered: built-in defaults, then the config
// file under the uhpm root, then UHPM_* environment variables.
package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/arthur-debert/uhpm/pkg/errors"
)

// Fetch holds retrieval policy settings.
type Fetch struct {
	// Concurrency bounds how many archives are retrieved in parallel.
	Concurrency int `koanf:"concurrency"`
	// RetryAttempts bounds retries for transient transport failures.
	RetryAttempts int `koanf:"retry_attempts"`
	// RetryBackoffMS is the initial backoff between attempts; each
	// retry doubles it.
	RetryBackoffMS int `koanf:"retry_backoff_ms"`
}

// Update holds update policy settings.
type Update struct {
	// ReresolveDeps controls whether update re-resolves dependency
	// constraints against newly available versions instead of only
	// replacing the named package in place.
	ReresolveDeps bool `koanf:"reresolve_deps"`
}

// Config is the loaded uhpm configuration.
type Config struct {
	// Repositories maps a repository name to its base location
	// (a local directory or an http(s) base URL).
	Repositories map[string]string `koanf:"repositories"`
	// Variables adds to (or overrides) the symlink variable context.
	Variables map[string]string `koanf:"variables"`
	Fetch     Fetch             `koanf:"fetch"`
	Update    Update            `koanf:"update"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"fetch.concurrency":      4,
		"fetch.retry_attempts":   3,
		"fetch.retry_backoff_ms": 500,
		"update.reresolve_deps":  true,
	}
}

// Load reads configuration from configPath (skipped when the file does
// not exist) layered over defaults and under UHPM_* env overrides.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to load defaults")
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
				return nil, errors.Wrapf(err, errors.ErrConfigParse, "failed to parse config %s", configPath)
			}
		}
	}

	// UHPM_FETCH_CONCURRENCY=8 -> fetch.concurrency. Only known keys
	// are mapped; anything else is dropped rather than guessed at.
	envKeys := map[string]string{
		"FETCH_CONCURRENCY":      "fetch.concurrency",
		"FETCH_RETRY_ATTEMPTS":   "fetch.retry_attempts",
		"FETCH_RETRY_BACKOFF_MS": "fetch.retry_backoff_ms",
		"UPDATE_RERESOLVE_DEPS":  "update.reresolve_deps",
	}
	if err := k.Load(env.Provider("UHPM_", ".", func(s string) string {
		return envKeys[strings.TrimPrefix(s, "UHPM_")]
	}), nil); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to load environment overrides")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigParse, "failed to unmarshal config")
	}

	if cfg.Fetch.Concurrency < 1 {
		cfg.Fetch.Concurrency = 1
	}
	if cfg.Fetch.RetryAttempts < 1 {
		cfg.Fetch.RetryAttempts = 1
	}

	return &cfg, nil
}

// VariableContext merges the base variable mapping (from pkg/paths)
// with configured overrides. The result is the closed token set the
// symlink manager will accept.
func (c *Config) VariableContext(base map[string]string) map[string]string {
	vars := make(map[string]string, len(base)+len(c.Variables))
	for k, v := range base {
		vars[k] = v
	}
	for k, v := range c.Variables {
		vars[k] = v
	}
	return vars
}
