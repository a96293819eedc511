package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file at path, expands ${VAR}/$VAR references
// via ExpandEnv, and merges the result onto DefaultSwarmConfig. A missing
// file is not an error — the defaults (as overridden by CLI flags) apply.
func Load(path string) (*SwarmConfig, error) {
	cfg := DefaultSwarmConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, NewLoadError(path, err)
	}

	expanded := ExpandEnv(data)
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, NewLoadError(path, ErrInvalidYAML)
	}

	return cfg, nil
}

// Validate checks the minimal set of invariants the supervisor and
// mailstore depend on before startup.
func (c *SwarmConfig) Validate() error {
	if len(c.Agents) == 0 {
		return NewValidationError("agents", ErrMissingRequiredField)
	}
	if c.MailstoreDB == "" {
		return NewValidationError("mailstore_db", ErrMissingRequiredField)
	}
	if c.LeaseSeconds <= 0 {
		return NewValidationError("lease_seconds", ErrInvalidValue)
	}
	if c.MaxRetries < 0 {
		return NewValidationError("max_retries", ErrInvalidValue)
	}
	if c.RestartBackoffFactor < 1.0 {
		return NewValidationError("restart_backoff_factor", ErrInvalidValue)
	}
	return nil
}
