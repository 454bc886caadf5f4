package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks cfg against its struct tags and a handful of
// cross-field invariants the struct tags alone can't express (self_rank
// must index into tcp_locations, peer addresses must be unique).
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if int(cfg.SelfRank) > len(cfg.TCPLocations) {
		return fmt.Errorf("invalid configuration: self_rank %d exceeds process count %d", cfg.SelfRank, len(cfg.TCPLocations))
	}

	seen := make(map[string]struct{}, len(cfg.TCPLocations))
	for _, loc := range cfg.TCPLocations {
		addr := loc.Addr()
		if _, ok := seen[addr]; ok {
			return fmt.Errorf("invalid configuration: duplicate tcp_locations entry %q", addr)
		}
		seen[addr] = struct{}{}
	}

	return nil
}
