package config

import (
	"fmt"

	"dario.cat/mergo"
)

// MergeOverrides layers CLI-flag-derived overrides on top of a file-loaded
// Config, matching the teacher's layered-config merge idiom elsewhere in
// pkg/config. Zero-valued fields in overrides never clobber base.
func MergeOverrides(base *Config, overrides *Config) (*Config, error) {
	merged := *base
	if err := mergo.Merge(&merged, overrides, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging config overrides: %w", err)
	}
	return &merged, nil
}
