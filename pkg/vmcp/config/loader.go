package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// interpolationPattern matches "${VAR}" and "${VAR:-default}" references in a
// raw YAML document, mirroring the teacher's env.OSReader substitution seam.
var interpolationPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// YAMLLoader loads a Config from a YAML file, interpolating environment
// variable references before parsing.
type YAMLLoader struct {
	path string
	env  EnvReader
}

// NewYAMLLoader constructs a YAMLLoader reading path, substituting
// environment variables via env.
func NewYAMLLoader(path string, env EnvReader) *YAMLLoader {
	if env == nil {
		env = OSReader{}
	}
	return &YAMLLoader{path: path, env: env}
}

// Load reads, interpolates, and parses the configuration file, then applies
// documented defaults for any field the file left unset.
func (l *YAMLLoader) Load() (*Config, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", l.path, err)
	}

	interpolated := l.interpolate(string(raw))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", l.path, err)
	}

	return cfg, nil
}

// interpolate replaces "${VAR}" and "${VAR:-default}" references with values
// from the loader's EnvReader. An unset variable with no default expands to
// the empty string.
func (l *YAMLLoader) interpolate(doc string) string {
	return interpolationPattern.ReplaceAllStringFunc(doc, func(match string) string {
		groups := interpolationPattern.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2], groups[3]
		if v := l.env.Getenv(name); v != "" {
			return v
		}
		if hasDefault != "" {
			return def
		}
		return ""
	})
}
