// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	lookup          func(string) (string, bool)
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		lookup:          os.LookupEnv,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Load loads configuration with precedence: ENV > File > Defaults.
// Order: defaults -> strict file parse -> env overrides -> ${VAR} expansion -> validate.
func (l *Loader) Load() (Config, error) {
	cfg, err := l.read()
	if err != nil {
		return cfg, err
	}
	if err := l.expandSecrets(&cfg); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadRooms loads the configuration for offline use. Hub secrets are not
// expanded and only the presence section is validated.
func (l *Loader) LoadRooms() (Config, error) {
	cfg, err := l.read()
	if err != nil {
		return cfg, err
	}
	if err := ValidateRooms(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) read() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.mergeEnv(&cfg); err != nil {
		return cfg, err
	}

	cfg.Version = l.version
	return cfg, nil
}

// loadFile decodes a YAML file over cfg with STRICT parsing.
// Unknown fields will cause a fatal error to prevent misconfiguration.
func (l *Loader) loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("%w: unsupported config format: %s (only YAML supported)", ErrInvalidConfig, ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	return decodeStrict(data, cfg)
}

func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("%w: %w: %w", ErrInvalidConfig, ErrUnknownConfigField, err)
		}
		return fmt.Errorf("%w: strict config parse error: %w", ErrInvalidConfig, err)
	}

	// Strict: Ensure no multiple documents or trailing content
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: config file contains multiple documents or trailing content", ErrInvalidConfig)
	}
	return nil
}

var secretRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandSecrets resolves ${VAR} references in the hub URL and token.
// A reference to an unset variable is an error rather than an empty secret.
func (l *Loader) expandSecrets(cfg *Config) error {
	var missing []string
	expand := func(s string) string {
		return secretRef.ReplaceAllStringFunc(s, func(ref string) string {
			name := secretRef.FindStringSubmatch(ref)[1]
			val, ok := l.envLookup(name)
			if !ok {
				missing = append(missing, name)
				return ""
			}
			return val
		})
	}
	cfg.Hub.URL = expand(cfg.Hub.URL)
	cfg.Hub.Token = expand(cfg.Hub.Token)
	if len(missing) > 0 {
		return fmt.Errorf("%w: unset variable(s) referenced: %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	return nil
}
