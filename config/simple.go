package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SimpleConfig is a minimal YAML onboarding config: the handful of fields
// an operator actually has to choose, expanded into a full Config via
// Expand. It exists alongside the JSON Config for quick client setup.
type SimpleConfig struct {
	Mode     string `yaml:"mode"`     // client/server
	Identity string `yaml:"identity"`
	Server   string `yaml:"server"` // relayEndpoint (client) / relayListen (server)

	Cipher string `yaml:"cipher,omitempty"` // plain/xor/aes-256-gcm/chacha20-poly1305
	Key    string `yaml:"key,omitempty"`

	ClientStorePath string `yaml:"clientStorePath,omitempty"` // server only
}

// LoadSimple reads a YAML onboarding file and expands it into a full,
// validated Config.
func LoadSimple(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var simple SimpleConfig
	if err := yaml.Unmarshal(data, &simple); err != nil {
		return nil, fmt.Errorf("config: parse simple yaml config: %w", err)
	}
	return simple.Expand()
}

// Expand fills out a full Config from the onboarding fields, applying the
// same defaulting and validation Load does for the JSON form.
func (s *SimpleConfig) Expand() (*Config, error) {
	cfg := &Config{
		Mode:     s.Mode,
		Identity: s.Identity,
		Cipher: CipherConfig{
			Suite: s.Cipher,
			Key:   s.Key,
		},
	}
	switch s.Mode {
	case "server":
		cfg.RelayListen = s.Server
		cfg.ClientStorePath = s.ClientStorePath
	default:
		cfg.RelayEndpoint = s.Server
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
