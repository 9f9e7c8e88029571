// ABOUTME: Gateway credentials loaded from a separate TOML file.
// ABOUTME: Keeps secrets out of the main YAML config.

package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Credentials is the bearer token material for the gateway connection.
type Credentials struct {
	Token string `toml:"token"`
	// RuntimeID overrides the configured runtime id when the gateway
	// issued one at registration time.
	RuntimeID string `toml:"runtime_id"`
}

// LoadCredentials reads a TOML credentials file.
func LoadCredentials(path string) (*Credentials, error) {
	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	if creds.Token == "" {
		return nil, fmt.Errorf("credentials file %s has no token", path)
	}
	return &creds, nil
}

// ResolveCredentials returns the effective credentials: the inline token if
// set, otherwise the credentials file.
func (c *Config) ResolveCredentials() (*Credentials, error) {
	if c.Gateway.Token != "" {
		return &Credentials{Token: c.Gateway.Token}, nil
	}
	if c.Gateway.CredentialsPath == "" {
		return nil, fmt.Errorf("no gateway token or credentials_path configured")
	}
	path := c.Gateway.CredentialsPath
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("credentials file: %w", err)
	}
	return LoadCredentials(path)
}
