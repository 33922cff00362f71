package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// lungsegEnv holds LUNGSEG_* overrides. Nil fields were not set.
type lungsegEnv struct {
	ProtocolVersion    *string        `env:"LUNGSEG_PROTOCOL_VERSION"`
	Host               *string        `env:"LUNGSEG_HOST"`
	Port               *int           `env:"LUNGSEG_PORT"`
	Path               *string        `env:"LUNGSEG_PATH"`
	Interpolation      *string        `env:"LUNGSEG_INTERPOLATION"`
	ResponseEncryption *bool          `env:"LUNGSEG_RESPONSE_ENCRYPTION"`
	TempDir            *string        `env:"LUNGSEG_TEMP_DIR"`
	OutputDir          *string        `env:"LUNGSEG_OUTPUT_DIR"`
	PublicKeyPath      *string        `env:"LUNGSEG_PUBLIC_KEY"`
	PrivateKeyPath     *string        `env:"LUNGSEG_PRIVATE_KEY"`
	RequestTimeout     *time.Duration `env:"LUNGSEG_REQUEST_TIMEOUT"`
	Previews           *bool          `env:"LUNGSEG_PREVIEWS"`
	DiscoveryMode      *string        `env:"LUNGSEG_DISCOVERY_MODE"`
	DiscoveryHosts     []string       `env:"LUNGSEG_DISCOVERY_HOSTS" envSeparator:","`
	DiscoveryURL       *string        `env:"LUNGSEG_DISCOVERY_URL"`
}

// ApplyEnv overlays LUNGSEG_* variables onto c. environ replaces the process
// environment when non-nil, which tests use.
func (c *Config) ApplyEnv(environ map[string]string) error {
	var e lungsegEnv
	if err := env.ParseWithOptions(&e, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	overlay := func(dst **string, v *string) {
		if v == nil {
			return
		}
		if s := strings.TrimSpace(*v); s != "" {
			*dst = &s
		}
	}
	overlay(&c.ProtocolVersion, e.ProtocolVersion)
	overlay(&c.Host, e.Host)
	overlay(&c.Path, e.Path)
	overlay(&c.Interpolation, e.Interpolation)
	overlay(&c.TempDir, e.TempDir)
	overlay(&c.OutputDir, e.OutputDir)
	overlay(&c.PublicKeyPath, e.PublicKeyPath)
	overlay(&c.PrivateKeyPath, e.PrivateKeyPath)
	overlay(&c.DiscoveryMode, e.DiscoveryMode)
	overlay(&c.DiscoveryURL, e.DiscoveryURL)

	if e.Port != nil {
		c.Port = e.Port
	}
	if e.ResponseEncryption != nil {
		c.ResponseEncryption = e.ResponseEncryption
	}
	if e.Previews != nil {
		c.Previews = e.Previews
	}
	if e.RequestTimeout != nil {
		c.RequestTimeout = ptrString(e.RequestTimeout.String())
	}
	if len(e.DiscoveryHosts) > 0 {
		hosts := make([]string, 0, len(e.DiscoveryHosts))
		for _, h := range e.DiscoveryHosts {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
		c.DiscoveryHosts = hosts
	}
	return c.Validate()
}
