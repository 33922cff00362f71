// Package config resolves run settings from built-in protocol defaults, an
// optional JSON file, LUNGSEG_* environment variables and finally CLI flags,
// in that order.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/lungseg/internal/fsutil"
)

// Discovery modes.
const (
	DiscoveryStatic = "static"
	DiscoveryRemote = "remote"
)

// DefaultTempDir is relative to the working directory.
const DefaultTempDir = "temp"

// Config is the on-disk JSON schema. Every field is optional; the Get*
// methods supply defaults for anything left out, so partial files are safe.
type Config struct {
	// Protocol
	ProtocolVersion    *string  `json:"protocol_version,omitempty"`
	Grid               *[3]int  `json:"grid,omitempty"`
	WindowLow          *float64 `json:"window_low,omitempty"`
	WindowHigh         *float64 `json:"window_high,omitempty"`
	Port               *int     `json:"port,omitempty"`
	Path               *string  `json:"path,omitempty"`
	Interpolation      *string  `json:"interpolation,omitempty"`
	ResponseEncryption *bool    `json:"response_encryption,omitempty"`
	SignalDescr        *string  `json:"signal_descr,omitempty"`

	// Run
	Host              *string `json:"host,omitempty"`
	TempDir           *string `json:"temp_dir,omitempty"`
	OutputDir         *string `json:"output_dir,omitempty"`
	PublicKeyPath     *string `json:"public_key_path,omitempty"`
	PrivateKeyPath    *string `json:"private_key_path,omitempty"`
	RequestTimeout    *string `json:"request_timeout,omitempty"` // duration string like "10m"
	Previews          *bool   `json:"previews,omitempty"`
	CompressArtifacts *bool   `json:"compress_artifacts,omitempty"`

	// Discovery
	DiscoveryMode  *string  `json:"discovery_mode,omitempty"`
	DiscoveryHosts []string `json:"discovery_hosts,omitempty"`
	DiscoveryURL   *string  `json:"discovery_url,omitempty"`
}

func ptrString(v string) *string { return &v }

// EmptyConfig returns a Config with every field unset.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig reads a JSON config from fsys. The path must have a .json
// extension and the file must be under 1MB.
func LoadConfig(fsys fsutil.FileSystem, path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that are set. Cross-field requirements are
// checked on the resolved Run.
func (c *Config) Validate() error {
	if c.RequestTimeout != nil && *c.RequestTimeout != "" {
		d, err := time.ParseDuration(*c.RequestTimeout)
		if err != nil {
			return fmt.Errorf("invalid request_timeout '%s': %w", *c.RequestTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("request_timeout must be non-negative, got %s", d)
		}
	}
	if c.DiscoveryMode != nil {
		switch *c.DiscoveryMode {
		case "", DiscoveryStatic, DiscoveryRemote:
		default:
			return fmt.Errorf("discovery_mode must be %q or %q, got %q", DiscoveryStatic, DiscoveryRemote, *c.DiscoveryMode)
		}
	}
	if c.ProtocolVersion != nil {
		if _, err := LookupProtocol(*c.ProtocolVersion); err != nil {
			return err
		}
	}
	return nil
}

// GetProtocol starts from the configured protocol version and applies any
// per-field overrides.
func (c *Config) GetProtocol() (Protocol, error) {
	version := ""
	if c.ProtocolVersion != nil {
		version = *c.ProtocolVersion
	}
	p, err := LookupProtocol(version)
	if err != nil {
		return Protocol{}, err
	}
	if c.Grid != nil {
		p.Grid = *c.Grid
	}
	if c.WindowLow != nil {
		p.Window.Low = *c.WindowLow
	}
	if c.WindowHigh != nil {
		p.Window.High = *c.WindowHigh
	}
	if c.Port != nil {
		p.Port = *c.Port
	}
	if c.Path != nil {
		p.Path = *c.Path
	}
	if c.Interpolation != nil {
		p.Interpolation = Interpolation(*c.Interpolation)
	}
	if c.ResponseEncryption != nil {
		p.ResponseEncryption = *c.ResponseEncryption
	}
	if c.SignalDescr != nil {
		p.SignalDescr = *c.SignalDescr
	}
	return p, p.Validate()
}

// GetHost returns the host or "" when discovery should pick one.
func (c *Config) GetHost() string {
	if c.Host == nil {
		return ""
	}
	return strings.TrimSpace(*c.Host)
}

// GetTempDir returns the staging directory or DefaultTempDir.
func (c *Config) GetTempDir() string {
	if c.TempDir == nil || *c.TempDir == "" {
		return DefaultTempDir
	}
	return *c.TempDir
}

// GetOutputDir returns the artifact directory or the current directory.
func (c *Config) GetOutputDir() string {
	if c.OutputDir == nil || *c.OutputDir == "" {
		return "."
	}
	return *c.OutputDir
}

// GetRequestTimeout returns the upload timeout. Zero means no timeout.
func (c *Config) GetRequestTimeout() time.Duration {
	if c.RequestTimeout == nil || *c.RequestTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.RequestTimeout)
	if err != nil {
		return 0
	}
	return d
}

// GetPreviews returns whether PNG previews are written.
func (c *Config) GetPreviews() bool {
	if c.Previews == nil {
		return false
	}
	return *c.Previews
}

// GetCompressArtifacts returns whether .mha bodies are zlib compressed.
func (c *Config) GetCompressArtifacts() bool {
	if c.CompressArtifacts == nil {
		return false
	}
	return *c.CompressArtifacts
}

// GetDiscovery returns the discovery settings. The mode defaults to remote when
// only a URL is set and static otherwise.
func (c *Config) GetDiscovery() Discovery {
	d := Discovery{Hosts: append([]string(nil), c.DiscoveryHosts...)}
	if c.DiscoveryURL != nil {
		d.URL = *c.DiscoveryURL
	}
	switch {
	case c.DiscoveryMode != nil && *c.DiscoveryMode != "":
		d.Mode = *c.DiscoveryMode
	case d.URL != "" && len(d.Hosts) == 0:
		d.Mode = DiscoveryRemote
	default:
		d.Mode = DiscoveryStatic
	}
	return d
}

// Discovery selects how candidate inference hosts are found.
type Discovery struct {
	Mode  string
	Hosts []string
	URL   string
}

// Run is the fully resolved configuration of a single pipeline run.
type Run struct {
	Protocol Protocol

	Host              string
	TempDir           string
	SeriesPath        string
	OutputDir         string
	CaseName          string
	PublicKeyPath     string
	PrivateKeyPath    string
	Discovery         Discovery
	RequestTimeout    time.Duration
	Previews          bool
	CompressArtifacts bool
}

// Resolve turns the file-level config into a Run. Series path and case name
// come from the command line and are left empty.
func (c *Config) Resolve() (Run, error) {
	p, err := c.GetProtocol()
	if err != nil {
		return Run{}, fmt.Errorf("invalid protocol: %w", err)
	}
	r := Run{
		Protocol:          p,
		Host:              c.GetHost(),
		TempDir:           c.GetTempDir(),
		OutputDir:         c.GetOutputDir(),
		Discovery:         c.GetDiscovery(),
		RequestTimeout:    c.GetRequestTimeout(),
		Previews:          c.GetPreviews(),
		CompressArtifacts: c.GetCompressArtifacts(),
	}
	if c.PublicKeyPath != nil {
		r.PublicKeyPath = *c.PublicKeyPath
	}
	if c.PrivateKeyPath != nil {
		r.PrivateKeyPath = *c.PrivateKeyPath
	}
	return r, nil
}

// Validate checks that a run has everything it needs before any stage starts.
func (r Run) Validate() error {
	if err := r.Protocol.Validate(); err != nil {
		return fmt.Errorf("invalid protocol: %w", err)
	}
	if r.SeriesPath == "" {
		return fmt.Errorf("series path is required")
	}
	if r.PublicKeyPath == "" {
		return fmt.Errorf("public key path is required")
	}
	if r.PrivateKeyPath == "" {
		return fmt.Errorf("private key path is required")
	}
	if r.TempDir == "" {
		return fmt.Errorf("temp dir is required")
	}
	if r.OutputDir == "" {
		return fmt.Errorf("output dir is required")
	}
	if r.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must be non-negative, got %s", r.RequestTimeout)
	}
	if r.Host != "" {
		return nil
	}
	switch r.Discovery.Mode {
	case DiscoveryStatic:
		if len(r.Discovery.Hosts) == 0 {
			return fmt.Errorf("a host or at least one discovery host is required")
		}
	case DiscoveryRemote:
		if r.Discovery.URL == "" {
			return fmt.Errorf("remote discovery requires a discovery URL")
		}
	default:
		return fmt.Errorf("unknown discovery mode %q", r.Discovery.Mode)
	}
	return nil
}
