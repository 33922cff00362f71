package config

import (
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/lungseg/internal/volume"
)

// Interpolation selects the resampling kernel used by the normalizer. The same
// kernel is used in both directions.
type Interpolation string

const (
	InterpLinear  Interpolation = "linear"
	InterpNearest Interpolation = "nearest"
)

// Window is the intensity range kept by windowing. Values below Low map to 0
// and values above High map to 1.
type Window struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Width returns High-Low.
func (w Window) Width() float64 { return w.High - w.Low }

// Protocol holds the constants agreed with a given inference service release.
// Changing any of them changes what the service receives, so they are
// versioned together.
type Protocol struct {
	Version            string        `json:"version"`
	Grid               volume.Shape  `json:"grid"`
	Window             Window        `json:"window"`
	Port               int           `json:"port"`
	Path               string        `json:"path"`
	Interpolation      Interpolation `json:"interpolation"`
	ResponseEncryption bool          `json:"response_encryption"`
	// SignalDescr is the .npy dtype of the uploaded signal.
	SignalDescr string `json:"signal_descr"`
}

// ProtocolV1 returns the protocol spoken by the first lung service release:
// a 512³ grid, window (-600, 1600), POST /lung on port 5000 and plaintext replies.
func ProtocolV1() Protocol {
	return Protocol{
		Version:       "v1",
		Grid:          volume.Shape{512, 512, 512},
		Window:        Window{Low: -600, High: 1600},
		Port:          5000,
		Path:          "lung",
		Interpolation: InterpLinear,
		SignalDescr:   volume.DescrFloat32,
	}
}

// ProtocolV2 is ProtocolV1 with encrypted replies.
func ProtocolV2() Protocol {
	p := ProtocolV1()
	p.Version = "v2"
	p.ResponseEncryption = true
	return p
}

var protocols = map[string]func() Protocol{
	"v1": ProtocolV1,
	"v2": ProtocolV2,
}

// DefaultProtocolVersion is used when no version is configured.
const DefaultProtocolVersion = "v1"

// LookupProtocol returns the registered protocol for version.
func LookupProtocol(version string) (Protocol, error) {
	if version == "" {
		version = DefaultProtocolVersion
	}
	f, ok := protocols[version]
	if !ok {
		return Protocol{}, fmt.Errorf("unknown protocol version %q (known: %s)", version, strings.Join(ProtocolVersions(), ", "))
	}
	return f(), nil
}

// ProtocolVersions lists the registered versions in order.
func ProtocolVersions() []string {
	out := make([]string, 0, len(protocols))
	for v := range protocols {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Validate checks that the protocol is internally consistent.
func (p Protocol) Validate() error {
	if !p.Grid.Valid() {
		return fmt.Errorf("grid must be positive on every axis, got %s", p.Grid)
	}
	if math.IsNaN(p.Window.Low) || math.IsNaN(p.Window.High) ||
		math.IsInf(p.Window.Low, 0) || math.IsInf(p.Window.High, 0) {
		return fmt.Errorf("window bounds must be finite, got (%g, %g)", p.Window.Low, p.Window.High)
	}
	if !(p.Window.High > p.Window.Low) {
		return fmt.Errorf("window high must exceed low, got (%g, %g)", p.Window.Low, p.Window.High)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", p.Port)
	}
	if strings.TrimSpace(p.Path) == "" {
		return fmt.Errorf("path must not be empty")
	}
	switch p.Interpolation {
	case InterpLinear, InterpNearest:
	default:
		return fmt.Errorf("interpolation must be %q or %q, got %q", InterpLinear, InterpNearest, p.Interpolation)
	}
	if p.SignalDescr != volume.DescrFloat32 && p.SignalDescr != volume.DescrFloat64 {
		return fmt.Errorf("signal_descr must be %q or %q, got %q", volume.DescrFloat32, volume.DescrFloat64, p.SignalDescr)
	}
	return nil
}

// Endpoint returns the inference URL for host. A host that already carries a
// port keeps it.
func (p Protocol) Endpoint(host string) string {
	hostport := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		hostport = net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(p.Port))
	}
	return "http://" + hostport + "/" + strings.TrimPrefix(p.Path, "/")
}
