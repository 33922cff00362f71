package discovery

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/monitoring"
	"github.com/banshee-data/lungseg/internal/timeutil"
)

// DefaultProbeTimeout bounds each connect attempt.
const DefaultProbeTimeout = 2 * time.Second

// Probe is the result of one connect attempt.
type Probe struct {
	Host    string
	Latency time.Duration
	Err     error
}

// Reachable reports whether the connect succeeded.
func (p Probe) Reachable() bool { return p.Err == nil }

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Prober measures TCP connect time to the inference port of each host.
type Prober struct {
	Port    int
	Timeout time.Duration
	Dial    DialFunc
	Clock   timeutil.Clock
}

// NewProber returns a prober for port using the system dialer.
func NewProber(port int) *Prober {
	var d net.Dialer
	return &Prober{
		Port:    port,
		Timeout: DefaultProbeTimeout,
		Dial:    d.DialContext,
		Clock:   timeutil.RealClock{},
	}
}

func (p *Prober) address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

// Probe connects to each host in turn and returns the results ranked:
// reachable hosts fastest first, then unreachable hosts in input order.
func (p *Prober) Probe(ctx context.Context, hosts []string) []Probe {
	out := make([]Probe, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, p.probeOne(ctx, h))
	}
	Rank(out)
	return out
}

func (p *Prober) probeOne(ctx context.Context, host string) Probe {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := p.Clock.Now()
	conn, err := p.Dial(ctx, "tcp", p.address(host))
	if err != nil {
		monitoring.Logf("probe %s: %v", host, err)
		return Probe{Host: host, Err: err}
	}
	latency := p.Clock.Since(start)
	conn.Close()
	return Probe{Host: host, Latency: latency}
}

// Rank sorts probes in place: reachable by ascending latency, unreachable last.
func Rank(probes []Probe) {
	sort.SliceStable(probes, func(i, j int) bool {
		a, b := probes[i], probes[j]
		if a.Reachable() != b.Reachable() {
			return a.Reachable()
		}
		if !a.Reachable() {
			return false
		}
		return a.Latency < b.Latency
	})
}

// Best returns the fastest reachable host from ranked probes.
func Best(probes []Probe) (string, error) {
	for _, p := range probes {
		if p.Reachable() {
			return p.Host, nil
		}
	}
	return "", errs.Newf(errs.KindNetwork, "discovery", "none of %d candidate hosts is reachable", len(probes))
}

// SelectHost resolves candidates from s, probes them and returns the best.
func SelectHost(ctx context.Context, s Strategy, p *Prober) (string, []Probe, error) {
	hosts, err := s.Candidates(ctx)
	if err != nil {
		return "", nil, err
	}
	probes := p.Probe(ctx, hosts)
	best, err := Best(probes)
	return best, probes, err
}

// WriteTable prints one line per probe in rank order.
func WriteTable(w io.Writer, probes []Probe) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, p := range probes {
		if p.Reachable() {
			fmt.Fprintf(tw, "%s\tconnect: %s\n", p.Host, monitoring.FormatDuration(p.Latency))
			continue
		}
		fmt.Fprintf(tw, "%s\tunreachable\n", p.Host)
	}
	return tw.Flush()
}
