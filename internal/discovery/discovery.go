// Package discovery finds candidate inference hosts and ranks them by TCP
// connect latency.
package discovery

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/banshee-data/lungseg/internal/config"
	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/httputil"
)

// Strategy yields candidate hosts.
type Strategy interface {
	Candidates(ctx context.Context) ([]string, error)
}

// Static is a fixed host list.
type Static []string

// Candidates returns the trimmed, de-duplicated list.
func (s Static) Candidates(ctx context.Context) ([]string, error) {
	hosts := dedupe(s)
	if len(hosts) == 0 {
		return nil, errs.New(errs.KindConfig, "discovery", "static host list is empty")
	}
	return hosts, nil
}

// maxHostListBytes bounds a fetched host list.
const maxHostListBytes = 1 << 20

// Remote fetches a plain-text host list, one host per line.
type Remote struct {
	URL    string
	Client httputil.HTTPClient
}

// Candidates fetches and parses the list at URL.
func (r Remote) Candidates(ctx context.Context) ([]string, error) {
	const op = "discovery"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, op, "discovery URL", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, op, "fetch "+r.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Newf(errs.KindNetwork, op, "fetch %s: HTTP %d", r.URL, resp.StatusCode)
	}

	hosts, err := ParseHostList(io.LimitReader(resp.Body, maxHostListBytes))
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, op, "read "+r.URL, err)
	}
	if len(hosts) == 0 {
		return nil, errs.Newf(errs.KindNetwork, op, "%s lists no hosts", r.URL)
	}
	return hosts, nil
}

// ParseHostList reads one host per line. Text after '#' is a comment; blank
// lines and repeats are dropped.
func ParseHostList(r io.Reader) ([]string, error) {
	var hosts []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		hosts = append(hosts, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return dedupe(hosts), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, h := range in {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

// FromConfig builds the strategy selected by d.
func FromConfig(d config.Discovery, client httputil.HTTPClient) (Strategy, error) {
	switch d.Mode {
	case config.DiscoveryStatic, "":
		return Static(d.Hosts), nil
	case config.DiscoveryRemote:
		if d.URL == "" {
			return nil, errs.New(errs.KindConfig, "discovery", "remote discovery needs a URL")
		}
		return Remote{URL: d.URL, Client: client}, nil
	}
	return nil, errs.Newf(errs.KindConfig, "discovery", "unknown mode %q", d.Mode)
}

// Describe names a strategy for progress output.
func Describe(s Strategy) string {
	switch v := s.(type) {
	case Static:
		return fmt.Sprintf("static list of %d", len(v))
	case Remote:
		return "remote list " + v.URL
	}
	return fmt.Sprintf("%T", s)
}
