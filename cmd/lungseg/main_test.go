package main

import (
	"bytes"
	"context"
	"flag"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lungseg/internal/config"
	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/fsutil"
	"github.com/banshee-data/lungseg/internal/monitoring"
	"github.com/banshee-data/lungseg/internal/stub"
	"github.com/banshee-data/lungseg/internal/testutil"
	"github.com/banshee-data/lungseg/internal/volume"
)

func init() {
	monitoring.SetLogger(nil)
}

// noEnv keeps the process environment out of config resolution.
var noEnv = map[string]string{}

func TestWriteUsage(t *testing.T) {
	var buf bytes.Buffer
	writeUsage(&buf)
	for _, cmd := range []string{"run", "servers", "version", "help"} {
		assert.Contains(t, buf.String(), "\n  "+cmd+" ")
	}
}

func TestEnvironMap(t *testing.T) {
	m := environMap([]string{"A=1", "B=x=y", "broken"})
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y"}, m)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 6, exitCode(errs.New(errs.KindRejection, "classify", "too large")))
	assert.Equal(t, 7, exitCode(errs.New(errs.KindServerFault, "classify", "oom")))
	assert.Equal(t, 1, exitCode(os.ErrClosed))
}

func TestResolveRun_Precedence(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.WriteFile("lungseg.json", []byte(`{
		"host": "from-file",
		"temp_dir": "file-temp",
		"output_dir": "file-out",
		"public_key_path": "file/public.pem",
		"private_key_path": "file/private.pem",
		"request_timeout": "5m"
	}`), 0o644))

	environ := map[string]string{
		"LUNGSEG_HOST":     "from-env",
		"LUNGSEG_TEMP_DIR": "env-temp",
	}
	args := []string{
		"--config", "lungseg.json",
		"--series", "scans/A01.mha",
		"--server", "from-flag",
		"--pri-key", "flag/private.pem",
		"--previews",
	}

	run, err := resolveRun(fsys, args, environ, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "from-flag", run.Host)
	assert.Equal(t, "env-temp", run.TempDir)
	assert.Equal(t, "file-out", run.OutputDir)
	assert.Equal(t, "file/public.pem", run.PublicKeyPath)
	assert.Equal(t, "flag/private.pem", run.PrivateKeyPath)
	assert.Equal(t, "scans/A01.mha", run.SeriesPath)
	assert.Equal(t, 5*time.Minute, run.RequestTimeout)
	assert.True(t, run.Previews)
	assert.Equal(t, config.ProtocolV1(), run.Protocol)
}

func TestResolveRun_Discovery(t *testing.T) {
	base := []string{"--series", "a.mha", "--pub-key", "p.pem", "--pri-key", "k.pem"}

	run, err := resolveRun(fsutil.NewMemoryFileSystem(), append(base, "--hosts", "a, b,,c"), noEnv, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Empty(t, run.Host)
	assert.Equal(t, config.Discovery{Mode: config.DiscoveryStatic, Hosts: []string{"a", "b", "c"}}, run.Discovery)

	run, err = resolveRun(fsutil.NewMemoryFileSystem(), append(base, "--discovery-url", "http://pool/hosts"), noEnv, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, config.DiscoveryRemote, run.Discovery.Mode)
	assert.Equal(t, "http://pool/hosts", run.Discovery.URL)
}

func TestResolveRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no series", []string{"--server", "h", "--pub-key", "p", "--pri-key", "k"}},
		{"no host or discovery", []string{"--series", "a.mha", "--pub-key", "p", "--pri-key", "k"}},
		{"bad timeout", []string{"--server", "h", "--series", "a.mha", "--pub-key", "p", "--pri-key", "k", "--timeout", "soon"}},
		{"unknown protocol", []string{"--server", "h", "--series", "a.mha", "--pub-key", "p", "--pri-key", "k", "--protocol", "v9"}},
		{"missing config file", []string{"--config", "nope.json"}},
		{"unknown flag", []string{"--bogus"}},
		{"stray argument", []string{"--server", "h", "extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolveRun(fsutil.NewMemoryFileSystem(), tt.args, noEnv, &bytes.Buffer{})
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindConfig), "got %v", err)
		})
	}

	_, err := resolveRun(fsutil.NewMemoryFileSystem(), []string{"-h"}, noEnv, &bytes.Buffer{})
	assert.ErrorIs(t, err, flag.ErrHelp)
}

func TestHandleServers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	// Grab a free port and release it so nothing is listening there.
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := closed.Addr().String()
	closed.Close()

	live := ln.Addr().String()
	var out bytes.Buffer
	err = handleServers(context.Background(), []string{"--hosts", dead + "," + live}, noEnv, &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], live), lines[0])
	assert.Contains(t, lines[1], "unreachable")
	assert.Equal(t, "fastest: "+live, lines[2])

	out.Reset()
	err = handleServers(context.Background(), []string{"--hosts", dead}, noEnv, &out)
	assert.True(t, errs.IsKind(err, errs.KindNetwork))
	assert.Contains(t, out.String(), "unreachable")
}

func TestHandleRun_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("uses default Argon2id cost")
	}
	grid := volume.Shape{8, 8, 8}
	srv, _ := testutil.NewInferenceServer(t, stub.Options{Protocol: testutil.Protocol(grid)})

	dir := t.TempDir()
	fsys := fsutil.OSFileSystem{}
	pub, priv := testutil.WriteKeys(t, fsys, filepath.Join(dir, "keys"))
	series := testutil.WriteSeries(t, fsys, filepath.Join(dir, "scans", "A01.mha"),
		testutil.ChestPhantom(volume.Shape{6, 7, 5}, volume.Spacing{2, 0.7, 0.7}))
	cfgPath := filepath.Join(dir, "lungseg.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"grid": [8, 8, 8]}`), 0o644))

	outDir := filepath.Join(dir, "out")
	var out bytes.Buffer
	err := handleRun(context.Background(), []string{
		"--config", cfgPath,
		"--server", srv.Listener.Addr().String(),
		"--series", series,
		"--output-dir", outDir,
		"--temp-dir", filepath.Join(dir, "temp"),
		"--pub-key", pub,
		"--pri-key", priv,
	}, noEnv, &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "blood-vessel")
	for _, name := range []string{"lung", "heart", "blood-vessel", "airway", "nodule"} {
		assert.FileExists(t, filepath.Join(outDir, name+"_A01.mha"))
		assert.FileExists(t, filepath.Join(outDir, name+"_A01.stl"))
	}
	entries, err := os.ReadDir(filepath.Join(dir, "temp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
