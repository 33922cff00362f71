package main

import (
	"flag"
	"io"
	"strings"

	"github.com/banshee-data/lungseg/internal/config"
	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/fsutil"
)

// commonFlags are shared by run and servers.
type commonFlags struct {
	configPath   string
	protocol     string
	hosts        string
	discoveryURL string
	timeout      string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "JSON configuration file")
	fs.StringVar(&c.protocol, "protocol", "", "protocol version")
	fs.StringVar(&c.hosts, "hosts", "", "comma-separated candidate hosts")
	fs.StringVar(&c.discoveryURL, "discovery-url", "", "URL listing candidate hosts, one per line")
	fs.StringVar(&c.timeout, "timeout", "", "request timeout, e.g. 30m")
}

// runFlags are the flags of the run command.
type runFlags struct {
	commonFlags
	server     string
	series     string
	fileName   string
	outputDir  string
	tempDir    string
	publicKey  string
	privateKey string
	previews   bool
	compress   bool
}

func newRunFlagSet(out io.Writer) (*flag.FlagSet, *runFlags) {
	var f runFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(out)
	f.register(fs)
	fs.StringVar(&f.server, "server", "", "inference host")
	fs.StringVar(&f.series, "series", "", "MetaImage scan or DICOM series directory")
	fs.StringVar(&f.fileName, "file-name", "", "case name for outputs")
	fs.StringVar(&f.outputDir, "output-dir", "", "output directory")
	fs.StringVar(&f.tempDir, "temp-dir", "", "temp directory")
	fs.StringVar(&f.publicKey, "pub-key", "", "public key path")
	fs.StringVar(&f.privateKey, "pri-key", "", "private key path")
	fs.BoolVar(&f.previews, "previews", false, "write PNG previews")
	fs.BoolVar(&f.compress, "compress", false, "zlib-compress exported volumes")
	return fs, &f
}

func splitHosts(s string) []string {
	var out []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// loadConfig layers the JSON file and the environment. Flags are applied by
// the caller.
func loadConfig(fsys fsutil.FileSystem, path string, environ map[string]string) (*config.Config, error) {
	cfg := config.EmptyConfig()
	if path != "" {
		var err error
		cfg, err = config.LoadConfig(fsys, path)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, "config", "", err)
		}
	}
	if err := cfg.ApplyEnv(environ); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "config", "environment", err)
	}
	return cfg, nil
}

// applyCommon copies explicitly set common flags onto cfg.
func applyCommon(cfg *config.Config, fs *flag.FlagSet, c *commonFlags) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "protocol":
			cfg.ProtocolVersion = &c.protocol
		case "hosts":
			cfg.DiscoveryHosts = splitHosts(c.hosts)
			mode := config.DiscoveryStatic
			cfg.DiscoveryMode = &mode
		case "discovery-url":
			cfg.DiscoveryURL = &c.discoveryURL
			mode := config.DiscoveryRemote
			cfg.DiscoveryMode = &mode
		case "timeout":
			cfg.RequestTimeout = &c.timeout
		}
	})
}

// resolveRun builds the run configuration for args.
func resolveRun(fsys fsutil.FileSystem, args []string, environ map[string]string, out io.Writer) (config.Run, error) {
	fs, f := newRunFlagSet(out)
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return config.Run{}, err
		}
		return config.Run{}, errs.Wrap(errs.KindConfig, "run", "", err)
	}
	if fs.NArg() > 0 {
		return config.Run{}, errs.Newf(errs.KindConfig, "run", "unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg, err := loadConfig(fsys, f.configPath, environ)
	if err != nil {
		return config.Run{}, err
	}
	applyCommon(cfg, fs, &f.commonFlags)
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "server":
			cfg.Host = &f.server
		case "output-dir":
			cfg.OutputDir = &f.outputDir
		case "temp-dir":
			cfg.TempDir = &f.tempDir
		case "pub-key":
			cfg.PublicKeyPath = &f.publicKey
		case "pri-key":
			cfg.PrivateKeyPath = &f.privateKey
		case "previews":
			cfg.Previews = &f.previews
		case "compress":
			cfg.CompressArtifacts = &f.compress
		}
	})
	if err := cfg.Validate(); err != nil {
		return config.Run{}, errs.Wrap(errs.KindConfig, "run", "", err)
	}

	run, err := cfg.Resolve()
	if err != nil {
		return config.Run{}, errs.Wrap(errs.KindConfig, "run", "", err)
	}
	run.SeriesPath = f.series
	run.CaseName = f.fileName
	if err := run.Validate(); err != nil {
		return config.Run{}, errs.Wrap(errs.KindConfig, "run", "", err)
	}
	return run, nil
}
