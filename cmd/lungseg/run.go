package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/banshee-data/lungseg/internal/discovery"
	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/fsutil"
	"github.com/banshee-data/lungseg/internal/httputil"
	"github.com/banshee-data/lungseg/internal/monitoring"
	"github.com/banshee-data/lungseg/internal/pipeline"
)

func handleRun(ctx context.Context, args []string, environ map[string]string, out io.Writer) error {
	fsys := fsutil.OSFileSystem{}
	run, err := resolveRun(fsys, args, environ, out)
	if err != nil {
		return err
	}

	p := &pipeline.Pipeline{
		FS:   fsys,
		HTTP: httputil.NewInferenceClient(run.RequestTimeout),
	}
	rep, err := p.Run(ctx, run)
	if len(rep.Probes) > 0 {
		discovery.WriteTable(out, rep.Probes)
	}
	if err != nil {
		if rep.Reason != "" && errs.IsKind(err, errs.KindRejection) {
			fmt.Fprintf(out, "inference rejected: %s\n", rep.Reason)
		}
		return err
	}

	for _, a := range rep.Artifacts {
		fmt.Fprintf(out, "%-13s %9d voxels  %s  %s", a.Structure, a.Voxels, a.Volumetric, a.Mesh)
		if a.Preview != "" {
			fmt.Fprintf(out, "  %s", a.Preview)
		}
		fmt.Fprintln(out)
	}
	monitoring.Progressf("total time: %s", monitoring.FormatDuration(rep.Elapsed))
	return nil
}

func handleServers(ctx context.Context, args []string, environ map[string]string, out io.Writer) error {
	var c commonFlags
	fs := flag.NewFlagSet("servers", flag.ContinueOnError)
	fs.SetOutput(out)
	c.register(fs)
	port := fs.Int("port", 0, "inference port to probe (default from protocol)")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return err
		}
		return errs.Wrap(errs.KindConfig, "servers", "", err)
	}

	cfg, err := loadConfig(fsutil.OSFileSystem{}, c.configPath, environ)
	if err != nil {
		return err
	}
	applyCommon(cfg, fs, &c)
	proto, err := cfg.GetProtocol()
	if err != nil {
		return errs.Wrap(errs.KindConfig, "servers", "", err)
	}
	if *port == 0 {
		*port = proto.Port
	}

	client := httputil.NewInferenceClient(cfg.GetRequestTimeout())
	strategy, err := discovery.FromConfig(cfg.GetDiscovery(), client)
	if err != nil {
		return err
	}
	monitoring.Progressf("probing candidates from %s on port %d", discovery.Describe(strategy), *port)

	best, probes, err := discovery.SelectHost(ctx, strategy, discovery.NewProber(*port))
	if probes != nil {
		if werr := discovery.WriteTable(out, probes); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "fastest: %s\n", best)
	return nil
}
