// Package pipeline runs one segmentation job end to end: load, normalize,
// encrypt, upload, classify, decode, rehydrate, export and clean up.
//
// Stages run strictly in order. Any stage error aborts the run; the temp
// workspace is always cleaned up and cleanup problems are only logged.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/lungseg/internal/config"
	"github.com/banshee-data/lungseg/internal/decode"
	"github.com/banshee-data/lungseg/internal/discovery"
	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/export"
	"github.com/banshee-data/lungseg/internal/fsutil"
	"github.com/banshee-data/lungseg/internal/httputil"
	"github.com/banshee-data/lungseg/internal/inference"
	"github.com/banshee-data/lungseg/internal/monitoring"
	"github.com/banshee-data/lungseg/internal/normalize"
	"github.com/banshee-data/lungseg/internal/securechannel"
	"github.com/banshee-data/lungseg/internal/series"
	"github.com/banshee-data/lungseg/internal/timeutil"
	"github.com/banshee-data/lungseg/internal/workspace"
)

// Pipeline holds the collaborators of a run. Zero fields get defaults from
// the run configuration in Run.
type Pipeline struct {
	FS       fsutil.FileSystem
	HTTP     httputil.HTTPClient
	Loader   series.Loader
	Exporter export.Exporter
	Prober   *discovery.Prober
	Clock    timeutil.Clock
	// NewID names the run's temp files. Defaults to workspace.NewID.
	NewID func() string
	// CipherOptions tune the upload encryption.
	CipherOptions []securechannel.Option
}

// Report summarizes a finished or aborted run.
type Report struct {
	RunID     string
	Host      string
	Probes    []discovery.Probe
	Stats     normalize.Stats
	Outcome   inference.Outcome
	Reason    string
	Artifacts []export.Artifact
	Cleanup   workspace.CleanupReport
	Elapsed   time.Duration
}

// defaults returns a copy of p with unset collaborators filled in for run.
func (p *Pipeline) defaults(run config.Run) *Pipeline {
	d := *p
	if d.FS == nil {
		d.FS = fsutil.OSFileSystem{}
	}
	if d.HTTP == nil {
		d.HTTP = httputil.NewInferenceClient(run.RequestTimeout)
	}
	if d.Loader == nil {
		d.Loader = series.NewLoader(d.FS)
	}
	if d.Exporter == nil {
		d.Exporter = export.NewFileExporter(d.FS, run.OutputDir, run.CompressArtifacts)
	}
	if d.Clock == nil {
		d.Clock = timeutil.RealClock{}
	}
	if d.Prober == nil {
		d.Prober = discovery.NewProber(run.Protocol.Port)
		d.Prober.Clock = d.Clock
	}
	if d.NewID == nil {
		d.NewID = workspace.NewID
	}
	return &d
}

// Run executes run. The returned report is non-nil even when err is set and
// describes how far the run got.
func (p *Pipeline) Run(ctx context.Context, run config.Run) (*Report, error) {
	rep := &Report{}
	if err := run.Validate(); err != nil {
		return rep, errs.Wrap(errs.KindConfig, "run", "", err)
	}
	d := p.defaults(run)
	start := d.Clock.Now()
	defer func() {
		rep.Elapsed = d.Clock.Since(start)
	}()

	key, err := securechannel.ReadKeyFile(d.FS, run.PrivateKeyPath)
	if err != nil {
		return rep, err
	}
	publicKey, err := d.FS.ReadFile(run.PublicKeyPath)
	if err != nil {
		return rep, errs.Wrap(errs.KindFileSystem, "run", "read public key", err)
	}

	rep.Host = run.Host
	if rep.Host == "" {
		if err := d.selectHost(ctx, run, rep); err != nil {
			return rep, err
		}
	}

	ws, err := workspace.NewWithID(d.FS, run.TempDir, d.NewID())
	if err != nil {
		return rep, err
	}
	rep.RunID = ws.ID()
	defer func() {
		rep.Cleanup = ws.Cleanup()
		monitoring.Progressf("cleanup: %s", rep.Cleanup)
	}()

	caseName := run.CaseName
	if caseName == "" {
		caseName = export.CaseName(run.SeriesPath)
	}
	monitoring.Progressf("run %s: case %s, host %s", ws.ID(), caseName, rep.Host)

	s, err := d.load(ctx, run.SeriesPath)
	if err != nil {
		return rep, err
	}

	sig, err := d.normalize(s, run.Protocol)
	if err != nil {
		return rep, err
	}
	rep.Stats = sig.Stats

	if err := d.stageSignal(ws, sig, run.Protocol); err != nil {
		return rep, err
	}
	if err := d.encrypt(ws, key); err != nil {
		return rep, err
	}

	res, err := d.submit(ctx, ws, run, rep.Host, publicKey)
	if res != nil {
		rep.Outcome = res.Outcome
		rep.Reason = res.Reason
	}
	if err != nil {
		return rep, err
	}

	st, err := d.decode(ws, res.Payload, key, run.Protocol)
	if err != nil {
		return rep, err
	}

	done := monitoring.Stage("rehydrating masks onto source grid", d.Clock.Now)
	structures, err := decode.Rehydrate(st, s, run.Protocol)
	done()
	if err != nil {
		return rep, err
	}

	done = monitoring.Stage("exporting "+caseName+" to "+run.OutputDir, d.Clock.Now)
	rep.Artifacts, err = export.ExportAll(ctx, d.Exporter, structures, caseName, run.Previews)
	done()
	if err != nil {
		return rep, err
	}
	return rep, nil
}

func (p *Pipeline) selectHost(ctx context.Context, run config.Run, rep *Report) error {
	done := monitoring.Stage("discovering inference host", p.Clock.Now)
	defer done()
	strategy, err := discovery.FromConfig(run.Discovery, p.HTTP)
	if err != nil {
		return err
	}
	monitoring.Logf("    candidates from %s", discovery.Describe(strategy))
	rep.Host, rep.Probes, err = discovery.SelectHost(ctx, strategy, p.Prober)
	return err
}

func (p *Pipeline) load(ctx context.Context, location string) (*series.Series, error) {
	done := monitoring.Stage("loading series "+location, p.Clock.Now)
	defer done()
	s, err := p.Loader.Load(ctx, location)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("    %s", series.Describe(s))
	return s, nil
}

func (p *Pipeline) normalize(s *series.Series, proto config.Protocol) (*normalize.Signal, error) {
	done := monitoring.Stage(fmt.Sprintf("normalizing to %s, window (%g, %g)", proto.Grid, proto.Window.Low, proto.Window.High), p.Clock.Now)
	defer done()
	sig, err := normalize.Normalize(s, proto)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("    source %s", sig.Stats)
	return sig, nil
}

func (p *Pipeline) stageSignal(ws *workspace.Workspace, sig *normalize.Signal, proto config.Protocol) error {
	done := monitoring.Stage("saving signal to "+ws.SignalPath(), p.Clock.Now)
	defer done()
	f, path, err := ws.Create(workspace.SuffixSignal)
	if err != nil {
		return err
	}
	if err := sig.WriteNPY(f, proto.SignalDescr); err != nil {
		f.Close()
		return errs.Wrap(errs.KindFileSystem, "stage signal", path, err)
	}
	if err := f.Close(); err != nil {
		return errs.Wrap(errs.KindFileSystem, "stage signal", path, err)
	}
	return nil
}

func (p *Pipeline) encrypt(ws *workspace.Workspace, key securechannel.Key) error {
	done := monitoring.Stage("encrypting signal to "+ws.UploadPath(), p.Clock.Now)
	defer done()
	src, err := ws.Open(workspace.SuffixSignal)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, path, err := ws.Create(workspace.SuffixUpload)
	if err != nil {
		return err
	}
	if err := securechannel.Encrypt(dst, src, key, p.CipherOptions...); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return errs.Wrap(errs.KindFileSystem, "encrypt", path, err)
	}
	return nil
}

func (p *Pipeline) submit(ctx context.Context, ws *workspace.Workspace, run config.Run, host string, publicKey []byte) (*inference.Result, error) {
	endpoint := run.Protocol.Endpoint(host)
	done := monitoring.Stage("uploading to "+endpoint+" and awaiting inference", p.Clock.Now)
	defer done()
	f, err := ws.Open(workspace.SuffixUpload)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	client := inference.NewClient(p.HTTP)
	res, err := client.Do(ctx, inference.Request{
		Endpoint:       endpoint,
		Ciphertext:     f,
		CiphertextName: filepath.Base(ws.UploadPath()),
		PublicKey:      publicKey,
		PublicKeyName:  filepath.Base(run.PublicKeyPath),
	})
	monitoring.Logf("    outcome: %s", res.Outcome)
	return res, err
}

func (p *Pipeline) decode(ws *workspace.Workspace, payload []byte, key securechannel.Key, proto config.Protocol) (*decode.Stack, error) {
	done := monitoring.Stage("decoding reply", p.Clock.Now)
	defer done()
	if proto.ResponseEncryption {
		if _, err := ws.WriteFile(workspace.SuffixEncryptedReply, payload); err != nil {
			return nil, err
		}
	}
	f, path, err := ws.Create(workspace.SuffixReply)
	if err != nil {
		return nil, err
	}
	st, err := decode.Decode(payload, proto.ResponseEncryption, key, proto, decode.WithPlaintext(f))
	if cerr := f.Close(); cerr != nil && err == nil {
		err = errs.Wrap(errs.KindFileSystem, "stage reply", path, cerr)
	}
	if err != nil {
		return nil, err
	}
	for i, m := range st.Masks {
		monitoring.Logf("    %s: %d voxels on canonical grid", decode.Structures[i], m.Count())
	}
	return st, nil
}
