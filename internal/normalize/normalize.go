// Package normalize maps a source scan onto the canonical grid the inference
// service expects, and maps returned masks back onto the source grid.
//
// Both directions use corner-aligned sampling and the protocol's
// interpolation kernel. Intensities are windowed to [0, 1] on the way out;
// masks are binarized on the way back.
package normalize

import (
	"io"
	"math"

	"github.com/banshee-data/lungseg/internal/config"
	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/monitoring"
	"github.com/banshee-data/lungseg/internal/series"
	"github.com/banshee-data/lungseg/internal/volume"
)

// Signal is the canonical-grid volume sent to the inference service.
type Signal struct {
	Volume   *volume.Volume[float32]
	Window   config.Window
	Geometry Geometry
	Stats    Stats
}

// Normalize resamples s onto p.Grid and windows intensities to p.Window.
func Normalize(s *series.Series, p config.Protocol) (*Signal, error) {
	const op = "normalize"
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindConfig, op, "protocol", err)
	}

	g := NewGeometry(s.Shape, s.Spacing, p.Grid)
	stats := SourceStats(s.Voxels, p.Window)
	if stats.NonFinite > 0 {
		return nil, errs.Newf(errs.KindData, op, "%s: %d non-finite voxels", s.Source, stats.NonFinite)
	}

	out := volume.New[float32](p.Grid, g.CanonicalSpacing())
	lo, width := float32(p.Window.Low), float32(p.Window.Width())
	resample(s.Voxels, s.Shape, p.Grid, p.Interpolation, func(i int, v float32) {
		out.Data[i] = window(v, lo, width)
	})

	monitoring.Logf("normalized %s -> %s, canonical spacing %s, %s", s.Shape, out.Shape, out.Spacing, stats)
	return &Signal{Volume: out, Window: p.Window, Geometry: g, Stats: stats}, nil
}

// window clamps v to [lo, lo+width] and scales it to [0, 1].
func window(v, lo, width float32) float32 {
	t := (v - lo) / width
	switch {
	case t < 0:
		return 0
	case t > 1:
		return 1
	}
	return t
}

// Denormalize maps a canonical-grid mask back onto the shape and spacing
// recorded in the series metadata. The result is binary.
func Denormalize(s *series.Series, mask *volume.Volume[uint8], p config.Protocol) (*volume.Volume[uint8], error) {
	const op = "denormalize"
	if s == nil {
		return nil, errs.New(errs.KindData, op, "no series metadata")
	}
	if !s.Shape.Valid() || !s.Spacing.Valid() {
		return nil, errs.Newf(errs.KindData, op, "invalid series metadata: shape %s spacing %s", s.Shape, s.Spacing)
	}
	if err := mask.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindData, op, "mask", err)
	}
	if mask.Shape != p.Grid {
		return nil, errs.Newf(errs.KindData, op, "mask shape %s does not match canonical grid %s", mask.Shape, p.Grid)
	}

	out := volume.New[uint8](s.Shape, OriginalSpacing(s))
	resample(mask.Data, p.Grid, s.Shape, p.Interpolation, func(i int, v float32) {
		if v >= 0.5 {
			out.Data[i] = 1
		}
	})
	return out, nil
}

// OriginalSpacing returns the source voxel spacing from series metadata.
func OriginalSpacing(s *series.Series) volume.Spacing {
	return s.Spacing
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// WriteNPY serialises the signal as an .npy array with the given dtype.
func (sig *Signal) WriteNPY(w io.Writer, descr string) error {
	if err := volume.WriteNPYFloat(w, sig.Volume.Shape[:], sig.Volume.Data, descr); err != nil {
		return errs.Wrap(errs.KindData, "encode signal", "", err)
	}
	return nil
}
