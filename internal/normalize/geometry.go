package normalize

import (
	"math"

	"github.com/banshee-data/lungseg/internal/config"
	"github.com/banshee-data/lungseg/internal/volume"
)

// Geometry is the mapping between a source grid and the canonical grid. The
// same Geometry drives both directions, which is what makes Denormalize the
// inverse of Normalize.
type Geometry struct {
	Source        volume.Shape
	SourceSpacing volume.Spacing
	Canonical     volume.Shape
}

// NewGeometry builds the mapping for a source grid onto grid.
func NewGeometry(source volume.Shape, spacing volume.Spacing, grid volume.Shape) Geometry {
	return Geometry{Source: source, SourceSpacing: spacing, Canonical: grid}
}

// CanonicalSpacing is the voxel size on the canonical grid that preserves the
// physical extent of the source: S*P/C per axis.
func (g Geometry) CanonicalSpacing() volume.Spacing {
	var out volume.Spacing
	for i := range out {
		out[i] = float64(g.Source[i]) * g.SourceSpacing[i] / float64(g.Canonical[i])
	}
	return out
}

// axisMap holds, for each destination index along one axis, the two source
// indices it interpolates between and the weight of the second.
type axisMap struct {
	lo, hi []int
	w      []float32
}

// newAxisMap maps dst samples onto src with corners aligned:
// c = d*(src-1)/(dst-1), or 0 when either side has a single sample.
func newAxisMap(src, dst int, interp config.Interpolation) axisMap {
	m := axisMap{lo: make([]int, dst), hi: make([]int, dst), w: make([]float32, dst)}
	scale := 0.0
	if src > 1 && dst > 1 {
		scale = float64(src-1) / float64(dst-1)
	}
	for d := 0; d < dst; d++ {
		c := float64(d) * scale
		if interp == config.InterpNearest {
			i := int(math.Floor(c + 0.5))
			if i > src-1 {
				i = src - 1
			}
			m.lo[d], m.hi[d] = i, i
			continue
		}
		i0 := int(math.Floor(c))
		if i0 > src-1 {
			i0 = src - 1
		}
		i1 := i0 + 1
		if i1 > src-1 {
			i1 = src - 1
		}
		m.lo[d], m.hi[d] = i0, i1
		m.w[d] = float32(c - float64(i0))
	}
	return m
}

// resample maps src (shape from) onto a new grid of shape to. sample converts
// a source element to float32 and emit stores the interpolated value.
func resample[S volume.Voxel](src []S, from, to volume.Shape, interp config.Interpolation, emit func(i int, v float32)) {
	mz := newAxisMap(from[0], to[0], interp)
	my := newAxisMap(from[1], to[1], interp)
	mx := newAxisMap(from[2], to[2], interp)

	plane := from[1] * from[2]
	row := from[2]
	at := func(z, y, x int) float32 { return float32(src[z*plane+y*row+x]) }

	out := 0
	for k := 0; k < to[0]; k++ {
		z0, z1, wz := mz.lo[k], mz.hi[k], mz.w[k]
		for j := 0; j < to[1]; j++ {
			y0, y1, wy := my.lo[j], my.hi[j], my.w[j]
			for i := 0; i < to[2]; i++ {
				x0, x1, wx := mx.lo[i], mx.hi[i], mx.w[i]
				if interp == config.InterpNearest {
					emit(out, at(z0, y0, x0))
					out++
					continue
				}
				c00 := lerp(at(z0, y0, x0), at(z0, y0, x1), wx)
				c01 := lerp(at(z0, y1, x0), at(z0, y1, x1), wx)
				c10 := lerp(at(z1, y0, x0), at(z1, y0, x1), wx)
				c11 := lerp(at(z1, y1, x0), at(z1, y1, x1), wx)
				emit(out, lerp(lerp(c00, c01, wy), lerp(c10, c11, wy), wz))
				out++
			}
		}
	}
}

func lerp(a, b, t float32) float32 {
	if t == 0 {
		return a
	}
	return a + (b-a)*t
}
