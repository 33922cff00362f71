package export

import (
	"bufio"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/volume"
)

// sliceGrid exposes one axial slice of a mask as a plotter.GridXYZ.
type sliceGrid struct {
	v     *volume.Volume[uint8]
	slice int
}

func (g sliceGrid) Dims() (c, r int) { return g.v.Shape[2], g.v.Shape[1] }

func (g sliceGrid) Z(c, r int) float64 {
	return float64(g.v.At(g.slice, g.v.Shape[1]-1-r, c))
}

func (g sliceGrid) X(c int) float64 { return float64(c) * g.v.Spacing[2] }
func (g sliceGrid) Y(r int) float64 { return float64(r) * g.v.Spacing[1] }

// PreviewSlice picks the axial slice with the largest mask area, or the
// middle slice when the mask is empty.
func PreviewSlice(v *volume.Volume[uint8]) int {
	best, bestN := v.Shape[0]/2, 0
	plane := v.Shape[1] * v.Shape[2]
	for i := 0; i < v.Shape[0]; i++ {
		n := 0
		for _, x := range v.Data[i*plane : (i+1)*plane] {
			if x != 0 {
				n++
			}
		}
		if n > bestN {
			best, bestN = i, n
		}
	}
	return best
}

// Preview renders the densest axial slice of v as <Dir>/<name>.png.
func (e *FileExporter) Preview(v *volume.Volume[uint8], name string) (string, error) {
	if err := v.Validate(); err != nil {
		return "", errs.Wrap(errs.KindData, "preview", name, err)
	}
	if v.Shape[1] < 2 || v.Shape[2] < 2 {
		return "", errs.Newf(errs.KindData, "preview", "%s: slice %dx%d is too small to plot", name, v.Shape[1], v.Shape[2])
	}

	slice := PreviewSlice(v)
	p := plot.New()
	p.Title.Text = name
	p.X.Label.Text = "x (mm)"
	p.Y.Label.Text = "y (mm)"

	hm := plotter.NewHeatMap(sliceGrid{v: v, slice: slice}, palette.Heat(8, 1))
	hm.Min, hm.Max = 0, 1
	p.Add(hm)

	wt, err := p.WriterTo(5*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return "", errs.Wrap(errs.KindData, "preview", name, err)
	}

	out, err := e.path(name, SuffixPreview)
	if err != nil {
		return "", err
	}
	err = e.create(out, func(w *bufio.Writer) error {
		_, werr := wt.WriteTo(w)
		return werr
	})
	if err != nil {
		return "", err
	}
	return out, nil
}
