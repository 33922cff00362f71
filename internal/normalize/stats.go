package normalize

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/lungseg/internal/config"
)

// maxStatSamples bounds the strided sample used for intensity statistics.
const maxStatSamples = 1 << 18

// Stats summarises source intensities ahead of windowing.
type Stats struct {
	Samples   int
	Min       float64
	Max       float64
	Mean      float64
	StdDev    float64
	Below     float64 // fraction of samples under the window
	Above     float64 // fraction of samples over the window
	NonFinite int
}

func (s Stats) String() string {
	return fmt.Sprintf("intensity min %.1f max %.1f mean %.1f sd %.1f, %.1f%% below / %.1f%% above window",
		s.Min, s.Max, s.Mean, s.StdDev, 100*s.Below, 100*s.Above)
}

// SourceStats samples voxels with a fixed stride and summarises them against w.
// NonFinite counts every NaN or Inf voxel, not just sampled ones.
func SourceStats(voxels []float32, w config.Window) Stats {
	stride := 1
	if len(voxels) > maxStatSamples {
		stride = (len(voxels) + maxStatSamples - 1) / maxStatSamples
	}

	sample := make([]float64, 0, len(voxels)/stride+1)
	var st Stats
	for i, x := range voxels {
		v := float64(x)
		if !finite(v) {
			st.NonFinite++
			continue
		}
		if i%stride == 0 {
			sample = append(sample, v)
		}
	}
	st.Samples = len(sample)
	if len(sample) == 0 {
		return st
	}

	st.Min = floats.Min(sample)
	st.Max = floats.Max(sample)
	if len(sample) > 1 {
		st.Mean, st.StdDev = stat.MeanStdDev(sample, nil)
	} else {
		st.Mean = sample[0]
	}

	var below, above int
	for _, v := range sample {
		switch {
		case v < w.Low:
			below++
		case v > w.High:
			above++
		}
	}
	st.Below = float64(below) / float64(len(sample))
	st.Above = float64(above) / float64(len(sample))
	return st
}
