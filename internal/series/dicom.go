package series

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/fsutil"
	"github.com/banshee-data/lungseg/internal/monitoring"
	"github.com/banshee-data/lungseg/internal/volume"
)

// DICOMLoader reads a directory of single-frame CT slices. Files that do not
// parse as DICOM or carry no pixel data are skipped. When the directory holds
// more than one series the one with the most slices is used.
type DICOMLoader struct {
	FS fsutil.FileSystem
}

// NewDICOMLoader returns a loader reading from fsys.
func NewDICOMLoader(fsys fsutil.FileSystem) *DICOMLoader {
	return &DICOMLoader{FS: fsys}
}

// dicomSlice is one decoded CT image with the tags needed to stack it.
type dicomSlice struct {
	path      string
	seriesUID string
	instance  int
	position  [3]float64
	hasPos    bool
	rows      int
	cols      int
	pixel     [2]float64 // row, column spacing
	thickness float64
	hu        []float32
}

// Load reads every slice in the directory location. All failures are KindData.
func (l *DICOMLoader) Load(ctx context.Context, location string) (*Series, error) {
	const op = "load dicom"
	names, err := l.FS.List(location)
	if err != nil {
		return nil, errs.Wrap(errs.KindData, op, location, err)
	}

	var slices []*dicomSlice
	skipped := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(location, name)
		sl, err := l.readSlice(path)
		if err != nil {
			skipped++
			monitoring.Logf("    skipping %s: %v", name, err)
			continue
		}
		slices = append(slices, sl)
	}
	if len(slices) == 0 {
		return nil, errs.Newf(errs.KindData, op, "%s: no DICOM slices found (%d files skipped)", location, skipped)
	}

	s, err := assemble(location, pickSeries(slices))
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	monitoring.Logf("loaded %s: %d slices shape %s spacing %s", location, s.Shape[0], s.Shape, s.Spacing)
	return s, nil
}

func (l *DICOMLoader) readSlice(path string) (*dicomSlice, error) {
	info, err := l.FS.Stat(path)
	if err != nil {
		return nil, err
	}
	f, err := l.FS.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ds, err := dicom.Parse(f, info.Size(), nil)
	if err != nil {
		return nil, err
	}
	return sliceFromDataset(&ds, path)
}

func sliceFromDataset(ds *dicom.Dataset, path string) (*dicomSlice, error) {
	sl := &dicomSlice{path: path}
	var err error
	if sl.rows, err = intTag(ds, tag.Rows); err != nil {
		return nil, err
	}
	if sl.cols, err = intTag(ds, tag.Columns); err != nil {
		return nil, err
	}
	ps, err := floatTags(ds, tag.PixelSpacing)
	if err != nil {
		return nil, err
	}
	if len(ps) != 2 {
		return nil, fmt.Errorf("pixel spacing has %d values, want 2", len(ps))
	}
	sl.pixel = [2]float64{ps[0], ps[1]}

	if pos, err := floatTags(ds, tag.ImagePositionPatient); err == nil && len(pos) == 3 {
		sl.position = [3]float64{pos[0], pos[1], pos[2]}
		sl.hasPos = true
	}
	sl.instance, _ = intTag(ds, tag.InstanceNumber)
	sl.seriesUID, _ = stringTag(ds, tag.SeriesInstanceUID)
	if v, err := floatTags(ds, tag.SliceThickness); err == nil && len(v) > 0 {
		sl.thickness = v[0]
	}

	slope, intercept := 1.0, 0.0
	if v, err := floatTags(ds, tag.RescaleSlope); err == nil && len(v) > 0 {
		slope = v[0]
	}
	if v, err := floatTags(ds, tag.RescaleIntercept); err == nil && len(v) > 0 {
		intercept = v[0]
	}
	signed := false
	if v, err := intTag(ds, tag.PixelRepresentation); err == nil {
		signed = v == 1
	}
	bitsStored := 16
	if v, err := intTag(ds, tag.BitsStored); err == nil && v > 0 && v <= 32 {
		bitsStored = v
	}

	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("no pixel data: %w", err)
	}
	pdi, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel data value type %v", elem.Value.ValueType())
	}
	if pdi.IsEncapsulated {
		return nil, fmt.Errorf("compressed transfer syntaxes are not supported")
	}
	if len(pdi.Frames) != 1 {
		return nil, fmt.Errorf("%d frames, want 1", len(pdi.Frames))
	}
	nf, err := pdi.Frames[0].GetNativeFrame()
	if err != nil {
		return nil, err
	}
	if len(nf.Data) != sl.rows*sl.cols {
		return nil, fmt.Errorf("%d pixels for %dx%d image", len(nf.Data), sl.rows, sl.cols)
	}

	sl.hu = make([]float32, len(nf.Data))
	for i, px := range nf.Data {
		if len(px) == 0 {
			return nil, fmt.Errorf("pixel %d has no samples", i)
		}
		sl.hu[i] = float32(float64(storedValue(px[0], signed, bitsStored))*slope + intercept)
	}
	return sl, nil
}

// storedValue reinterprets an unsigned sample as two's complement when the
// image declares signed pixels. Values already negative are left alone.
func storedValue(v int, signed bool, bitsStored int) int {
	if signed && v >= 1<<(bitsStored-1) {
		return v - 1<<bitsStored
	}
	return v
}

// pickSeries keeps the slices of the largest series.
func pickSeries(slices []*dicomSlice) []*dicomSlice {
	groups := make(map[string][]*dicomSlice)
	var order []string
	for _, sl := range slices {
		if _, ok := groups[sl.seriesUID]; !ok {
			order = append(order, sl.seriesUID)
		}
		groups[sl.seriesUID] = append(groups[sl.seriesUID], sl)
	}
	best := order[0]
	for _, uid := range order[1:] {
		if len(groups[uid]) > len(groups[best]) {
			best = uid
		}
	}
	if len(order) > 1 {
		monitoring.Warnf("%d series found, using %q (%d slices)", len(order), best, len(groups[best]))
	}
	return groups[best]
}

// assemble stacks slices along axis 0, ordered by patient position when every
// slice has one, otherwise by instance number.
func assemble(location string, slices []*dicomSlice) (*Series, error) {
	const op = "load dicom"
	first := slices[0]
	for _, sl := range slices[1:] {
		if sl.rows != first.rows || sl.cols != first.cols {
			return nil, errs.Newf(errs.KindData, op, "%s is %dx%d, %s is %dx%d",
				filepath.Base(sl.path), sl.rows, sl.cols, filepath.Base(first.path), first.rows, first.cols)
		}
		if sl.pixel != first.pixel {
			return nil, errs.Newf(errs.KindData, op, "%s has pixel spacing %v, want %v", filepath.Base(sl.path), sl.pixel, first.pixel)
		}
	}

	byPos := true
	for _, sl := range slices {
		byPos = byPos && sl.hasPos
	}
	sorted := append([]*dicomSlice(nil), slices...)
	if byPos {
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].position[2] < sorted[j].position[2] })
	} else {
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].instance < sorted[j].instance })
	}

	step, err := sliceStep(sorted, byPos)
	if err != nil {
		return nil, err
	}

	per := first.rows * first.cols
	s := &Series{
		Source:  location,
		Shape:   volume.Shape{len(sorted), first.rows, first.cols},
		Spacing: volume.Spacing{step, first.pixel[0], first.pixel[1]},
		Origin:  sorted[0].position,
		Voxels:  make([]float32, len(sorted)*per),
	}
	for i, sl := range sorted {
		copy(s.Voxels[i*per:], sl.hu)
	}
	return s, nil
}

// sliceStep is the median gap between adjacent slice positions, falling back
// to the slice thickness and then to 1mm.
func sliceStep(sorted []*dicomSlice, byPos bool) (float64, error) {
	if byPos && len(sorted) > 1 {
		gaps := make([]float64, len(sorted)-1)
		for i := range gaps {
			gaps[i] = sorted[i+1].position[2] - sorted[i].position[2]
			if gaps[i] == 0 {
				return 0, errs.Newf(errs.KindData, "load dicom", "%s and %s share slice position %g",
					filepath.Base(sorted[i].path), filepath.Base(sorted[i+1].path), sorted[i].position[2])
			}
		}
		sort.Float64s(gaps)
		return stat.Quantile(0.5, stat.Empirical, gaps, nil), nil
	}
	if t := sorted[0].thickness; t > 0 && !math.IsInf(t, 0) {
		return t, nil
	}
	return 1, nil
}

func stringTag(ds *dicom.Dataset, t tag.Tag) (string, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return "", err
	}
	v, ok := elem.Value.GetValue().([]string)
	if !ok || len(v) == 0 {
		return "", fmt.Errorf("tag %s is not a string", t)
	}
	return strings.TrimSpace(v[0]), nil
}

func intTag(ds *dicom.Dataset, t tag.Tag) (int, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, err
	}
	switch v := elem.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0], nil
		}
	case []string:
		if len(v) > 0 {
			return strconv.Atoi(strings.TrimSpace(v[0]))
		}
	}
	return 0, fmt.Errorf("tag %s is not an integer", t)
}

func floatTags(ds *dicom.Dataset, t tag.Tag) ([]float64, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, err
	}
	switch v := elem.Value.GetValue().(type) {
	case []float64:
		return v, nil
	case []string:
		out := make([]float64, 0, len(v))
		for _, s := range v {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("tag %s: %w", t, err)
			}
			out = append(out, f)
		}
		return out, nil
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out, nil
	}
	return nil, fmt.Errorf("tag %s is not numeric", t)
}
