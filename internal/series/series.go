// Package series loads the source scan handed to the pipeline. The pipeline
// only depends on Loader; AutoLoader dispatches to MetaImageLoader or
// DICOMLoader by what the location holds.
package series

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/fsutil"
	"github.com/banshee-data/lungseg/internal/monitoring"
	"github.com/banshee-data/lungseg/internal/volume"
)

// Series is a read-only source scan plus the metadata needed to map results
// back onto it. Shape and Spacing come from the file header, never from pixels.
type Series struct {
	Source  string
	Shape   volume.Shape
	Spacing volume.Spacing
	Origin  [3]float64
	Voxels  []float32
}

// FromVolume wraps an in-memory volume as a series.
func FromVolume(source string, v *volume.Volume[float32]) *Series {
	return &Series{
		Source:  source,
		Shape:   v.Shape,
		Spacing: v.Spacing,
		Voxels:  v.Data,
	}
}

// Volume returns a view of the series voxels. The data is shared.
func (s *Series) Volume() *volume.Volume[float32] {
	return &volume.Volume[float32]{Shape: s.Shape, Spacing: s.Spacing, Data: s.Voxels}
}

// Validate checks that the series is non-empty and self-consistent.
func (s *Series) Validate() error {
	if s == nil {
		return errs.New(errs.KindData, "series", "no series loaded")
	}
	if !s.Shape.Valid() {
		return errs.Newf(errs.KindData, "series", "%s: invalid shape %s", s.Source, s.Shape)
	}
	if !s.Spacing.Valid() {
		return errs.Newf(errs.KindData, "series", "%s: invalid spacing %s", s.Source, s.Spacing)
	}
	if len(s.Voxels) != s.Shape.Len() {
		return errs.Newf(errs.KindData, "series", "%s: %d voxels for shape %s", s.Source, len(s.Voxels), s.Shape)
	}
	return nil
}

// Loader reads a source series from a location.
type Loader interface {
	Load(ctx context.Context, location string) (*Series, error)
}

// MetaImageExt is the extension MetaImageLoader accepts.
const MetaImageExt = ".mha"

// MetaImageLoader reads single-file MetaImage volumes. A directory location
// must contain exactly one .mha file.
type MetaImageLoader struct {
	FS fsutil.FileSystem
}

// NewMetaImageLoader returns a loader reading from fsys.
func NewMetaImageLoader(fsys fsutil.FileSystem) *MetaImageLoader {
	return &MetaImageLoader{FS: fsys}
}

// Load reads location into a Series. All failures are KindData.
func (l *MetaImageLoader) Load(ctx context.Context, location string) (*Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := l.resolve(location)
	if err != nil {
		return nil, err
	}

	f, err := l.FS.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindData, "load series", path, err)
	}
	defer f.Close()

	v, hdr, err := volume.ReadMetaImage(f)
	if err != nil {
		return nil, errs.Wrap(errs.KindData, "load series", path, err)
	}
	s := &Series{
		Source:  path,
		Shape:   v.Shape,
		Spacing: v.Spacing,
		Origin:  hdr.Offset,
		Voxels:  v.Data,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	monitoring.Logf("loaded %s: %s %s shape %s spacing %s", path, hdr.ElementType, compressedLabel(hdr.Compressed), s.Shape, s.Spacing)
	return s, nil
}

func compressedLabel(c bool) string {
	if c {
		return "zlib"
	}
	return "raw"
}

func (l *MetaImageLoader) resolve(location string) (string, error) {
	info, err := l.FS.Stat(location)
	if err != nil {
		return "", errs.Wrap(errs.KindData, "load series", location, err)
	}
	if !info.IsDir() {
		if !strings.EqualFold(filepath.Ext(location), MetaImageExt) {
			return "", errs.Newf(errs.KindData, "load series", "%s: unsupported format, want %s", location, MetaImageExt)
		}
		return location, nil
	}

	names, err := l.FS.List(location)
	if err != nil {
		return "", errs.Wrap(errs.KindData, "load series", location, err)
	}
	var found []string
	for _, n := range names {
		if strings.EqualFold(filepath.Ext(n), MetaImageExt) {
			found = append(found, n)
		}
	}
	switch len(found) {
	case 0:
		return "", errs.Newf(errs.KindData, "load series", "%s: no %s volume found", location, MetaImageExt)
	case 1:
		return filepath.Join(location, found[0]), nil
	default:
		return "", errs.Newf(errs.KindData, "load series", "%s: %d volumes found, want one: %s", location, len(found), strings.Join(found, ", "))
	}
}

// AutoLoader reads MetaImage files and directories holding a .mha volume,
// and treats any other directory as a DICOM series.
type AutoLoader struct {
	FS fsutil.FileSystem
}

// NewLoader returns the default loader for fsys.
func NewLoader(fsys fsutil.FileSystem) *AutoLoader {
	return &AutoLoader{FS: fsys}
}

// Load picks a format for location and reads it.
func (l *AutoLoader) Load(ctx context.Context, location string) (*Series, error) {
	info, err := l.FS.Stat(location)
	if err != nil {
		return nil, errs.Wrap(errs.KindData, "load series", location, err)
	}
	if !info.IsDir() {
		return NewMetaImageLoader(l.FS).Load(ctx, location)
	}
	names, err := l.FS.List(location)
	if err != nil {
		return nil, errs.Wrap(errs.KindData, "load series", location, err)
	}
	for _, n := range names {
		if strings.EqualFold(filepath.Ext(n), MetaImageExt) {
			return NewMetaImageLoader(l.FS).Load(ctx, location)
		}
	}
	return NewDICOMLoader(l.FS).Load(ctx, location)
}

// Describe renders a one-line summary used in progress output.
func Describe(s *Series) string {
	return fmt.Sprintf("%s shape %s spacing %s", filepath.Base(s.Source), s.Shape, s.Spacing)
}
