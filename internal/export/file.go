package export

import (
	"bufio"
	"path/filepath"
	"strings"

	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/fsutil"
	"github.com/banshee-data/lungseg/internal/monitoring"
	"github.com/banshee-data/lungseg/internal/security"
	"github.com/banshee-data/lungseg/internal/volume"
)

// File suffixes of exported artifacts.
const (
	SuffixVolumetric = ".mha"
	SuffixMesh       = ".stl"
	SuffixPreview    = ".png"
)

// FileExporter writes artifacts under Dir on a FileSystem.
type FileExporter struct {
	FS  fsutil.FileSystem
	Dir string
	// Compress zlib-compresses the MetaImage body.
	Compress bool
}

// NewFileExporter returns an exporter rooted at dir.
func NewFileExporter(fsys fsutil.FileSystem, dir string, compress bool) *FileExporter {
	return &FileExporter{FS: fsys, Dir: dir, Compress: compress}
}

func (e *FileExporter) path(name, suffix string) (string, error) {
	p := filepath.Join(e.Dir, security.SanitizeFilename(name)+suffix)
	if err := security.ValidateStagingPath(e.FS, p, e.Dir); err != nil {
		return "", errs.Wrap(errs.KindFileSystem, "export", "", err)
	}
	if err := e.FS.MkdirAll(e.Dir, 0o755); err != nil {
		return "", errs.Wrap(errs.KindFileSystem, "export", "create output dir", err)
	}
	return p, nil
}

// create opens p for writing and passes a buffered writer to fn. The file is
// closed even when fn fails.
func (e *FileExporter) create(p string, fn func(w *bufio.Writer) error) error {
	f, err := e.FS.Create(p)
	if err != nil {
		return errs.Wrap(errs.KindFileSystem, "export", "create "+p, err)
	}
	bw := bufio.NewWriterSize(f, 1<<16)
	werr := fn(bw)
	if werr == nil {
		werr = bw.Flush()
	}
	cerr := f.Close()
	if werr != nil {
		return errs.Wrap(errs.KindFileSystem, "export", "write "+p, werr)
	}
	if cerr != nil {
		return errs.Wrap(errs.KindFileSystem, "export", "close "+p, cerr)
	}
	return nil
}

// WriteVolumetric writes v as <Dir>/<name>.mha.
func (e *FileExporter) WriteVolumetric(v *volume.Volume[uint8], name string) (string, error) {
	if err := v.Validate(); err != nil {
		return "", errs.Wrap(errs.KindData, "export", name, err)
	}
	p, err := e.path(name, SuffixVolumetric)
	if err != nil {
		return "", err
	}
	err = e.create(p, func(w *bufio.Writer) error {
		return volume.WriteMetaImage(w, v, e.Compress)
	})
	if err != nil {
		return "", err
	}
	return p, nil
}

// Meshify reads a volume written by WriteVolumetric and writes the binary STL
// of its voxel surface next to it.
func (e *FileExporter) Meshify(volumetricPath string) (string, error) {
	f, err := e.FS.Open(volumetricPath)
	if err != nil {
		return "", errs.Wrap(errs.KindFileSystem, "mesh", "open "+volumetricPath, err)
	}
	v, hdr, err := volume.ReadMetaImageMask(f)
	f.Close()
	if err != nil {
		return "", errs.Wrap(errs.KindData, "mesh", volumetricPath, err)
	}

	name := strings.TrimSuffix(filepath.Base(volumetricPath), SuffixVolumetric)
	p, err := e.path(name, SuffixMesh)
	if err != nil {
		return "", err
	}

	var faces int
	err = e.create(p, func(w *bufio.Writer) error {
		var werr error
		faces, werr = WriteSTL(w, v, hdr.Offset, name)
		return werr
	})
	if err != nil {
		return "", err
	}
	monitoring.Logf("mesh %s: %d boundary faces", p, faces)
	return p, nil
}
