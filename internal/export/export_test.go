package export

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lungseg/internal/decode"
	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/fsutil"
	"github.com/banshee-data/lungseg/internal/monitoring"
	"github.com/banshee-data/lungseg/internal/volume"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestCaseName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"A01.dcm", "A01"},
		{"scans/A01.mha", "A01"},
		{"scans/patient 7.mha", "patient_7"},
		{"scans/A01", "A01"},
		{`C:\scans\B02.dcm`, "B02"},
		{"case.nii.gz", "case.nii.gz"},
		{".mha", "mha"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CaseName(tt.in))
		})
	}
}

func TestArtifactName(t *testing.T) {
	assert.Equal(t, "blood-vessel_A01", ArtifactName("blood-vessel", "A01"))
}

func cube(shape volume.Shape, lo, hi [3]int) *volume.Volume[uint8] {
	v := volume.New[uint8](shape, volume.Spacing{1, 0.5, 0.5})
	for i := lo[0]; i < hi[0]; i++ {
		for j := lo[1]; j < hi[1]; j++ {
			for k := lo[2]; k < hi[2]; k++ {
				v.Set(i, j, k, 1)
			}
		}
	}
	return v
}

func TestFileExporter_WriteVolumetricAndMeshify(t *testing.T) {
	for _, compress := range []bool{false, true} {
		fsys := fsutil.NewMemoryFileSystem()
		e := NewFileExporter(fsys, "out", compress)
		mask := cube(volume.Shape{4, 5, 6}, [3]int{1, 1, 1}, [3]int{3, 3, 4})

		p, err := e.WriteVolumetric(mask, "lung_A01")
		require.NoError(t, err)
		assert.Equal(t, "out/lung_A01.mha", p)

		f, err := fsys.Open(p)
		require.NoError(t, err)
		back, hdr, err := volume.ReadMetaImageMask(f)
		f.Close()
		require.NoError(t, err)
		assert.Equal(t, compress, hdr.Compressed)
		if diff := cmp.Diff(mask, back); diff != "" {
			t.Errorf("mask round trip (-want +got):\n%s", diff)
		}

		mesh, err := e.Meshify(p)
		require.NoError(t, err)
		assert.Equal(t, "out/lung_A01.stl", mesh)

		data, err := fsys.ReadFile(mesh)
		require.NoError(t, err)
		tris, err := ReadSTL(bytes.NewReader(data))
		require.NoError(t, err)
		// 2x2x3 box: 2*(2*2 + 2*3 + 2*3) faces.
		assert.Len(t, tris, 2*32)
	}
}

func TestFileExporter_Errors(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	e := NewFileExporter(fsys, "out", false)

	_, err := e.WriteVolumetric(&volume.Volume[uint8]{Shape: volume.Shape{2, 2, 2}}, "bad")
	assert.True(t, errs.IsKind(err, errs.KindData))

	_, err = e.Meshify("out/missing.mha")
	assert.True(t, errs.IsKind(err, errs.KindFileSystem))

	require.NoError(t, fsys.WriteFile("out/junk.mha", []byte("not a header"), 0o644))
	_, err = e.Meshify("out/junk.mha")
	assert.True(t, errs.IsKind(err, errs.KindData))
}

func TestFileExporter_NamesStayInsideDir(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	e := NewFileExporter(fsys, "out", false)
	p, err := e.WriteVolumetric(cube(volume.Shape{2, 2, 2}, [3]int{}, [3]int{1, 1, 1}), "../../etc/lung")
	require.NoError(t, err)
	assert.Equal(t, "out/etc_lung.mha", p)
}

func TestFileExporter_Preview(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	e := NewFileExporter(fsys, "out", false)
	mask := cube(volume.Shape{6, 8, 8}, [3]int{3, 2, 2}, [3]int{4, 6, 5})
	assert.Equal(t, 3, PreviewSlice(mask))
	assert.Equal(t, 3, PreviewSlice(volume.New[uint8](volume.Shape{6, 8, 8}, volume.Spacing{1, 1, 1})))

	p, err := e.Preview(mask, "nodule_A01")
	require.NoError(t, err)
	assert.Equal(t, "out/nodule_A01.png", p)
	data, err := fsys.ReadFile(p)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")))

	_, err = e.Preview(cube(volume.Shape{3, 1, 4}, [3]int{}, [3]int{1, 1, 1}), "thin")
	assert.True(t, errs.IsKind(err, errs.KindData))
}

func structures(shape volume.Shape) []decode.Structure {
	out := make([]decode.Structure, 0, decode.StackSize)
	for i, name := range decode.Structures {
		out = append(out, decode.Structure{
			Name: name,
			Mask: cube(shape, [3]int{0, 0, 0}, [3]int{1, 1, i + 1}),
		})
	}
	return out
}

func TestExportAll(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	e := NewFileExporter(fsys, "out", true)

	arts, err := ExportAll(context.Background(), e, structures(volume.Shape{3, 4, 5}), "A01", true)
	require.NoError(t, err)
	require.Len(t, arts, decode.StackSize)
	for i, a := range arts {
		name := decode.Structures[i]
		assert.Equal(t, name, a.Structure)
		assert.Equal(t, i+1, a.Voxels)
		assert.Equal(t, "out/"+name+"_A01.mha", a.Volumetric)
		assert.Equal(t, "out/"+name+"_A01.stl", a.Mesh)
		assert.Equal(t, "out/"+name+"_A01.png", a.Preview)
		assert.True(t, fsys.Exists(a.Mesh))
	}
}

type failingExporter struct {
	failOn string
}

func (f failingExporter) WriteVolumetric(v *volume.Volume[uint8], name string) (string, error) {
	if name == f.failOn {
		return "", errors.New("disk full")
	}
	return name + ".mha", nil
}

func (failingExporter) Meshify(p string) (string, error) { return p + ".stl", nil }

func TestExportAll_Failure(t *testing.T) {
	_, err := ExportAll(context.Background(), failingExporter{failOn: "heart_A01"}, structures(volume.Shape{2, 2, 5}), "A01", false)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindFileSystem))
	assert.ErrorContains(t, err, "disk full")
}

func TestExportAll_PreviewUnsupported(t *testing.T) {
	arts, err := ExportAll(context.Background(), failingExporter{}, structures(volume.Shape{2, 2, 5}), "A01", true)
	require.NoError(t, err)
	for _, a := range arts {
		assert.Empty(t, a.Preview)
	}
}
