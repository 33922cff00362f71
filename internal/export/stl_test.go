package export

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lungseg/internal/volume"
)

func TestCountFaces(t *testing.T) {
	tests := []struct {
		name string
		v    *volume.Volume[uint8]
		want int
	}{
		{"empty", volume.New[uint8](volume.Shape{3, 3, 3}, volume.Spacing{1, 1, 1}), 0},
		{"single voxel", cube(volume.Shape{3, 3, 3}, [3]int{1, 1, 1}, [3]int{2, 2, 2}), 6},
		{"two adjacent", cube(volume.Shape{3, 3, 3}, [3]int{1, 1, 0}, [3]int{2, 2, 2}), 10},
		{"full grid", cube(volume.Shape{2, 2, 2}, [3]int{}, [3]int{2, 2, 2}), 24},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CountFaces(tt.v))
		})
	}
}

func TestWriteSTL_SingleVoxel(t *testing.T) {
	v := volume.New[uint8](volume.Shape{1, 1, 1}, volume.Spacing{2, 1, 0.5})
	v.Data[0] = 1
	origin := [3]float64{10, 20, 30}

	var buf bytes.Buffer
	faces, err := WriteSTL(&buf, v, origin, "lung_A01")
	require.NoError(t, err)
	assert.Equal(t, 6, faces)
	assert.Equal(t, 84+12*50, buf.Len())
	assert.Equal(t, "lungseg lung_A01", string(bytes.TrimRight(buf.Bytes()[:80], "\x00")))

	tris, err := ReadSTL(&buf)
	require.NoError(t, err)
	require.Len(t, tris, 12)

	// Volume axis 2 maps to X, axis 0 to Z.
	centre := r3.Vec{X: 30, Y: 20, Z: 10}
	half := r3.Vec{X: 0.25, Y: 0.5, Z: 1}
	area := 0.0
	for _, tr := range tris {
		for _, p := range tr.Vertices {
			d := r3.Sub(p, centre)
			assert.InDelta(t, half.X, math.Abs(d.X), 1e-6)
			assert.InDelta(t, half.Y, math.Abs(d.Y), 1e-6)
			assert.InDelta(t, half.Z, math.Abs(d.Z), 1e-6)
		}
		// Counter-clockwise winding seen from outside.
		e1 := r3.Sub(tr.Vertices[1], tr.Vertices[0])
		e2 := r3.Sub(tr.Vertices[2], tr.Vertices[0])
		cross := r3.Cross(e1, e2)
		assert.Greater(t, r3.Dot(cross, tr.Normal), 0.0)
		// Outward: the face sits on the normal's side of the centre.
		mid := r3.Scale(1.0/3, r3.Add(r3.Add(tr.Vertices[0], tr.Vertices[1]), tr.Vertices[2]))
		assert.Greater(t, r3.Dot(r3.Sub(mid, centre), tr.Normal), 0.0)
		area += r3.Norm(cross) / 2
	}
	// Surface area of a 0.5 x 1 x 2 box.
	assert.InDelta(t, 2*(0.5*1+0.5*2+1*2), area, 1e-6)
}

func TestReadSTL_Truncated(t *testing.T) {
	v := cube(volume.Shape{2, 2, 2}, [3]int{}, [3]int{1, 1, 1})
	var buf bytes.Buffer
	_, err := WriteSTL(&buf, v, [3]float64{}, "x")
	require.NoError(t, err)

	_, err = ReadSTL(bytes.NewReader(buf.Bytes()[:buf.Len()-10]))
	assert.ErrorContains(t, err, "truncated")
	_, err = ReadSTL(bytes.NewReader(buf.Bytes()[:40]))
	assert.ErrorContains(t, err, "short header")
}

func TestWriteSTL_InvalidVolume(t *testing.T) {
	_, err := WriteSTL(&bytes.Buffer{}, &volume.Volume[uint8]{Shape: volume.Shape{1, 1, 2}}, [3]float64{}, "x")
	assert.Error(t, err)
}
