package export

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lungseg/internal/volume"
)

// STL axes: volume axis 2 is X, axis 1 is Y and axis 0 is Z.
var stlAxis = [3]r3.Vec{{Z: 1}, {Y: 1}, {X: 1}}

// face is one square on the boundary between a set voxel and an empty one.
type face struct {
	i, j, k int
	axis    int
	sign    int
}

// boundaryFaces calls fn for every voxel face that borders an unset voxel or
// the edge of the grid.
func boundaryFaces(v *volume.Volume[uint8], fn func(face)) {
	s := v.Shape
	set := func(i, j, k int) bool {
		if i < 0 || j < 0 || k < 0 || i >= s[0] || j >= s[1] || k >= s[2] {
			return false
		}
		return v.At(i, j, k) != 0
	}
	for i := 0; i < s[0]; i++ {
		for j := 0; j < s[1]; j++ {
			for k := 0; k < s[2]; k++ {
				if !set(i, j, k) {
					continue
				}
				idx := [3]int{i, j, k}
				for axis := 0; axis < 3; axis++ {
					for _, sign := range [2]int{-1, 1} {
						n := idx
						n[axis] += sign
						if !set(n[0], n[1], n[2]) {
							fn(face{i: i, j: j, k: k, axis: axis, sign: sign})
						}
					}
				}
			}
		}
	}
}

// CountFaces returns the number of boundary faces of v.
func CountFaces(v *volume.Volume[uint8]) int {
	n := 0
	boundaryFaces(v, func(face) { n++ })
	return n
}

// triangles returns the two counter-clockwise triangles of f in physical
// coordinates, plus the outward normal.
func (f face) triangles(spacing volume.Spacing, origin [3]float64) (r3.Vec, [2][3]r3.Vec) {
	idx := [3]int{f.i, f.j, f.k}
	var centre r3.Vec
	for a := 0; a < 3; a++ {
		c := origin[a] + float64(idx[a])*spacing[a]
		if a == f.axis {
			c += float64(f.sign) * spacing[a] / 2
		}
		centre = r3.Add(centre, r3.Scale(c, stlAxis[a]))
	}
	normal := r3.Scale(float64(f.sign), stlAxis[f.axis])

	b, c := (f.axis+1)%3, (f.axis+2)%3
	u := r3.Scale(spacing[b]/2, stlAxis[b])
	w := r3.Scale(spacing[c]/2, stlAxis[c])
	if r3.Dot(r3.Cross(u, w), normal) < 0 {
		u, w = w, u
	}

	p0 := r3.Sub(r3.Sub(centre, u), w)
	p1 := r3.Sub(r3.Add(centre, u), w)
	p2 := r3.Add(r3.Add(centre, u), w)
	p3 := r3.Add(r3.Sub(centre, u), w)
	return normal, [2][3]r3.Vec{{p0, p1, p2}, {p0, p2, p3}}
}

// WriteSTL writes the voxel boundary surface of v as binary STL and returns
// the number of faces. Voxel centres sit at origin + index*spacing.
func WriteSTL(w io.Writer, v *volume.Volume[uint8], origin [3]float64, name string) (int, error) {
	if err := v.Validate(); err != nil {
		return 0, err
	}
	faces := CountFaces(v)
	tris := 2 * faces
	if uint64(tris) > math.MaxUint32 {
		return 0, fmt.Errorf("stl: %d triangles exceed the format limit", tris)
	}

	var header [80]byte
	copy(header[:], "lungseg "+name)
	if _, err := w.Write(header[:]); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(tris)); err != nil {
		return 0, err
	}

	var rec [50]byte
	put := func(off int, p r3.Vec) {
		binary.LittleEndian.PutUint32(rec[off:], math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(rec[off+4:], math.Float32bits(float32(p.Y)))
		binary.LittleEndian.PutUint32(rec[off+8:], math.Float32bits(float32(p.Z)))
	}
	var werr error
	boundaryFaces(v, func(f face) {
		if werr != nil {
			return
		}
		normal, tri := f.triangles(v.Spacing, origin)
		for _, t := range tri {
			put(0, normal)
			put(12, t[0])
			put(24, t[1])
			put(36, t[2])
			if _, err := w.Write(rec[:]); err != nil {
				werr = err
				return
			}
		}
	})
	return faces, werr
}

// STLTriangle is one decoded facet.
type STLTriangle struct {
	Normal   r3.Vec
	Vertices [3]r3.Vec
}

// ReadSTL decodes a binary STL stream.
func ReadSTL(r io.Reader) ([]STLTriangle, error) {
	var header [80]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("stl: short header: %w", err)
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("stl: missing triangle count: %w", err)
	}
	out := make([]STLTriangle, 0, min(n, 1<<20))
	var rec [50]byte
	get := func(off int) r3.Vec {
		return r3.Vec{
			X: float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[off:]))),
			Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[off+4:]))),
			Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[off+8:]))),
		}
	}
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return nil, fmt.Errorf("stl: truncated at triangle %d of %d: %w", i, n, err)
		}
		out = append(out, STLTriangle{
			Normal:   get(0),
			Vertices: [3]r3.Vec{get(12), get(24), get(36)},
		})
	}
	return out, nil
}
