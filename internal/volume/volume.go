// Package volume holds the voxel containers exchanged between pipeline stages
// and the two on-disk encodings the client speaks: NumPy .npy arrays on the
// wire and MetaImage (.mha) files on the operator's disk.
//
// Data is stored in C order: axis 2 varies fastest. Shape[i] always pairs
// with Spacing[i].
package volume

import (
	"fmt"
	"math"
)

// Shape is the voxel count along each of the three axes.
type Shape [3]int

// Len returns the number of voxels, or 0 if any axis is non-positive.
func (s Shape) Len() int {
	if !s.Valid() {
		return 0
	}
	return s[0] * s[1] * s[2]
}

// Valid reports whether every axis is positive.
func (s Shape) Valid() bool {
	return s[0] > 0 && s[1] > 0 && s[2] > 0
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d,%d,%d)", s[0], s[1], s[2])
}

// Spacing is the physical voxel size in millimetres along each axis.
type Spacing [3]float64

// Valid reports whether every axis is finite and positive.
func (p Spacing) Valid() bool {
	for _, v := range p {
		if !(v > 0) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (p Spacing) String() string {
	return fmt.Sprintf("(%g,%g,%g)", p[0], p[1], p[2])
}

// Voxel is the element type of a Volume: float32 for intensities, uint8 for masks.
type Voxel interface {
	~uint8 | ~float32
}

// Volume is a dense 3-D voxel grid.
type Volume[T Voxel] struct {
	Shape   Shape
	Spacing Spacing
	Data    []T
}

// New allocates a zeroed volume.
func New[T Voxel](shape Shape, spacing Spacing) *Volume[T] {
	return &Volume[T]{
		Shape:   shape,
		Spacing: spacing,
		Data:    make([]T, shape.Len()),
	}
}

// Index returns the flat offset of voxel (i, j, k).
func (v *Volume[T]) Index(i, j, k int) int {
	return (i*v.Shape[1]+j)*v.Shape[2] + k
}

// At returns the voxel at (i, j, k).
func (v *Volume[T]) At(i, j, k int) T {
	return v.Data[v.Index(i, j, k)]
}

// Set stores val at (i, j, k).
func (v *Volume[T]) Set(i, j, k int, val T) {
	v.Data[v.Index(i, j, k)] = val
}

// Validate checks that the shape is positive and the data length matches it.
// Spacing is not checked: canonical-grid masks carry no spacing of their own.
func (v *Volume[T]) Validate() error {
	if v == nil {
		return fmt.Errorf("nil volume")
	}
	if !v.Shape.Valid() {
		return fmt.Errorf("invalid shape %s", v.Shape)
	}
	if len(v.Data) != v.Shape.Len() {
		return fmt.Errorf("data length %d does not match shape %s (%d voxels)", len(v.Data), v.Shape, v.Shape.Len())
	}
	return nil
}

// Count returns the number of non-zero voxels.
func (v *Volume[T]) Count() int {
	n := 0
	for _, x := range v.Data {
		if x != 0 {
			n++
		}
	}
	return n
}
