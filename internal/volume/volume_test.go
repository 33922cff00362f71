package volume

import (
	"math"
	"testing"
)

func TestShape(t *testing.T) {
	tests := []struct {
		shape Shape
		valid bool
		n     int
	}{
		{Shape{2, 3, 4}, true, 24},
		{Shape{1, 1, 1}, true, 1},
		{Shape{0, 3, 4}, false, 0},
		{Shape{2, -1, 4}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.shape.String(), func(t *testing.T) {
			if got := tt.shape.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
			if got := tt.shape.Len(); got != tt.n {
				t.Errorf("Len() = %d, want %d", got, tt.n)
			}
		})
	}
}

func TestSpacingValid(t *testing.T) {
	if !(Spacing{0.7, 0.7, 1.0}).Valid() {
		t.Error("expected positive spacing to be valid")
	}
	for _, p := range []Spacing{{0, 1, 1}, {1, -1, 1}, {1, 1, math.NaN()}, {math.Inf(1), 1, 1}} {
		if p.Valid() {
			t.Errorf("expected %v to be invalid", p)
		}
	}
}

func TestVolumeIndexing(t *testing.T) {
	v := New[uint8](Shape{2, 3, 4}, Spacing{1, 1, 1})
	v.Set(1, 2, 3, 7)
	if got := v.Data[len(v.Data)-1]; got != 7 {
		t.Fatalf("last voxel = %d, want 7", got)
	}
	v.Set(0, 1, 0, 1)
	if got := v.Index(0, 1, 0); got != 4 {
		t.Fatalf("Index(0,1,0) = %d, want 4", got)
	}
	if got := v.At(0, 1, 0); got != 1 {
		t.Fatalf("At(0,1,0) = %d, want 1", got)
	}
	if got := v.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
}

func TestVolumeValidate(t *testing.T) {
	var nilVol *Volume[float32]
	if err := nilVol.Validate(); err == nil {
		t.Error("expected error for nil volume")
	}

	v := New[float32](Shape{2, 2, 2}, Spacing{})
	if err := v.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	v.Data = v.Data[:7]
	if err := v.Validate(); err == nil {
		t.Error("expected length mismatch error")
	}

	bad := &Volume[uint8]{Shape: Shape{0, 2, 2}}
	if err := bad.Validate(); err == nil {
		t.Error("expected invalid shape error")
	}
}
