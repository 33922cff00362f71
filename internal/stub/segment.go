package stub

import (
	"fmt"

	"github.com/banshee-data/lungseg/internal/decode"
	"github.com/banshee-data/lungseg/internal/volume"
)

// Segmenter turns a normalized signal into one mask per structure, in
// decode.Structures order.
type Segmenter func(signal *volume.Volume[float32]) ([]*volume.Volume[uint8], error)

// BandSegmenter assigns each voxel to the structure whose intensity band
// contains it. The windowed range [0, 1] is split into equal bands; the
// lowest band is left unlabelled as background.
func BandSegmenter(signal *volume.Volume[float32]) ([]*volume.Volume[uint8], error) {
	if err := signal.Validate(); err != nil {
		return nil, fmt.Errorf("segment: %w", err)
	}
	const bands = decode.StackSize + 1
	masks := make([]*volume.Volume[uint8], decode.StackSize)
	for i := range masks {
		masks[i] = volume.New[uint8](signal.Shape, signal.Spacing)
	}
	for i, v := range signal.Data {
		b := int(v * bands)
		if b >= bands {
			b = bands - 1
		}
		if b < 1 {
			continue
		}
		masks[b-1].Data[i] = 1
	}
	return masks, nil
}
