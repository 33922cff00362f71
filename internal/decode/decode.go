// Package decode turns an accepted inference payload into the ordered stack
// of structure masks and maps each one back onto the source scan.
package decode

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/banshee-data/lungseg/internal/config"
	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/normalize"
	"github.com/banshee-data/lungseg/internal/securechannel"
	"github.com/banshee-data/lungseg/internal/series"
	"github.com/banshee-data/lungseg/internal/volume"
)

// StackSize is the number of masks in every reply.
const StackSize = 5

// Structures is the order of masks in a reply. The order is fixed by the
// service and must not change.
var Structures = [StackSize]string{"lung", "heart", "blood-vessel", "airway", "nodule"}

// Stack is the decoded reply: one canonical-grid mask per structure.
type Stack struct {
	Grid  volume.Shape
	Masks [StackSize]*volume.Volume[uint8]
}

// Mask returns the mask for a structure name.
func (s *Stack) Mask(name string) (*volume.Volume[uint8], bool) {
	for i, n := range Structures {
		if n == name {
			return s.Masks[i], true
		}
	}
	return nil, false
}

// Structure is one rehydrated mask on the source grid.
type Structure struct {
	Name string
	Mask *volume.Volume[uint8]
}

// Option configures Decode.
type Option func(*options)

type options struct {
	plaintext io.Writer
}

// WithPlaintext copies the decrypted gzip payload to w before it is parsed.
func WithPlaintext(w io.Writer) Option {
	return func(o *options) { o.plaintext = w }
}

// Decode optionally decrypts payload, then gunzips and parses it.
func Decode(payload []byte, encrypted bool, key securechannel.Key, p config.Protocol, opts ...Option) (*Stack, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if encrypted {
		plain, err := securechannel.DecryptBytes(payload, key)
		if err != nil {
			return nil, err
		}
		payload = plain
	}
	if o.plaintext != nil {
		if _, err := o.plaintext.Write(payload); err != nil {
			return nil, errs.Wrap(errs.KindFileSystem, "decode stack", "copy plaintext", err)
		}
	}
	return DecodeReader(bytes.NewReader(payload), p)
}

// DecodeReader parses a gzip-compressed .npy array of shape (5, grid...).
// Non-uint8 arrays are binarized at 0.5.
func DecodeReader(r io.Reader, p config.Protocol) (*Stack, error) {
	const op = "decode stack"
	zr, err := gzip.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, errs.Wrap(errs.KindData, op, "payload is not gzip", err)
	}
	defer zr.Close()

	h, err := volume.ReadNPYHeader(zr)
	if err != nil {
		return nil, errs.Wrap(errs.KindData, op, "", err)
	}
	if len(h.Shape) != 4 {
		return nil, errs.Newf(errs.KindData, op, "want a 4-D array (N, %d, %d, %d), got shape %v", p.Grid[0], p.Grid[1], p.Grid[2], h.Shape)
	}
	if h.Shape[0] != StackSize {
		return nil, errs.Newf(errs.KindData, op, "got %d volumes, want %d", h.Shape[0], StackSize)
	}
	grid := volume.Shape{h.Shape[1], h.Shape[2], h.Shape[3]}
	if grid != p.Grid {
		return nil, errs.Newf(errs.KindData, op, "mask shape %s does not match canonical grid %s", grid, p.Grid)
	}

	st := &Stack{Grid: grid}
	per := volume.NPYHeader{Descr: h.Descr, Shape: grid[:]}
	for i := range st.Masks {
		data, err := volume.ReadNPYUint8(zr, per)
		if err != nil {
			return nil, errs.Wrap(errs.KindData, op, Structures[i], err)
		}
		st.Masks[i] = &volume.Volume[uint8]{Shape: grid, Data: data}
	}
	return st, nil
}

// EncodeStack writes masks as a gzip-compressed (N, grid...) |u1 array. It is
// the inverse of DecodeReader and is what the development stub serves.
func EncodeStack(w io.Writer, masks []*volume.Volume[uint8]) error {
	if len(masks) == 0 {
		return fmt.Errorf("encode stack: no masks")
	}
	grid := masks[0].Shape
	for i, m := range masks {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("encode stack: mask %d: %w", i, err)
		}
		if m.Shape != grid {
			return fmt.Errorf("encode stack: mask %d shape %s differs from %s", i, m.Shape, grid)
		}
	}

	zw := gzip.NewWriter(w)
	if err := volume.WriteNPYHeader(zw, volume.DescrUint8, []int{len(masks), grid[0], grid[1], grid[2]}); err != nil {
		zw.Close()
		return fmt.Errorf("encode stack: %w", err)
	}
	for i, m := range masks {
		if _, err := zw.Write(m.Data); err != nil {
			zw.Close()
			return fmt.Errorf("encode stack: mask %d: %w", i, err)
		}
	}
	return zw.Close()
}

// Rehydrate maps every mask back onto the source grid, in structure order.
func Rehydrate(st *Stack, s *series.Series, p config.Protocol) ([]Structure, error) {
	if st == nil {
		return nil, errs.New(errs.KindData, "rehydrate", "no stack")
	}
	out := make([]Structure, 0, StackSize)
	for i, m := range st.Masks {
		v, err := normalize.Denormalize(s, m, p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", Structures[i], err)
		}
		out = append(out, Structure{Name: Structures[i], Mask: v})
	}
	return out, nil
}
