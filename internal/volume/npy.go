package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// NPY element descriptors the client writes.
const (
	DescrUint8   = "|u1"
	DescrFloat32 = "<f4"
	DescrFloat64 = "<f8"
)

var npyMagic = []byte("\x93NUMPY")

// maxNPYElements bounds header-declared sizes; five 512³ masks fit comfortably.
const maxNPYElements = 1 << 34

// ErrNPYFormat is wrapped by every header parse failure.
var ErrNPYFormat = errors.New("npy: invalid format")

// NPYHeader describes an array stored in .npy format.
type NPYHeader struct {
	Descr        string
	FortranOrder bool
	Shape        []int
}

// Len returns the element count implied by Shape.
func (h NPYHeader) Len() int {
	n := 1
	for _, d := range h.Shape {
		n *= d
	}
	return n
}

type elemKind struct {
	order byte // '<', '>' or '|'
	kind  byte // 'b', 'u', 'i', 'f'
	size  int
}

func parseDescr(descr string) (elemKind, error) {
	if len(descr) < 3 {
		return elemKind{}, fmt.Errorf("%w: descr %q", ErrNPYFormat, descr)
	}
	size, err := strconv.Atoi(descr[2:])
	if err != nil {
		return elemKind{}, fmt.Errorf("%w: descr %q", ErrNPYFormat, descr)
	}
	ek := elemKind{order: descr[0], kind: descr[1], size: size}
	if ek.order == '=' {
		ek.order = '<'
	}
	switch {
	case ek.kind == 'b' && size == 1,
		ek.kind == 'u' && (size == 1 || size == 2 || size == 4 || size == 8),
		ek.kind == 'i' && (size == 1 || size == 2 || size == 4 || size == 8),
		ek.kind == 'f' && (size == 4 || size == 8):
	default:
		return elemKind{}, fmt.Errorf("%w: unsupported dtype %q", ErrNPYFormat, descr)
	}
	if size > 1 && ek.order != '<' && ek.order != '>' {
		return elemKind{}, fmt.Errorf("%w: descr %q has no byte order", ErrNPYFormat, descr)
	}
	return ek, nil
}

func (ek elemKind) byteOrder() binary.ByteOrder {
	if ek.order == '>' {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// decode converts one element to float64.
func (ek elemKind) decode(b []byte) float64 {
	bo := ek.byteOrder()
	switch ek.kind {
	case 'b':
		if b[0] != 0 {
			return 1
		}
		return 0
	case 'u':
		switch ek.size {
		case 1:
			return float64(b[0])
		case 2:
			return float64(bo.Uint16(b))
		case 4:
			return float64(bo.Uint32(b))
		default:
			return float64(bo.Uint64(b))
		}
	case 'i':
		switch ek.size {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(bo.Uint16(b)))
		case 4:
			return float64(int32(bo.Uint32(b)))
		default:
			return float64(int64(bo.Uint64(b)))
		}
	default:
		if ek.size == 4 {
			return float64(math.Float32frombits(bo.Uint32(b)))
		}
		return math.Float64frombits(bo.Uint64(b))
	}
}

var (
	reDescr   = regexp.MustCompile(`['"]descr['"]\s*:\s*['"]([^'"]+)['"]`)
	reFortran = regexp.MustCompile(`['"]fortran_order['"]\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`['"]shape['"]\s*:\s*\(([^)]*)\)`)
)

// ReadNPYHeader consumes the magic, version and header dictionary from r.
func ReadNPYHeader(r io.Reader) (NPYHeader, error) {
	var pre [8]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return NPYHeader{}, fmt.Errorf("%w: short preamble: %v", ErrNPYFormat, err)
	}
	if !bytes.Equal(pre[:6], npyMagic) {
		return NPYHeader{}, fmt.Errorf("%w: bad magic", ErrNPYFormat)
	}

	var hlen int
	switch pre[6] {
	case 1:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return NPYHeader{}, fmt.Errorf("%w: short header length: %v", ErrNPYFormat, err)
		}
		hlen = int(binary.LittleEndian.Uint16(b[:]))
	case 2, 3:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return NPYHeader{}, fmt.Errorf("%w: short header length: %v", ErrNPYFormat, err)
		}
		hlen = int(binary.LittleEndian.Uint32(b[:]))
	default:
		return NPYHeader{}, fmt.Errorf("%w: unsupported version %d.%d", ErrNPYFormat, pre[6], pre[7])
	}
	if hlen > 1<<20 {
		return NPYHeader{}, fmt.Errorf("%w: header length %d too large", ErrNPYFormat, hlen)
	}

	raw := make([]byte, hlen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return NPYHeader{}, fmt.Errorf("%w: short header: %v", ErrNPYFormat, err)
	}
	return parseNPYDict(string(raw))
}

func parseNPYDict(dict string) (NPYHeader, error) {
	var h NPYHeader

	m := reDescr.FindStringSubmatch(dict)
	if m == nil {
		return h, fmt.Errorf("%w: header missing descr", ErrNPYFormat)
	}
	h.Descr = m[1]

	m = reFortran.FindStringSubmatch(dict)
	if m == nil {
		return h, fmt.Errorf("%w: header missing fortran_order", ErrNPYFormat)
	}
	h.FortranOrder = m[1] == "True"

	m = reShape.FindStringSubmatch(dict)
	if m == nil {
		return h, fmt.Errorf("%w: header missing shape", ErrNPYFormat)
	}
	total := 1
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		part = strings.TrimSuffix(part, "L")
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 {
			return h, fmt.Errorf("%w: bad shape entry %q", ErrNPYFormat, part)
		}
		if d > 0 && total > maxNPYElements/d {
			return h, fmt.Errorf("%w: shape too large", ErrNPYFormat)
		}
		total *= d
		h.Shape = append(h.Shape, d)
	}

	if _, err := parseDescr(h.Descr); err != nil {
		return h, err
	}
	if h.FortranOrder && len(h.Shape) > 1 {
		return h, fmt.Errorf("%w: fortran_order arrays are not supported", ErrNPYFormat)
	}
	return h, nil
}

// WriteNPYHeader writes a version 1.0 preamble padded to a 64-byte boundary.
// The caller writes the C-order body that follows.
func WriteNPYHeader(w io.Writer, descr string, shape []int) error {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	tuple := "(" + strings.Join(parts, ", ")
	if len(shape) == 1 {
		tuple += ","
	}
	tuple += ")"

	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, tuple)
	const preamble = 10 // magic + version + uint16 length
	pad := (64 - (preamble+len(dict)+1)%64) % 64
	header := dict + strings.Repeat(" ", pad) + "\n"
	if len(header) > math.MaxUint16 {
		return fmt.Errorf("npy: header too long (%d bytes)", len(header))
	}

	var pre [10]byte
	copy(pre[:], npyMagic)
	pre[6], pre[7] = 1, 0
	binary.LittleEndian.PutUint16(pre[8:], uint16(len(header)))
	if _, err := w.Write(pre[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, header)
	return err
}

func checkShape(shape []int, n int) error {
	total := 1
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("npy: negative dimension in shape %v", shape)
		}
		total *= d
	}
	if total != n {
		return fmt.Errorf("npy: shape %v holds %d elements, got %d", shape, total, n)
	}
	return nil
}

// WriteNPYUint8 writes data as a |u1 array with the given shape.
func WriteNPYUint8(w io.Writer, shape []int, data []uint8) error {
	if err := checkShape(shape, len(data)); err != nil {
		return err
	}
	if err := WriteNPYHeader(w, DescrUint8, shape); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// WriteNPYFloat writes data as a little-endian float array. descr selects
// <f4 or <f8 on the wire; the in-memory data is always float32.
func WriteNPYFloat(w io.Writer, shape []int, data []float32, descr string) error {
	if descr != DescrFloat32 && descr != DescrFloat64 {
		return fmt.Errorf("npy: unsupported float descr %q", descr)
	}
	if err := checkShape(shape, len(data)); err != nil {
		return err
	}
	if err := WriteNPYHeader(w, descr, shape); err != nil {
		return err
	}

	bw := bufio.NewWriterSize(w, 1<<16)
	var b [8]byte
	for _, v := range data {
		if descr == DescrFloat32 {
			binary.LittleEndian.PutUint32(b[:4], math.Float32bits(v))
			if _, err := bw.Write(b[:4]); err != nil {
				return err
			}
			continue
		}
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(float64(v)))
		if _, err := bw.Write(b[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// readElements streams h.Len() elements from r, calling fn with each index and value.
func readElements(r io.Reader, h NPYHeader, fn func(i int, v float64)) error {
	ek, err := parseDescr(h.Descr)
	if err != nil {
		return err
	}
	n := h.Len()
	buf := make([]byte, 1<<16-(1<<16)%ek.size)
	i := 0
	for i < n {
		want := (n - i) * ek.size
		if want > len(buf) {
			want = len(buf)
		}
		if _, err := io.ReadFull(r, buf[:want]); err != nil {
			return fmt.Errorf("npy: truncated data after %d of %d elements: %w", i, n, err)
		}
		for off := 0; off < want; off += ek.size {
			fn(i, ek.decode(buf[off:off+ek.size]))
			i++
		}
	}
	return nil
}

// ReadNPYUint8 reads the array body as bytes. |u1 and |b1 are copied as-is;
// other dtypes are converted with values above 0.5 becoming 1.
func ReadNPYUint8(r io.Reader, h NPYHeader) ([]uint8, error) {
	n := h.Len()
	if h.Descr == DescrUint8 || h.Descr == "|b1" {
		out := make([]uint8, n)
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, fmt.Errorf("npy: truncated data: %w", err)
		}
		if h.Descr == "|b1" {
			for i, v := range out {
				if v != 0 {
					out[i] = 1
				}
			}
		}
		return out, nil
	}

	out := make([]uint8, n)
	err := readElements(r, h, func(i int, v float64) {
		if v > 0.5 {
			out[i] = 1
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadNPYFloat32 reads the array body converting any supported dtype to float32.
func ReadNPYFloat32(r io.Reader, h NPYHeader) ([]float32, error) {
	out := make([]float32, h.Len())
	err := readElements(r, h, func(i int, v float64) {
		out[i] = float32(v)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
