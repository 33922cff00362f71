package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// MetaHeader is the subset of a MetaImage (.mha) header the client understands.
type MetaHeader struct {
	Shape       Shape
	Spacing     Spacing
	Offset      [3]float64
	ElementType string
	Compressed  bool
	MSB         bool
}

var metTypes = map[string]string{
	"MET_UCHAR":  "u1",
	"MET_CHAR":   "i1",
	"MET_USHORT": "u2",
	"MET_SHORT":  "i2",
	"MET_UINT":   "u4",
	"MET_INT":    "i4",
	"MET_ULONG":  "u8",
	"MET_LONG":   "i8",
	"MET_FLOAT":  "f4",
	"MET_DOUBLE": "f8",
}

func (h MetaHeader) descr() (string, error) {
	t, ok := metTypes[h.ElementType]
	if !ok {
		return "", fmt.Errorf("metaimage: unsupported ElementType %q", h.ElementType)
	}
	if t[1] == '1' {
		return "|" + t, nil
	}
	if h.MSB {
		return ">" + t, nil
	}
	return "<" + t, nil
}

// WriteMetaImage writes a single-file .mha with a MET_UCHAR body. MetaImage
// lists the fastest axis first, so shape and spacing are written reversed.
func WriteMetaImage(w io.Writer, v *Volume[uint8], compressed bool) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("metaimage: %w", err)
	}
	return writeMeta(w, v.Shape, v.Spacing, "MET_UCHAR", v.Data, compressed)
}

// WriteMetaImageFloat32 writes a single-file .mha with a little-endian MET_FLOAT body.
func WriteMetaImageFloat32(w io.Writer, v *Volume[float32], compressed bool) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("metaimage: %w", err)
	}
	raw := make([]byte, 4*len(v.Data))
	for i, f := range v.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(f))
	}
	return writeMeta(w, v.Shape, v.Spacing, "MET_FLOAT", raw, compressed)
}

func writeMeta(w io.Writer, shape Shape, spacing Spacing, elementType string, raw []byte, compressed bool) error {
	if !spacing.Valid() {
		return fmt.Errorf("metaimage: invalid spacing %s", spacing)
	}

	body := raw
	if compressed {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return fmt.Errorf("metaimage: compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("metaimage: compress: %w", err)
		}
		body = buf.Bytes()
	}

	var hdr strings.Builder
	hdr.WriteString("ObjectType = Image\n")
	hdr.WriteString("NDims = 3\n")
	hdr.WriteString("BinaryData = True\n")
	hdr.WriteString("BinaryDataByteOrderMSB = False\n")
	if compressed {
		hdr.WriteString("CompressedData = True\n")
		fmt.Fprintf(&hdr, "CompressedDataSize = %d\n", len(body))
	} else {
		hdr.WriteString("CompressedData = False\n")
	}
	hdr.WriteString("Offset = 0 0 0\n")
	fmt.Fprintf(&hdr, "ElementSpacing = %s %s %s\n",
		formatFloat(spacing[2]), formatFloat(spacing[1]), formatFloat(spacing[0]))
	fmt.Fprintf(&hdr, "DimSize = %d %d %d\n", shape[2], shape[1], shape[0])
	fmt.Fprintf(&hdr, "ElementType = %s\n", elementType)
	hdr.WriteString("ElementDataFile = LOCAL\n")

	if _, err := io.WriteString(w, hdr.String()); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// ReadMetaHeader parses header lines up to and including ElementDataFile.
// Only LOCAL (inline) data files are supported.
func ReadMetaHeader(br *bufio.Reader) (MetaHeader, error) {
	h := MetaHeader{Spacing: Spacing{1, 1, 1}}
	seenDims := false
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return h, fmt.Errorf("metaimage: header ended before ElementDataFile: %w", err)
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch key {
		case "NDims":
			if val != "3" {
				return h, fmt.Errorf("metaimage: NDims = %s, only 3-D images are supported", val)
			}
		case "DimSize":
			d, err := parseInts(val)
			if err != nil {
				return h, fmt.Errorf("metaimage: DimSize: %w", err)
			}
			h.Shape = Shape{d[2], d[1], d[0]}
			seenDims = true
		case "ElementSpacing", "ElementSize":
			f, err := parseFloats(val)
			if err != nil {
				return h, fmt.Errorf("metaimage: %s: %w", key, err)
			}
			h.Spacing = Spacing{f[2], f[1], f[0]}
		case "Offset", "Origin", "Position":
			f, err := parseFloats(val)
			if err != nil {
				return h, fmt.Errorf("metaimage: %s: %w", key, err)
			}
			h.Offset = [3]float64{f[2], f[1], f[0]}
		case "ElementType":
			h.ElementType = val
		case "CompressedData":
			h.Compressed = strings.EqualFold(val, "True")
		case "BinaryDataByteOrderMSB", "ElementByteOrderMSB":
			h.MSB = strings.EqualFold(val, "True")
		case "ElementNumberOfChannels":
			if val != "1" {
				return h, fmt.Errorf("metaimage: %s channels, only scalar images are supported", val)
			}
		case "ElementDataFile":
			if val != "LOCAL" {
				return h, fmt.Errorf("metaimage: detached data file %q is not supported", val)
			}
			if !seenDims || !h.Shape.Valid() {
				return h, fmt.Errorf("metaimage: missing or invalid DimSize")
			}
			if !h.Spacing.Valid() {
				return h, fmt.Errorf("metaimage: invalid spacing %s", h.Spacing)
			}
			return h, nil
		}
	}
}

func parseInts(s string) ([3]int, error) {
	var out [3]int
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return out, fmt.Errorf("want 3 values, got %d", len(fields))
	}
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

func parseFloats(s string) ([3]float64, error) {
	var out [3]float64
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return out, fmt.Errorf("want 3 values, got %d", len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

func metaBody(br *bufio.Reader, h MetaHeader) (io.Reader, NPYHeader, error) {
	descr, err := h.descr()
	if err != nil {
		return nil, NPYHeader{}, err
	}
	var body io.Reader = br
	if h.Compressed {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, NPYHeader{}, fmt.Errorf("metaimage: decompress: %w", err)
		}
		body = zr
	}
	return body, NPYHeader{Descr: descr, Shape: h.Shape[:]}, nil
}

// ReadMetaImage reads a scalar 3-D image as float32 intensities.
func ReadMetaImage(r io.Reader) (*Volume[float32], MetaHeader, error) {
	br := bufio.NewReader(r)
	h, err := ReadMetaHeader(br)
	if err != nil {
		return nil, h, err
	}
	body, nh, err := metaBody(br, h)
	if err != nil {
		return nil, h, err
	}
	data, err := ReadNPYFloat32(body, nh)
	if err != nil {
		return nil, h, fmt.Errorf("metaimage: %w", err)
	}
	return &Volume[float32]{Shape: h.Shape, Spacing: h.Spacing, Data: data}, h, nil
}

// ReadMetaImageMask reads a 3-D label image as a binary mask.
func ReadMetaImageMask(r io.Reader) (*Volume[uint8], MetaHeader, error) {
	br := bufio.NewReader(r)
	h, err := ReadMetaHeader(br)
	if err != nil {
		return nil, h, err
	}
	body, nh, err := metaBody(br, h)
	if err != nil {
		return nil, h, err
	}
	data, err := ReadNPYUint8(body, nh)
	if err != nil {
		return nil, h, fmt.Errorf("metaimage: %w", err)
	}
	return &Volume[uint8]{Shape: h.Shape, Spacing: h.Spacing, Data: data}, h, nil
}
