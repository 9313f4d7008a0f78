// Package geotiff writes georeferenced TIFF images in geographic
// coordinates (EPSG:4326).
package geotiff

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// TIFF field types.
const (
	typeShort  = 3
	typeLong   = 4
	typeDouble = 12
)

// Baseline and GeoTIFF tag numbers.
const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagPhotometric         = 262
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfiguration = 284
	tagExtraSamples        = 338
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagGeoKeyDirectory     = 34735
)

// GeoKey values for a geographic WGS 84 raster.
var geoKeys = []uint16{
	1, 1, 0, 3, // version 1.1.0, three keys
	1024, 0, 1, 2, // GTModelType: geographic
	1025, 0, 1, 1, // GTRasterType: pixel is area
	2048, 0, 1, 4326, // GeographicType: WGS 84
}

// ErrInvalidBounds is returned for an empty or inverted box.
var ErrInvalidBounds = errors.New("invalid geographic bounds")

// Bounds is a box in decimal degrees.
type Bounds struct {
	West, South, East, North float64
}

func (b Bounds) valid() bool {
	return b.East > b.West && b.North > b.South
}

var order = binary.LittleEndian

type field struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// Encode writes m as an uncompressed RGBA TIFF stretched over b.
func Encode(w io.Writer, m image.Image, b Bounds) error {
	if !b.valid() {
		return fmt.Errorf("%w: %+v", ErrInvalidBounds, b)
	}
	r := m.Bounds()
	width, height := r.Dx(), r.Dy()
	if width == 0 || height == 0 {
		return fmt.Errorf("empty image")
	}

	// TIFF stores unassociated alpha as extra sample 2, which matches NRGBA.
	px := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(px, px.Bounds(), m, r.Min, draw.Src)

	fields := []field{
		{tagImageWidth, typeLong, 1, u32(uint32(width))},
		{tagImageLength, typeLong, 1, u32(uint32(height))},
		{tagBitsPerSample, typeShort, 4, u16s(8, 8, 8, 8)},
		{tagCompression, typeShort, 1, u16s(1)},
		{tagPhotometric, typeShort, 1, u16s(2)},
		{tagStripOffsets, typeLong, 1, nil},
		{tagSamplesPerPixel, typeShort, 1, u16s(4)},
		{tagRowsPerStrip, typeLong, 1, u32(uint32(height))},
		{tagStripByteCounts, typeLong, 1, u32(uint32(len(px.Pix)))},
		{tagPlanarConfiguration, typeShort, 1, u16s(1)},
		{tagExtraSamples, typeShort, 1, u16s(2)},
		{tagModelPixelScale, typeDouble, 3, f64s((b.East-b.West)/float64(width), (b.North-b.South)/float64(height), 0)},
		{tagModelTiepoint, typeDouble, 6, f64s(0, 0, 0, b.West, b.North, 0)},
		{tagGeoKeyDirectory, typeShort, uint32(len(geoKeys)), u16s(geoKeys...)},
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })

	// Layout: header, IFD, out-of-line values, pixels.
	const headerSize = 8
	ifdSize := 2 + 12*len(fields) + 4
	var extra bytes.Buffer
	values := make([][4]byte, len(fields))
	stripIndex := -1
	for i, f := range fields {
		switch {
		case f.tag == tagStripOffsets:
			stripIndex = i
		case len(f.data) <= 4:
			copy(values[i][:], f.data)
		default:
			order.PutUint32(values[i][:], uint32(headerSize+ifdSize+extra.Len()))
			extra.Write(f.data)
		}
	}
	order.PutUint32(values[stripIndex][:], uint32(headerSize+ifdSize+extra.Len()))

	bw := bufio.NewWriter(w)
	bw.Write([]byte{'I', 'I', 42, 0})
	binary.Write(bw, order, uint32(headerSize))
	binary.Write(bw, order, uint16(len(fields)))
	for i, f := range fields {
		binary.Write(bw, order, f.tag)
		binary.Write(bw, order, f.typ)
		binary.Write(bw, order, f.count)
		bw.Write(values[i][:])
	}
	binary.Write(bw, order, uint32(0))
	bw.Write(extra.Bytes())
	bw.Write(px.Pix)
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write geotiff: %w", err)
	}
	return nil
}

// WriteFile encodes m to path through a temp file.
func WriteFile(path string, m image.Image, b Bounds) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := Encode(f, m, b); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func u16s(vs ...uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		order.PutUint16(b[2*i:], v)
	}
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	order.PutUint32(b, v)
	return b
}

func f64s(vs ...float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		order.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return b
}
