// Package imaging decodes the raw pixel images analyzers embed in OBX
// segments of value type ED and re-encodes them as PNG.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
)

// Default layout of the images a Genrui KT-6610 sends: 255x255 RGB24.
const (
	DefaultWidth         = 255
	DefaultHeight        = 255
	DefaultBytesPerPixel = 3
)

var (
	// ErrNotEncapsulated is returned when the ED value carries no data component.
	ErrNotEncapsulated = errors.New("imaging: ED value has no base64 data")
	// ErrSizeMismatch is returned when the decoded payload does not match the layout.
	ErrSizeMismatch = errors.New("imaging: raw payload size does not match layout")
)

// Layout describes an uncompressed pixel buffer with no header.
type Layout struct {
	Width         int
	Height        int
	BytesPerPixel int // 1 (gray), 3 (RGB) or 4 (RGBA)
}

// DefaultLayout returns the layout used when none is configured.
func DefaultLayout() Layout {
	return Layout{Width: DefaultWidth, Height: DefaultHeight, BytesPerPixel: DefaultBytesPerPixel}
}

// Validate checks that the layout describes a drawable image.
func (l Layout) Validate() error {
	if l.Width <= 0 || l.Height <= 0 {
		return fmt.Errorf("imaging: invalid dimensions %dx%d", l.Width, l.Height)
	}
	switch l.BytesPerPixel {
	case 1, 3, 4:
		return nil
	default:
		return fmt.Errorf("imaging: unsupported bytes per pixel %d", l.BytesPerPixel)
	}
}

// Size is the number of raw bytes one image occupies.
func (l Layout) Size() int {
	return l.Width * l.Height * l.BytesPerPixel
}

// Decoder turns ED values into PNG bytes.
type Decoder struct {
	layout Layout
}

// NewDecoder creates a decoder for the given layout.
func NewDecoder(layout Layout) (*Decoder, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &Decoder{layout: layout}, nil
}

// Layout returns the decoder's pixel layout.
func (d *Decoder) Layout() Layout {
	return d.layout
}

// DecodeED decodes an OBX-5 value of the form
//
//	^Image^BMP^Base64^<data>
//
// Everything from the fifth component on is the base64 payload; analyzers
// that split long data across components are rejoined.
func (d *Decoder) DecodeED(value string) ([]byte, error) {
	parts := strings.Split(value, "^")
	if len(parts) < 5 {
		return nil, ErrNotEncapsulated
	}
	data := strings.TrimSpace(strings.Join(parts[4:], ""))
	if data == "" {
		return nil, ErrNotEncapsulated
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("imaging: decode base64: %w", err)
	}
	return d.EncodeRaw(raw)
}

// EncodeRaw converts a raw pixel buffer into PNG bytes.
func (d *Decoder) EncodeRaw(raw []byte) ([]byte, error) {
	if len(raw) != d.layout.Size() {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(raw), d.layout.Size())
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, d.toImage(raw)); err != nil {
		return nil, fmt.Errorf("imaging: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *Decoder) toImage(raw []byte) image.Image {
	w, h, bpp := d.layout.Width, d.layout.Height, d.layout.BytesPerPixel
	rect := image.Rect(0, 0, w, h)

	if bpp == 1 {
		img := image.NewGray(rect)
		copy(img.Pix, raw)
		return img
	}

	img := image.NewNRGBA(rect)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * bpp
			c := color.NRGBA{R: raw[i], G: raw[i+1], B: raw[i+2], A: 0xFF}
			if bpp == 4 {
				c.A = raw[i+3]
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// Name returns the stored file name of an image: hl7_<msg>_<seq>_<code>.png.
func Name(messageID int64, seq int, code string) string {
	return fmt.Sprintf("hl7_%d_%d_%s.png", messageID, seq, Kind(code))
}

// Kind returns the logical image type derived from an OBX-3 identifier.
func Kind(code string) string {
	k := strings.ReplaceAll(strings.TrimSpace(code), "^", "_")
	if k == "" {
		return "Imagen"
	}
	return k
}
