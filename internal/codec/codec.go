// Package codec converts raw decoder output into encoded page images.
// The DjVuLibre decoder emits PPM; the supported target formats are
// PNG, JPEG and TIFF.
package codec

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/tiff"
)

// Format is a supported target image format.
type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	TIFF Format = "tiff"
)

// DefaultJPEGQuality is used when Options.JPEGQuality is zero.
const DefaultJPEGQuality = 90

// ParseFormat maps a configuration string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "png":
		return PNG, nil
	case "jpeg", "jpg":
		return JPEG, nil
	case "tiff", "tif":
		return TIFF, nil
	default:
		return "", fmt.Errorf("unsupported image format %q (supported: png, jpeg, tiff)", s)
	}
}

// Ext returns the file extension for the format, including the dot.
func (f Format) Ext() string {
	switch f {
	case JPEG:
		return ".jpg"
	case TIFF:
		return ".tif"
	default:
		return ".png"
	}
}

// Options control encoding.
type Options struct {
	Format      Format
	JPEGQuality int // 1..100, DefaultJPEGQuality when zero
}

// Encode writes img to w in the target format.
func Encode(w io.Writer, img image.Image, opts Options) error {
	switch opts.Format {
	case PNG:
		return png.Encode(w, img)
	case JPEG:
		quality := opts.JPEGQuality
		if quality <= 0 {
			quality = DefaultJPEGQuality
		}
		if quality > 100 {
			quality = 100
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case TIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		return fmt.Errorf("unsupported image format %q", opts.Format)
	}
}

// Decode reads an image in PNM or any registered format (PNG, JPEG,
// TIFF). The decoder output of ddjvu takes the PNM path.
func Decode(r io.Reader) (image.Image, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("read image header: %w", err)
	}
	if isPNMMagic(magic) {
		return decodePNM(br)
	}
	img, _, err := image.Decode(br)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// SniffDimensions reports image width and height without a full decode.
func SniffDimensions(data []byte) (width, height int, err error) {
	if len(data) >= 2 && isPNMMagic(data[:2]) {
		hdr, err := parsePNMHeader(bufio.NewReader(bytes.NewReader(data)))
		if err != nil {
			return 0, 0, err
		}
		return hdr.width, hdr.height, nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

func isPNMMagic(b []byte) bool {
	return len(b) >= 2 && b[0] == 'P' && (b[1] == '5' || b[1] == '6')
}
