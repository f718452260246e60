package codec

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"io"
)

// pnmHeader holds the parsed header of a binary PNM image.
type pnmHeader struct {
	magic  string // P5 or P6
	width  int
	height int
	maxVal int
}

// parsePNMHeader reads the magic, dimensions and maximum sample value.
// Comments (# to end of line) are allowed between tokens. After the
// header exactly one whitespace byte precedes the raw samples.
func parsePNMHeader(br *bufio.Reader) (*pnmHeader, error) {
	magic := make([]byte, 2)
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("pnm: read magic: %w", err)
	}
	if !isPNMMagic(magic) {
		return nil, fmt.Errorf("pnm: unsupported magic %q", magic)
	}

	hdr := &pnmHeader{magic: string(magic)}
	for _, field := range []*int{&hdr.width, &hdr.height, &hdr.maxVal} {
		v, err := readPNMInt(br)
		if err != nil {
			return nil, err
		}
		*field = v
	}

	if hdr.width <= 0 || hdr.height <= 0 {
		return nil, fmt.Errorf("pnm: invalid dimensions %dx%d", hdr.width, hdr.height)
	}
	if hdr.maxVal <= 0 || hdr.maxVal > 255 {
		return nil, fmt.Errorf("pnm: unsupported max value %d", hdr.maxVal)
	}
	return hdr, nil
}

// readPNMInt reads the next unsigned decimal token, skipping whitespace
// and comments. The terminating whitespace byte is consumed, which
// after the last header token is the single separator before the raw
// sample data.
func readPNMInt(br *bufio.Reader) (int, error) {
	inComment := false
	started := false
	value := 0
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && started {
				return value, nil
			}
			return 0, fmt.Errorf("pnm: read header: %w", err)
		}

		switch {
		case inComment:
			if b == '\n' {
				inComment = false
			}
		case b == '#' && !started:
			inComment = true
		case b >= '0' && b <= '9':
			started = true
			value = value*10 + int(b-'0')
			if value > 1<<30 {
				return 0, fmt.Errorf("pnm: header value out of range")
			}
		case b == ' ' || b == '\t' || b == '\n' || b == '\r':
			if started {
				return value, nil
			}
		default:
			return 0, fmt.Errorf("pnm: unexpected byte %q in header", b)
		}
	}
}

// decodePNM decodes binary PGM (P5) and PPM (P6) images with 8-bit
// samples, the formats ddjvu emits.
func decodePNM(br *bufio.Reader) (image.Image, error) {
	hdr, err := parsePNMHeader(br)
	if err != nil {
		return nil, err
	}

	switch hdr.magic {
	case "P5":
		img := image.NewGray(image.Rect(0, 0, hdr.width, hdr.height))
		if _, err := io.ReadFull(br, img.Pix); err != nil {
			return nil, fmt.Errorf("pnm: read gray samples: %w", err)
		}
		return img, nil
	case "P6":
		raw := make([]byte, hdr.width*hdr.height*3)
		if _, err := io.ReadFull(br, raw); err != nil {
			return nil, fmt.Errorf("pnm: read rgb samples: %w", err)
		}
		img := image.NewRGBA(image.Rect(0, 0, hdr.width, hdr.height))
		for i := 0; i < hdr.width*hdr.height; i++ {
			img.SetRGBA(i%hdr.width, i/hdr.width, color.RGBA{
				R: raw[i*3],
				G: raw[i*3+1],
				B: raw[i*3+2],
				A: 255,
			})
		}
		return img, nil
	default:
		return nil, fmt.Errorf("pnm: unsupported magic %q", hdr.magic)
	}
}
