package pipeline

import (
	"image"
	"image/color"

	"github.com/pkg/errors"

	"github.com/arcadecast/arcadecast/internal/core"
)

// convertFrame scales f to dst's size (nearest neighbour) and converts it to
// 4:2:0 YCbCr. Chroma takes the top-left pixel of each 2x2 block.
func convertFrame(dst *image.YCbCr, f core.Frame) error {
	bpp := f.Format.BytesPerPixel()
	if bpp == 0 {
		return errors.Errorf("unsupported pixel format %d", f.Format)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return errors.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	stride := f.RowStride()
	if stride < f.Width*bpp || len(f.Pix) < stride*(f.Height-1)+f.Width*bpp {
		return errors.Errorf("frame buffer too small: %d bytes for %dx%d stride %d", len(f.Pix), f.Width, f.Height, stride)
	}

	b := dst.Bounds()
	dw, dh := b.Dx(), b.Dy()

	xmap := make([]int, dw)
	for x := range xmap {
		xmap[x] = (x * f.Width / dw) * bpp
	}

	for y := 0; y < dh; y++ {
		row := f.Pix[(y*f.Height/dh)*stride:]
		yRow := dst.Y[y*dst.YStride:]
		chromaRow := y%2 == 0
		for x := 0; x < dw; x++ {
			p := row[xmap[x]:]
			var r, g, bl uint8
			switch f.Format {
			case core.PixelFormatBGRA32:
				bl, g, r = p[0], p[1], p[2]
			default:
				r, g, bl = p[0], p[1], p[2]
			}
			yy, cb, cr := color.RGBToYCbCr(r, g, bl)
			yRow[x] = yy
			if chromaRow && x%2 == 0 {
				ci := (y/2)*dst.CStride + x/2
				dst.Cb[ci] = cb
				dst.Cr[ci] = cr
			}
		}
	}
	return nil
}
