// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package texture decodes image payloads into tightly packed pixel
// buffers ready for upload.
package texture

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"

	// registered image formats
	_ "image/jpeg"
	_ "image/png"

	"github.com/juju/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/devblok/terrastream/gfx"
)

// Decode detects the image format by its signature and decodes it.
// The result rows are flipped to bottom-up order.
func Decode(data []byte) (*gfx.TextureSpec, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Annotate(err, "image decode")
	}
	b := img.Bounds()
	components := Components(img)
	spec := &gfx.TextureSpec{
		Width:      b.Dx(),
		Height:     b.Dy(),
		Components: components,
		Buffer:     GetPixels(img, components),
	}
	spec.VerticalFlip()
	return spec, format, nil
}

// Components returns the number of channels needed to
// represent img without loss.
func Components(img image.Image) int {
	switch m := img.(type) {
	case *image.Gray, *image.Gray16:
		return 1
	case *image.YCbCr, *image.CMYK:
		return 3
	case *image.Paletted:
		for _, c := range m.Palette {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return 4
			}
		}
		return 3
	}
	if img.ColorModel() == color.GrayModel || img.ColorModel() == color.Gray16Model {
		return 1
	}
	return 4
}

// GetPixels transforms a given image into the right arrangement of pixels
// by drawing the decoded image onto a controlled canvas and packing
// the requested number of components per pixel.
func GetPixels(img image.Image, components int) []byte {
	b := img.Bounds()
	if components == 1 {
		gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
		return gray.Pix
	}

	rgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	if components == 4 {
		return rgba.Pix
	}

	out := make([]byte, 0, b.Dx()*b.Dy()*components)
	for idx := 0; idx < len(rgba.Pix); idx += 4 {
		out = append(out, rgba.Pix[idx:idx+components]...)
	}
	return out
}
