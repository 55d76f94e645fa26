// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package texture_test

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/devblok/terrastream/texture"
)

func encodePNG(c *qt.C, img image.Image) []byte {
	var buf bytes.Buffer
	c.Assert(png.Encode(&buf, img), qt.IsNil)
	return buf.Bytes()
}

func TestDecodePNG(t *testing.T) {
	c := qt.New(t)
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 128})
	img.SetNRGBA(0, 1, color.NRGBA{B: 255, A: 255})

	spec, format, err := texture.Decode(encodePNG(c, img))
	c.Assert(err, qt.IsNil)
	c.Assert(format, qt.Equals, "png")
	c.Assert(spec.Width, qt.Equals, 3)
	c.Assert(spec.Height, qt.Equals, 2)
	c.Assert(spec.Components, qt.Equals, 4)
	c.Assert(spec.Flipped, qt.IsTrue)
	c.Assert(spec.Buffer, qt.HasLen, 3*2*4)
	// the bottom image row comes first
	c.Assert(spec.Buffer[0:4], qt.DeepEquals, []byte{0, 0, 255, 255})
	c.Assert(spec.Buffer[12:16], qt.DeepEquals, []byte{255, 0, 0, 128})
}

func TestDecodeGray(t *testing.T) {
	c := qt.New(t)
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.SetGray(1, 1, color.Gray{Y: 7})

	spec, _, err := texture.Decode(encodePNG(c, img))
	c.Assert(err, qt.IsNil)
	c.Assert(spec.Components, qt.Equals, 1)
	c.Assert(spec.Buffer, qt.HasLen, 16)
	c.Assert(spec.Buffer[2*4+1], qt.Equals, byte(7))
}

func TestDecodeJPEG(t *testing.T) {
	c := qt.New(t)
	var buf bytes.Buffer
	c.Assert(jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 5)), nil), qt.IsNil)

	spec, format, err := texture.Decode(buf.Bytes())
	c.Assert(err, qt.IsNil)
	c.Assert(format, qt.Equals, "jpeg")
	c.Assert(spec.Components, qt.Equals, 3)
	c.Assert(spec.Buffer, qt.HasLen, 8*5*3)
}

func TestDecodeGarbage(t *testing.T) {
	c := qt.New(t)
	_, _, err := texture.Decode([]byte("not an image at all"))
	c.Assert(err, qt.ErrorMatches, "image decode: .*")
}

func BenchmarkGetPixels(b *testing.B) {
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for idx := 0; idx < b.N; idx++ {
		texture.GetPixels(img, 4)
	}
}
