// Package img contains routines for manipulating sets of images.
package img

import (
	"image"
	"image/color"
)

var RGBModel = color.ModelFunc(rgbModel)

// RGB color is stored as a float for each channel with values in range 0-1
type RGB struct {
	R, G, B float32
}

func (c RGB) RGBA() (r, g, b, a uint32) {
	return clampu(c.R, 0, 1), clampu(c.G, 0, 1), clampu(c.B, 0, 1), 0xffff
}

func rgbModel(c color.Color) color.Color {
	if _, ok := c.(RGB); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return RGB{R: float32(r) / 0xffff, G: float32(g) / 0xffff, B: float32(b) / 0xffff}
}

// Image type stores the image data as float32 values in column major order with each color plane
// stored separately. It implements the draw.Image interface. Single channel images are shown in grayscale.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []float32
}

// NewImage allocates a new image with 1 or 3 channels
func NewImage(width, height, channels int) *Image {
	if channels != 1 && channels != 3 {
		panic("NewImage: channels must be 1 or 3")
	}
	return &Image{Width: width, Height: height, Channels: channels, Pix: make([]float32, width*height*channels)}
}

func NewImageLike(src *Image) *Image {
	return NewImage(src.Width, src.Height, src.Channels)
}

// Clone returns a copy of the image
func (m *Image) Clone() *Image {
	dst := NewImageLike(m)
	copy(dst.Pix, m.Pix)
	return dst
}

func (m *Image) ColorModel() color.Model {
	return RGBModel
}

func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *Image) RGBAt(x, y int) RGB {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return RGB{}
	}
	pos := y + x*m.Height
	if m.Channels == 1 {
		return RGB{R: m.Pix[pos], G: m.Pix[pos], B: m.Pix[pos]}
	}
	plane := m.Width * m.Height
	return RGB{R: m.Pix[pos], G: m.Pix[pos+plane], B: m.Pix[pos+2*plane]}
}

func (m *Image) At(x, y int) color.Color {
	return m.RGBAt(x, y)
}

func (m *Image) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	rgb := rgbModel(c).(RGB)
	pos := y + x*m.Height
	if m.Channels == 1 {
		m.Pix[pos] = 0.299*rgb.R + 0.587*rgb.G + 0.114*rgb.B
		return
	}
	plane := m.Width * m.Height
	m.Pix[pos] = rgb.R
	m.Pix[pos+plane] = rgb.G
	m.Pix[pos+2*plane] = rgb.B
}

// Pixels returns the data for one color plane, or all of the data if ch is out of range
func (m *Image) Pixels(ch int) []float32 {
	plane := m.Width * m.Height
	if ch >= 0 && ch < m.Channels {
		return m.Pix[ch*plane : (ch+1)*plane]
	}
	return m.Pix
}

// Highlight returns an RGB copy of the image, with a red border if on is set
func Highlight(in *Image, on bool) *Image {
	dst := NewImage(in.Width, in.Height, 3)
	for x := 0; x < in.Width; x++ {
		for y := 0; y < in.Height; y++ {
			if on && (x == 0 || y == 0 || x == in.Width-1 || y == in.Height-1) {
				dst.Set(x, y, RGB{R: 1})
			} else {
				dst.Set(x, y, in.RGBAt(x, y))
			}
		}
	}
	return dst
}

func clampu(x, x0, x1 float32) uint32 {
	return uint32(clamp(x, x0, x1) * 0xffff)
}
