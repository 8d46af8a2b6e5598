package analysis

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// Overlay blend weights.
const (
	SourceWeight  = 0.6
	HeatmapWeight = 0.4
)

// DensityRaster counts, per pixel, how many person boxes cover it.
type DensityRaster struct {
	Width  int
	Height int
	Values []float32
}

// Accumulate builds the density raster for a frame of the given size.
// Overlapping boxes add up; boxes are clipped to the frame.
func Accumulate(width, height int, dets []Detection) *DensityRaster {
	r := &DensityRaster{Width: width, Height: height, Values: make([]float32, width*height)}
	for _, d := range dets {
		if !d.IsPerson() {
			continue
		}
		x1, x2 := clampSpan(int(d.X1), int(d.X2), width)
		y1, y2 := clampSpan(int(d.Y1), int(d.Y2), height)
		for y := y1; y < y2; y++ {
			row := r.Values[y*width : (y+1)*width]
			for x := x1; x < x2; x++ {
				row[x]++
			}
		}
	}
	return r
}

func clampSpan(lo, hi, n int) (int, int) {
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Max returns the largest value in the raster.
func (r *DensityRaster) Max() float32 {
	var m float32
	for _, v := range r.Values {
		if v > m {
			m = v
		}
	}
	return m
}

// Normalize min-max scales the raster to 0..255. A flat raster (including
// an empty one) yields all zeros.
func (r *DensityRaster) Normalize() []uint8 {
	out := make([]uint8, len(r.Values))
	if len(r.Values) == 0 {
		return out
	}
	lo, hi := r.Values[0], r.Values[0]
	for _, v := range r.Values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi == lo {
		return out
	}
	scale := 255 / float64(hi-lo)
	for i, v := range r.Values {
		out[i] = uint8(math.Round(float64(v-lo) * scale))
	}
	return out
}

// JetColor maps an intensity onto a blue-cyan-yellow-red ramp. Zero maps to
// black so that frames without people are left uncolored.
func JetColor(v uint8) color.RGBA {
	if v == 0 {
		return color.RGBA{A: 255}
	}
	t := float64(v) / 255
	return color.RGBA{
		R: jetChannel(t, 3),
		G: jetChannel(t, 2),
		B: jetChannel(t, 1),
		A: 255,
	}
}

func jetChannel(t, offset float64) uint8 {
	c := 1.5 - math.Abs(4*t-offset)
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return uint8(math.Round(c * 255))
}

// Colorize applies the color ramp to normalized intensities.
func Colorize(intensity []uint8, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, v := range intensity {
		c := JetColor(v)
		p := img.Pix[i*4 : i*4+4]
		p[0], p[1], p[2], p[3] = c.R, c.G, c.B, c.A
	}
	return img
}

// Blend mixes src and heat with the fixed overlay weights. Both images must
// have the same size.
func Blend(src image.Image, heat *image.RGBA) *image.RGBA {
	b := src.Bounds()
	base := toRGBA(src)
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for i := 0; i < len(out.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := SourceWeight*float64(base.Pix[i+c]) + HeatmapWeight*float64(heat.Pix[i+c])
			if v > 255 {
				v = 255
			}
			out.Pix[i+c] = uint8(math.Round(v))
		}
		out.Pix[i+3] = 255
	}
	return out
}

// RenderHeatmap draws the person density of dets over frame.
func RenderHeatmap(frame image.Image, dets []Detection) *image.RGBA {
	b := frame.Bounds()
	raster := Accumulate(b.Dx(), b.Dy(), dets)
	heat := Colorize(raster.Normalize(), b.Dx(), b.Dy())
	return Blend(frame, heat)
}

func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	if rgba, ok := src.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Stride == 4*b.Dx() {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
