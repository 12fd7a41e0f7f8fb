package export

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	// minEncodedSize is the size of the smallest valid PNG file.
	minEncodedSize = 67

	placeholderWidth  = 800
	placeholderHeight = 240
)

var errRasterReleased = errors.New("raster already released")

// RasterImage is an immutable decoded bitmap owned by one pipeline attempt.
type RasterImage struct {
	WidthPx     int
	HeightPx    int
	Placeholder bool
	img         image.Image
}

func newRaster(img image.Image) *RasterImage {
	b := img.Bounds()
	return &RasterImage{WidthPx: b.Dx(), HeightPx: b.Dy(), img: img}
}

// Image returns the underlying bitmap, or nil after Release.
func (r *RasterImage) Image() image.Image {
	if r == nil {
		return nil
	}
	return r.img
}

// Release drops the pixel buffer. Safe to call more than once.
func (r *RasterImage) Release() {
	if r != nil {
		r.img = nil
	}
}

// Band returns the full-width rows [y, y+h) of the raster.
func (r *RasterImage) Band(y, h int) (image.Image, error) {
	if r == nil || r.img == nil {
		return nil, errRasterReleased
	}
	if h <= 0 {
		return nil, fmt.Errorf("band height %d is not positive", h)
	}
	if y < 0 || y+h > r.HeightPx {
		return nil, fmt.Errorf("band %d+%d outside raster height %d", y, h, r.HeightPx)
	}
	b := r.img.Bounds()
	rect := image.Rect(b.Min.X, b.Min.Y+y, b.Max.X, b.Min.Y+y+h)
	if sub, ok := r.img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(rect), nil
	}
	band := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(band, band.Bounds(), r.img, rect.Min, draw.Src)
	return band, nil
}

// DecodeFrame decodes captured image data. Empty, truncated or corrupt data
// does not fail the export: a placeholder raster is returned instead and the
// second result reports that the fallback was used.
func DecodeFrame(frame Frame, opts CaptureOptions) (*RasterImage, bool) {
	if len(frame.Data) < minEncodedSize {
		return Placeholder(opts.BackgroundColor, "captured image data is empty or truncated"), true
	}
	img, _, err := image.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return Placeholder(opts.BackgroundColor, "captured image data could not be decoded"), true
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return Placeholder(opts.BackgroundColor, "captured image has no pixels"), true
	}
	return newRaster(img), false
}

// Placeholder draws the fixed-size stand-in used when capture output is unusable.
func Placeholder(background color.RGBA, reason string) *RasterImage {
	if background.A == 0 {
		background = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	}
	img := image.NewRGBA(image.Rect(0, 0, placeholderWidth, placeholderHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(contrastColor(background)),
		Face: basicfont.Face7x13,
	}
	lines := []string{"Report preview unavailable", reason}
	lineHeight := basicfont.Face7x13.Metrics().Height.Ceil() + 6
	top := (placeholderHeight - lineHeight*len(lines)) / 2
	for i, line := range lines {
		width := drawer.MeasureString(line).Ceil()
		drawer.Dot = fixed.P((placeholderWidth-width)/2, top+lineHeight*(i+1))
		drawer.DrawString(line)
	}

	r := newRaster(img)
	r.Placeholder = true
	return r
}

func contrastColor(bg color.RGBA) color.RGBA {
	luma := 0.299*float64(bg.R) + 0.587*float64(bg.G) + 0.114*float64(bg.B)
	if luma > 140 {
		return color.RGBA{R: 51, G: 51, B: 51, A: 255}
	}
	return color.RGBA{R: 245, G: 245, B: 245, A: 255}
}

// EncodeBand encodes a page band for embedding. Quality 1 keeps the band
// lossless as PNG; anything lower is JPEG at quality×100.
// The returned image type uses gofpdf's naming.
func EncodeBand(img image.Image, quality float64) ([]byte, string, error) {
	if quality <= 0 || quality > 1 || math.IsNaN(quality) {
		return nil, "", fmt.Errorf("quality %v outside (0,1]", quality)
	}
	buf := new(bytes.Buffer)
	if quality == 1 {
		if err := png.Encode(buf, img); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "PNG", nil
	}
	q := int(math.Round(quality * 100))
	if q < 1 {
		q = 1
	}
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "JPG", nil
}
