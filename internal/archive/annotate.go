package archive

import (
	"fmt"
	"image"
	"image/color"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/config"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	roiColor     = color.RGBA{R: 255, G: 165, A: 255}
	knownColor   = color.RGBA{G: 255, A: 255}
	unknownColor = color.RGBA{R: 255, A: 255}
)

const strokeWidth = 2

// Label is the caption drawn above a face box.
func Label(m types.Match) string {
	return fmt.Sprintf("%s (%.0f%%)", m.Name, types.Similarity(m.Distance))
}

// Annotate returns a copy of img with the ROI and every face box drawn on it.
func Annotate(img image.Image, roi *config.ROI, matches []types.Match) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)

	if roi != nil {
		strokeRect(out, image.Rect(roi.X, roi.Y, roi.X+roi.W, roi.Y+roi.H), roiColor)
	}
	for _, m := range matches {
		c := knownColor
		if m.Name == types.Unknown {
			c = unknownColor
		}
		box := image.Rect(m.BBox.Left, m.BBox.Top, m.BBox.Right, m.BBox.Bottom)
		strokeRect(out, box, c)
		drawLabel(out, box.Min, Label(m), c)
	}
	return out
}

func strokeRect(dst *image.RGBA, r image.Rectangle, c color.Color) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+strokeWidth),
		image.Rect(r.Min.X, r.Max.Y-strokeWidth, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+strokeWidth, r.Max.Y),
		image.Rect(r.Max.X-strokeWidth, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), src, image.Point{}, draw.Src)
	}
}

func drawLabel(dst *image.RGBA, at image.Point, text string, c color.Color) {
	face := basicfont.Face7x13
	y := at.Y - 4
	if y-face.Ascent < 0 {
		// no room above the box
		y = at.Y + face.Ascent + strokeWidth
	}
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(at.X, y),
	}
	d.DrawString(text)
}
