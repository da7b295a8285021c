// Package frame prepares camera frames for the detector and maps detector
// coordinates back onto the full frame.
package frame

import (
	"image"
	"math"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/config"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/types"
	"golang.org/x/image/draw"
)

// Processed is a frame ready for detection plus what is needed to undo the transform.
type Processed struct {
	Image  *image.RGBA
	Offset image.Point // crop origin within the full frame
	Scale  float64     // processed width / cropped width, 1 when not resized
}

// ClampROI fits roi inside a frame of the given size. The result always keeps
// at least one pixel in each direction.
func ClampROI(roi config.ROI, width, height int) image.Rectangle {
	x := min(max(roi.X, 0), width-1)
	y := min(max(roi.Y, 0), height-1)
	w := min(max(roi.W, 1), width-x)
	h := min(max(roi.H, 1), height-y)
	return image.Rect(x, y, x+w, y+h)
}

// Process crops img to roi (when non-nil), shrinks it to resizeWidth when it is
// wider than that, and converts it to RGBA. Frames narrower than resizeWidth are
// never upscaled.
func Process(img image.Image, roi *config.ROI, resizeWidth int) Processed {
	b := img.Bounds()
	crop := image.Rect(0, 0, b.Dx(), b.Dy())
	if roi != nil {
		crop = ClampROI(*roi, b.Dx(), b.Dy())
	}
	src := crop.Add(b.Min)

	p := Processed{Offset: crop.Min, Scale: 1}
	if resizeWidth > 0 && crop.Dx() > resizeWidth {
		p.Scale = float64(resizeWidth) / float64(crop.Dx())
		height := max(1, int(math.Round(float64(crop.Dy())*p.Scale)))
		p.Image = image.NewRGBA(image.Rect(0, 0, resizeWidth, height))
		draw.CatmullRom.Scale(p.Image, p.Image.Bounds(), img, src, draw.Src, nil)
		return p
	}

	p.Image = image.NewRGBA(image.Rect(0, 0, crop.Dx(), crop.Dy()))
	draw.Draw(p.Image, p.Image.Bounds(), img, src.Min, draw.Src)
	return p
}

// ToFullFrame maps a box in processed-image coordinates back to the full frame.
// Scale is undone before the crop offset is added.
func (p Processed) ToFullFrame(box types.BBox) types.BBox {
	unscale := func(v int) int {
		return int(math.Round(float64(v) / p.Scale))
	}
	return types.BBox{
		Top:    unscale(box.Top) + p.Offset.Y,
		Right:  unscale(box.Right) + p.Offset.X,
		Bottom: unscale(box.Bottom) + p.Offset.Y,
		Left:   unscale(box.Left) + p.Offset.X,
	}
}
