package vision

import (
	"image"

	"golang.org/x/image/draw"
)

// CalculateSimilarity compares two images pixel by pixel. b is resized to
// a's dimensions when they differ. The result is 1 minus the mean absolute
// RGB channel difference scaled to [0,1]; identical images score 1.
func CalculateSimilarity(a, b image.Image) float64 {
	ab := a.Bounds()
	if ab.Empty() || b.Bounds().Empty() {
		return 0
	}

	if b.Bounds().Size() != ab.Size() {
		scaled := image.NewRGBA(image.Rect(0, 0, ab.Dx(), ab.Dy()))
		draw.BiLinear.Scale(scaled, scaled.Bounds(), b, b.Bounds(), draw.Src, nil)
		b = scaled
	}
	bb := b.Bounds()

	var total float64
	for y := 0; y < ab.Dy(); y++ {
		for x := 0; x < ab.Dx(); x++ {
			r1, g1, b1, _ := a.At(ab.Min.X+x, ab.Min.Y+y).RGBA()
			r2, g2, b2, _ := b.At(bb.Min.X+x, bb.Min.Y+y).RGBA()
			total += absDiff8(r1, r2) + absDiff8(g1, g2) + absDiff8(b1, b2)
		}
	}
	mean := total / float64(3*ab.Dx()*ab.Dy())
	return clamp01(1 - mean/255)
}

func absDiff8(a, b uint32) float64 {
	x, y := float64(a>>8), float64(b>>8)
	if x > y {
		return x - y
	}
	return y - x
}
