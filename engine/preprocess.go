package engine

import (
	"image"

	"github.com/nfnt/resize"
)

// letterboxTensor writes img into dst as a 1x3xSxS RGB tensor scaled to [0,1],
// keeping the aspect ratio and filling the border with the pad grey.
func letterboxTensor(dst []float32, img image.Image, lb Letterbox) {
	plane := lb.Size * lb.Size
	pad := float32(padValue) / 255
	for i := range dst[:3*plane] {
		dst[i] = pad
	}
	resized := resize.Resize(uint(lb.NewW), uint(lb.NewH), img, resize.Bilinear)
	b := resized.Bounds()
	for y := 0; y < lb.NewH && y < b.Dy(); y++ {
		row := (y + lb.Top) * lb.Size
		for x := 0; x < lb.NewW && x < b.Dx(); x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			idx := row + x + lb.Left
			dst[idx] = float32(r>>8) / 255
			dst[plane+idx] = float32(g>>8) / 255
			dst[2*plane+idx] = float32(bl>>8) / 255
		}
	}
}
