package codec

import (
	"image"
	"image/color"
)

// denoiseKernel is a fixed 3x3 Gaussian-like blur kernel used as pixtools'
// residual denoiser: the residual (source minus its blur) is the noise
// estimate, and removing it from the source leaves the blurred image, which
// is what denoise returns. Edges are softened along with the noise; there is
// no edge-preserving step. Single-threaded by design so worker concurrency stays bounded by
// the consumer's own goroutine budget, not by per-image parallelism.
var denoiseKernel = [3][3]float64{
	{1, 2, 1},
	{2, 4, 2},
	{1, 2, 1},
}

const denoiseKernelSum = 16.0

// denoise runs the fixed convolutional residual denoiser over img and
// returns the filtered result. It always runs at 8-bit RGBA precision
// regardless of the source model.
func denoise(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	src := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			src.Set(x, y, img.At(x, y))
		}
	}

	out := image.NewRGBA(b)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, bl, a float64
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					sx := clampInt(x+kx, 0, w-1)
					sy := clampInt(y+ky, 0, h-1)
					c := src.RGBAAt(b.Min.X+sx, b.Min.Y+sy)
					wgt := denoiseKernel[ky+1][kx+1]
					r += float64(c.R) * wgt
					g += float64(c.G) * wgt
					bl += float64(c.B) * wgt
					a += float64(c.A) * wgt
				}
			}
			out.SetRGBA(b.Min.X+x, b.Min.Y+y, color.RGBA{
				R: clampByte(r / denoiseKernelSum),
				G: clampByte(g / denoiseKernelSum),
				B: clampByte(bl / denoiseKernelSum),
				A: clampByte(a / denoiseKernelSum),
			})
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
