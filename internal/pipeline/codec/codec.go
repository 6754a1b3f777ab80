// Package codec implements the per-operation image transform functors:
// decode the raw upload, optionally resize, and re-encode in the requested
// target format. Each functor is a pure function over bytes so the worker
// consumer can call it without touching the queue or repository layers.
package codec

import (
	"bytes"
	"fmt"
	"image"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"

	"github.com/pixtools/pixtools/internal/domain"
)

// defaultQuality is used for jpg/webp encodes when the submission didn't
// specify one.
const defaultQuality = 85

// Limits bounds how large a resize request pixtools will honor, mirroring
// MAX_IMAGE_WIDTH/MAX_IMAGE_HEIGHT from config.
type Limits struct {
	MaxWidth  int
	MaxHeight int
}

// Run decodes raw, applies op's transform (resize, format change, or the
// denoise filter), and returns the encoded output bytes plus the extension
// the caller should use for the result key.
func Run(op domain.Operation, raw []byte, params domain.OperationParams, limits Limits) (out []byte, ext string, err error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		// Fallback only: imaging.Decode applies EXIF auto-orientation on top
		// of image.Decode. Images that image.Decode accepts are used as
		// decoded, without auto-orientation.
		img, err = imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
		if err != nil {
			return nil, "", fmt.Errorf("codec: decode: %w", err)
		}
	}

	switch op {
	case domain.OpConvertJPG:
		img = clampResize(img, params, limits)
		out, err = encodeJPG(img, quality(params, defaultQuality))
		return out, "jpg", err
	case domain.OpConvertPNG:
		img = clampResize(img, params, limits)
		out, err = encodePNG(img)
		return out, "png", err
	case domain.OpConvertWebP:
		img = clampResize(img, params, limits)
		out, err = encodeWebP(img, quality(params, defaultQuality))
		return out, "webp", err
	case domain.OpConvertAVIF:
		img = clampResize(img, params, limits)
		out, err = encodeAVIF(img, quality(params, defaultQuality))
		return out, "avif", err
	case domain.OpDenoise:
		img = clampResize(denoise(img), params, limits)
		out, err = encodePNG(img)
		return out, "png", err
	default:
		return nil, "", fmt.Errorf("codec: unsupported operation %q", op)
	}
}

func quality(params domain.OperationParams, fallback int) int {
	if params.Quality > 0 {
		return params.Quality
	}
	return fallback
}

// clampResize applies the caller's requested resize (aspect-preserving when
// only one dimension is given) and then clamps the result to limits, so a
// submission can never force the worker to hold an unbounded image in
// memory.
func clampResize(img image.Image, params domain.OperationParams, limits Limits) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if params.Resize != nil {
		rw, rh := params.Resize.Width, params.Resize.Height
		switch {
		case rw > 0 && rh > 0:
			img = imaging.Resize(img, rw, rh, imaging.Lanczos)
		case rw > 0:
			img = imaging.Resize(img, rw, 0, imaging.Lanczos)
		case rh > 0:
			img = imaging.Resize(img, 0, rh, imaging.Lanczos)
		}
		b = img.Bounds()
		w, h = b.Dx(), b.Dy()
	}

	if limits.MaxWidth > 0 && limits.MaxHeight > 0 && (w > limits.MaxWidth || h > limits.MaxHeight) {
		img = imaging.Fit(img, limits.MaxWidth, limits.MaxHeight, imaging.Lanczos)
	}
	return img
}

func encodeJPG(img image.Image, q int) ([]byte, error) {
	var buf bytes.Buffer
	// JPEG has no alpha channel: force RGB so a source PNG/WebP with
	// transparency doesn't round-trip through a color-shifted encode.
	rgb := imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), image.White)
	rgb = imaging.Overlay(rgb, img, image.Pt(0, 0), 1.0)
	if err := imaging.Encode(&buf, rgb, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
		return nil, fmt.Errorf("codec: encode jpg: %w", err)
	}
	return buf.Bytes(), nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("codec: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeWebP(img image.Image, q int) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Lossless: false, Quality: float32(q)}); err != nil {
		return nil, fmt.Errorf("codec: encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeAVIF(img image.Image, q int) ([]byte, error) {
	var buf bytes.Buffer
	if err := avif.Encode(&buf, img, avif.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("codec: encode avif: %w", err)
	}
	return buf.Bytes(), nil
}
