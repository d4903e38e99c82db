package fetcher

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	errs "faceingest/pkg/errors"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

type format string

const (
	formatJPEG    format = "jpeg"
	formatPNG     format = "png"
	formatGIF     format = "gif"
	formatBMP     format = "bmp"
	formatWEBP    format = "webp"
	formatUnknown format = ""
)

var (
	sigJPEG  = []byte{0xFF, 0xD8, 0xFF}
	sigPNG   = []byte("\x89PNG\r\n\x1a\n")
	sigGIF87 = []byte("GIF87a")
	sigGIF89 = []byte("GIF89a")
	sigBMP   = []byte("BM")
	sigRIFF  = []byte("RIFF")
	sigWEBP  = []byte("WEBP")
)

// detectFormat inspects the leading bytes only. Content-Type is never used.
func detectFormat(data []byte) format {
	switch {
	case bytes.HasPrefix(data, sigJPEG):
		return formatJPEG
	case bytes.HasPrefix(data, sigPNG):
		return formatPNG
	case bytes.HasPrefix(data, sigGIF87), bytes.HasPrefix(data, sigGIF89):
		return formatGIF
	case bytes.HasPrefix(data, sigBMP):
		return formatBMP
	case len(data) >= 12 && bytes.HasPrefix(data, sigRIFF) && bytes.Equal(data[8:12], sigWEBP):
		return formatWEBP
	}

	head := data
	if len(head) > 100 {
		head = head[:100]
	}
	if bytes.Contains(head, []byte("JFIF")) || bytes.Contains(head, []byte("Exif")) {
		return formatJPEG
	}
	return formatUnknown
}

// decodeConfig reads only the header, using the decoder matching the
// signature first and then the registry
func decodeConfig(data []byte) (image.Config, error) {
	var (
		cfg image.Config
		err error
	)
	r := bytes.NewReader(data)
	switch detectFormat(data) {
	case formatJPEG:
		cfg, err = jpeg.DecodeConfig(r)
	case formatPNG:
		cfg, err = png.DecodeConfig(r)
	case formatGIF:
		cfg, err = gif.DecodeConfig(r)
	case formatBMP:
		cfg, err = bmp.DecodeConfig(r)
	case formatWEBP:
		cfg, err = webp.DecodeConfig(r)
	default:
		err = image.ErrFormat
	}
	if err == nil {
		return cfg, nil
	}

	cfg, _, err = image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, fmt.Errorf("decode image header: %w", err)
	}
	return cfg, nil
}

// checkPixels rejects images whose declared size is empty or above maxPixels
// before any pixel data is decoded
func checkPixels(data []byte, maxPixels int64) error {
	cfg, err := decodeConfig(data)
	if err != nil {
		return err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errs.New(errs.ErrorTypeInvalidImage, fmt.Sprintf("empty image %dx%d", cfg.Width, cfg.Height))
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return errs.New(errs.ErrorTypeInvalidImage,
			fmt.Sprintf("image too large: %dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels))
	}
	return nil
}

// decode tries the decoder matching the signature, then the registry
func decode(data []byte) (image.Image, error) {
	var (
		img image.Image
		err error
	)
	r := bytes.NewReader(data)
	switch detectFormat(data) {
	case formatJPEG:
		img, err = jpeg.Decode(r)
	case formatPNG:
		img, err = png.Decode(r)
	case formatGIF:
		img, err = gif.Decode(r)
	case formatBMP:
		img, err = bmp.Decode(r)
	case formatWEBP:
		img, err = webp.Decode(r)
	}
	if img != nil && err == nil {
		return img, nil
	}

	img, _, err = image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// flatten draws src over an opaque white w×h canvas, scaling when the sizes
// differ, so alpha and palette images encode as plain RGB
func flatten(src image.Image, w, h int) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	}
	return dst
}

// fit scales w×h down to fit a maxW×maxH box, preserving aspect. It never
// scales up.
func fit(w, h, maxW, maxH int) (int, int) {
	scale := 1.0
	if sw := float64(maxW) / float64(w); sw < scale {
		scale = sw
	}
	if sh := float64(maxH) / float64(h); sh < scale {
		scale = sh
	}
	nw, nh := int(float64(w)*scale), int(float64(h)*scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

func resize(src image.Image, w, h int, scaler draw.Scaler) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// rendition is the CPU-side output of processing one image
type rendition struct {
	full      []byte
	thumbnail string
	width     int
	height    int
}

// renderOptions bound the work done on one image
type renderOptions struct {
	maxPixels int64
	maxDim    int
	thumbSize int
	quality   int
}

// render checks the declared size, decodes data, caps its dimensions at
// maxDim while flattening and produces the encoded full image plus a base64
// thumbnail. The decoded source is the only full-size buffer.
func render(data []byte, opts renderOptions) (*rendition, error) {
	if err := checkPixels(data, opts.maxPixels); err != nil {
		return nil, err
	}
	src, err := decode(data)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("empty image %dx%d", b.Dx(), b.Dy())
	}

	w, h := b.Dx(), b.Dy()
	if opts.maxDim > 0 && (w > opts.maxDim || h > opts.maxDim) {
		w, h = fit(w, h, opts.maxDim, opts.maxDim)
	}
	img := flatten(src, w, h)

	tw, th := fit(w, h, opts.thumbSize, opts.thumbSize)
	thumb := resize(img, tw, th, draw.CatmullRom)
	thumbJPEG, err := encodeJPEG(thumb, opts.quality)
	if err != nil {
		return nil, err
	}

	full, err := encodeJPEG(img, opts.quality)
	if err != nil {
		return nil, err
	}

	return &rendition{
		full:      full,
		thumbnail: base64.StdEncoding.EncodeToString(thumbJPEG),
		width:     w,
		height:    h,
	}, nil
}
