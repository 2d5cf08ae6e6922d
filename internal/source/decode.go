package source

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
)

// Pixel formats written by the camera daemon.
const (
	FormatJPEG = 0
	FormatNV12 = 1
	FormatRGB  = 2
	FormatH264 = 3
)

// Decode turns a raw camera buffer into an image.
func Decode(format, width, height int, data []byte) (image.Image, error) {
	switch format {
	case FormatJPEG:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode jpeg: %w", err)
		}
		return img, nil
	case FormatNV12:
		return DecodeNV12(data, width, height)
	case FormatRGB:
		return decodeRGB(data, width, height)
	default:
		return nil, fmt.Errorf("unsupported frame format %d", format)
	}
}

// DecodeNV12 converts a semi-planar 4:2:0 buffer (full Y plane followed by
// interleaved CbCr) into an image.YCbCr.
func DecodeNV12(data []byte, width, height int) (*image.YCbCr, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("invalid NV12 dimensions %dx%d", width, height)
	}
	ySize := width * height
	if want := ySize * 3 / 2; len(data) < want {
		return nil, fmt.Errorf("NV12 buffer too short: %d < %d", len(data), want)
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	copy(img.Y, data[:ySize])

	uv := data[ySize:]
	for i := range img.Cb {
		img.Cb[i] = uv[2*i]
		img.Cr[i] = uv[2*i+1]
	}
	return img, nil
}

func decodeRGB(data []byte, width, height int) (*image.RGBA, error) {
	if want := width * height * 3; width <= 0 || height <= 0 || len(data) < want {
		return nil, fmt.Errorf("invalid RGB buffer for %dx%d", width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < width*height; i, j = i+1, j+3 {
		img.Pix[4*i] = data[j]
		img.Pix[4*i+1] = data[j+1]
		img.Pix[4*i+2] = data[j+2]
		img.Pix[4*i+3] = 0xff
	}
	return img, nil
}
