package fimgs

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
)

func LoadImageFile(imageFilename string) (im image.Image, err error) {
	imageFile, err := os.Open(imageFilename)
	if err != nil {
		return
	}
	defer imageFile.Close()
	im, _, err = image.Decode(imageFile)
	if err != nil {
		return
	}
	return
}

// saveImage encodes im as JPEG when the file name says so, as PNG otherwise.
func saveImage(im image.Image, imageFilename string) (err error) {
	imageFile, err := os.Create(imageFilename)
	if err != nil {
		return
	}
	defer func() {
		if errClose := imageFile.Close(); err == nil {
			err = errClose
		}
	}()

	switch strings.ToLower(filepath.Ext(imageFilename)) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(imageFile, im, &jpeg.Options{Quality: 95})
	default:
		return png.Encode(imageFile, im)
	}
}

// ToPixels flattens im into row-major, channel-interleaved bytes. Gray images
// give 1 channel, opaque images 3 (RGB), images with transparency 4
// (non-premultiplied RGBA).
func ToPixels(im image.Image) (pixels []byte, width, height, channels int) {
	b := im.Bounds()
	width, height = b.Dx(), b.Dy()

	switch im.(type) {
	case *image.Gray, *image.Gray16:
		channels = 1
	default:
		channels = 3
		if o, ok := im.(interface{ Opaque() bool }); ok && !o.Opaque() {
			channels = 4
		}
	}

	pixels = make([]byte, width*height*channels)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := ((y-b.Min.Y)*width + (x - b.Min.X)) * channels
			switch channels {
			case 1:
				pixels[i] = color.GrayModel.Convert(im.At(x, y)).(color.Gray).Y
			case 3:
				c := color.RGBAModel.Convert(im.At(x, y)).(color.RGBA)
				pixels[i], pixels[i+1], pixels[i+2] = c.R, c.G, c.B
			case 4:
				c := color.NRGBAModel.Convert(im.At(x, y)).(color.NRGBA)
				pixels[i], pixels[i+1], pixels[i+2], pixels[i+3] = c.R, c.G, c.B, c.A
			}
		}
	}
	return pixels, width, height, channels
}

// FromPixels is the inverse of ToPixels.
func FromPixels(pixels []byte, width, height, channels int) (image.Image, error) {
	if len(pixels) != width*height*channels {
		return nil, fmt.Errorf("%dx%dx%d image needs %d bytes, got %d",
			width, height, channels, width*height*channels, len(pixels))
	}

	rect := image.Rect(0, 0, width, height)
	switch channels {
	case 1:
		im := image.NewGray(rect)
		copy(im.Pix, pixels)
		return im, nil
	case 3:
		im := image.NewRGBA(rect)
		for i := 0; i < width*height; i++ {
			copy(im.Pix[i*4:i*4+3], pixels[i*3:i*3+3])
			im.Pix[i*4+3] = 0xFF
		}
		return im, nil
	case 4:
		im := image.NewNRGBA(rect)
		copy(im.Pix, pixels)
		return im, nil
	default:
		return nil, fmt.Errorf("unsupported number of channels: %d", channels)
	}
}
