// Package imageio converts between image files and NCHW tensors.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	xdraw "golang.org/x/image/draw"

	"cellgan/internal/tensor"
)

// Extensions accepted as classifier input, lower-case
var Extensions = []string{".png", ".jpg", ".jpeg"}

// IsImagePath reports whether name carries one of Extensions, ignoring case
func IsImagePath(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Load decodes an image file
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// ToRGBA copies any image into an RGBA anchored at (0,0)
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Resize scales img to w×h with bilinear filtering
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// ToTensor converts an image to a [1,3,H,W] tensor: channels scaled to [0,1],
// then (v-mean)/std.
func ToTensor(img *image.RGBA, mean, std float32) *tensor.Tensor {
	b := img.Bounds()
	W, H := b.Dx(), b.Dy()
	t := tensor.New(1, 3, H, W)
	plane := H * W
	for y := 0; y < H; y++ {
		for x := 0; x < W; x++ {
			i := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			for c := 0; c < 3; c++ {
				v := float32(img.Pix[i+c]) / 255
				t.Data[c*plane+y*W+x] = (v - mean) / std
			}
		}
	}
	return t
}

// ToImage renders sample n of a [N,3,H,W] tensor whose values are in [0,1]
func ToImage(t *tensor.Tensor, n int) *image.RGBA {
	C, H, W := t.Shape[1], t.Shape[2], t.Shape[3]
	if C != 3 {
		panic(fmt.Sprintf("imageio: need 3 channels, got %v", t.Shape))
	}
	plane := H * W
	src := t.Data[n*C*plane : (n+1)*C*plane]
	rgba := image.NewRGBA(image.Rect(0, 0, W, H))
	for y := 0; y < H; y++ {
		for x := 0; x < W; x++ {
			rgba.SetRGBA(x, y, color.RGBA{
				R: clampByte(src[0*plane+y*W+x]),
				G: clampByte(src[1*plane+y*W+x]),
				B: clampByte(src[2*plane+y*W+x]),
				A: 255,
			})
		}
	}
	return rgba
}

// clampByte maps [0,1] to [0,255], rounding half up
func clampByte(v float32) uint8 {
	s := v*255 + 0.5
	if s <= 0 {
		return 0
	}
	if s >= 255 {
		return 255
	}
	return uint8(s)
}

// SavePNG writes img to path
func SavePNG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
