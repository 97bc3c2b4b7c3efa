package preprocess

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/vggt-api/internal/tensor"
)

const (
	// DefaultTargetSize is the square side the model is fed with.
	DefaultTargetSize = 518
	// DefaultPatchSize is the model's patch grid stride.
	DefaultPatchSize = 14
	// DefaultMaxPixels bounds the decoded size of a single image.
	DefaultMaxPixels = 64 << 20
	// DefaultMaxAspect bounds height/width, which sets how tall the
	// intermediate resize can get before the crop.
	DefaultMaxAspect = 16.0

	channels = 3
	// fill is the value padded rows take (white).
	fill = 1.0
)

// Normalizer turns encoded images into channel-first tensors of shape
// 3 × TargetSize × TargetSize with values in [0, 1].
//
// Images above MaxPixels or taller than MaxAspect times their width are
// rejected before any pixel is decoded. Zero disables either limit.
type Normalizer struct {
	TargetSize int
	PatchSize  int
	MaxPixels  int64
	MaxAspect  float64
	logger     *zap.Logger
}

// NewNormalizer creates a normalizer. A nil logger disables logging.
func NewNormalizer(targetSize, patchSize int, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		TargetSize: targetSize,
		PatchSize:  patchSize,
		MaxPixels:  DefaultMaxPixels,
		MaxAspect:  DefaultMaxAspect,
		logger:     logger,
	}
}

// Normalize decodes raw, flattens transparency onto white, resizes to
// TargetSize wide keeping the aspect ratio with the height rounded to the
// patch stride, then center-crops or pads the height to TargetSize.
func (n *Normalizer) Normalize(raw []byte) (*tensor.Tensor, error) {
	if err := n.checkDimensions(raw); err != nil {
		return nil, err
	}
	img, format, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	newHeight := n.ScaledHeight(b.Dx(), b.Dy())

	flat := flatten(img)
	var resized image.Image = resize.Resize(uint(n.TargetSize), uint(newHeight), flat, resize.Bicubic)
	if newHeight > n.TargetSize {
		resized = n.cropRows(resized)
	}

	n.logger.Debug("normalized image",
		zap.String("format", format),
		zap.Int("width", b.Dx()),
		zap.Int("height", b.Dy()),
		zap.Int("resizedHeight", newHeight))

	return n.padHeight(toCHW(resized)), nil
}

// checkDimensions reads only the image header and rejects sizes that would
// blow up the decode or the resize. Unreadable headers are left to Decode.
func (n *Normalizer) checkDimensions(raw []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return nil
	}
	if n.MaxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > n.MaxPixels {
		return &DecodeError{Index: -1, MIME: mimetype.Detect(raw).String(),
			Msg: fmt.Sprintf("image is %dx%d, more than %d pixels", cfg.Width, cfg.Height, n.MaxPixels)}
	}
	if n.MaxAspect > 0 && float64(cfg.Height) > n.MaxAspect*float64(cfg.Width) {
		return &DecodeError{Index: -1, MIME: mimetype.Detect(raw).String(),
			Msg: fmt.Sprintf("image is %dx%d, taller than %g times its width", cfg.Width, cfg.Height, n.MaxAspect)}
	}
	return nil
}

// cropRows keeps the TargetSize rows in the middle of img. Any odd remainder
// lands at the bottom.
func (n *Normalizer) cropRows(img image.Image) image.Image {
	sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	})
	if !ok {
		return img
	}
	b := img.Bounds()
	top := b.Min.Y + (b.Dy()-n.TargetSize)/2
	return sub.SubImage(image.Rect(b.Min.X, top, b.Max.X, top+n.TargetSize))
}

// ScaledHeight is the height an image of the given size gets once resized to
// TargetSize wide, rounded half-to-even to a multiple of PatchSize. It never
// drops below one patch.
func (n *Normalizer) ScaledHeight(width, height int) int {
	scale := float64(n.TargetSize) / float64(width)
	patches := int(math.RoundToEven(float64(height) * scale / float64(n.PatchSize)))
	if patches < 1 {
		patches = 1
	}
	return patches * n.PatchSize
}

// Decode parses raw bytes in any registered image format.
func Decode(raw []byte) (image.Image, string, error) {
	if len(raw) == 0 {
		return nil, "", &DecodeError{Index: -1, Msg: "empty image data"}
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", &DecodeError{Index: -1, MIME: mimetype.Detect(raw).String(), Err: err}
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, "", &DecodeError{Index: -1, MIME: mimetype.Detect(raw).String(), Msg: "image has no pixels"}
	}
	return img, format, nil
}

// flatten composites img over an opaque white canvas of the same size.
func flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// toCHW converts an image to a 3 × H × W tensor scaled to [0, 1].
func toCHW(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height
	data := make([]float32, channels*plane)

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < height; y++ {
			row := rgba.Pix[y*rgba.Stride:]
			for x := 0; x < width; x++ {
				idx := y*width + x
				data[idx] = float32(row[4*x]) / 255
				data[plane+idx] = float32(row[4*x+1]) / 255
				data[2*plane+idx] = float32(row[4*x+2]) / 255
			}
		}
	} else {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				idx := y*width + x
				data[idx] = float32(r) / 65535
				data[plane+idx] = float32(g) / 65535
				data[2*plane+idx] = float32(bl) / 65535
			}
		}
	}

	return &tensor.Tensor{Shape: tensor.Shape{channels, int64(height), int64(width)}, Data: data}
}

// padHeight centers a tensor shorter than TargetSize between rows of white.
// Any odd remainder lands at the bottom. Taller tensors are cut to size.
func (n *Normalizer) padHeight(t *tensor.Tensor) *tensor.Tensor {
	size := n.TargetSize
	height, width := int(t.Shape[1]), int(t.Shape[2])
	if height == size {
		return t
	}
	out := make([]float32, channels*size*width)

	if height > size {
		top := (height - size) / 2
		for c := 0; c < channels; c++ {
			copy(out[c*size*width:], t.Data[(c*height+top)*width:(c*height+top+size)*width])
		}
	} else {
		top := (size - height) / 2
		for i := range out {
			out[i] = fill
		}
		for c := 0; c < channels; c++ {
			copy(out[(c*size+top)*width:], t.Data[c*height*width:(c+1)*height*width])
		}
	}

	return &tensor.Tensor{Shape: tensor.Shape{channels, int64(size), int64(width)}, Data: out}
}
