package preprocess

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/vggt-api/internal/tensor"
)

func solid(width, height int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

// at reads channel c at row y, column x of a 3 × H × W tensor.
func at(t *tensor.Tensor, c, y, x int) float32 {
	h, w := int(t.Shape[1]), int(t.Shape[2])
	return t.Data[(c*h+y)*w+x]
}

func TestScaledHeight(t *testing.T) {
	n := NewNormalizer(DefaultTargetSize, DefaultPatchSize, nil)

	tests := []struct {
		name          string
		width, height int
		want          int
	}{
		{"square", 518, 518, 518},
		{"square small", 100, 100, 518},
		{"portrait", 500, 1000, 1036},
		// 18.5 patches rounds half to even
		{"landscape tie", 1000, 500, 252},
		{"landscape", 1920, 1080, 294},
		{"sliver", 4000, 3, 14},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.ScaledHeight(tt.width, tt.height)
			assert.Equal(t, tt.want, got)
			assert.Zero(t, got%DefaultPatchSize)
		})
	}
}

func TestNormalizeShapeAlwaysSquare(t *testing.T) {
	n := NewNormalizer(DefaultTargetSize, DefaultPatchSize, nil)

	for _, size := range []image.Point{{518, 518}, {640, 480}, {480, 640}, {300, 900}, {1200, 200}} {
		out, err := n.Normalize(encodePNG(t, solid(size.X, size.Y, color.Gray{Y: 128})))
		require.NoError(t, err, "size %v", size)
		assert.Equal(t, tensor.Shape{3, 518, 518}, out.Shape, "size %v", size)
	}
}

func TestNormalizePortraitBlackIsCropped(t *testing.T) {
	n := NewNormalizer(DefaultTargetSize, DefaultPatchSize, nil)

	out, err := n.Normalize(encodeJPEG(t, solid(500, 1000, color.Black)))
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{3, 518, 518}, out.Shape)

	for _, v := range out.Data {
		if v > 0.02 {
			t.Fatalf("expected values near 0, found %v", v)
		}
	}
}

func TestNormalizeLandscapeIsPaddedWithWhite(t *testing.T) {
	n := NewNormalizer(DefaultTargetSize, DefaultPatchSize, nil)

	out, err := n.Normalize(encodePNG(t, solid(1000, 500, color.Black)))
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{3, 518, 518}, out.Shape)

	// 252 image rows centered in 518: 133 padded rows above, 133 below.
	for c := 0; c < 3; c++ {
		assert.Equal(t, float32(1), at(out, c, 0, 0))
		assert.Equal(t, float32(1), at(out, c, 132, 200))
		assert.InDelta(t, 0, at(out, c, 133, 200), 1e-6)
		assert.InDelta(t, 0, at(out, c, 384, 517), 1e-6)
		assert.Equal(t, float32(1), at(out, c, 385, 0))
		assert.Equal(t, float32(1), at(out, c, 517, 517))
	}
}

func TestNormalizeChannelOrder(t *testing.T) {
	n := NewNormalizer(DefaultTargetSize, DefaultPatchSize, nil)

	out, err := n.Normalize(encodePNG(t, solid(37, 37, color.NRGBA{R: 255, G: 0, B: 51, A: 255})))
	require.NoError(t, err)

	assert.InDelta(t, 1.0, at(out, 0, 259, 259), 1e-6)
	assert.InDelta(t, 0.0, at(out, 1, 259, 259), 1e-6)
	assert.InDelta(t, 0.2, at(out, 2, 259, 259), 1e-6)
}

func TestNormalizeFlattensTransparencyOntoWhite(t *testing.T) {
	n := NewNormalizer(DefaultTargetSize, DefaultPatchSize, nil)

	out, err := n.Normalize(encodePNG(t, solid(64, 64, color.NRGBA{A: 0})))
	require.NoError(t, err)

	for _, v := range out.Data {
		require.InDelta(t, 1.0, v, 1e-6)
	}
}

func TestNormalizeCorruptBytes(t *testing.T) {
	n := NewNormalizer(DefaultTargetSize, DefaultPatchSize, nil)

	_, err := n.Normalize([]byte("definitely not an image"))
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, "text/plain; charset=utf-8", decodeErr.MIME)

	_, err = n.Normalize(nil)
	assert.True(t, errors.As(err, &decodeErr))
}

func TestNormalizeAllTagsFailingIndex(t *testing.T) {
	n := NewNormalizer(DefaultTargetSize, DefaultPatchSize, nil)

	good := encodePNG(t, solid(20, 20, color.White))
	_, err := n.NormalizeAll([][]byte{good, good, {0x00, 0x01}})

	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, 2, decodeErr.Index)
	assert.Contains(t, err.Error(), "cannot decode image 2")
}

func TestNormalizeRejectsOversizedImages(t *testing.T) {
	tests := []struct {
		name      string
		maxPixels int64
		img       image.Image
		contains  string
	}{
		{"too tall", DefaultMaxPixels, solid(1, 200, color.White), "taller than 16 times its width"},
		{"too many pixels", 1000, solid(40, 40, color.White), "more than 1000 pixels"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNormalizer(DefaultTargetSize, DefaultPatchSize, nil)
			n.MaxPixels = tt.maxPixels

			_, err := n.Normalize(encodePNG(t, tt.img))
			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr), "got %v", err)
			assert.Equal(t, "image/png", decodeErr.MIME)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestNormalizeTallImageWithinLimits(t *testing.T) {
	n := NewNormalizer(DefaultTargetSize, DefaultPatchSize, nil)

	// black top half, white bottom half: the crop keeps the middle rows
	img := solid(20, 300, color.White)
	for y := 0; y < 150; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.Black)
		}
	}
	out, err := n.Normalize(encodePNG(t, img))
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{3, 518, 518}, out.Shape)

	for c := 0; c < 3; c++ {
		assert.InDelta(t, 0, at(out, c, 0, 259), 1e-6)
		assert.InDelta(t, 1, at(out, c, 517, 259), 1e-6)
	}
}
