package preprocess

import (
	"errors"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/vggt-api/internal/tensor"
)

func TestAssembleSingleImage(t *testing.T) {
	n := NewNormalizer(DefaultTargetSize, DefaultPatchSize, nil)
	img, err := n.Normalize(encodePNG(t, solid(64, 48, color.White)))
	require.NoError(t, err)

	batch, err := Assemble([]*tensor.Tensor{img})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 518, 518}, batch.Shape)
}

func TestAssembleDifferentAspectRatios(t *testing.T) {
	n := NewNormalizer(DefaultTargetSize, DefaultPatchSize, nil)
	images, err := n.NormalizeAll([][]byte{
		encodePNG(t, solid(1000, 500, color.Black)),
		encodePNG(t, solid(500, 1000, color.White)),
	})
	require.NoError(t, err)

	batch, err := Assemble(images)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3, 518, 518}, batch.Shape)

	// order is kept: the second image is all white
	assert.Equal(t, float32(1), batch.Data[len(batch.Data)-1])
	assert.InDelta(t, 0, batch.Data[3*518*518/2], 1e-6)
}

func TestAssembleBypassedNormalizationFails(t *testing.T) {
	_, err := Assemble([]*tensor.Tensor{
		tensor.Zeros(tensor.Shape{3, 518, 518}),
		tensor.Zeros(tensor.Shape{3, 252, 518}),
	})
	var shapeErr *tensor.ShapeError
	assert.True(t, errors.As(err, &shapeErr))
}

func TestAssembleRank2GetsBatchAxis(t *testing.T) {
	batch, err := Assemble([]*tensor.Tensor{tensor.Zeros(tensor.Shape{4, 4})})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 1, 4, 4}, batch.Shape)
}

func TestAssembleEmpty(t *testing.T) {
	_, err := Assemble(nil)
	var shapeErr *tensor.ShapeError
	assert.True(t, errors.As(err, &shapeErr))
}
