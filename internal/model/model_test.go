package model

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/vggt-api/internal/tensor"
)

func outputs(points, images tensor.Shape) map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{
		"world_points": tensor.Zeros(points),
		"images_out":   tensor.Zeros(images),
	}
}

func TestNewPrediction(t *testing.T) {
	p, err := NewPrediction(outputs(tensor.Shape{1, 2, 4, 5, 3}, tensor.Shape{1, 2, 3, 4, 5}), "world_points", "images_out")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Frames())

	colors, err := p.ColorsLast()
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 4, 5, 3}, colors.Shape)
}

func TestNewPredictionRejects(t *testing.T) {
	tests := []struct {
		name    string
		outputs map[string]*tensor.Tensor
	}{
		{"missing points", map[string]*tensor.Tensor{"images_out": tensor.Zeros(tensor.Shape{1, 1, 3, 2, 2})}},
		{"missing images", map[string]*tensor.Tensor{"world_points": tensor.Zeros(tensor.Shape{1, 1, 2, 2, 3})}},
		{"points not xyz", outputs(tensor.Shape{1, 1, 2, 2, 4}, tensor.Shape{1, 1, 3, 2, 2})},
		{"images not rgb", outputs(tensor.Shape{1, 1, 2, 2, 3}, tensor.Shape{1, 1, 4, 2, 2})},
		{"low rank", outputs(tensor.Shape{4, 3}, tensor.Shape{3, 4})},
		{"pixel mismatch", outputs(tensor.Shape{1, 1, 2, 2, 3}, tensor.Shape{1, 1, 3, 2, 4})},
		{"frame mismatch", outputs(tensor.Shape{1, 2, 2, 2, 3}, tensor.Shape{1, 1, 3, 2, 2})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPrediction(tt.outputs, "world_points", "images_out")
			var infErr *InferenceError
			require.True(t, errors.As(err, &infErr), "got %v", err)
			assert.Equal(t, "outputs", infErr.Op)
		})
	}
}

func TestHalfRoundTrip(t *testing.T) {
	in := []float32{0, 1, -2.5, 0.333, 65504}
	out, err := fromHalf(toHalf(in))
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1e-3*(1+float64(abs(in[i]))))
	}

	_, err = fromHalf([]byte{1, 2, 3})
	assert.Error(t, err)
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func TestLoadMetadataDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_metadata.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model_id": "facebook/VGGT-1B", "image_size": 518, "patch_size": 14}`), 0o600))

	metadata, err := LoadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, "images", metadata.InputName)
	assert.Equal(t, "world_points", metadata.WorldPointsOutput)
	assert.Equal(t, "images_out", metadata.ImagesOutput)
	assert.Equal(t, Float16, metadata.InputType)
	assert.Equal(t, Float32, metadata.OutputType)
}

func TestLoadMetadataInvalid(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadMetadata(filepath.Join(dir, "absent.json"))
	assert.Error(t, err)

	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"input_type": "int8"}`), 0o600))
	_, err = LoadMetadata(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"output_type": "bfloat16"}`), 0o600))
	_, err = LoadMetadata(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"world_points_output": "x", "images_output": "x"}`), 0o600))
	_, err = LoadMetadata(path)
	assert.Error(t, err)
}

func TestNewServerNeverFetches(t *testing.T) {
	_, err := NewServer(Options{
		ModelPath:    "vggt.onnx",
		MetadataPath: "model_metadata.json",
		CacheDir:     t.TempDir(),
		Device:       "cpu",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local cache")
}

func TestNewServerRejectsGeometryMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vggt.onnx"), []byte("onnx"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model_metadata.json"),
		[]byte(`{"image_size": 518, "patch_size": 14}`), 0o600))

	tests := []struct {
		name       string
		image      int
		patch      int
		errContain string
	}{
		{"image size", 504, 14, "image_size 518"},
		{"patch size", 518, 7, "patch_size 14"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(Options{
				ModelPath:    "vggt.onnx",
				MetadataPath: "model_metadata.json",
				CacheDir:     dir,
				Device:       "cpu",
				ImageSize:    tt.image,
				PatchSize:    tt.patch,
			}, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContain)
		})
	}
}

func TestFramesOfEmptyPrediction(t *testing.T) {
	var p *Prediction
	assert.Zero(t, p.Frames())
	assert.Zero(t, (&Prediction{}).Frames())
}

type fakeModel struct {
	calls int
}

func (f *fakeModel) Infer(batch *tensor.Tensor) (*Prediction, error) {
	f.calls++
	return &Prediction{}, nil
}

func TestHandleLoadsOnce(t *testing.T) {
	loads := 0
	fake := &fakeModel{}
	h := NewHandle(func() (Inferencer, error) {
		loads++
		return fake, nil
	})
	assert.False(t, h.Loaded())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Get()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err := h.Infer(tensor.Zeros(tensor.Shape{1, 3, 14, 14}))
	require.NoError(t, err)

	assert.Equal(t, 1, loads)
	assert.Equal(t, 1, fake.calls)
	assert.True(t, h.Loaded())
}

func TestHandleRemembersFailure(t *testing.T) {
	loads := 0
	h := NewHandle(func() (Inferencer, error) {
		loads++
		return nil, errors.New("no CUDA device")
	})

	for i := 0; i < 3; i++ {
		_, err := h.Infer(tensor.Zeros(tensor.Shape{1, 3, 14, 14}))
		var infErr *InferenceError
		require.True(t, errors.As(err, &infErr))
		assert.Equal(t, "load", infErr.Op)
	}
	assert.Equal(t, 1, loads)
	assert.False(t, h.Loaded())
	assert.NoError(t, h.Close())
}
