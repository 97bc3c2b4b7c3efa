package model

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/vggt-api/internal/tensor"
)

// Tensor element types understood by the session.
const (
	Float32 = "float32"
	Float16 = "float16"
)

// Metadata describes the exported ONNX graph. It lives next to the model in
// the weight cache.
type Metadata struct {
	ModelID           string `json:"model_id"`
	InputName         string `json:"input_name"`
	WorldPointsOutput string `json:"world_points_output"`
	ImagesOutput      string `json:"images_output"`
	ImageSize         int    `json:"image_size"`
	PatchSize         int    `json:"patch_size"`
	InputType         string `json:"input_type"`
	OutputType        string `json:"output_type"`
}

// LoadMetadata reads and checks a metadata file.
func LoadMetadata(path string) (Metadata, error) {
	var metadata Metadata

	raw, err := os.ReadFile(path)
	if err != nil {
		return metadata, errors.Wrap(err, "failed to read metadata")
	}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return metadata, errors.Wrap(err, "failed to parse metadata")
	}

	if metadata.InputName == "" {
		metadata.InputName = "images"
	}
	if metadata.WorldPointsOutput == "" {
		metadata.WorldPointsOutput = "world_points"
	}
	if metadata.ImagesOutput == "" {
		metadata.ImagesOutput = "images_out"
	}
	if metadata.InputType == "" {
		metadata.InputType = Float16
	}
	if metadata.OutputType == "" {
		metadata.OutputType = Float32
	}

	for field, value := range map[string]string{"input_type": metadata.InputType, "output_type": metadata.OutputType} {
		switch value {
		case Float16, Float32:
		default:
			return metadata, errors.Errorf("unsupported %s %q", field, value)
		}
	}
	if metadata.WorldPointsOutput == metadata.ImagesOutput {
		return metadata, errors.Errorf("world_points_output and images_output are both %q", metadata.ImagesOutput)
	}
	return metadata, nil
}

// Inferencer runs one image batch through the reconstruction model.
type Inferencer interface {
	Infer(batch *tensor.Tensor) (*Prediction, error)
}
