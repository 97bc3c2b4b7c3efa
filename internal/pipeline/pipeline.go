package pipeline

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Brownie44l1/vggt-api/internal/model"
	"github.com/Brownie44l1/vggt-api/internal/pointcloud"
	"github.com/Brownie44l1/vggt-api/internal/preprocess"
)

// Pipeline turns encoded photographs into a GLB point cloud:
// normalize each image, stack them, run the model, export the points.
type Pipeline struct {
	normalizer *preprocess.Normalizer
	model      model.Inferencer
	maxImages  int
	logger     *zap.Logger
}

// New wires the stages together. maxImages <= 0 means no limit.
func New(normalizer *preprocess.Normalizer, inferencer model.Inferencer, maxImages int, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		normalizer: normalizer,
		model:      inferencer,
		maxImages:  maxImages,
		logger:     logger,
	}
}

// Reconstruct runs all stages synchronously and returns the GLB bytes.
func (p *Pipeline) Reconstruct(images [][]byte) ([]byte, error) {
	if p.maxImages > 0 && len(images) > p.maxImages {
		return nil, errors.Errorf("got %d images, at most %d are accepted", len(images), p.maxImages)
	}
	logger := p.logger.With(zap.Int("images", len(images)))

	start := time.Now()
	normalized, err := p.normalizer.NormalizeAll(images)
	if err != nil {
		return nil, err
	}
	batch, err := preprocess.Assemble(normalized)
	if err != nil {
		return nil, err
	}
	logger.Info("preprocessing done",
		zap.Stringer("batch", batch.Shape),
		zap.Duration("took", time.Since(start)))

	start = time.Now()
	prediction, err := p.model.Infer(batch)
	if err != nil {
		return nil, err
	}
	logger.Info("inference done",
		zap.Int64("frames", prediction.Frames()),
		zap.Duration("took", time.Since(start)))

	start = time.Now()
	glb, err := pointcloud.Export(prediction)
	if err != nil {
		return nil, err
	}
	logger.Info("export done",
		zap.Int("bytes", len(glb)),
		zap.Duration("took", time.Since(start)))

	return glb, nil
}
