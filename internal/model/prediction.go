package model

import (
	"github.com/pkg/errors"

	"github.com/Brownie44l1/vggt-api/internal/tensor"
)

// Prediction holds the two model outputs the exporter needs.
//
// WorldPoints is (..., H, W, 3): one scene coordinate per pixel per frame.
// Images is (..., 3, H, W): the frames as the model saw them.
type Prediction struct {
	WorldPoints *tensor.Tensor
	Images      *tensor.Tensor
}

// NewPrediction pulls the world point and image fields out of a raw output
// mapping and checks that they describe the same pixels.
func NewPrediction(outputs map[string]*tensor.Tensor, pointsKey, imagesKey string) (*Prediction, error) {
	points, ok := outputs[pointsKey]
	if !ok || points == nil {
		return nil, &InferenceError{Op: "outputs", Err: errors.Errorf("missing %q", pointsKey)}
	}
	images, ok := outputs[imagesKey]
	if !ok || images == nil {
		return nil, &InferenceError{Op: "outputs", Err: errors.Errorf("missing %q", imagesKey)}
	}

	p := &Prediction{WorldPoints: points, Images: images}
	if err := p.validate(); err != nil {
		return nil, &InferenceError{Op: "outputs", Err: err}
	}
	return p, nil
}

func (p *Prediction) validate() error {
	ps, is := p.WorldPoints.Shape, p.Images.Shape
	if len(ps) < 4 || ps[len(ps)-1] != 3 {
		return errors.Errorf("world points have shape %s, want (..., H, W, 3)", ps)
	}
	if len(is) < 4 || is[len(is)-3] != 3 {
		return errors.Errorf("images have shape %s, want (..., 3, H, W)", is)
	}
	if int64(len(p.WorldPoints.Data)) != ps.Size() || int64(len(p.Images.Data)) != is.Size() {
		return errors.New("output data does not match its shape")
	}

	// pixel grid of the images with the channel axis taken out
	grid := make(tensor.Shape, 0, len(is)-1)
	grid = append(grid, is[:len(is)-3]...)
	grid = append(grid, is[len(is)-2:]...)
	if !grid.Equal(ps[:len(ps)-1]) {
		return errors.Errorf("world points %s and images %s cover different pixels", ps, is)
	}
	return nil
}

// Frames is the number of frames across the whole batch.
func (p *Prediction) Frames() int64 {
	if p == nil || p.WorldPoints == nil || len(p.WorldPoints.Shape) < 3 {
		return 0
	}
	ps := p.WorldPoints.Shape
	return tensor.Shape(ps[:len(ps)-3]).Size()
}

// ColorsLast returns the image field with the channel axis innermost so it
// lines up element for element with WorldPoints.
func (p *Prediction) ColorsLast() (*tensor.Tensor, error) {
	return p.Images.MoveAxisLast(p.Images.Rank() - 3)
}
