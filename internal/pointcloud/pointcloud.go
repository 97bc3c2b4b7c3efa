// Package pointcloud flattens model predictions into colored points and
// writes them as a binary glTF (GLB) file.
package pointcloud

import (
	"math"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/vggt-api/internal/model"
	"github.com/Brownie44l1/vggt-api/internal/tensor"
)

// PointCloud is a flat list of points. Colors[i] belongs to Positions[i].
type PointCloud struct {
	Positions [][3]float32
	Colors    [][4]uint8
}

// Len is the number of points.
func (pc *PointCloud) Len() int {
	return len(pc.Positions)
}

// FromPrediction pairs every predicted world point with the color of the
// pixel it came from. Both fields are flattened in the same order, so the
// i-th point and the i-th color always refer to the same pixel.
func FromPrediction(p *model.Prediction) (*PointCloud, error) {
	if p == nil || p.WorldPoints == nil || p.Images == nil {
		return nil, &SerializationError{Err: errors.New("empty prediction")}
	}

	colors, err := p.ColorsLast()
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	points, err := p.WorldPoints.Reshape(tensor.Shape{-1, 3})
	if err != nil {
		return nil, &SerializationError{Err: errors.Wrap(err, "flattening points")}
	}
	if colors, err = colors.Reshape(tensor.Shape{-1, 3}); err != nil {
		return nil, &SerializationError{Err: errors.Wrap(err, "flattening colors")}
	}
	if points.Shape[0] != colors.Shape[0] {
		return nil, &SerializationError{Err: errors.Errorf("%d points but %d colors", points.Shape[0], colors.Shape[0])}
	}

	n := int(points.Shape[0])
	pc := &PointCloud{
		Positions: make([][3]float32, n),
		Colors:    make([][4]uint8, n),
	}
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			pc.Positions[i][j] = finite(points.Data[3*i+j])
		}
		pc.Colors[i] = [4]uint8{
			channel(colors.Data[3*i]),
			channel(colors.Data[3*i+1]),
			channel(colors.Data[3*i+2]),
			255,
		}
	}
	return pc, nil
}

// finite replaces NaN and infinite coordinates with zero. The glTF
// accessor bounds are written as JSON, which has no encoding for them.
func finite(v float32) float32 {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return 0
	}
	return v
}

// channel maps a unit interval value to 0..255.
func channel(v float32) uint8 {
	switch {
	case math.IsNaN(float64(v)) || v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(math.Round(float64(v) * 255))
}
