package preprocess

import (
	"github.com/pkg/errors"

	"github.com/Brownie44l1/vggt-api/internal/tensor"
)

// Assemble stacks normalized images into one batch, preserving order. The
// result always has rank 4; a rank 3 stack gets a leading unit axis.
func Assemble(images []*tensor.Tensor) (*tensor.Tensor, error) {
	batch, err := tensor.Stack(images)
	if err != nil {
		return nil, errors.Wrap(err, "assembling batch")
	}
	if batch.Rank() == 3 {
		return batch.Unsqueeze(0)
	}
	return batch, nil
}

// NormalizeAll normalizes each raw image in order.
func (n *Normalizer) NormalizeAll(raws [][]byte) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, 0, len(raws))
	for i, raw := range raws {
		t, err := n.Normalize(raw)
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				decodeErr.Index = i
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
