// Package tensor holds the dense float32 arrays passed between the image
// normalizer, the model session and the point cloud exporter.
package tensor

import (
	"fmt"
	"strings"
)

// Shape lists the dimensions of a tensor, outermost first.
type Shape []int64

// Size is the number of elements a tensor of this shape holds.
func (s Shape) Size() int64 {
	if len(s) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether both shapes have the same rank and dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, "×") + ")"
}

// Tensor is a row-major float32 array.
type Tensor struct {
	Shape Shape
	Data  []float32
}

// New wraps data without copying it.
func New(shape Shape, data []float32) (*Tensor, error) {
	for _, d := range shape {
		if d <= 0 {
			return nil, &ShapeError{Op: "new", Want: shape, Msg: "dimensions must be positive"}
		}
	}
	if int64(len(data)) != shape.Size() {
		return nil, &ShapeError{
			Op:   "new",
			Want: shape,
			Msg:  fmt.Sprintf("%d elements do not fill the shape", len(data)),
		}
	}
	return &Tensor{Shape: append(Shape(nil), shape...), Data: data}, nil
}

// Zeros allocates a tensor filled with zeros.
func Zeros(shape Shape) *Tensor {
	return &Tensor{Shape: append(Shape(nil), shape...), Data: make([]float32, shape.Size())}
}

// Rank is the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Stack joins tensors of identical shape along a new leading axis, keeping
// their order.
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, &ShapeError{Op: "stack", Msg: "expected a non-empty sequence of tensors"}
	}
	first := ts[0].Shape
	for i, t := range ts[1:] {
		if !t.Shape.Equal(first) {
			return nil, &ShapeError{
				Op:   "stack",
				Want: first,
				Got:  t.Shape,
				Msg:  fmt.Sprintf("entry %d differs from entry 0", i+1),
			}
		}
	}

	step := first.Size()
	data := make([]float32, 0, int64(len(ts))*step)
	for _, t := range ts {
		data = append(data, t.Data...)
	}
	shape := append(Shape{int64(len(ts))}, first...)
	return &Tensor{Shape: shape, Data: data}, nil
}

// Unsqueeze inserts a unit dimension at axis. The data is shared.
func (t *Tensor) Unsqueeze(axis int) (*Tensor, error) {
	if axis < 0 || axis > len(t.Shape) {
		return nil, &ShapeError{Op: "unsqueeze", Got: t.Shape, Msg: fmt.Sprintf("axis %d out of range", axis)}
	}
	shape := make(Shape, 0, len(t.Shape)+1)
	shape = append(shape, t.Shape[:axis]...)
	shape = append(shape, 1)
	shape = append(shape, t.Shape[axis:]...)
	return &Tensor{Shape: shape, Data: t.Data}, nil
}

// Reshape returns a view with a new shape of the same size. One dimension
// may be -1 and is then inferred.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	out := append(Shape(nil), shape...)
	infer := -1
	known := int64(1)
	for i, d := range out {
		switch {
		case d == -1 && infer == -1:
			infer = i
		case d <= 0:
			return nil, &ShapeError{Op: "reshape", Want: shape, Got: t.Shape, Msg: "invalid target dimension"}
		default:
			known *= d
		}
	}
	total := int64(len(t.Data))
	if infer >= 0 {
		if known == 0 || total%known != 0 {
			return nil, &ShapeError{Op: "reshape", Want: shape, Got: t.Shape, Msg: "size is not divisible"}
		}
		out[infer] = total / known
	}
	if out.Size() != total {
		return nil, &ShapeError{Op: "reshape", Want: shape, Got: t.Shape, Msg: "size mismatch"}
	}
	return &Tensor{Shape: out, Data: t.Data}, nil
}

// MoveAxisLast copies the tensor with axis moved to the innermost position,
// e.g. (B, S, C, H, W) with axis 2 becomes (B, S, H, W, C).
func (t *Tensor) MoveAxisLast(axis int) (*Tensor, error) {
	rank := len(t.Shape)
	if axis < 0 || axis >= rank {
		return nil, &ShapeError{Op: "permute", Got: t.Shape, Msg: fmt.Sprintf("axis %d out of range", axis)}
	}
	if axis == rank-1 {
		return &Tensor{Shape: append(Shape(nil), t.Shape...), Data: t.Data}, nil
	}

	outer := Shape(t.Shape[:axis]).Size()
	if axis == 0 {
		outer = 1
	}
	mid := t.Shape[axis]
	inner := Shape(t.Shape[axis+1:]).Size()

	data := make([]float32, len(t.Data))
	for o := int64(0); o < outer; o++ {
		for m := int64(0); m < mid; m++ {
			src := (o*mid + m) * inner
			for i := int64(0); i < inner; i++ {
				data[(o*inner+i)*mid+m] = t.Data[src+i]
			}
		}
	}

	shape := make(Shape, 0, rank)
	shape = append(shape, t.Shape[:axis]...)
	shape = append(shape, t.Shape[axis+1:]...)
	shape = append(shape, mid)
	return &Tensor{Shape: shape, Data: data}, nil
}
