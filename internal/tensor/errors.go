package tensor

import "fmt"

// ShapeError reports tensors whose shapes cannot be combined.
type ShapeError struct {
	Op   string
	Want Shape
	Got  Shape
	Msg  string
}

func (e *ShapeError) Error() string {
	msg := fmt.Sprintf("shape error in %s: %s", e.Op, e.Msg)
	if e.Want != nil {
		msg += fmt.Sprintf(" (want %s", e.Want)
		if e.Got != nil {
			msg += fmt.Sprintf(", got %s", e.Got)
		}
		msg += ")"
	} else if e.Got != nil {
		msg += fmt.Sprintf(" (got %s)", e.Got)
	}
	return msg
}
