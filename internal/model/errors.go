package model

import "fmt"

// InferenceError covers every failure to produce a usable prediction: a
// session that did not load, a malformed batch, a failed forward pass or
// outputs missing the expected fields.
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed (%s): %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
