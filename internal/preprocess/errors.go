package preprocess

import "fmt"

// DecodeError is returned for bytes that are not a readable image.
type DecodeError struct {
	// Index is the position of the image in its request, -1 when unknown.
	Index int
	MIME  string
	Msg   string
	Err   error
}

func (e *DecodeError) Error() string {
	msg := "cannot decode image"
	if e.Index >= 0 {
		msg = fmt.Sprintf("cannot decode image %d", e.Index)
	}
	if e.MIME != "" {
		msg += fmt.Sprintf(" (detected %s)", e.MIME)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
