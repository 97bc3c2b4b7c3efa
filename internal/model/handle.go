package model

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/Brownie44l1/vggt-api/internal/tensor"
)

// Handle loads the model at most once per process and shares the result.
// A failed load is remembered; later calls get the same error.
type Handle struct {
	once   sync.Once
	load   func() (Inferencer, error)
	inf    Inferencer
	err    error
	loaded atomic.Bool
}

// NewHandle wraps a loader. Nothing is loaded until Get or Infer is called.
func NewHandle(load func() (Inferencer, error)) *Handle {
	return &Handle{load: load}
}

// Get returns the loaded model, loading it on the first call.
func (h *Handle) Get() (Inferencer, error) {
	h.once.Do(func() {
		h.inf, h.err = h.load()
		if h.err == nil {
			h.loaded.Store(true)
		}
	})
	return h.inf, h.err
}

// Loaded reports whether a model is ready without triggering a load.
func (h *Handle) Loaded() bool {
	return h.loaded.Load()
}

// Infer implements Inferencer.
func (h *Handle) Infer(batch *tensor.Tensor) (*Prediction, error) {
	inf, err := h.Get()
	if err != nil {
		return nil, &InferenceError{Op: "load", Err: err}
	}
	return inf.Infer(batch)
}

// Close closes the loaded model, if any.
func (h *Handle) Close() error {
	if !h.Loaded() {
		return nil
	}
	if c, ok := h.inf.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
