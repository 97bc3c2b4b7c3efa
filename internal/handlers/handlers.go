package handlers

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/vggt-api/internal/model"
	"github.com/Brownie44l1/vggt-api/internal/pointcloud"
	"github.com/Brownie44l1/vggt-api/internal/preprocess"
	"github.com/Brownie44l1/vggt-api/internal/tensor"
)

// ErrUnauthorized is logged for requests without the expected bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// Reconstructor turns encoded images into a GLB file.
type Reconstructor interface {
	Reconstruct(images [][]byte) ([]byte, error)
}

// ReconstructRequest is the JSON body of POST /reconstruct.
type ReconstructRequest struct {
	Images []string `json:"images"`
}

// Options configures a Handler.
type Options struct {
	Secret        string
	MaxBodyBytes  int64
	MaxConcurrent int
	// Ready reports whether the model is loaded, for /health.
	Ready func() bool
}

type Handler struct {
	pipeline     Reconstructor
	secret       string
	maxBodyBytes int64
	slots        chan struct{}
	ready        func() bool
	logger       *zap.Logger
}

func NewHandler(pipeline Reconstructor, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.Ready == nil {
		opts.Ready = func() bool { return true }
	}
	return &Handler{
		pipeline:     pipeline,
		secret:       opts.Secret,
		maxBodyBytes: opts.MaxBodyBytes,
		slots:        make(chan struct{}, opts.MaxConcurrent),
		ready:        opts.Ready,
		logger:       logger,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":       "healthy",
		"model_loaded": h.ready(),
	})
}

// Reconstruct checks the bearer token, decodes the base64 images and returns
// the reconstructed point cloud as a GLB attachment. Any failure after
// authorization is reported as a 500 carrying the error message.
func (h *Handler) Reconstruct(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	logger := h.logger.With(zap.String("requestID", requestID))

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		logger.Warn("rejected request", zap.String("remote", r.RemoteAddr), zap.Error(ErrUnauthorized))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	var req ReconstructRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusBadRequest)
			return
		}
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	select {
	case h.slots <- struct{}{}:
		defer func() { <-h.slots }()
	case <-r.Context().Done():
		logger.Info("client left while waiting for a worker slot")
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	glb, err := h.run(req)
	if err != nil {
		logger.Error("reconstruction failed", zap.String("kind", errorKind(err)), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	logger.Info("reconstruction done", zap.Int("images", len(req.Images)), zap.Int("bytes", len(glb)))

	w.Header().Set("Content-Type", pointcloud.ContentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+pointcloud.Filename)
	w.WriteHeader(http.StatusOK)
	w.Write(glb)
}

func (h *Handler) authorized(r *http.Request) bool {
	got := r.Header.Get("Authorization")
	want := "Bearer " + h.secret
	return h.secret != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (h *Handler) run(req ReconstructRequest) ([]byte, error) {
	if req.Images == nil {
		return nil, errors.New(`request has no "images" field`)
	}
	raws, err := DecodeImages(req.Images)
	if err != nil {
		return nil, err
	}
	return h.pipeline.Reconstruct(raws)
}

// DecodeImages base64-decodes each entry, accepting an optional data URL
// prefix such as "data:image/png;base64,".
func DecodeImages(encoded []string) ([][]byte, error) {
	raws := make([][]byte, 0, len(encoded))
	for i, s := range encoded {
		if strings.HasPrefix(s, "data:") {
			if comma := strings.IndexByte(s, ','); comma >= 0 {
				s = s[comma+1:]
			}
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, &preprocess.DecodeError{Index: i, Msg: "invalid base64", Err: err}
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

func errorKind(err error) string {
	var (
		decodeErr *preprocess.DecodeError
		shapeErr  *tensor.ShapeError
		infErr    *model.InferenceError
		serErr    *pointcloud.SerializationError
	)
	switch {
	case errors.As(err, &decodeErr):
		return "decode"
	case errors.As(err, &shapeErr):
		return "shape"
	case errors.As(err, &infErr):
		return "inference"
	case errors.As(err, &serErr):
		return "serialization"
	}
	return "other"
}
