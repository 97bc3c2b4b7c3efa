package model

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/vggt-api/internal/tensor"
)

// Options locates the model in the local weight cache and picks the device.
type Options struct {
	ModelPath     string
	MetadataPath  string
	CacheDir      string
	Library       string
	Device        string
	DeviceID      int
	HalfPrecision bool
	// ImageSize and PatchSize are what the normalizer produces. They must
	// agree with the metadata when it names them.
	ImageSize int
	PatchSize int
}

func (o Options) resolve(path string) string {
	if o.CacheDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(o.CacheDir, path)
}

// Server owns one loaded reconstruction session. Its weights are never
// modified after NewServer returns.
type Server struct {
	session  *ort.DynamicAdvancedSession
	Metadata Metadata
	half     bool
	logger   *zap.Logger
}

// NewServer loads the model from the local cache. It never downloads
// anything; a missing file or an unusable device is an error.
func NewServer(opts Options, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	modelPath := opts.resolve(opts.ModelPath)
	if _, err := os.Stat(modelPath); err != nil {
		return nil, errors.Wrap(err, "model is not in the local cache")
	}
	metadata, err := LoadMetadata(opts.resolve(opts.MetadataPath))
	if err != nil {
		return nil, err
	}
	if err := checkGeometry(metadata, opts); err != nil {
		return nil, err
	}

	if opts.Library != "" {
		ort.SetSharedLibraryPath(opts.Library)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize ONNX environment")
	}

	s, err := newSession(modelPath, metadata, opts, logger)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}
	return s, nil
}

func checkGeometry(metadata Metadata, opts Options) error {
	if metadata.ImageSize != 0 && opts.ImageSize != 0 && metadata.ImageSize != opts.ImageSize {
		return errors.Errorf("model expects image_size %d but images are normalized to %d",
			metadata.ImageSize, opts.ImageSize)
	}
	if metadata.PatchSize != 0 && opts.PatchSize != 0 && metadata.PatchSize != opts.PatchSize {
		return errors.Errorf("model expects patch_size %d but images are aligned to %d",
			metadata.PatchSize, opts.PatchSize)
	}
	return nil
}

func newSession(modelPath string, metadata Metadata, opts Options, logger *zap.Logger) (*Server, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to inspect model graph")
	}
	if err := hasName(inputs, metadata.InputName); err != nil {
		return nil, errors.Wrap(err, "input")
	}
	for _, name := range []string{metadata.WorldPointsOutput, metadata.ImagesOutput} {
		if err := hasName(outputs, name); err != nil {
			return nil, errors.Wrap(err, "output")
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session options")
	}
	defer options.Destroy()

	if opts.Device == "cuda" {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, errors.Wrap(err, "CUDA is not available")
		}
		defer cudaOptions.Destroy()

		if err := cudaOptions.Update(map[string]string{"device_id": strconv.Itoa(opts.DeviceID)}); err != nil {
			return nil, errors.Wrap(err, "failed to configure CUDA provider")
		}
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, errors.Wrapf(err, "no usable accelerator at device %d", opts.DeviceID)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{metadata.InputName},
		[]string{metadata.WorldPointsOutput, metadata.ImagesOutput},
		options)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ONNX session")
	}

	logger.Info("model loaded",
		zap.String("path", modelPath),
		zap.String("modelID", metadata.ModelID),
		zap.String("device", opts.Device),
		zap.Bool("halfPrecision", opts.HalfPrecision && metadata.InputType == Float16))

	return &Server{
		session:  session,
		Metadata: metadata,
		half:     opts.HalfPrecision && metadata.InputType == Float16,
		logger:   logger,
	}, nil
}

func hasName(infos []ort.InputOutputInfo, name string) error {
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Name == name {
			return nil
		}
		names = append(names, info.Name)
	}
	return errors.Errorf("model has no tensor named %q (have %v)", name, names)
}

// Infer runs the batch through the model. Gradients are never tracked by
// onnxruntime, and with half precision the batch is sent as float16.
func (s *Server) Infer(batch *tensor.Tensor) (*Prediction, error) {
	if err := s.checkBatch(batch); err != nil {
		return nil, &InferenceError{Op: "input", Err: err}
	}

	input, err := s.inputValue(batch)
	if err != nil {
		return nil, &InferenceError{Op: "input", Err: err}
	}
	defer input.Destroy()

	outputs, err := s.outputValues(batch)
	if err != nil {
		return nil, &InferenceError{Op: "output", Err: err}
	}
	defer destroyAll(outputs)

	start := time.Now()
	if err := s.session.Run([]ort.ArbitraryTensor{input}, outputs); err != nil {
		return nil, &InferenceError{Op: "run", Err: err}
	}

	s.logger.Debug("forward pass done",
		zap.Stringer("batch", batch.Shape),
		zap.Duration("took", time.Since(start)))

	fields := make(map[string]*tensor.Tensor, len(outputs))
	for i, name := range []string{s.Metadata.WorldPointsOutput, s.Metadata.ImagesOutput} {
		t, err := toTensor(outputs[i])
		if err != nil {
			return nil, &InferenceError{Op: "outputs", Err: errors.Wrap(err, name)}
		}
		fields[name] = t
	}

	return NewPrediction(fields, s.Metadata.WorldPointsOutput, s.Metadata.ImagesOutput)
}

func (s *Server) checkBatch(batch *tensor.Tensor) error {
	if batch == nil || batch.Rank() != 4 {
		return errors.New("batch must have shape (N, 3, H, W)")
	}
	if batch.Shape[1] != 3 {
		return errors.Errorf("batch has %d channels, want 3", batch.Shape[1])
	}
	if patch := int64(s.Metadata.PatchSize); patch > 0 && (batch.Shape[2]%patch != 0 || batch.Shape[3]%patch != 0) {
		return errors.Errorf("batch %s is not aligned to patch size %d", batch.Shape, patch)
	}
	return nil
}

func (s *Server) inputValue(batch *tensor.Tensor) (ort.ArbitraryTensor, error) {
	shape := ort.Shape(batch.Shape)
	if s.half {
		t, err := ort.NewCustomDataTensor(shape, toHalf(batch.Data), ort.TensorElementDataTypeFloat16)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	t, err := ort.NewTensor(shape, batch.Data)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// outputValues allocates the two outputs for a (N, 3, H, W) batch: world
// points (1, N, H, W, 3) and images (1, N, 3, H, W).
func (s *Server) outputValues(batch *tensor.Tensor) ([]ort.ArbitraryTensor, error) {
	n, height, width := batch.Shape[0], batch.Shape[2], batch.Shape[3]
	shapes := []ort.Shape{
		ort.NewShape(1, n, height, width, 3),
		ort.NewShape(1, n, 3, height, width),
	}

	outputs := make([]ort.ArbitraryTensor, 0, len(shapes))
	for _, shape := range shapes {
		var (
			t   ort.ArbitraryTensor
			err error
		)
		if s.Metadata.OutputType == Float16 {
			t, err = ort.NewCustomDataTensor(shape, make([]byte, 2*shape.FlattenedSize()), ort.TensorElementDataTypeFloat16)
		} else {
			t, err = ort.NewEmptyTensor[float32](shape)
		}
		if err != nil {
			destroyAll(outputs)
			return nil, err
		}
		outputs = append(outputs, t)
	}
	return outputs, nil
}

// toTensor copies an output out of onnxruntime-owned memory.
func toTensor(v ort.ArbitraryTensor) (*tensor.Tensor, error) {
	if v == nil {
		return nil, errors.New("no output produced")
	}
	shape := tensor.Shape(v.GetShape())

	var data []float32
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		data = append([]float32(nil), t.GetData()...)
	case *ort.CustomDataTensor:
		var err error
		if data, err = fromHalf(t.GetData()); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unsupported output type %T", v)
	}
	return tensor.New(shape, data)
}

func destroyAll(values []ort.ArbitraryTensor) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}

// Close releases the session and the onnxruntime environment.
func (s *Server) Close() error {
	if s.session != nil {
		s.session.Destroy()
	}
	return ort.DestroyEnvironment()
}
