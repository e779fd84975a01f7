package classifier

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"cellgan/internal/device"
)

// Backends
const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

// Options selects and locates a classifier model
type Options struct {
	Backend string
	// Weights is a safetensors state dict for the native backend or an
	// .onnx graph for the onnx backend.
	Weights   string
	ImageSize int
	// ORTLibrary overrides shared library auto-detection.
	ORTLibrary string
	GPU        bool
}

// openONNX is replaced when built with the ort tag.
var openONNX = func(dev *device.Context, opts Options) (Model, error) {
	return nil, fmt.Errorf("%w: %s (rebuild with -tags ort)", ErrBackendUnavailable, BackendONNX)
}

// Open loads the model named by opts.
func Open(dev *device.Context, opts Options) (Model, error) {
	log := dev.Logger().Named("classifier")
	start := time.Now()

	var (
		m   Model
		err error
	)
	switch opts.Backend {
	case BackendNative, "":
		m, err = LoadResNet18(opts.Weights, 2)
	case BackendONNX:
		m, err = openONNX(dev, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrBackendUnavailable, opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	log.Info("model loaded",
		zap.String("backend", opts.Backend),
		zap.String("weights", opts.Weights),
		zap.Duration("elapsed", time.Since(start)))
	return m, nil
}
