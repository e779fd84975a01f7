//go:build ort

package classifier

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"cellgan/internal/device"
	"cellgan/internal/tensor"
)

func init() {
	openONNX = openONNXSession
}

var ortInit struct {
	once sync.Once
	err  error
}

// findORTLibrary looks for libonnxruntime in common locations
func findORTLibrary() string {
	candidates := []string{
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// onnxModel runs an exported classifier graph through ONNX Runtime.
type onnxModel struct {
	session   *ort.DynamicAdvancedSession
	inputType ort.TensorElementDataType
	outputs   int
}

func openONNXSession(dev *device.Context, opts Options) (Model, error) {
	log := dev.Logger().Named("classifier.onnx")

	lib := opts.ORTLibrary
	if lib == "" {
		lib = findORTLibrary()
	}
	if lib == "" {
		return nil, fmt.Errorf("%w: libonnxruntime not found", ErrBackendUnavailable)
	}
	ortInit.once.Do(func() {
		ort.SetSharedLibraryPath(lib)
		ortInit.err = ort.InitializeEnvironment()
	})
	if ortInit.err != nil {
		return nil, fmt.Errorf("ORT init: %w", ortInit.err)
	}
	log.Debug("runtime ready", zap.String("library", lib))

	sopts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer sopts.Destroy()
	if err := sopts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		log.Warn("graph optimization level not applied", zap.Error(err))
	}

	usedGPU := false
	if opts.GPU || dev.Name() == device.CUDA {
		cudaOpts, cudaErr := ort.NewCUDAProviderOptions()
		if cudaErr == nil {
			err = sopts.AppendExecutionProviderCUDA(cudaOpts)
			cudaOpts.Destroy()
			if err == nil {
				usedGPU = true
			} else {
				log.Warn("CUDA init failed, falling back to CPU", zap.Error(err))
			}
		} else {
			log.Warn("CUDA not available, using CPU", zap.Error(cudaErr))
		}
	}
	if !usedGPU {
		if err := sopts.SetIntraOpNumThreads(dev.Workers()); err != nil {
			log.Warn("intra-op thread count not applied", zap.Error(err))
		}
		if err := sopts.SetInterOpNumThreads(1); err != nil {
			log.Warn("inter-op thread count not applied", zap.Error(err))
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.Weights)
	if err != nil {
		return nil, fmt.Errorf("model info %s: %w", opts.Weights, err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("%s: %d inputs and %d outputs, want one image input", opts.Weights, len(inputs), len(outputs))
	}
	outNames := make([]string, len(outputs))
	for i, o := range outputs {
		outNames[i] = o.Name
	}
	log.Info("graph",
		zap.String("input", inputs[0].Name),
		zap.String("input_type", fmt.Sprint(inputs[0].DataType)),
		zap.Strings("outputs", outNames),
		zap.Bool("gpu", usedGPU))

	session, err := ort.NewDynamicAdvancedSession(opts.Weights, []string{inputs[0].Name}, outNames, sopts)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return &onnxModel{session: session, inputType: inputs[0].DataType, outputs: len(outNames)}, nil
}

func (m *onnxModel) Logits(x *tensor.Tensor) ([]float32, error) {
	if m.inputType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("onnx: input type %v unsupported, export the graph as float32", m.inputType)
	}
	shape := make(ort.Shape, len(x.Shape))
	for i, d := range x.Shape {
		shape[i] = int64(d)
	}
	in, err := ort.NewTensor(shape, x.Data)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer in.Destroy()

	// nil outputs are allocated by the runtime; the first one holds the logits
	outputs := make([]ort.Value, m.outputs)
	if err := m.session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: unsupported output tensor type %T", outputs[0])
	}
	src := t.GetData()
	logits := make([]float32, len(src))
	copy(logits, src)
	return logits, nil
}

func (m *onnxModel) Close() error {
	return m.session.Destroy()
}
