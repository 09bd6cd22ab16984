package inference

import (
	"fmt"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// RunRequest describes one forward pass.
type RunRequest struct {
	ModelPath  string
	Version    string
	Input      []float32
	InputSize  int
	NumClasses int
}

// Runtime executes a model and returns its flat score vector.
type Runtime interface {
	Run(req RunRequest) ([]float32, error)
	Close() error
}

// ortEnv manages process-wide ONNX Runtime initialization.
var ortEnv struct {
	once sync.Once
	err  error
}

func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

type onnxSession struct {
	session    *ort.DynamicAdvancedSession
	outputDim  int64
	inputName  string
	outputName string
}

// ONNXRuntime runs image classifiers with ONNX Runtime. Sessions are cached
// per model file and version.
type ONNXRuntime struct {
	libPath  string
	mu       sync.Mutex
	sessions map[string]*onnxSession
}

// NewONNXRuntime prepares a runtime backed by the shared library at libPath.
// The library is loaded lazily on the first Run.
func NewONNXRuntime(libPath string) *ONNXRuntime {
	return &ONNXRuntime{libPath: libPath, sessions: make(map[string]*onnxSession)}
}

// Run executes req against its model, loading the session on first use.
func (r *ONNXRuntime) Run(req RunRequest) ([]float32, error) {
	sess, err := r.session(req.ModelPath, req.Version)
	if err != nil {
		return nil, err
	}

	size := int64(req.InputSize)
	in, err := ort.NewTensor(ort.NewShape(1, 3, size, size), req.Input)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create input tensor: %w", err)
	}
	defer in.Destroy()

	dim := sess.outputDim
	if dim <= 0 {
		dim = int64(req.NumClasses)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("onnx: cannot determine output size for %s", req.ModelPath)
	}
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, dim))
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create output tensor: %w", err)
	}
	defer out.Destroy()

	if err := sess.session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, fmt.Errorf("onnx: inference failed: %w", err)
	}

	src := out.GetData()
	scores := make([]float32, len(src))
	copy(scores, src)
	return scores, nil
}

func (r *ONNXRuntime) session(modelPath, version string) (*onnxSession, error) {
	key := modelPath + "@" + version

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[key]; ok {
		return sess, nil
	}

	if err := initORT(r.libPath); err != nil {
		return nil, fmt.Errorf("onnx: failed to initialize runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to read model info: %w", err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("onnx: expected a single image input, got %d", len(inputs))
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("onnx: model has no outputs")
	}
	dims := outputs[0].Dimensions
	if len(dims) != 2 {
		return nil, fmt.Errorf("onnx: expected [batch, classes] output, got %v", dims)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetIntraOpNumThreads(4); err != nil {
		return nil, fmt.Errorf("onnx: failed to set thread count: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{inputs[0].Name}, []string{outputs[0].Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session: %w", err)
	}

	// A newer version of the same file replaces the stale session.
	for k, old := range r.sessions {
		if strings.HasPrefix(k, modelPath+"@") {
			_ = old.session.Destroy()
			delete(r.sessions, k)
		}
	}

	sess := &onnxSession{
		session:    session,
		outputDim:  dims[1],
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
	}
	r.sessions[key] = sess
	return sess, nil
}

// Close destroys all cached sessions.
func (r *ONNXRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for k, sess := range r.sessions {
		if err := sess.session.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.sessions, k)
	}
	return firstErr
}
