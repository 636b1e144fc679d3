// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"

	// Import Go backend - always available (pure Go, no CGO)
	_ "github.com/gomlx/gomlx/backends/simplego"
)

func init() {
	// The simplego package registers itself as "go" in the gomlx registry.
	RegisterBackend(newGomlxBackend(BackendGo, "go"))
}

// gomlxBackend implements Backend using GoMLX to execute ONNX graphs.
//
// Two backends may be registered:
//   - BackendGo: Pure Go engine (simplego), always available, slower
//   - BackendXLA: XLA engine (CUDA, TPU, optimized CPU), requires -tags=xla
type gomlxBackend struct {
	backendType BackendType
	engineType  string // "go" or "xla"
	engineMgr   *engineManager

	availableOnce sync.Once
	available     bool
}

func newGomlxBackend(backendType BackendType, engineType string) *gomlxBackend {
	return &gomlxBackend{
		backendType: backendType,
		engineType:  engineType,
		engineMgr:   newEngineManager(),
	}
}

func (b *gomlxBackend) Type() BackendType {
	return b.backendType
}

func (b *gomlxBackend) Name() string {
	switch b.backendType {
	case BackendXLA:
		return "GoMLX (XLA)"
	case BackendGo:
		return "GoMLX (Go)"
	default:
		return "GoMLX"
	}
}

func (b *gomlxBackend) Available() bool {
	// go-xla panics if the PJRT plugin fails to load, so probe through
	// safeNewBackend.
	b.availableOnce.Do(func() {
		_, err := b.engineMgr.getEngine(b.engineType)
		b.available = err == nil
	})
	return b.available
}

func (b *gomlxBackend) Priority() int {
	switch b.backendType {
	case BackendXLA:
		return 20
	case BackendGo:
		return 100
	default:
		return 50
	}
}

// SessionFactory returns a SessionFactory for creating GoMLX sessions.
func (b *gomlxBackend) SessionFactory() SessionFactory {
	return &gomlxSessionFactory{backend: b}
}

// engineManager caches one GoMLX engine per engine config string.
type engineManager struct {
	mu      sync.Mutex
	engines map[string]backends.Backend
}

func newEngineManager() *engineManager {
	return &engineManager{engines: make(map[string]backends.Backend)}
}

// getEngine returns the GoMLX engine for config, creating it if needed.
func (m *engineManager) getEngine(config string) (backends.Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if engine, ok := m.engines[config]; ok {
		return engine, nil
	}
	engine, err := safeNewBackend(config)
	if err != nil {
		return nil, err
	}
	m.engines[config] = engine
	return engine, nil
}

// safeNewBackend creates a new backend, catching panics from libraries
// that don't handle missing dependencies gracefully.
func safeNewBackend(config string) (engine backends.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine = nil
			err = fmt.Errorf("backend %q panicked during initialization: %v", config, r)
		}
	}()
	return backends.NewWithConfig(config)
}

// Engine is a GoMLX compute engine bound to one device.
type Engine struct {
	backends.Backend

	// Device is the device the engine actually runs on.
	Device DeviceType
	// Config is the GoMLX backend config string (e.g. "go", "xla:cuda").
	Config string
	// FellBack reports that the requested device was unavailable and the
	// engine degraded to the CPU.
	FellBack bool
	// Reason explains a fallback.
	Reason string
}

// engineConfigs maps a device onto GoMLX backend configs in preference order.
var engineConfigs = map[DeviceType][]string{
	DeviceGPU: {"xla:cuda"},
	DeviceCPU: {"go"},
}

// NewEngine creates a fresh GoMLX engine for training on the requested
// device. Accelerator failures degrade to the pure Go CPU engine; an error is
// only returned when no engine can be created at all.
func NewEngine(requested DeviceType) (*Engine, error) {
	device, fellBack := ResolveDevice(requested)
	reason := ""
	if fellBack {
		reason = "no accelerator detected"
	}

	if device == DeviceGPU {
		var lastErr error
		for _, config := range engineConfigs[DeviceGPU] {
			engine, err := safeNewBackend(config)
			if err == nil {
				return &Engine{Backend: engine, Device: DeviceGPU, Config: config}, nil
			}
			lastErr = err
		}
		fellBack = true
		reason = lastErr.Error()
	}

	for _, config := range engineConfigs[DeviceCPU] {
		engine, err := safeNewBackend(config)
		if err == nil {
			return &Engine{Backend: engine, Device: DeviceCPU, Config: config, FellBack: fellBack, Reason: reason}, nil
		}
		reason = err.Error()
	}
	return nil, fmt.Errorf("creating compute engine for %s: %s", requested, reason)
}

// gomlxSessionFactory creates sessions from ONNX model files using GoMLX.
type gomlxSessionFactory struct {
	backend *gomlxBackend
}

func (f *gomlxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	engine, err := f.backend.engineMgr.getEngine(f.backend.engineType)
	if err != nil {
		return nil, fmt.Errorf("getting GoMLX engine: %w", err)
	}

	om, err := onnx.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading ONNX model: %w", err)
	}

	// Frozen weights: the variables are only ever read.
	ctx := mlctx.New()
	if err := om.VariablesToContext(ctx); err != nil {
		return nil, fmt.Errorf("loading ONNX variables: %w", err)
	}

	inputNames, inputShapes := om.Inputs()
	outputNames, outputShapes := om.Outputs()

	inputInfo := make([]TensorInfo, len(inputNames))
	for i, name := range inputNames {
		inputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToInt64s(inputShapes[i].Dimensions),
			DataType: gomlxDataType(inputShapes[i].DType),
		}
	}

	outputInfo := make([]TensorInfo, len(outputNames))
	for i, name := range outputNames {
		outputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToInt64s(outputShapes[i].Dimensions),
			DataType: gomlxDataType(outputShapes[i].DType),
		}
	}

	return &gomlxSession{
		onnxModel:   om,
		ctx:         ctx,
		engine:      engine,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

func (f *gomlxSessionFactory) Backend() BackendType {
	return f.backend.backendType
}

// gomlxSession implements Session for raw tensor I/O using GoMLX.
type gomlxSession struct {
	onnxModel   *onnx.Model
	ctx         *mlctx.Context
	engine      backends.Backend
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
	inputNames  []string
	outputNames []string
	mu          sync.Mutex
}

func (s *gomlxSession) Run(inputs []NamedTensor) (outputs []NamedTensor, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.onnxModel == nil {
		return nil, fmt.Errorf("session is closed")
	}

	inputMap := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		inputMap[input.Name] = input
	}

	// Positional arguments in the order the graph declares its inputs.
	args := make([]any, len(s.inputNames))
	for i, name := range s.inputNames {
		input, ok := inputMap[name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", name)
		}
		tensor, err := namedTensorToGoMLX(input)
		if err != nil {
			return nil, fmt.Errorf("converting input tensor %s: %w", name, err)
		}
		args[i] = tensor
	}

	graphFn := func(mlCtx *mlctx.Context, graphInputs []*graph.Node) []*graph.Node {
		inputNodeMap := make(map[string]*graph.Node, len(s.inputNames))
		for i, name := range s.inputNames {
			inputNodeMap[name] = graphInputs[i]
		}
		return s.onnxModel.CallGraph(mlCtx.Reuse(), graphInputs[0].Graph(), inputNodeMap)
	}

	// Unsupported ONNX ops surface as panics while the graph is built.
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = fmt.Errorf("executing ONNX graph: %v", r)
		}
	}()

	results, err := mlctx.ExecOnceN(s.engine, s.ctx, graphFn, args...)
	if err != nil {
		return nil, fmt.Errorf("executing ONNX graph: %w", err)
	}

	outputs = make([]NamedTensor, len(results))
	for i, result := range results {
		name := ""
		if i < len(s.outputNames) {
			name = s.outputNames[i]
		}
		outputs[i] = gomlxToNamedTensor(result, name)
	}
	return outputs, nil
}

func (s *gomlxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *gomlxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *gomlxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onnxModel = nil
	s.ctx = nil
	return nil
}

func intsToInt64s(dims []int) []int64 {
	result := make([]int64, len(dims))
	for i, d := range dims {
		result[i] = int64(d)
	}
	return result
}

// gomlxDataType converts GoMLX DType to our DataType.
func gomlxDataType(dt dtypes.DType) DataType {
	switch dt {
	case dtypes.Float16, dtypes.BFloat16:
		return DataTypeFloat16
	case dtypes.Int64:
		return DataTypeInt64
	case dtypes.Int32, dtypes.Int8, dtypes.Int16:
		return DataTypeInt32
	case dtypes.Bool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

// namedTensorToGoMLX converts a NamedTensor to a GoMLX tensor.
func namedTensorToGoMLX(nt NamedTensor) (*tensors.Tensor, error) {
	dims := make([]int, len(nt.Shape))
	for i, d := range nt.Shape {
		dims[i] = int(d)
	}

	switch data := nt.Data.(type) {
	case []float32:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int64:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int32:
		i64 := make([]int64, len(data))
		for i, v := range data {
			i64[i] = int64(v)
		}
		return tensors.FromFlatDataAndDimensions(i64, dims...), nil
	case []bool:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	default:
		return nil, fmt.Errorf("unsupported tensor data type: %T", data)
	}
}

// gomlxToNamedTensor converts a GoMLX tensor to a NamedTensor. Backbone
// outputs are floating point; other dtypes are carried through unflattened.
func gomlxToNamedTensor(t *tensors.Tensor, name string) NamedTensor {
	shape := t.Shape()
	dims := make([]int64, shape.Rank())
	for i := range shape.Rank() {
		dims[i] = int64(shape.Dimensions[i])
	}

	var data any
	switch shape.DType {
	case dtypes.Float32:
		data = FlattenFloat32(t.Value())
	default:
		data = t.Value()
	}
	return NamedTensor{Name: name, Shape: dims, Data: data}
}

// FlattenFloat32 flattens float32 data of rank 0 to 4 into a single slice.
func FlattenFloat32(val any) []float32 {
	switch v := val.(type) {
	case float32:
		return []float32{v}
	case []float32:
		return v
	case [][]float32:
		var result []float32
		for _, row := range v {
			result = append(result, row...)
		}
		return result
	case [][][]float32:
		var result []float32
		for _, matrix := range v {
			result = append(result, FlattenFloat32(matrix)...)
		}
		return result
	case [][][][]float32:
		var result []float32
		for _, cube := range v {
			result = append(result, FlattenFloat32(cube)...)
		}
		return result
	default:
		return nil
	}
}
