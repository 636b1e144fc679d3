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

//go:build onnx && ORT

package backends

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

func init() {
	RegisterBackend(&onnxBackend{})
}

// onnxBackend runs backbones with ONNX Runtime.
//
// Runtime Requirements:
//   - ONNXRUNTIME_ROOT or LD_LIBRARY_PATH must point at libonnxruntime
//   - For CUDA: the CUDA libraries must also be on LD_LIBRARY_PATH
type onnxBackend struct {
	initOnce sync.Once
	initErr  error
}

func (b *onnxBackend) Type() BackendType {
	return BackendONNX
}

func (b *onnxBackend) Name() string {
	if ShouldUseGPU(GPUModeAuto) {
		return "ONNX Runtime (CUDA)"
	}
	return "ONNX Runtime (CPU)"
}

// Available reports whether the shared library can be initialized.
func (b *onnxBackend) Available() bool {
	return b.init() == nil
}

func (b *onnxBackend) Priority() int {
	return 10
}

func (b *onnxBackend) SessionFactory() SessionFactory {
	return &onnxSessionFactory{backend: b}
}

func (b *onnxBackend) init() error {
	b.initOnce.Do(func() {
		if libPath := onnxLibraryPath(); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		b.initErr = ort.InitializeEnvironment()
	})
	return b.initErr
}

// onnxLibraryPath locates libonnxruntime via ONNXRUNTIME_ROOT, then the
// dynamic loader path.
func onnxLibraryPath() string {
	libName := "libonnxruntime.so"
	switch runtime.GOOS {
	case "windows":
		libName = "onnxruntime.dll"
	case "darwin":
		libName = "libonnxruntime.dylib"
	}

	var dirs []string
	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		dirs = append(dirs,
			filepath.Join(root, runtime.GOOS+"-"+runtime.GOARCH, "lib"),
			filepath.Join(root, "lib"))
	}
	ldVar := "LD_LIBRARY_PATH"
	if runtime.GOOS == "darwin" {
		ldVar = "DYLD_LIBRARY_PATH"
	}
	dirs = append(dirs, filepath.SplitList(os.Getenv(ldVar))...)

	for _, dir := range dirs {
		candidate := filepath.Join(dir, libName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

type onnxSessionFactory struct {
	backend *onnxBackend
}

func (f *onnxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	if err := f.backend.init(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}
	cfg := ApplySessionOptions(opts...)

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("getting model info: %w", err)
	}
	inputNames, inputInfo := ortTensorInfo(inputs)
	outputNames, outputInfo := ortTensorInfo(outputs)

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}

	// CUDA is best effort; the CPU provider stays registered underneath.
	if ShouldUseGPU(cfg.GPUMode) {
		if cudaOpts, err := ort.NewCUDAProviderOptions(); err == nil {
			_ = sessionOpts.AppendExecutionProviderCUDA(cudaOpts)
			defer cudaOpts.Destroy()
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session: %w", err)
	}

	return &onnxSession{
		session:     session,
		sessionOpts: sessionOpts,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
	}, nil
}

func (f *onnxSessionFactory) Backend() BackendType {
	return BackendONNX
}

func ortTensorInfo(infos []ort.InputOutputInfo) ([]string, []TensorInfo) {
	names := make([]string, len(infos))
	result := make([]TensorInfo, len(infos))
	for i, info := range infos {
		names[i] = info.Name
		dt := DataTypeFloat32
		switch info.DataType {
		case ort.TensorElementDataTypeInt64:
			dt = DataTypeInt64
		case ort.TensorElementDataTypeInt32:
			dt = DataTypeInt32
		case ort.TensorElementDataTypeBool:
			dt = DataTypeBool
		}
		result[i] = TensorInfo{Name: info.Name, Shape: info.Dimensions, DataType: dt}
	}
	return names, result
}

type onnxSession struct {
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
}

func (s *onnxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	if s.session == nil {
		return nil, fmt.Errorf("session is closed")
	}

	inputMap := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		inputMap[input.Name] = input
	}

	ortInputs := make([]ort.Value, len(s.inputInfo))
	defer destroyAll(ortInputs)
	for i, info := range s.inputInfo {
		input, ok := inputMap[info.Name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", info.Name)
		}
		data, ok := input.Data.([]float32)
		if !ok {
			return nil, fmt.Errorf("input %s: unsupported data type %T", info.Name, input.Data)
		}
		tensor, err := ort.NewTensor(ort.NewShape(input.Shape...), data)
		if err != nil {
			return nil, fmt.Errorf("creating input tensor %s: %w", info.Name, err)
		}
		ortInputs[i] = tensor
	}

	// nil outputs are allocated by the runtime.
	ortOutputs := make([]ort.Value, len(s.outputInfo))
	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("running ONNX session: %w", err)
	}
	defer destroyAll(ortOutputs)

	outputs := make([]NamedTensor, 0, len(ortOutputs))
	for i, value := range ortOutputs {
		tensor, ok := value.(*ort.Tensor[float32])
		if !ok {
			continue
		}
		data := tensor.GetData()
		dataCopy := make([]float32, len(data))
		copy(dataCopy, data)
		outputs = append(outputs, NamedTensor{
			Name:  s.outputInfo[i].Name,
			Shape: value.GetShape(),
			Data:  dataCopy,
		})
	}
	return outputs, nil
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}

func (s *onnxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *onnxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *onnxSession) Close() error {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.sessionOpts != nil {
		s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}
