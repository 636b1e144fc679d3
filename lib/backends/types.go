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

// Package backends runs frozen ONNX networks (the image backbone) and picks
// the compute engine used for classifier training.
//
// Available backends:
//   - GoMLX: Always available, runs ONNX graphs via onnx-gomlx.
//     Engine options: "go" (pure Go simplego) or "xla" (hardware accelerated via PJRT)
//   - ONNX Runtime: Fastest backbone inference, requires -tags="onnx,ORT"
//
// Build example:
//
//	go build -tags="onnx,ORT" ./cmd
//
// Backend selection at runtime follows a configurable priority order (default: ONNX > XLA > Go).
// Backbone manifests can restrict which backends they support.
package backends

// BackendType identifies the inference backend
type BackendType string

const (
	// BackendONNX is the ONNX Runtime backend - fast CPU/GPU inference
	BackendONNX BackendType = "onnx"

	// BackendXLA is the GoMLX backend with XLA engine (hardware accelerated via PJRT)
	BackendXLA BackendType = "xla"

	// BackendGo is the GoMLX backend with pure Go engine (no CGO)
	// Always available, slower than XLA but no external dependencies.
	BackendGo BackendType = "go"
)

// DeviceType identifies the hardware device used for a run.
type DeviceType string

const (
	// DeviceAuto uses a GPU when one is detected, otherwise the CPU.
	DeviceAuto DeviceType = "auto"

	// DeviceGPU requests an accelerator (CUDA, TPU or CoreML).
	DeviceGPU DeviceType = "gpu"

	// DeviceCPU forces CPU-only execution
	DeviceCPU DeviceType = "cpu"
)

// GPUMode controls how GPU acceleration is enabled for backbone sessions.
type GPUMode string

const (
	GPUModeAuto GPUMode = "auto" // Auto-detect GPU availability
	GPUModeCuda GPUMode = "cuda" // Force CUDA
	GPUModeOff  GPUMode = "off"  // CPU only
)

// ToGPUMode converts DeviceType to GPUMode.
func (d DeviceType) ToGPUMode() GPUMode {
	switch d {
	case DeviceGPU:
		return GPUModeCuda
	case DeviceCPU:
		return GPUModeOff
	default:
		return GPUModeAuto
	}
}

// BackendSpec combines a backend type with a device specification.
// Used for configuring backend priority with device preferences.
type BackendSpec struct {
	Backend BackendType
	Device  DeviceType
}

// String returns the string representation (e.g., "onnx:gpu" or "go")
func (s BackendSpec) String() string {
	if s.Device == DeviceAuto || s.Device == "" {
		return string(s.Backend)
	}
	return string(s.Backend) + ":" + string(s.Device)
}

// GPUInfo contains information about the detected accelerator
type GPUInfo struct {
	Available   bool   `json:"available"`
	Type        string `json:"type"` // "cuda", "coreml", "tpu", "none"
	DeviceName  string `json:"device_name,omitempty"`
	DriverVer   string `json:"driver_version,omitempty"`
	CUDAVersion string `json:"cuda_version,omitempty"`
}

// ResizeMode selects how an image is fitted to the network input size.
type ResizeMode string

const (
	// ResizeCropToFit scales the short side to the target and center crops the
	// long side, preserving aspect ratio.
	ResizeCropToFit ResizeMode = "crop_to_fit"

	// ResizeStretch scales both sides independently.
	ResizeStretch ResizeMode = "stretch"
)

// ImageConfig holds configuration for image preprocessing.
type ImageConfig struct {
	// Width is the target image width.
	Width int `json:"width"`
	// Height is the target image height.
	Height int `json:"height"`
	// Channels is the number of color channels (3 for RGB).
	Channels int `json:"channels"`
	// Mean is the per-channel mean for normalization.
	Mean [3]float32 `json:"mean"`
	// Std is the per-channel standard deviation for normalization.
	Std [3]float32 `json:"std"`
	// RescaleFactor scales pixel values (e.g., 1/255 to convert 0-255 to 0-1).
	RescaleFactor float32 `json:"rescale_factor"`
	// Resize selects the fitting strategy.
	Resize ResizeMode `json:"resize"`
}

// ImageNetConfig returns the preprocessing used by torchvision ImageNet
// backbones such as ResNet-50: 224x224 crop-to-fit with ImageNet statistics.
func ImageNetConfig() *ImageConfig {
	return &ImageConfig{
		Width:         224,
		Height:        224,
		Channels:      3,
		Mean:          [3]float32{0.485, 0.456, 0.406},
		Std:           [3]float32{0.229, 0.224, 0.225},
		RescaleFactor: 1.0 / 255.0,
		Resize:        ResizeCropToFit,
	}
}
