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

// Package pipelines turns encoded images into backbone input tensors.
package pipelines

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"
	"os"

	"github.com/antflydb/tagtrain/lib/backends"
	_ "golang.org/x/image/bmp" // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// ImageProcessor handles image preprocessing for vision backbones.
type ImageProcessor struct {
	Config *backends.ImageConfig
}

// NewImageProcessor creates an ImageProcessor with the given configuration.
// A nil config selects ImageNet preprocessing.
func NewImageProcessor(config *backends.ImageConfig) *ImageProcessor {
	if config == nil {
		config = backends.ImageNetConfig()
	}
	return &ImageProcessor{Config: config}
}

// TensorShape returns the NCHW shape of a batch of n processed images.
func (p *ImageProcessor) TensorShape(n int) []int64 {
	return []int64{int64(n), int64(p.Config.Channels), int64(p.Config.Height), int64(p.Config.Width)}
}

// ProcessFile decodes and preprocesses the image at path.
func (p *ImageProcessor) ProcessFile(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()
	return p.ProcessReader(f)
}

// ProcessBytes preprocesses an encoded image held in memory.
func (p *ImageProcessor) ProcessBytes(data []byte) ([]float32, error) {
	return p.ProcessReader(bytes.NewReader(data))
}

// ProcessReader preprocesses an encoded image.
// Returns pixel values in CHW order as a flat slice.
func (p *ImageProcessor) ProcessReader(r io.Reader) ([]float32, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return p.Process(img)
}

// Process fits img to the configured size and converts it to a normalized
// CHW float slice.
func (p *ImageProcessor) Process(img image.Image) ([]float32, error) {
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("image has no pixels")
	}
	fitted := p.fit(img)
	return p.toTensor(fitted), nil
}

// ProcessBatch preprocesses multiple images into one NCHW slice.
func (p *ImageProcessor) ProcessBatch(images []image.Image) ([]float32, error) {
	if len(images) == 0 {
		return nil, nil
	}

	size := p.Config.Channels * p.Config.Height * p.Config.Width
	result := make([]float32, len(images)*size)
	for i, img := range images {
		pixels, err := p.Process(img)
		if err != nil {
			return nil, fmt.Errorf("processing image %d: %w", i, err)
		}
		copy(result[i*size:], pixels)
	}
	return result, nil
}

// fit resamples img into a Width x Height RGBA image.
func (p *ImageProcessor) fit(img image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, p.Config.Width, p.Config.Height))
	src := img.Bounds()
	if p.Config.Resize != backends.ResizeStretch {
		src = CropToAspect(src, p.Config.Width, p.Config.Height)
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	return dst
}

// CropToAspect returns the largest centered sub-rectangle of bounds whose
// aspect ratio matches width:height.
func CropToAspect(bounds image.Rectangle, width, height int) image.Rectangle {
	srcW, srcH := bounds.Dx(), bounds.Dy()
	// Compare srcW/srcH with width/height without floating point.
	switch {
	case srcW*height > width*srcH:
		cropW := srcH * width / height
		left := bounds.Min.X + (srcW-cropW)/2
		return image.Rect(left, bounds.Min.Y, left+cropW, bounds.Max.Y)
	case srcW*height < width*srcH:
		cropH := srcW * height / width
		top := bounds.Min.Y + (srcH-cropH)/2
		return image.Rect(bounds.Min.X, top, bounds.Max.X, top+cropH)
	default:
		return bounds
	}
}

// toTensor converts an RGBA image to a normalized float tensor in CHW order.
func (p *ImageProcessor) toTensor(img *image.RGBA) []float32 {
	width, height := img.Rect.Dx(), img.Rect.Dy()
	plane := width * height
	pixels := make([]float32, p.Config.Channels*plane)

	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < 3; c++ {
				v := float32(px[c]) * p.Config.RescaleFactor
				pixels[c*plane+y*width+x] = (v - p.Config.Mean[c]) / p.Config.Std[c]
			}
		}
	}
	return pixels
}
