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

package pipelines

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/antflydb/tagtrain/lib/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestCropToAspect(t *testing.T) {
	tests := []struct {
		name   string
		bounds image.Rectangle
		want   image.Rectangle
	}{
		{"landscape", image.Rect(0, 0, 400, 200), image.Rect(100, 0, 300, 200)},
		{"portrait", image.Rect(0, 0, 200, 400), image.Rect(0, 100, 200, 300)},
		{"square", image.Rect(0, 0, 300, 300), image.Rect(0, 0, 300, 300)},
		{"offset origin", image.Rect(10, 20, 410, 220), image.Rect(110, 20, 310, 220)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CropToAspect(tt.bounds, 224, 224))
		})
	}
}

func TestProcessNormalizesSolidColor(t *testing.T) {
	p := NewImageProcessor(nil)
	c := color.RGBA{R: 200, G: 100, B: 50, A: 255}

	pixels, err := p.Process(solidImage(320, 240, c))
	require.NoError(t, err)
	require.Len(t, pixels, 3*224*224)

	cfg := p.Config
	plane := 224 * 224
	for ch, v := range []uint8{c.R, c.G, c.B} {
		want := (float32(v)/255 - cfg.Mean[ch]) / cfg.Std[ch]
		assert.InDelta(t, want, pixels[ch*plane], 1e-4, "channel %d first pixel", ch)
		assert.InDelta(t, want, pixels[ch*plane+plane-1], 1e-4, "channel %d last pixel", ch)
	}
}

func TestProcessCropToFitKeepsCenter(t *testing.T) {
	// Wide image: red center square flanked by blue bands that crop-to-fit discards.
	img := solidImage(300, 100, color.RGBA{B: 255, A: 255})
	for y := 0; y < 100; y++ {
		for x := 100; x < 200; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 255, A: 255})
		}
	}

	p := NewImageProcessor(&backends.ImageConfig{
		Width: 8, Height: 8, Channels: 3,
		Mean: [3]float32{0, 0, 0}, Std: [3]float32{1, 1, 1},
		RescaleFactor: 1.0 / 255.0, Resize: backends.ResizeCropToFit,
	})
	pixels, err := p.Process(img)
	require.NoError(t, err)
	for i := 0; i < 64; i++ {
		assert.InDelta(t, 1.0, pixels[i], 1e-3, "red plane")
		assert.InDelta(t, 0.0, pixels[128+i], 1e-3, "blue plane")
	}

	p.Config.Resize = backends.ResizeStretch
	pixels, err = p.Process(img)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, pixels[128], 1e-3, "stretched edge is blue")
}

func TestProcessFileAndBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solidImage(50, 50, color.RGBA{R: 10, G: 20, B: 30, A: 255})))

	p := NewImageProcessor(nil)
	fromBytes, err := p.ProcessBytes(buf.Bytes())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	fromFile, err := p.ProcessFile(path)
	require.NoError(t, err)
	assert.Equal(t, fromBytes, fromFile)

	_, err = p.ProcessBytes([]byte("not an image"))
	assert.ErrorContains(t, err, "decoding image")

	_, err = p.ProcessFile(filepath.Join(t.TempDir(), "missing.png"))
	assert.ErrorContains(t, err, "opening image")
}

func TestProcessBatch(t *testing.T) {
	p := NewImageProcessor(nil)
	batch, err := p.ProcessBatch([]image.Image{
		solidImage(10, 10, color.RGBA{A: 255}),
		solidImage(20, 10, color.RGBA{R: 255, G: 255, B: 255, A: 255}),
	})
	require.NoError(t, err)
	assert.Len(t, batch, 2*3*224*224)
	assert.Equal(t, []int64{2, 3, 224, 224}, p.TensorShape(2))

	empty, err := p.ProcessBatch(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}
