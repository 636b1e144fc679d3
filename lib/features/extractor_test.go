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

package features

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/antflydb/tagtrain/lib/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// meanSession reports, per channel, the mean of the input plane as a
// [1, 3, 2, 2] feature map.
type meanSession struct {
	calls atomic.Int32
	err   error
}

func (s *meanSession) Run(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	in := inputs[0]
	data := in.Data.([]float32)
	plane := int(in.Shape[2] * in.Shape[3])
	out := make([]float32, 0, 12)
	for c := range 3 {
		var sum float64
		for _, v := range data[c*plane : (c+1)*plane] {
			sum += float64(v)
		}
		mean := float32(sum / float64(plane))
		out = append(out, mean, mean, mean, mean)
	}
	return []backends.NamedTensor{{Name: "features", Shape: []int64{1, 3, 2, 2}, Data: out}}, nil
}

func (s *meanSession) InputInfo() []backends.TensorInfo {
	return []backends.TensorInfo{{Name: "pixel_values", Shape: []int64{-1, 3, 224, 224}, DataType: backends.DataTypeFloat32}}
}

func (s *meanSession) OutputInfo() []backends.TensorInfo {
	return []backends.TensorInfo{{Name: "features", Shape: []int64{-1, 3, 2, 2}, DataType: backends.DataTypeFloat32}}
}

func (s *meanSession) Close() error { return nil }

func writePNG(t *testing.T, dir, name string, c color.RGBA) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func TestBackboneExtractorExtract(t *testing.T) {
	dir := t.TempDir()
	session := &meanSession{}
	e, err := NewExtractorFromSession(session, Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, 3, e.Dimension())

	black := writePNG(t, dir, "black.png", color.RGBA{A: 255})
	vec, err := e.Extract(context.Background(), black)
	require.NoError(t, err)
	require.Len(t, vec, 3)

	// Black pixels normalize to -mean/std per channel.
	cfg := backends.ImageNetConfig()
	for c := range 3 {
		assert.InDelta(t, -cfg.Mean[c]/cfg.Std[c], vec[c], 1e-4)
	}

	again, err := e.Extract(context.Background(), black)
	require.NoError(t, err)
	assert.Equal(t, vec, again)
}

func TestBackboneExtractorFailuresAreNoResult(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "corrupt.jpg")
	require.NoError(t, os.WriteFile(corrupt, []byte("\xff\xd8 truncated"), 0o644))

	session := &meanSession{}
	e, err := NewExtractorFromSession(session, Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = e.Extract(context.Background(), filepath.Join(dir, "missing.png"))
	assert.ErrorIs(t, err, ErrNoResult)

	_, err = e.Extract(context.Background(), corrupt)
	assert.ErrorIs(t, err, ErrNoResult)
	assert.Zero(t, session.calls.Load(), "backbone must not run on undecodable input")

	session.err = errors.New("device lost")
	_, err = e.Extract(context.Background(), writePNG(t, dir, "ok.png", color.RGBA{R: 255, A: 255}))
	assert.ErrorIs(t, err, ErrNoResult)
	assert.ErrorContains(t, err, "device lost")
}

func TestBackboneExtractorCancelled(t *testing.T) {
	e, err := NewExtractorFromSession(&meanSession{}, Config{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Extract(ctx, "whatever.png")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewExtractorUnknownOutput(t *testing.T) {
	_, err := NewExtractorFromSession(&meanSession{}, Config{OutputName: "logits"}, nil)
	assert.ErrorContains(t, err, `no output "logits"`)
}

func TestNewBackboneExtractorMissingModel(t *testing.T) {
	_, err := NewBackboneExtractor(Config{ModelPath: filepath.Join(t.TempDir(), "resnet50.onnx")}, backends.NewSessionManager(), nil)
	assert.Error(t, err)

	_, err = NewBackboneExtractor(Config{}, backends.NewSessionManager(), nil)
	assert.ErrorContains(t, err, "path is required")
}

// tokenSession returns a single [1, 1, 4] token embedding.
type tokenSession struct{}

func (tokenSession) Run([]backends.NamedTensor) ([]backends.NamedTensor, error) {
	return []backends.NamedTensor{{Name: "pooled", Shape: []int64{1, 1, 4}, Data: []float32{1, 2, 3, 4}}}, nil
}

func (tokenSession) InputInfo() []backends.TensorInfo {
	return []backends.TensorInfo{{Name: "pixel_values", Shape: []int64{-1, 3, 224, 224}, DataType: backends.DataTypeFloat32}}
}

func (tokenSession) OutputInfo() []backends.TensorInfo {
	return []backends.TensorInfo{{Name: "pooled", Shape: []int64{-1, 1, 4}, DataType: backends.DataTypeFloat32}}
}

func (tokenSession) Close() error { return nil }

func TestBackboneExtractorTokenOutput(t *testing.T) {
	e, err := NewExtractorFromSession(tokenSession{}, Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, 4, e.Dimension())

	vec, err := e.Extract(context.Background(), writePNG(t, t.TempDir(), "img.png", color.RGBA{G: 255, A: 255}))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, vec)
}

func TestStaticDimension(t *testing.T) {
	tests := []struct {
		shape []int64
		want  int
	}{
		{shape: []int64{-1, 2048}, want: 2048},
		{shape: []int64{-1, 1, 768}, want: 768},
		{shape: []int64{-1, 3, 1}, want: 3},
		{shape: []int64{-1, 2048, 7, 7}, want: 2048},
		{shape: []int64{-1, -1, 768}, want: 0},
		{shape: []int64{-1, -1, 7, 7}, want: 0},
		{shape: []int64{-1}, want: 0},
		{shape: []int64{1, 1, 1, 1, 1}, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, staticDimension(tt.shape), "shape %v", tt.shape)
	}
}

func TestPool(t *testing.T) {
	tests := []struct {
		name    string
		tensor  backends.NamedTensor
		want    []float32
		wantErr string
	}{
		{
			name:   "spatial average",
			tensor: backends.NamedTensor{Shape: []int64{1, 2, 2, 2}, Data: []float32{1, 2, 3, 4, 10, 10, 10, 10}},
			want:   []float32{2.5, 10},
		},
		{
			name:   "already pooled",
			tensor: backends.NamedTensor{Shape: []int64{1, 3}, Data: []float32{1, 2, 3}},
			want:   []float32{1, 2, 3},
		},
		{
			name:   "squeezed rank 3",
			tensor: backends.NamedTensor{Shape: []int64{1, 3, 1}, Data: []float32{4, 5, 6}},
			want:   []float32{4, 5, 6},
		},
		{
			name:    "batch of two",
			tensor:  backends.NamedTensor{Shape: []int64{2, 1}, Data: []float32{1, 2}},
			wantErr: "batch of 1",
		},
		{
			name:    "size mismatch",
			tensor:  backends.NamedTensor{Shape: []int64{1, 4}, Data: []float32{1}},
			wantErr: "1 values",
		},
		{
			name:    "wrong type",
			tensor:  backends.NamedTensor{Shape: []int64{1, 1}, Data: []int64{1}},
			wantErr: "want []float32",
		},
		{
			name:    "rank 5",
			tensor:  backends.NamedTensor{Shape: []int64{1, 1, 1, 1, 1}, Data: []float32{1}},
			wantErr: "unsupported rank",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Pool(tt.tensor)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDeltaSlice(t, tt.want, got, 1e-6)
		})
	}
}
