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

package export

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/antflydb/tagtrain/lib/backends"
	"github.com/antflydb/tagtrain/lib/modelregistry"
	"github.com/antflydb/tagtrain/lib/training"
	"github.com/antflydb/tagtrain/lib/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/encoding/protowire"
)

func testHead() *training.HeadWeights {
	return &training.HeadWeights{Layers: []training.DenseLayer{
		{
			Weights: [][]float32{{0.5, -0.25, 1}, {0.1, 0.2, -0.3}, {-1, 0.75, 0.05}, {0.3, 0.3, 0.3}},
			Bias:    []float32{0.1, -0.1, 0},
		},
		{
			Weights: [][]float32{{1, -1}, {0.5, 0.5}, {-0.5, 2}},
			Bias:    []float32{0, 0.25},
		},
	}}
}

func writeModelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, testHead().Save(filepath.Join(dir, training.WeightsFilename)))
	v := vocab.BuildVocabulary([][]string{{"Cat", "dog"}})
	require.NoError(t, v.SaveTo(filepath.Join(dir, vocab.Filename)))
	require.NoError(t, training.DefaultConfig().SaveTo(filepath.Join(dir, training.ConfigFilename)))
	return dir
}

func TestExportWritesModelAndMetadata(t *testing.T) {
	dir := writeModelDir(t)
	path, err := NewExporter(zaptest.NewLogger(t)).Export(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ModelFilename), path)

	meta, err := LoadMetadata(filepath.Join(dir, MetadataFilename))
	require.NoError(t, err)
	assert.Equal(t, "onnx", meta.Format)
	assert.Equal(t, 13, meta.OpsetVersion)
	assert.Equal(t, TensorSpec{Name: "features", Shape: []int64{-1, 4}, DType: "float32"}, meta.Input)
	assert.Equal(t, TensorSpec{Name: "probabilities", Shape: []int64{-1, 2}, DType: "float32"}, meta.Output)
	assert.Equal(t, []int{3}, meta.HiddenDims)
	assert.Equal(t, []string{"cat", "dog"}, meta.Vocabulary)
	require.NotNil(t, meta.Training)
	assert.Equal(t, training.OptimizerAdam, meta.Training.Optimizer)

	manifest, err := modelregistry.LoadManifestFromDir(dir)
	require.NoError(t, err)
	var names []string
	for _, f := range manifest.Files {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, ModelFilename)
	assert.Contains(t, names, MetadataFilename)
}

func TestExportWithoutWeights(t *testing.T) {
	_, err := NewExporter(nil).Export(t.TempDir())
	assert.ErrorIs(t, err, ErrNoTrainedModel)
}

func TestExportVocabularyMismatch(t *testing.T) {
	dir := writeModelDir(t)
	v := vocab.BuildVocabulary([][]string{{"only"}})
	require.NoError(t, v.SaveTo(filepath.Join(dir, vocab.Filename)))
	_, err := NewExporter(nil).Export(dir)
	assert.ErrorContains(t, err, "vocabulary has 1 terms")
}

// readFields collects the length-delimited and varint fields of a message.
func readFields(t *testing.T, b []byte) (bytesFields map[protowire.Number][][]byte, varints map[protowire.Number][]uint64) {
	t.Helper()
	bytesFields = map[protowire.Number][][]byte{}
	varints = map[protowire.Number][]uint64{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.GreaterOrEqual(t, n, 0)
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			require.GreaterOrEqual(t, n, 0)
			bytesFields[num] = append(bytesFields[num], v)
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			require.GreaterOrEqual(t, n, 0)
			varints[num] = append(varints[num], v)
			b = b[n:]
		default:
			t.Fatalf("unexpected wire type %d", typ)
		}
	}
	return bytesFields, varints
}

func TestEncodeHeadStructure(t *testing.T) {
	model, modelInts := readFields(t, encodeHead(testHead()))
	assert.Equal(t, []uint64{7}, modelInts[modelIRVersion])
	assert.Equal(t, "tagtrain", string(model[modelProducerName][0]))

	opset, opsetInts := readFields(t, model[modelOpsetImport][0])
	assert.Empty(t, opset[opsetDomain][0])
	assert.Equal(t, []uint64{13}, opsetInts[opsetVersion])

	graph, _ := readFields(t, model[modelGraph][0])
	var ops []string
	for _, node := range graph[graphNode] {
		fields, _ := readFields(t, node)
		ops = append(ops, string(fields[nodeOpType][0]))
	}
	assert.Equal(t, []string{"Gemm", "Relu", "Gemm", "Mul", "Tanh", "Mul", "Add"}, ops)
	assert.NotContains(t, ops, "Sigmoid", "the Go backend has no Sigmoid op")
	assert.Len(t, graph[graphInitializer], 5)

	input, _ := readFields(t, graph[graphInput][0])
	assert.Equal(t, "features", string(input[valueInfoName][0]))
	output, _ := readFields(t, graph[graphOutput][0])
	assert.Equal(t, "probabilities", string(output[valueInfoName][0]))

	last, _ := readFields(t, graph[graphNode][len(graph[graphNode])-1])
	assert.Equal(t, "probabilities", string(last[nodeOutput][0]))
}

func TestExportedModelRunsOnGoBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("compiles the exported graph")
	}
	dir := writeModelDir(t)
	path, err := NewExporter(nil).Export(dir)
	require.NoError(t, err)

	backend, ok := backends.GetBackend(backends.BackendGo)
	require.True(t, ok)
	session, err := backend.SessionFactory().CreateSession(path)
	require.NoError(t, err)
	defer session.Close()

	x := [][]float32{{1, 2, 3, 4}, {-1, 0, 0.5, 2}}
	outputs, err := session.Run([]backends.NamedTensor{{
		Name:  InputName,
		Shape: []int64{2, 4},
		Data:  []float32{1, 2, 3, 4, -1, 0, 0.5, 2},
	}})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, []int64{2, 2}, outputs[0].Shape)

	got := backends.FlattenFloat32(outputs[0].Data)
	want := testHead().Forward(x)
	assert.InDeltaSlice(t, append(want[0], want[1]...), got, 1e-5)
}

func TestMetadataMissing(t *testing.T) {
	_, err := LoadMetadata(filepath.Join(t.TempDir(), MetadataFilename))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
