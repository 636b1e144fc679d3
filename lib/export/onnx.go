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
	"encoding/binary"
	"math"
	"strconv"

	"github.com/antflydb/tagtrain/lib/training"
	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX protobuf constants used by the head graph.
const (
	onnxIRVersion = 7
	OpsetVersion  = 13
	onnxFloat     = 1 // TensorProto.FLOAT
	producerName  = "tagtrain"
	InputName     = "features"
	OutputName    = "probabilities"
	batchDimParam = "N"
	graphName     = "tag_classifier"
)

// Field numbers from onnx.proto.
const (
	modelIRVersion    protowire.Number = 1
	modelProducerName protowire.Number = 2
	modelGraph        protowire.Number = 7
	modelOpsetImport  protowire.Number = 8

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	graphNode        protowire.Number = 1
	graphNameField   protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput  protowire.Number = 1
	nodeOutput protowire.Number = 2
	nodeName   protowire.Number = 3
	nodeOpType protowire.Number = 4

	tensorDims     protowire.Number = 1
	tensorDataType protowire.Number = 2
	tensorName     protowire.Number = 8
	tensorRawData  protowire.Number = 9

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensorType protowire.Number = 1
	tensorElemType protowire.Number = 1
	tensorShape    protowire.Number = 2
	shapeDim       protowire.Number = 1
	dimValue       protowire.Number = 1
	dimParam       protowire.Number = 2
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// encodeTensor encodes a float32 initializer with little-endian raw data.
func encodeTensor(name string, dims []int, data []float32) []byte {
	var b []byte
	for _, d := range dims {
		b = appendVarint(b, tensorDims, uint64(d))
	}
	b = appendVarint(b, tensorDataType, onnxFloat)
	b = appendString(b, tensorName, name)
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	return protowire.AppendBytes(b, raw)
}

func encodeNode(name, opType string, inputs []string, output string) []byte {
	var b []byte
	for _, in := range inputs {
		b = appendString(b, nodeInput, in)
	}
	b = appendString(b, nodeOutput, output)
	b = appendString(b, nodeName, name)
	return appendString(b, nodeOpType, opType)
}

// encodeValueInfo declares a float tensor [N, width] with a symbolic batch.
func encodeValueInfo(name string, width int) []byte {
	var batch, feature []byte
	batch = appendString(batch, dimParam, batchDimParam)
	feature = appendVarint(feature, dimValue, uint64(width))

	var shape []byte
	shape = appendMessage(shape, shapeDim, batch)
	shape = appendMessage(shape, shapeDim, feature)

	var tensorType []byte
	tensorType = appendVarint(tensorType, tensorElemType, onnxFloat)
	tensorType = appendMessage(tensorType, tensorShape, shape)

	var typ []byte
	typ = appendMessage(typ, typeTensorType, tensorType)

	var b []byte
	b = appendString(b, valueInfoName, name)
	return appendMessage(b, valueInfoType, typ)
}

// appendSigmoid emits sigmoid(x) as 0.5*tanh(0.5*x)+0.5, since onnx-gomlx has
// no Sigmoid op.
func appendSigmoid(graph []byte, in, out string) []byte {
	const half = "output.half"
	graph = appendMessage(graph, graphInitializer, encodeTensor(half, nil, []float32{0.5}))
	graph = appendMessage(graph, graphNode, encodeNode("output/Scale", "Mul", []string{in, half}, "output.scaled"))
	graph = appendMessage(graph, graphNode, encodeNode("output/Tanh", "Tanh", []string{"output.scaled"}, "output.tanh"))
	graph = appendMessage(graph, graphNode, encodeNode("output/Halve", "Mul", []string{"output.tanh", half}, "output.halved"))
	return appendMessage(graph, graphNode, encodeNode("output/Shift", "Add", []string{"output.halved", half}, out))
}

// encodeHead serializes the head as an ONNX ModelProto: one Gemm per layer,
// Relu between layers and a sigmoid on the output.
func encodeHead(w *training.HeadWeights) []byte {
	var graph []byte
	x := InputName
	last := len(w.Layers) - 1
	for i, l := range w.Layers {
		prefix := "dense_" + strconv.Itoa(i)
		flat := make([]float32, 0, l.InputDim()*l.OutputDim())
		for _, row := range l.Weights {
			flat = append(flat, row...)
		}
		graph = appendMessage(graph, graphInitializer, encodeTensor(prefix+".weight", []int{l.InputDim(), l.OutputDim()}, flat))
		graph = appendMessage(graph, graphInitializer, encodeTensor(prefix+".bias", []int{l.OutputDim()}, l.Bias))

		gemmOut := prefix + ".gemm"
		graph = appendMessage(graph, graphNode, encodeNode(prefix+"/Gemm", "Gemm", []string{x, prefix + ".weight", prefix + ".bias"}, gemmOut))
		if i == last {
			graph = appendSigmoid(graph, gemmOut, OutputName)
			break
		}
		x = prefix + ".relu"
		graph = appendMessage(graph, graphNode, encodeNode(prefix+"/Relu", "Relu", []string{gemmOut}, x))
	}
	graph = appendString(graph, graphNameField, graphName)
	graph = appendMessage(graph, graphInput, encodeValueInfo(InputName, w.FeatureDim()))
	graph = appendMessage(graph, graphOutput, encodeValueInfo(OutputName, w.LabelDim()))

	var opset []byte
	opset = appendString(opset, opsetDomain, "")
	opset = appendVarint(opset, opsetVersion, OpsetVersion)

	var model []byte
	model = appendVarint(model, modelIRVersion, onnxIRVersion)
	model = appendString(model, modelProducerName, producerName)
	model = appendMessage(model, modelGraph, graph)
	return appendMessage(model, modelOpsetImport, opset)
}
