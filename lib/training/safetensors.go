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

package training

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/bytedance/sonic"
)

// maxSafetensorsHeader bounds the JSON header read from untrusted files.
const maxSafetensorsHeader = 100 << 20

// Tensor is a named float32 tensor stored in a safetensors file.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

type safetensorsEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// WriteSafetensors writes float32 tensors in the safetensors layout: an
// 8-byte little-endian header length, a JSON header, then the raw data.
func WriteSafetensors(path string, tensors []Tensor, metadata map[string]string) error {
	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var offset int64
	for _, t := range tensors {
		n := 1
		for _, d := range t.Shape {
			n *= d
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v needs %d values, have %d", t.Name, t.Shape, n, len(t.Data))
		}
		size := int64(4 * len(t.Data))
		header[t.Name] = safetensorsEntry{DType: "F32", Shape: t.Shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	// ConfigStd sorts map keys, so the header is deterministic.
	headerBytes, err := sonic.ConfigStd.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling safetensors header: %w", err)
	}
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	err = binary.Write(w, binary.LittleEndian, uint64(len(headerBytes)))
	if err == nil {
		_, err = w.Write(headerBytes)
	}
	buf := make([]byte, 4)
	for _, t := range tensors {
		for _, v := range t.Data {
			if err != nil {
				break
			}
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			_, err = w.Write(buf)
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ReadSafetensors reads every F32 tensor from a safetensors file.
func ReadSafetensors(path string) (map[string]Tensor, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading safetensors header length: %w", err)
	}
	if headerLen > maxSafetensorsHeader {
		return nil, nil, fmt.Errorf("safetensors header too large: %d bytes", headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading safetensors header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := sonic.Unmarshal(headerBytes, &raw); err != nil {
		return nil, nil, fmt.Errorf("decoding safetensors header: %w", err)
	}

	var metadata map[string]string
	entries := make(map[string]safetensorsEntry, len(raw))
	names := make([]string, 0, len(raw))
	for name, value := range raw {
		if name == "__metadata__" {
			if err := sonic.Unmarshal(value, &metadata); err != nil {
				return nil, nil, fmt.Errorf("decoding safetensors metadata: %w", err)
			}
			continue
		}
		var e safetensorsEntry
		if err := sonic.Unmarshal(value, &e); err != nil {
			return nil, nil, fmt.Errorf("decoding tensor %s: %w", name, err)
		}
		if e.DType != "F32" {
			return nil, nil, fmt.Errorf("tensor %s has dtype %s, only F32 is supported", name, e.DType)
		}
		entries[name] = e
		names = append(names, name)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading safetensors data: %w", err)
	}

	// Entries are decoded in offset order so overlapping ranges are caught.
	slices.SortFunc(names, func(a, b string) int {
		return int(entries[a].DataOffsets[0] - entries[b].DataOffsets[0])
	})
	tensors := make(map[string]Tensor, len(entries))
	for _, name := range names {
		e := entries[name]
		begin, end := e.DataOffsets[0], e.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(data)) || (end-begin)%4 != 0 {
			return nil, nil, fmt.Errorf("tensor %s has invalid data offsets [%d, %d]", name, begin, end)
		}
		n := 1
		for _, d := range e.Shape {
			n *= d
		}
		if int64(n*4) != end-begin {
			return nil, nil, fmt.Errorf("tensor %s: shape %v does not match %d bytes", name, e.Shape, end-begin)
		}
		values := make([]float32, n)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[begin+int64(4*i):]))
		}
		tensors[name] = Tensor{Name: name, Shape: e.Shape, Data: values}
	}
	return tensors, metadata, nil
}
