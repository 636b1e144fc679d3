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
	"fmt"

	"github.com/antflydb/tagtrain/lib/backends"
)

// Pool reduces a single-image backbone output to a 1-D vector.
//
//   - [1, C, H, W]: global average over H and W
//   - [1, C, 1] or [1, 1, C]: squeezed
//   - [1, C]: returned as is
func Pool(t backends.NamedTensor) ([]float32, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("output %q has type %T, want []float32", t.Name, t.Data)
	}
	shape := t.Shape
	if len(shape) == 0 || shape[0] != 1 {
		return nil, fmt.Errorf("output %q has shape %v, want batch of 1", t.Name, shape)
	}

	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	if int64(len(data)) != n {
		return nil, fmt.Errorf("output %q has %d values for shape %v", t.Name, len(data), shape)
	}

	switch len(shape) {
	case 2, 3:
		out := make([]float32, len(data))
		copy(out, data)
		return out, nil
	case 4:
		channels := int(shape[1])
		spatial := int(shape[2] * shape[3])
		if spatial == 0 {
			return nil, fmt.Errorf("output %q has empty spatial dims %v", t.Name, shape)
		}
		out := make([]float32, channels)
		for c := range channels {
			var sum float64
			for _, v := range data[c*spatial : (c+1)*spatial] {
				sum += float64(v)
			}
			out[c] = float32(sum / float64(spatial))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("output %q has unsupported rank %d", t.Name, len(shape))
	}
}
