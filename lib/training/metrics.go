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

import "math"

// bceEpsilon clamps probabilities away from 0 and 1 before taking logs.
const bceEpsilon = 1e-7

// binaryCrossEntropy returns the mean BCE over every label bit.
func binaryCrossEntropy(predictions, labels [][]float32) float64 {
	var sum float64
	var n int
	for i, row := range predictions {
		for j, p := range row {
			q := min(max(float64(p), bceEpsilon), 1-bceEpsilon)
			y := float64(labels[i][j])
			sum -= y*math.Log(q) + (1-y)*math.Log(1-q)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// accuracy returns the fraction of label bits predicted correctly after
// thresholding each probability at 0.5.
func accuracy(predictions, labels [][]float32) float64 {
	var correct, n int
	for i, row := range predictions {
		for j, p := range row {
			if (p >= 0.5) == (labels[i][j] >= 0.5) {
				correct++
			}
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(correct) / float64(n)
}
