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

package vocab

// Encoder converts tag sets into multi-hot label vectors.
type Encoder struct {
	vocab *Vocabulary
}

// NewEncoder returns an encoder over a frozen vocabulary.
func NewEncoder(v *Vocabulary) *Encoder {
	return &Encoder{vocab: v}
}

// Encode returns a vector of length Size() with 1 at the index of every
// recognized term. Terms missing from the vocabulary are ignored; the count
// of ignored terms is returned so callers can log it.
func (e *Encoder) Encode(tags []string) (labels []float32, unknown int) {
	labels = make([]float32, e.vocab.Size())
	for _, tag := range tags {
		term := Normalize(tag)
		if term == "" {
			continue
		}
		if i, ok := e.vocab.indices[term]; ok {
			labels[i] = 1
		} else {
			unknown++
		}
	}
	return labels, unknown
}

// Decode returns the terms whose probability is at least threshold, in
// vocabulary order.
func (e *Encoder) Decode(probabilities []float32, threshold float32) []string {
	var terms []string
	for i, p := range probabilities {
		if i < len(e.vocab.terms) && p >= threshold {
			terms = append(terms, e.vocab.terms[i])
		}
	}
	return terms
}
