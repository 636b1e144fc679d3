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

// Package vocab maps tag strings to label indices.
//
// A Vocabulary is built once per dataset from every item's categories and
// keywords. Terms are normalized (trimmed, lower-cased), deduplicated and
// sorted, so the same collection always yields the same indices regardless
// of arrival order. The ordered term list is persisted next to a trained
// model so prediction indices can be mapped back to tags.
package vocab

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/bytedance/sonic"
)

// Normalize returns the canonical form of a tag term.
func Normalize(term string) string {
	return strings.ToLower(strings.TrimSpace(term))
}

// Vocabulary is an immutable term to index mapping with dense indices in
// [0, Size()).
type Vocabulary struct {
	terms   []string
	indices map[string]int
}

// BuildVocabulary collects the distinct normalized terms of all tag sets and
// assigns indices in lexicographic order. Empty terms are discarded.
func BuildVocabulary(tagSets [][]string) *Vocabulary {
	seen := make(map[string]struct{})
	for _, tags := range tagSets {
		for _, tag := range tags {
			if term := Normalize(tag); term != "" {
				seen[term] = struct{}{}
			}
		}
	}

	terms := make([]string, 0, len(seen))
	for term := range seen {
		terms = append(terms, term)
	}
	slices.Sort(terms)
	return newVocabulary(terms)
}

// FromTerms rebuilds a vocabulary from a persisted ordered term list.
// The list must already be normalized, sorted and free of duplicates.
func FromTerms(terms []string) (*Vocabulary, error) {
	for i, term := range terms {
		if term == "" || term != Normalize(term) {
			return nil, fmt.Errorf("term %d %q is not normalized", i, term)
		}
		if i > 0 && terms[i-1] >= term {
			return nil, fmt.Errorf("terms not strictly sorted at %d (%q >= %q)", i, terms[i-1], term)
		}
	}
	return newVocabulary(slices.Clone(terms)), nil
}

func newVocabulary(terms []string) *Vocabulary {
	indices := make(map[string]int, len(terms))
	for i, term := range terms {
		indices[term] = i
	}
	return &Vocabulary{terms: terms, indices: indices}
}

// Size returns the number of terms.
func (v *Vocabulary) Size() int {
	return len(v.terms)
}

// Index returns the index of term after normalization.
func (v *Vocabulary) Index(term string) (int, bool) {
	i, ok := v.indices[Normalize(term)]
	return i, ok
}

// Term returns the term at index i.
func (v *Vocabulary) Term(i int) string {
	return v.terms[i]
}

// Terms returns a copy of the ordered term list (index = position).
func (v *Vocabulary) Terms() []string {
	return slices.Clone(v.terms)
}

// MarshalJSON encodes the vocabulary as its ordered term list.
func (v *Vocabulary) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(v.terms)
}

// UnmarshalJSON decodes an ordered term list.
func (v *Vocabulary) UnmarshalJSON(data []byte) error {
	var terms []string
	if err := sonic.Unmarshal(data, &terms); err != nil {
		return fmt.Errorf("decoding vocabulary: %w", err)
	}
	parsed, err := FromTerms(terms)
	if err != nil {
		return err
	}
	*v = *parsed
	return nil
}

// Filename is the name of the persisted vocabulary inside a model directory.
const Filename = "vocabulary.json"

// SaveTo writes the ordered term list as JSON.
func (v *Vocabulary) SaveTo(path string) error {
	data, err := sonic.ConfigStd.MarshalIndent(v.terms, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling vocabulary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing vocabulary: %w", err)
	}
	return nil
}

// Load reads a vocabulary written by SaveTo.
func Load(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vocabulary: %w", err)
	}
	var v Vocabulary
	if err := v.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return &v, nil
}
