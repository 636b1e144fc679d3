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

package modelregistry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ModelRef is a parsed backbone or classifier reference.
type ModelRef struct {
	// Owner is the namespace/organization (e.g., "Xenova", "timm")
	Owner string
	// Name is the model name (e.g., "resnet-50")
	Name string
	// Variant selects an ONNX export variant (e.g., "fp16", "quantized")
	Variant string
	// IsHuggingFace indicates if this was a hf: prefixed reference
	IsHuggingFace bool
}

// FullName returns "owner/name" format (e.g., "Xenova/resnet-50")
func (r ModelRef) FullName() string {
	if r.Owner == "" {
		return r.Name
	}
	return r.Owner + "/" + r.Name
}

// DirPath returns the directory path relative to the model type directory
func (r ModelRef) DirPath() string {
	if r.Owner == "" {
		return r.Name
	}
	return filepath.Join(r.Owner, r.Name)
}

// String returns a human-readable representation
func (r ModelRef) String() string {
	s := r.FullName()
	if r.Variant != "" {
		s += ":" + r.Variant
	}
	if r.IsHuggingFace {
		s = "hf:" + s
	}
	return s
}

// ParseModelRef parses model references:
//
//	"Xenova/resnet-50"            -> Owner: Xenova, Name: resnet-50
//	"Xenova/resnet-50:fp16"       -> Owner: Xenova, Name: resnet-50, Variant: fp16
//	"hf:Xenova/resnet-50"         -> same, but IsHuggingFace: true
//	"resnet-50"                   -> Owner: "", Name: resnet-50
func ParseModelRef(ref string) (ModelRef, error) {
	if ref == "" {
		return ModelRef{}, fmt.Errorf("empty model reference")
	}

	result := ModelRef{}
	if after, ok := strings.CutPrefix(ref, "hf:"); ok {
		result.IsHuggingFace = true
		ref = after
	}

	if idx := strings.LastIndex(ref, ":"); idx != -1 {
		result.Variant = ref[idx+1:]
		ref = ref[:idx]
		if !IsValidVariant(result.Variant) {
			return ModelRef{}, fmt.Errorf("invalid variant %q: valid variants are %v",
				result.Variant, ValidVariants()[1:])
		}
	}

	if owner, name, ok := strings.Cut(ref, "/"); ok {
		result.Owner = owner
		result.Name = name
	} else {
		result.Name = ref
	}

	if result.Name == "" || strings.Contains(result.Name, "/") {
		return ModelRef{}, fmt.Errorf("invalid model name in reference %q", ref)
	}
	return result, nil
}

// HasOwner returns true if the model reference has an owner
func (r ModelRef) HasOwner() bool {
	return r.Owner != ""
}

// ResolveModelDir maps a reference to its directory under
// modelsDir/<type>s/. A reference that is already an existing directory is
// returned unchanged.
func ResolveModelDir(modelsDir string, modelType ModelType, ref string) (string, error) {
	if isDir(ref) {
		return ref, nil
	}
	parsed, err := ParseModelRef(ref)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(modelsDir, modelType.DirName(), parsed.DirPath())
	if !isDir(dir) {
		return "", fmt.Errorf("%s %s not found in %s", modelType, parsed.FullName(), modelsDir)
	}
	return dir, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
