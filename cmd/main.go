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

// Command tagtrain trains multi-label image tagging classifiers from the tags
// already attached to images.
//
// Usage:
//
//	tagtrain pull hf:<owner>/<name>   # Download an ONNX backbone
//	tagtrain vocab --source <dir>     # Preview the tag vocabulary
//	tagtrain train --source <dir>     # Build a dataset and train a classifier
//	tagtrain export <model>           # Export a classifier to ONNX
//	tagtrain predict <model> <image>  # Tag images
//	tagtrain list                     # List local models
package main

import (
	"github.com/antflydb/tagtrain"
	"github.com/antflydb/tagtrain/cmd/cmd"
)

// https://goreleaser.com/cookbooks/using-main.version/
//
// main.version: Current Git tag (the v prefix is stripped) or the name of the snapshot, if you're using the --snapshot flag
var version = "dev"

func main() {
	tagtrain.Version = version
	cmd.Version = version
	cmd.Execute()
}
