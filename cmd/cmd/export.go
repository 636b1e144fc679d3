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

package cmd

import (
	"fmt"

	"github.com/antflydb/tagtrain/lib/export"
	"github.com/antflydb/tagtrain/lib/modelregistry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var exportCmd = &cobra.Command{
	Use:   "export <model-dir|run-name>",
	Short: "Export a trained classifier to ONNX",
	Long: `Convert a trained classifier directory into model.onnx plus a
model_metadata.json sidecar describing the input, output and vocabulary.

Examples:
  tagtrain export models/classifiers/20250102_030405
  tagtrain export 20250102_030405`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	dir, err := modelregistry.ResolveModelDir(viper.GetString("models_dir"), modelregistry.ModelTypeClassifier, args[0])
	if err != nil {
		return err
	}
	path, err := export.NewExporter(logger).Export(dir)
	if err != nil {
		return err
	}
	fmt.Printf("Exported ONNX model to %s\n", path)
	return nil
}
