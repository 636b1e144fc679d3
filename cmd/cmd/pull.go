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
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/antflydb/tagtrain/lib/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var pullCmd = &cobra.Command{
	Use:   "pull <hf:owner/name[:variant]> [...]",
	Short: "Pull ONNX backbone(s) from HuggingFace",
	Long: `Download one or more ONNX image backbones from the HuggingFace Hub.

Backbones are stored in models/backbones/<owner>/<name>/ with their
preprocessor_config.json and a generated model_manifest.json.

Variants:
  (default)  - full precision
  fp16       - half precision
  q4, q4f16  - 4-bit quantized
  quantized  - INT8 quantized

Examples:
  # Pull a ResNet-50 backbone
  tagtrain pull hf:Xenova/resnet-50

  # Pull the INT8 export
  tagtrain pull hf:Xenova/vit-base-patch16-224:quantized

  # Show which variants a repo publishes
  tagtrain pull --list-variants hf:Xenova/resnet-50

  # Pull to a custom directory
  tagtrain pull --models-dir /opt/tagtrain/models hf:Xenova/resnet-50`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().String("hf-token", "",
		"HuggingFace API token for gated models (or use HF_TOKEN env var)")
	pullCmd.Flags().String("variant", "",
		"ONNX variant (fp16, q4, q4f16, quantized)")
	pullCmd.Flags().Bool("list-variants", false,
		"print the ONNX variants each repo publishes instead of downloading")
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hfToken, _ := cmd.Flags().GetString("hf-token")
	variant, _ := cmd.Flags().GetString("variant")
	listVariants, _ := cmd.Flags().GetBool("list-variants")
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	if listVariants {
		for _, modelRef := range args {
			if err := cli.ListVariants(ctx, modelRef, cli.HuggingFaceOptions{HFToken: hfToken, Logger: logger}); err != nil {
				return err
			}
		}
		return nil
	}

	for _, modelRef := range args {
		fmt.Printf("\n=== Pulling %s ===\n", modelRef)
		if _, err := cli.PullFromHuggingFace(ctx, modelRef, cli.HuggingFaceOptions{
			ModelsDir: viper.GetString("models_dir"),
			HFToken:   hfToken,
			Variant:   variant,
			Logger:    logger,
		}); err != nil {
			return fmt.Errorf("failed to pull %s: %w", modelRef, err)
		}
	}
	return nil
}
