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
	"os"
	"os/signal"
	"syscall"

	"github.com/antflydb/tagtrain"
	"github.com/antflydb/tagtrain/lib/cli"
	"github.com/antflydb/tagtrain/lib/export"
	"github.com/antflydb/tagtrain/lib/modelregistry"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

var predictCmd = &cobra.Command{
	Use:   "predict <model-dir|run-name> <image> [image...]",
	Short: "Tag images with a trained classifier",
	Long: `Run the backbone and a trained classifier head on images and print the
tags whose probability reaches the threshold.

Examples:
  tagtrain predict 20250102_030405 photo.jpg --backbone Xenova/resnet-50
  tagtrain predict models/classifiers/20250102_030405 *.jpg --threshold 0.7 --json`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPredict,
}

func init() {
	rootCmd.AddCommand(predictCmd)

	predictCmd.Flags().String("backbone", "", "backbone reference (owner/name), directory or .onnx file")
	predictCmd.Flags().Float32("threshold", export.DefaultThreshold, "probability threshold for assigning a tag")
	predictCmd.Flags().Bool("json", false, "print predictions as JSON")
	mustBindPFlag("backbone", predictCmd.Flags().Lookup("backbone"))
}

func runPredict(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	threshold, _ := cmd.Flags().GetFloat32("threshold")
	asJSON, _ := cmd.Flags().GetBool("json")
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Cache.Enabled = false

	dir, err := modelregistry.ResolveModelDir(cfg.ModelsDir, modelregistry.ModelTypeClassifier, args[0])
	if err != nil {
		return err
	}
	svc := tagtrain.NewService(cfg, logger)
	defer func() { _ = svc.Close() }()

	predictions, err := svc.Predict(ctx, dir, args[1:], threshold)
	if err != nil {
		return err
	}

	if asJSON {
		data, err := sonic.ConfigStd.MarshalIndent(predictions, "", "  ")
		if err != nil {
			return err
		}
		_, _ = os.Stdout.Write(append(data, '\n'))
		return nil
	}
	for _, p := range predictions {
		if p.Error != "" {
			fmt.Printf("%s: error: %s\n", p.Path, p.Error)
			continue
		}
		fmt.Printf("%s: %s\n", p.Path, cli.FormatTags(p.Tags, p.Probabilities))
	}
	return nil
}
