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

	"github.com/antflydb/tagtrain"
	"github.com/spf13/cobra"
)

var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "Print the vocabulary a source would train on",
	Long: `List the source's images and print the sorted, de-duplicated tag
vocabulary without running the backbone.

Examples:
  tagtrain vocab --source ./photos --recursive
  tagtrain vocab --catalog-url https://dam.example.com --query "tag:animals"`,
	RunE: runVocab,
}

func init() {
	rootCmd.AddCommand(vocabCmd)
	addSourceFlags(vocabCmd)
}

func runVocab(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc := tagtrain.NewService(cfg, logger)
	defer func() { _ = svc.Close() }()

	source, err := itemSource(svc, cfg, logger)
	if err != nil {
		return err
	}
	v, err := svc.PreviewVocabulary(ctx, source, cfg.Source.MaxItems)
	if err != nil {
		return err
	}
	for i, term := range v.Terms() {
		fmt.Printf("%4d  %s\n", i, term)
	}
	fmt.Printf("\n%d terms from %s\n", v.Size(), source.Describe())
	return nil
}
