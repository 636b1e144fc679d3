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

// Package cmd implements the tagtrain command line.
package cmd

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/tagtrain"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is set by main from build flags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tagtrain",
	Short: "Train image tagging classifiers from existing tags",
	Long: `tagtrain builds a dataset from images whose tags already live in a catalog
or in sidecar files, embeds them with a frozen ONNX backbone, and trains a
small multi-label classifier on the embeddings.

Typical flow:
  tagtrain pull hf:Xenova/resnet-50
  tagtrain train --source ./photos --backbone Xenova/resnet-50
  tagtrain export models/classifiers/20250102_030405
  tagtrain predict models/classifiers/20250102_030405 photo.jpg`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	tagtrain.SetDefaults(viper.GetViper())

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML)")
	flags.String("models-dir", "models", "directory holding backbones/ and classifiers/")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-style", "terminal", "log style (terminal, json, noop)")
	flags.StringSlice("backend-priority", nil, "inference backend order, e.g. onnx:cuda,go")
	flags.Int("backbone-threads", 0, "intra-op threads for the backbone session (0 = auto)")
	flags.Int("health-port", 0, "serve health and prometheus metrics on this port (0 disables)")

	mustBindPFlag("models_dir", flags.Lookup("models-dir"))
	mustBindPFlag("log.level", flags.Lookup("log-level"))
	mustBindPFlag("log.style", flags.Lookup("log-style"))
	mustBindPFlag("backend_priority", flags.Lookup("backend-priority"))
	mustBindPFlag("backbone_threads", flags.Lookup("backbone-threads"))
	mustBindPFlag("health_port", flags.Lookup("health-port"))
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

func initConfig(cmd *cobra.Command, args []string) error {
	viper.SetEnvPrefix("TAGTRAIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", cfgFile, err)
		}
	}
	return nil
}

func newLogger() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}

// loadConfig returns the typed configuration after flags, env and file are
// merged.
func loadConfig() (tagtrain.Config, error) {
	return tagtrain.ConfigFromViper(viper.GetViper())
}

// startHealthServer serves /metrics and readiness while a long run is active.
// The returned flag flips readiness.
func startHealthServer(logger *zap.Logger) *atomic.Bool {
	ready := &atomic.Bool{}
	if port := viper.GetInt("health_port"); port > 0 {
		healthserver.Start(logger, port, ready.Load)
	}
	return ready
}
