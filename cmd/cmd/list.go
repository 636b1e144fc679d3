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
	"slices"

	"github.com/antflydb/tagtrain/lib/backends"
	"github.com/antflydb/tagtrain/lib/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List local backbones and trained classifiers",
	Long: `List the backbones and trained classifiers found under the models directory.

Examples:
  # List everything
  tagtrain list

  # Only trained classifiers
  tagtrain list --type classifier

  # Inference backends compiled into this binary
  tagtrain list --backends`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().String("type", "", "Filter by model type (backbone, classifier)")
	listCmd.Flags().Bool("backends", false, "List inference backends instead of models")
}

func runList(cmd *cobra.Command, args []string) error {
	typeFilter, _ := cmd.Flags().GetString("type")
	if showBackends, _ := cmd.Flags().GetBool("backends"); showBackends {
		backends.SetPriority(backendTypes(viper.GetStringSlice("backend_priority")))
		cli.ListBackends(cmd.OutOrStdout())
		return nil
	}

	return cli.ListLocalModels(cli.ListOptions{
		ModelsDir:  viper.GetString("models_dir"),
		TypeFilter: typeFilter,
		BinaryName: "tagtrain",
	})
}

// backendTypes keeps the backend part of "backend:device" entries. A list
// that does not parse keeps the default order.
func backendTypes(priority []string) []backends.BackendType {
	specs, err := backends.ParseBackendPriority(priority)
	if err != nil {
		return nil
	}
	var types []backends.BackendType
	for _, s := range specs {
		if !slices.Contains(types, s.Backend) {
			types = append(types, s.Backend)
		}
	}
	return types
}
