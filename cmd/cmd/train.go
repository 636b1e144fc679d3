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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/antflydb/tagtrain"
	"github.com/antflydb/tagtrain/lib/catalog"
	"github.com/antflydb/tagtrain/lib/cli"
	"github.com/antflydb/tagtrain/lib/dataset"
	"github.com/antflydb/tagtrain/lib/training"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Build a dataset and train a classifier",
	Long: `Build a dataset from tagged images and train a multi-label classifier head.

Tags are read from a local directory (sidecar .yaml/.json/.xmp files next to
each image) or from a catalog query. The trained model is written to
<output-dir>/<YYYYMMDD_HHMMSS>/.

Press Ctrl-C to stop early: completed epochs are kept and saved.

Examples:
  # Train on a local folder
  tagtrain train --source ./photos --backbone Xenova/resnet-50

  # Train on a catalog query
  tagtrain train --catalog-url https://dam.example.com --query "tag:animals" \
    --backbone Xenova/resnet-50

  # Override hyperparameters
  tagtrain train --source ./photos --epochs 100 --learning-rate 5e-4 --hidden-dims 1024,256`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)
	addSourceFlags(trainCmd)

	d := training.DefaultConfig()
	flags := trainCmd.Flags()
	flags.String("output-dir", "", "parent directory of trained models (default <models-dir>/classifiers)")
	flags.Float64("learning-rate", d.LearningRate, "optimizer learning rate")
	flags.Int("epochs", d.Epochs, "maximum number of epochs")
	flags.Int("batch-size", d.BatchSize, "mini-batch size")
	flags.Float64("validation-split", d.ValidationSplit, "fraction of samples held out for validation")
	flags.IntSlice("hidden-dims", d.HiddenDims, "hidden layer widths")
	flags.Float64("dropout", d.Dropout, "dropout rate on hidden layers")
	flags.Float64("weight-decay", d.WeightDecay, "L2 weight decay")
	flags.String("optimizer", string(d.Optimizer), "optimizer (adam, sgd, adamw)")
	flags.Bool("early-stopping", d.EarlyStopping.Enabled, "stop when validation loss plateaus")
	flags.Int("patience", d.EarlyStopping.Patience, "epochs without improvement before stopping")
	flags.Float64("min-delta", d.EarlyStopping.MinDelta, "minimum validation loss improvement")
	flags.String("device", string(d.Device), "training device (cpu, gpu)")
	flags.Uint64("seed", d.Seed, "seed for shuffling and weight initialization")
	flags.Bool("export", false, "export the trained model to ONNX")

	mustBindPFlag("output_dir", flags.Lookup("output-dir"))
	mustBindPFlag("training.learning_rate", flags.Lookup("learning-rate"))
	mustBindPFlag("training.epochs", flags.Lookup("epochs"))
	mustBindPFlag("training.batch_size", flags.Lookup("batch-size"))
	mustBindPFlag("training.validation_split", flags.Lookup("validation-split"))
	mustBindPFlag("training.hidden_dims", flags.Lookup("hidden-dims"))
	mustBindPFlag("training.dropout", flags.Lookup("dropout"))
	mustBindPFlag("training.weight_decay", flags.Lookup("weight-decay"))
	mustBindPFlag("training.optimizer", flags.Lookup("optimizer"))
	mustBindPFlag("training.early_stopping.enabled", flags.Lookup("early-stopping"))
	mustBindPFlag("training.early_stopping.patience", flags.Lookup("patience"))
	mustBindPFlag("training.early_stopping.min_delta", flags.Lookup("min-delta"))
	mustBindPFlag("training.device", flags.Lookup("device"))
	mustBindPFlag("training.seed", flags.Lookup("seed"))
}

// addSourceFlags registers the flags that select where tagged images come
// from. They are shared by train and vocab.
func addSourceFlags(c *cobra.Command) {
	flags := c.Flags()
	flags.String("source", "", "local image directory")
	flags.Bool("recursive", false, "include subfolders of --source")
	flags.Bool("folder-as-category", false, "add each image's folder name as a category")
	flags.Int("max-items", 0, "maximum number of images to use (0 = all)")
	flags.String("catalog-url", "", "catalog base URL (instead of --source)")
	flags.String("catalog-token", "", "catalog bearer token")
	flags.String("query", "", "catalog query")
	flags.String("backbone", "", "backbone reference (owner/name), directory or .onnx file")
	flags.Bool("cache", true, "cache feature vectors in memory")

	// Commands are registered once at init, so each key is bound to the
	// flag of the last command; only the running command's flags are parsed.
	c.PreRunE = func(cmd *cobra.Command, args []string) error {
		for key, name := range map[string]string{
			"source.dir":                "source",
			"source.include_subfolders": "recursive",
			"source.folder_as_category": "folder-as-category",
			"source.max_items":          "max-items",
			"catalog.url":               "catalog-url",
			"catalog.token":             "catalog-token",
			"catalog.query":             "query",
			"backbone":                  "backbone",
			"cache.enabled":             "cache",
		} {
			if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
				return err
			}
		}
		return nil
	}
}

// itemSource builds the configured source: the catalog when a URL is set,
// the local directory otherwise.
func itemSource(svc *tagtrain.Service, cfg tagtrain.Config, logger *zap.Logger) (dataset.ItemSource, error) {
	if cfg.Catalog.URL != "" {
		client := catalog.NewClient(cfg.Catalog.URL,
			catalog.WithToken(cfg.Catalog.Token),
			catalog.WithPageSize(cfg.Catalog.PageSize),
			catalog.WithTimeout(cfg.Catalog.Timeout),
			catalog.WithLogger(logger.Named("catalog")))
		return &catalog.Source{
			Client:   client,
			Query:    cfg.Catalog.Query,
			CacheDir: cfg.Catalog.CacheDir,
			Limit:    cfg.Source.MaxItems,
			Logger:   logger.Named("catalog"),
		}, nil
	}
	if cfg.Source.Dir == "" {
		return nil, errors.New("either --source or --catalog-url is required")
	}
	return svc.LocalSource(cfg.Source.Dir, cfg.Source.IncludeSubfolders), nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ready := startHealthServer(logger)

	svc := tagtrain.NewService(cfg, logger)
	defer func() { _ = svc.Close() }()

	source, err := itemSource(svc, cfg, logger)
	if err != nil {
		return err
	}
	ready.Store(true)

	fmt.Printf("Building dataset from %s...\n", source.Describe())
	ds, err := svc.BuildDataset(ctx, source, cfg.Source.MaxItems, cli.DatasetProgress(os.Stdout))
	if err != nil {
		return err
	}
	fmt.Println(ds.Summary)
	if ds.Summary.Cancelled {
		fmt.Println("Dataset assembly cancelled; not training.")
		return nil
	}

	fmt.Printf("\nTraining on %d samples (%d labels)...\n", ds.Len(), ds.LabelDim)
	results, err := svc.Train(ctx, ds, cfg.Training, cli.TrainingProgress(os.Stdout))
	if results != nil {
		fmt.Println(results.Summary())
	}
	if err != nil {
		return err
	}
	fmt.Printf("Model saved to %s\n", results.ModelPath)

	if export, _ := cmd.Flags().GetBool("export"); export {
		path, err := svc.ExportModel()
		if err != nil {
			return err
		}
		fmt.Printf("Exported ONNX model to %s\n", path)
	}
	return nil
}
