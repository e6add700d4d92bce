// Command train fits a recurrent network to CSV sequences and stores the
// model, its normalizer and its config in a model directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/b0tShaman/neuro-seq/data"
	"github.com/b0tShaman/neuro-seq/internal/config"
	"github.com/b0tShaman/neuro-seq/internal/logging"
	"github.com/b0tShaman/neuro-seq/internal/persist"
	"github.com/b0tShaman/neuro-seq/ml"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	modelDir   string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a recurrent network on CSV sequences",
		Long: `Reads features/<id>.csv (and labels/<id>.csv when present) for the
configured train range, standardizes features and labels, trains the
network and writes model.gob, normalizer.json and config.json to the
model directory. SIGINT or SIGTERM stops training at the next batch and
still saves the model.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(opts.verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, opts, logger, cmd.OutOrStdout()); err != nil {
				logger.Error("training failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "JSON or YAML config file (defaults when empty)")
	cmd.Flags().StringVar(&opts.modelDir, "model-dir", "", "model output directory (overrides model_dir)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func run(ctx context.Context, opts *options, logger *zap.Logger, out io.Writer) error {
	if opts.configPath != "" {
		if _, err := os.Stat(opts.configPath); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.modelDir != "" {
		cfg.ModelDir = opts.modelDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// load data for training
	features, labels, err := cfg.Layout().Load(cfg.Data.Train, cfg.Data.Column)
	if err != nil {
		return fmt.Errorf("load training data: %w", err)
	}
	set, ids, err := data.ToSet(features, labels)
	if err != nil {
		return fmt.Errorf("build training set: %w", err)
	}
	logger.Info("training data loaded",
		zap.String("root", cfg.Data.Root),
		zap.Ints("ids", ids),
		zap.Int("max_steps", set.MaxSteps()),
	)

	// setup normalizer
	norm := ml.NewStandardizer(true)
	if err := norm.Fit(set); err != nil {
		return err
	}
	norm.Transform(set)

	nw := ml.NewSeededNetwork(cfg.Seed, cfg.LayerConfigs()...)
	logger.Debug("network built", zap.String("summary", nw.Summary()))

	res, err := ml.Train(ctx, nw, set, cfg.TrainingConfig(logger))
	interrupted := errors.Is(err, context.Canceled)
	if err != nil && !interrupted {
		return fmt.Errorf("train: %w", err)
	}

	models, err := persist.New(cfg.ModelDir)
	if err != nil {
		return err
	}
	if err := models.SaveModel(nw); err != nil {
		return err
	}
	if err := models.SaveNormalizer(norm); err != nil {
		return err
	}
	if err := models.SaveConfig(cfg); err != nil {
		return err
	}

	status := "trained"
	if interrupted {
		status = "interrupted"
	}
	fmt.Fprintf(out, "%s: %d sequences, %d epochs, loss %.6f, %s\n",
		status, set.Len(), res.Epochs, res.FinalLoss, res.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "model saved to %s\n", cfg.ModelDir)
	return nil
}
