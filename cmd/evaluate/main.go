// Command evaluate reloads a trained model and steps it through held-out
// sequences, reporting how often the rounded prediction hits the next value.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/b0tShaman/neuro-seq/data"
	"github.com/b0tShaman/neuro-seq/internal/config"
	"github.com/b0tShaman/neuro-seq/internal/evaluate"
	"github.com/b0tShaman/neuro-seq/internal/logging"
	"github.com/b0tShaman/neuro-seq/internal/persist"
	"github.com/b0tShaman/neuro-seq/internal/store"
	"github.com/b0tShaman/neuro-seq/ml"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	modelDir   string
	configPath string
	resultsDB  string
	warmup     int
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
		Use:   "evaluate",
		Short: "Evaluate a trained model on held-out sequences",
		Long: `Loads model.gob, normalizer.json and config.json from the model
directory, rebuilds the network, and feeds every test sequence through it
one step at a time. A --config file may set keys of the data and evaluation
sections; keys it leaves out keep their stored values, and its other
sections are ignored.`,
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
				logger.Error("evaluation failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.modelDir, "model-dir", "", "directory written by train (default $NEUROSEQ_MODEL_DIR, then data/models)")
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "config whose data and evaluation sections override the stored ones")
	cmd.Flags().StringVar(&opts.resultsDB, "results-db", "", "SQLite file to record the run in (overrides evaluation.results_db)")
	cmd.Flags().IntVar(&opts.warmup, "warmup", -1, "leading steps fed but not scored (overrides evaluation.warmup_steps)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging, including every step")
	return cmd
}

func run(ctx context.Context, opts *options, logger *zap.Logger, out io.Writer) error {
	modelDir := opts.modelDir
	if modelDir == "" {
		modelDir = config.DefaultModelDir()
	}
	models, err := persist.Open(modelDir)
	if err != nil {
		return err
	}
	cfg, err := models.LoadConfig()
	if err != nil {
		return err
	}
	if opts.configPath != "" {
		if _, err := os.Stat(opts.configPath); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		override := *cfg
		override.Network.Hidden = slices.Clone(cfg.Network.Hidden)
		if err := override.Overlay(opts.configPath); err != nil {
			return err
		}
		cfg.Data = override.Data
		cfg.Evaluation = override.Evaluation
	}
	if opts.resultsDB != "" {
		cfg.Evaluation.ResultsDB = opts.resultsDB
	}
	if opts.warmup >= 0 {
		cfg.Evaluation.WarmupSteps = opts.warmup
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	nw := ml.NewNetwork(cfg.LayerConfigs()...)
	if err := models.LoadModel(nw); err != nil {
		return err
	}
	norm, err := models.LoadNormalizer()
	if err != nil {
		return err
	}

	features, labels, err := cfg.Layout().Load(cfg.Data.Test, cfg.Data.Column)
	if err != nil {
		return fmt.Errorf("load test data: %w", err)
	}

	var history data.Sequences
	if cfg.Evaluation.HistoryRoot != "" {
		history, err = data.ExtractDir(data.Layout{Root: cfg.Evaluation.HistoryRoot}.FeaturesDir(), cfg.Data.Column)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
	}

	ev := &evaluate.Evaluator{
		Net:         nw,
		Norm:        norm,
		History:     history,
		WarmupSteps: cfg.Evaluation.WarmupSteps,
		Workers:     cfg.Evaluation.Workers,
		Logger:      logger,
	}
	report, err := ev.Run(ctx, features, labels)
	if err != nil {
		return err
	}
	printReport(out, report)

	if cfg.Evaluation.ResultsDB == "" {
		return nil
	}
	results, err := store.Open(ctx, cfg.Evaluation.ResultsDB)
	if err != nil {
		return err
	}
	defer results.Close()
	runID, err := results.RecordRun(ctx, modelDir, report)
	if err != nil {
		return err
	}
	logger.Info("run recorded", zap.String("run_id", runID), zap.String("db", cfg.Evaluation.ResultsDB))
	fmt.Fprintf(out, "run %s recorded in %s\n", runID, cfg.Evaluation.ResultsDB)
	return nil
}

func printReport(w io.Writer, r *evaluate.Report) {
	for _, seq := range r.Sequences {
		exact := 0
		for k := range seq.Predicted {
			if seq.Predicted[k] == seq.Expected[k] {
				exact++
			}
		}
		fmt.Fprintf(w, "sequence %d: %d/%d exact after %d warm-up steps\n", seq.ID, exact, len(seq.Predicted), seq.Warmup)
	}
	fmt.Fprintf(w, "total: %d/%d exact (%.1f%%), MAE %.4f, RMSE %.4f\n",
		r.Exact, r.Steps, 100*r.Accuracy(), r.MAE, r.RMSE)
}
