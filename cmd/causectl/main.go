// causectl is the operator CLI: retrain the ranking model from labels,
// replay a single incident offline, or evaluate ranking quality across all
// labeled incidents.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/platformbuilds/causeway/internal/activity"
	"github.com/platformbuilds/causeway/internal/config"
	"github.com/platformbuilds/causeway/internal/detector"
	"github.com/platformbuilds/causeway/internal/grouper"
	"github.com/platformbuilds/causeway/internal/rca"
	"github.com/platformbuilds/causeway/internal/replay"
	"github.com/platformbuilds/causeway/internal/storage/clickhouse"
	"github.com/platformbuilds/causeway/internal/storage/postgres"
	"github.com/platformbuilds/causeway/pkg/logger"
)

const trainDeadline = 5 * time.Minute

func main() {
	root := &cobra.Command{
		Use:           "causectl",
		Short:         "Operate the Causeway RCA pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(trainCmd(), replayCmd(), evaluateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func trainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Fit the ranking model from labeled suspects",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			log := logger.New(cfg.LogLevel)

			pg, err := postgres.Connect(cfg.Postgres)
			if err != nil {
				return fmt.Errorf("connect to Postgres: %w", err)
			}
			defer pg.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), trainDeadline)
			defer cancel()

			rows, err := pg.TrainingRows(ctx)
			if err != nil {
				return fmt.Errorf("load training rows: %w", err)
			}

			examples := make([]rca.TrainingExample, len(rows))
			for i, r := range rows {
				examples[i] = rca.TrainingExample{Label: r.Label, Evidence: r.Evidence}
			}

			result, err := rca.Train(examples, cfg.RCA.ModelPath)
			if err != nil {
				return err
			}

			log.Info("Model trained",
				"examples", result.Examples, "train_size", result.TrainSize,
				"test_size", result.TestSize, "path", cfg.RCA.ModelPath)

			if activityLog, err := activity.New(cfg.Redis, cfg.Activity, log); err == nil {
				activityLog.LogEvent(ctx, "model_trained", "",
					fmt.Sprintf("Ranking model retrained on %d examples", result.Examples),
					map[string]interface{}{
						"examples":  result.Examples,
						"precision": result.Precision,
						"recall":    result.Recall,
						"f1":        result.F1,
						"roc_auc":   result.ROCAUC,
					})
				activityLog.Close()
			} else {
				log.Warn("Activity log unavailable, skipping model_trained event", "error", err)
			}

			return printJSON(result)
		},
	}
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <incident-id>",
		Short: "Replay one incident offline and score the ranking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			harness, closeFn, err := buildHarness()
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := harness.ReplayIncident(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func evaluateCmd() *cobra.Command {
	var outputFile string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Replay every labeled incident and aggregate ranking metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			harness, closeFn, err := buildHarness()
			if err != nil {
				return err
			}
			defer closeFn()

			summary, err := harness.Evaluate(cmd.Context())
			if err != nil {
				return err
			}

			if outputFile != "" {
				data, err := json.MarshalIndent(summary, "", "  ")
				if err != nil {
					return fmt.Errorf("encode summary: %w", err)
				}
				if err := os.WriteFile(outputFile, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", outputFile, err)
				}
			}
			return printJSON(summary)
		},
	}
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "write detailed results to a JSON file")
	return cmd
}

func buildHarness() (*replay.Harness, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	log := logger.New(cfg.LogLevel)

	pg, err := postgres.Connect(cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to Postgres: %w", err)
	}
	ch, err := clickhouse.Connect(cfg.ClickHouse)
	if err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("connect to ClickHouse: %w", err)
	}
	closeFn := func() {
		ch.Close()
		pg.Close()
	}

	extractor := rca.NewExtractor(ch, pg, log)
	if cfg.RCA.IncidentRateDays > 0 {
		extractor.IncidentRateWindow = time.Duration(cfg.RCA.IncidentRateDays) * 24 * time.Hour
	}
	ranker := rca.NewRanker(cfg.RCA.ModelPath, log)
	runner := rca.NewRunner(pg, pg, extractor, ranker, activity.NewDegraded(cfg.Activity, log),
		rca.CandidateConfigFrom(cfg.RCA), log)

	harness := replay.NewHarness(pg, ch, runner,
		detector.FromConfig(cfg.Detector), grouper.FromConfig(cfg.Grouper), log)
	return harness, closeFn, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
