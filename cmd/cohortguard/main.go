package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/cohortguard/internal/anomaly"
	"github.com/rewired-gh/cohortguard/internal/config"
	"github.com/rewired-gh/cohortguard/internal/ingest"
	"github.com/rewired-gh/cohortguard/internal/logger"
	"github.com/rewired-gh/cohortguard/internal/metrics"
	"github.com/rewired-gh/cohortguard/internal/models"
	"github.com/rewired-gh/cohortguard/internal/screening"
	"github.com/rewired-gh/cohortguard/internal/storage"
	"github.com/rewired-gh/cohortguard/internal/telegram"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "cohortguard",
		Short:         "Flag anomalous patient measurements against a baseline cohort",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (defaults and environment only when empty)")

	root.AddCommand(newAssessCmd(), newHistoryCmd(), newVersionCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

// loadConfig loads and validates configuration and sets up logging
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logging := cfg.GetLoggingConfig()
	logger.Init(logging.Level, logging.Format)
	if configPath != "" {
		logger.Info("Configuration loaded from %s", configPath)
	} else {
		logger.Debug("No config file given, using defaults and environment")
	}
	return cfg, nil
}

func pipelineConfig(m config.ModelConfig) anomaly.Config {
	return anomaly.Config{
		NumTrees:      m.NumTrees,
		SubsampleSize: m.SubsampleSize,
		Contamination: m.Contamination,
		Seed:          m.Seed,
		Workers:       m.Workers,
		ZThreshold:    m.ZThreshold,
	}
}

func newAssessCmd() *cobra.Command {
	var (
		trainingPath string
		inputPath    string
		outputPath   string
		sheet        string
		firstOnly    bool
	)

	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Train on a baseline cohort and assess new records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("sheet") {
				sheet = cfg.Ingest.SheetName
			}
			if !cmd.Flags().Changed("first-only") {
				firstOnly = cfg.Ingest.FirstRowOnly
			}
			return runAssess(cmd.Context(), cfg, trainingPath, inputPath, outputPath, sheet, firstOnly)
		},
	}

	cmd.Flags().StringVar(&trainingPath, "training", "", "Baseline cohort file (.xlsx or .csv)")
	cmd.Flags().StringVar(&inputPath, "input", "", "Records to assess (.xlsx or .csv)")
	cmd.Flags().StringVar(&outputPath, "output", "resultsData.csv", "Where to write the results CSV")
	cmd.Flags().StringVar(&sheet, "sheet", ingest.DefaultSheet, "Worksheet to read from workbooks")
	cmd.Flags().BoolVar(&firstOnly, "first-only", false, "Assess only the first input record")
	_ = cmd.MarkFlagRequired("training")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func runAssess(ctx context.Context, cfg *config.Config, trainingPath, inputPath, outputPath, sheet string, firstOnly bool) error {
	training, err := ingest.LoadCohort(trainingPath, sheet)
	if err != nil {
		return fmt.Errorf("failed to load training cohort: %w", err)
	}
	input, err := ingest.LoadCohort(inputPath, sheet)
	if err != nil {
		return fmt.Errorf("failed to load input records: %w", err)
	}
	if firstOnly && len(input) > 1 {
		logger.Info("Assessing only the first of %d input records", len(input))
		input = input[:1]
	}

	pipeline, err := anomaly.NewPipeline(pipelineConfig(cfg.GetModelConfig()))
	if err != nil {
		return err
	}

	var store screening.Store
	var history *storage.Storage
	if sc := cfg.GetStorageConfig(); sc.Enabled {
		history, err = storage.New(sc.MaxAssessments, sc.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		logger.Info("Assessment history at %s", history.Path())
		defer func() {
			if err := history.Close(); err != nil {
				logger.Error("Failed to close storage: %v", err)
			}
		}()
		store = history
	} else {
		logger.Debug("Assessment history disabled")
	}

	var notifier screening.Notifier
	if tc := cfg.GetTelegramConfig(); tc.Enabled {
		client, err := telegram.NewClient(tc.BotToken, tc.ChatID, tc.MaxRetries, tc.RetryDelayBase, cfg.Model.ZThreshold)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		logger.Info("Telegram client initialized successfully")
		notifier = client
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	m := metrics.New()
	screener := screening.New(pipeline, store, notifier, m)

	model, err := screener.Train(ctx, training)
	if err != nil {
		writeMetrics(m, cfg.Metrics.TextfilePath)
		return err
	}

	report, err := screener.Screen(ctx, model, input)
	if err != nil {
		return err
	}

	if err := ingest.WriteResultsFile(outputPath, report.Results); err != nil {
		return err
	}
	logger.Info("Results written to %s", outputPath)

	if history != nil {
		if removed, err := history.RotateAssessments(ctx); err != nil {
			logger.Warn("Failed to rotate assessments: %v", err)
		} else if removed > 0 {
			logger.Debug("Rotated %d old assessments", removed)
		}
	}

	writeMetrics(m, cfg.Metrics.TextfilePath)

	fmt.Printf("Run %s: %d assessed, %d flagged\n", report.RunID, len(report.Results), len(report.Flagged))
	return nil
}

func writeMetrics(m *metrics.Metrics, path string) {
	if path == "" {
		return
	}
	if err := m.WriteTextfile(path); err != nil {
		logger.Warn("Failed to write metrics: %v", err)
	}
}

func newHistoryCmd() *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print stored assessments as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sc := cfg.GetStorageConfig()
			if !sc.Enabled {
				return fmt.Errorf("storage is disabled")
			}

			history, err := storage.New(sc.MaxAssessments, sc.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer history.Close()
			logger.Debug("Reading assessment history from %s", history.Path())

			var assessments []models.Assessment
			if runID != "" {
				assessments, err = history.GetRun(cmd.Context(), runID)
			} else {
				assessments, err = history.GetAssessments(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}

			results := make([]models.AssessmentResult, len(assessments))
			for i, a := range assessments {
				results[i] = a.AssessmentResult
			}
			if err := ingest.WriteResults(cmd.OutOrStdout(), results); err != nil {
				return err
			}

			if runID != "" {
				n, err := history.CountAnomalies(cmd.Context(), runID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d records flagged in run %s\n", n, len(assessments), runID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of assessments to print (0 = all)")
	cmd.Flags().StringVar(&runID, "run", "", "Print every assessment of one run")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "cohortguard "+version+" (schema: "+strconv.Itoa(len(models.FeatureNames))+" features)")
		},
	}
}
