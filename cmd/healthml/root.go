package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"healthsurveil/analysis"
	"healthsurveil/config"
	"healthsurveil/db"
	"healthsurveil/logging"
	"healthsurveil/ml"
	"healthsurveil/store"
)

type app struct {
	configPath string
	modelsDir  string
	dbPath     string
	verbose    bool

	config *config.Config
	logger *zap.Logger
	db     *db.DB
	runner *analysis.Runner
}

var operationShort = map[analysis.Op]string{
	analysis.OpAnomaly: "Detect outliers in a numeric series",
	analysis.OpPredict: "Predict outbreak risk with the latest outbreak model",
	analysis.OpExplain: "Explain an outbreak prediction with Shapley values",
	analysis.OpRetrain: "Train and save a new model version",
	analysis.OpAssess:  "Score climate and health risk with the latest risk model",
	analysis.OpRiskMap: "Render a geo-spatial risk map PNG",
}

// run executes the CLI and returns the process exit code. Failures are
// reported as {"error": msg} on stderr.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{}
	defer a.close()

	root := a.newRootCommand()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		if a.logger != nil {
			a.logger.Debug("command failed", zap.Error(err))
		}
		json.NewEncoder(stderr).Encode(map[string]string{"error": err.Error()})
		return 1
	}
	return 0
}

func (a *app) newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "healthml",
		Short:         "Water-borne disease surveillance models",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "config.yaml", "path to the YAML config file")
	flags.StringVar(&a.modelsDir, "models-dir", "", "model store directory (overrides ml.models_dir)")
	flags.StringVar(&a.dbPath, "db", "", `SQLite database path (overrides database.path, "none" disables it)`)
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	for _, op := range analysis.Ops() {
		root.AddCommand(a.newOperationCommand(op))
	}
	root.AddCommand(a.newTrainCommand())
	root.AddCommand(a.newModelsCommand())
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("models-dir") {
		cfg.ML.ModelsDir = a.modelsDir
	}
	if cmd.Flags().Changed("db") {
		cfg.Database.Path = a.dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.config = cfg

	a.logger, err = logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Verbose:    a.verbose,
	})
	if err != nil {
		return err
	}

	var recorder store.Recorder
	var predictions analysis.PredictionLog
	if path := cfg.Database.Path; path != "" && path != "none" {
		a.db, err = db.Open(path, a.logger)
		if err != nil {
			return err
		}
		recorder, predictions = a.db, a.db
	}

	models, err := store.New(cfg.ML.ModelsDir, cfg.ML.CacheSize, recorder, a.logger)
	if err != nil {
		return err
	}
	a.runner = &analysis.Runner{Config: cfg, Models: models, Log: predictions, Logger: a.logger}
	return nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}

func (a *app) newOperationCommand(op analysis.Op) *cobra.Command {
	return &cobra.Command{
		Use:   string(op),
		Short: operationShort[op],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runner.Run(cmd.Context(), op, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func (a *app) newTrainCommand() *cobra.Command {
	var model, charset string
	cmd := &cobra.Command{
		Use:   "train <file.csv>",
		Short: "Train a new model version from a CSV file with a label column",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			samples, names, err := ml.ReadTrainingCSV(file, charset)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			a.logger.Debug("training csv loaded",
				zap.String("file", args[0]),
				zap.Strings("columns", names),
				zap.Int("rows", len(samples)))

			resp, err := a.runner.Retrain(cmd.Context(), analysis.RetrainRequest{TrainingData: samples, Model: model})
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", analysis.OutbreakModel, `model to train ("outbreak" or "risk")`)
	cmd.Flags().StringVar(&charset, "charset", "", "input encoding, e.g. gbk or windows-1252 (default UTF-8)")
	return cmd
}

type modelSummary struct {
	Name       string      `json:"name"`
	Versions   []int       `json:"versions"`
	Latest     int         `json:"latest"`
	Type       string      `json:"type"`
	DataPoints int         `json:"data_points"`
	Metrics    *ml.Metrics `json:"metrics,omitempty"`
}

func (a *app) newModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models [name]",
		Short: "List saved model versions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			models := a.runner.Models
			names := args
			if len(names) == 0 {
				var err error
				if names, err = models.Names(); err != nil {
					return err
				}
				sort.Strings(names)
			}

			summaries := make([]modelSummary, 0, len(names))
			for _, name := range names {
				versions, err := models.Versions(name)
				if err != nil {
					return err
				}
				latest, err := models.Load(cmd.Context(), name, versions[len(versions)-1])
				if err != nil {
					return err
				}
				summaries = append(summaries, modelSummary{
					Name:       name,
					Versions:   versions,
					Latest:     latest.Version,
					Type:       latest.Type,
					DataPoints: latest.DataPoints,
					Metrics:    latest.Metrics,
				})
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(summaries)
		},
	}
}
