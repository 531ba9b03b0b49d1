// Ballotwatch - Real-time fraud scoring for electronic votes.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command train fits the fraud ensemble on labeled votes and writes the
// model bundle. The training votes are written next to it so the server can
// start its statistics from the same history.
//
// Usage:
//
//	train -csv votes.csv -out ./models
//	train -db -out ./models
//	train -generate 40000 -fraud-rate 0.05 -export votes.csv -out ./models
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/ballotwatch/internal/config"
	"github.com/opensource-finance/ballotwatch/internal/dataset"
	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/opensource-finance/ballotwatch/internal/ensemble"
	"github.com/opensource-finance/ballotwatch/internal/repository"
)

type options struct {
	configPath string
	csvPath    string
	fromDB     bool
	generate   int
	fraudRate  float64
	seed       uint64
	exportPath string
	store      bool
	outDir     string
	limit      int
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&opts.csvPath, "csv", "", "labeled vote CSV to train on")
	flag.BoolVar(&opts.fromDB, "db", false, "train on the repository's labeled votes")
	flag.IntVar(&opts.generate, "generate", 0, "train on N synthetic votes")
	flag.Float64Var(&opts.fraudRate, "fraud-rate", 0.05, "fraud share of synthetic votes")
	flag.Uint64Var(&opts.seed, "seed", 42, "seed for synthetic votes")
	flag.StringVar(&opts.exportPath, "export", "", "write the training votes to this CSV")
	flag.BoolVar(&opts.store, "store", false, "save the training votes into the repository")
	flag.StringVar(&opts.outDir, "out", "", "bundle directory (default model.bundle_dir)")
	flag.IntVar(&opts.limit, "limit", 0, "maximum CSV rows to read (0 = all)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		slog.Error("training failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	sources := 0
	for _, set := range []bool{opts.csvPath != "", opts.fromDB, opts.generate > 0} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		flag.Usage()
		return fmt.Errorf("exactly one of -csv, -db or -generate is required")
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	outDir := opts.outDir
	if outDir == "" {
		outDir = cfg.Model.BundleDir
	}

	var repo domain.Repository
	if opts.fromDB || opts.store {
		repo, err = repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		defer repo.Close()
	}

	votes, err := loadVotes(ctx, opts, repo)
	if err != nil {
		return err
	}
	slog.Info("training votes loaded", "count", len(votes))

	if opts.exportPath != "" {
		if err := dataset.WriteCSV(opts.exportPath, votes); err != nil {
			return fmt.Errorf("failed to export votes: %w", err)
		}
		slog.Info("training votes exported", "path", opts.exportPath)
	}
	if opts.store && !opts.fromDB {
		for _, v := range votes {
			if err := repo.SaveLabeledVote(ctx, v); err != nil {
				return fmt.Errorf("failed to store vote %s: %w", v.VoteID, err)
			}
		}
		slog.Info("training votes stored", "count", len(votes), "driver", cfg.Repository.Driver)
	}

	model, report, err := ensemble.Train(ctx, votes, ensemble.DefaultTrainOptions())
	if err != nil {
		return err
	}

	if err := model.Save(outDir); err != nil {
		return fmt.Errorf("failed to save bundle: %w", err)
	}
	if err := ensemble.SaveReport(outDir, report); err != nil {
		return fmt.Errorf("failed to save training report: %w", err)
	}
	if err := dataset.WriteCSV(filepath.Join(outDir, ensemble.HistoryFile), votes); err != nil {
		return fmt.Errorf("failed to save training history: %w", err)
	}

	slog.Info("model bundle written",
		"dir", outDir,
		"model_version", model.Metadata.ModelVersion,
		"features", len(model.Metadata.FeatureColumns),
		"classifier_precision", report.Classifier.Precision,
		"classifier_recall", report.Classifier.Recall,
		"classifier_f1", report.Classifier.F1,
	)
	for i, f := range report.TopFeatures {
		slog.Info("feature importance", "rank", i+1, "feature", f.Feature, "importance", f.Importance)
	}
	return nil
}

func loadVotes(ctx context.Context, opts options, repo domain.Repository) ([]*domain.LabeledVote, error) {
	switch {
	case opts.csvPath != "":
		votes, err := dataset.ReadCSV(opts.csvPath, dataset.ReadOptions{Limit: opts.limit})
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", opts.csvPath, err)
		}
		return votes, nil

	case opts.fromDB:
		votes, err := repo.ListLabeledVotes(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list labeled votes: %w", err)
		}
		return votes, nil

	default:
		genCfg := dataset.DefaultGeneratorConfig()
		genCfg.Votes = opts.generate
		if genCfg.Voters < opts.generate {
			genCfg.Voters = opts.generate
		}
		genCfg.FraudRate = opts.fraudRate
		genCfg.Seed = opts.seed
		gen, err := dataset.NewGenerator(genCfg)
		if err != nil {
			return nil, err
		}
		return gen.Generate(), nil
	}
}
