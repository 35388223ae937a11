package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qsharp/internal/dataset"
	"github.com/samcharles93/qsharp/internal/logger"
	"github.com/samcharles93/qsharp/internal/nn"
	"github.com/samcharles93/qsharp/internal/report"
	"github.com/samcharles93/qsharp/internal/sweep"
	"github.com/samcharles93/qsharp/internal/version"
	"github.com/samcharles93/qsharp/pkg/quant"
)

func runCmd() *cli.Command {
	var configFile string

	return &cli.Command{
		Name:      "run",
		Usage:     "Train a network, then sweep every quantization scheme along the top Hessian eigenvector",
		ArgsUsage: "[output.json|output.yaml]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "experiment config (.yaml or .json)",
				Sources:     cli.EnvVars("QSHARP_CONFIG"),
				Destination: &configFile,
			},
			&cli.Int64Flag{Name: "seed", Usage: "seed for init, data order and power iteration"},
			&cli.IntSliceFlag{Name: "layer-sizes", Usage: "hidden layer widths"},
			&cli.StringFlag{Name: "data-dir", Usage: "MNIST directory in IDX layout (empty for synthetic data)", Sources: cli.EnvVars("QSHARP_DATA_DIR")},
			&cli.IntFlag{Name: "epochs", Usage: "training epochs"},
			&cli.FloatFlag{Name: "lr", Usage: "SGD learning rate"},
			&cli.StringSliceFlag{Name: "schemes", Aliases: []string{"q"}, Usage: "quantization schemes (no, affine, scale, kl_div)"},
			&cli.IntSliceFlag{Name: "layers", Aliases: []string{"l"}, Usage: "layers to quantize and probe"},
			&cli.IntFlag{Name: "bits", Usage: "integer code width (8, 16, 32)"},
			&cli.FloatFlag{Name: "perturb-min", Usage: "smallest perturbation amount"},
			&cli.FloatFlag{Name: "perturb-max", Usage: "largest perturbation amount"},
			&cli.IntFlag{Name: "perturb-steps", Usage: "number of evenly spaced amounts"},
			&cli.IntFlag{Name: "power-iters", Usage: "maximum power iterations per layer"},
			&cli.Int64Flag{Name: "eigen-seed", Usage: "seed for the power iteration start vector (default: the run seed)"},
			&cli.BoolFlag{Name: "restore-original", Usage: "put the float weights back after each layer"},
			&cli.StringFlag{Name: "load-checkpoint", Usage: "start from a saved network and skip training"},
			&cli.StringFlag{Name: "save-checkpoint", Usage: "write the trained network as safetensors"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "results file"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			cfg := DefaultConfig()
			if configFile != "" {
				var err error
				if cfg, err = LoadConfig(configFile); err != nil {
					return err
				}
				log.Debug("loaded config", "path", configFile)
			}
			applyRunFlags(cmd, &cfg)
			if cmd.Args().Len() > 0 {
				cfg.Output = cmd.Args().First()
			}

			doc, err := runExperiment(ctx, cfg)
			if doc != nil && cfg.Output != "" {
				if werr := report.Write(cfg.Output, doc); werr != nil {
					return errors.Join(err, werr)
				}
				log.Info("results written", "path", cfg.Output, "id", doc.ID)
			}
			return err
		},
	}
}

// runExperiment trains (or loads) a network and sweeps every configured
// scheme over a fresh clone of it. The returned document holds whatever
// completed; a non-nil error alongside it reports the failed layers.
func runExperiment(ctx context.Context, cfg Config) (*report.Document, error) {
	log := logger.FromContext(ctx)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	schemes, err := cfg.Schemes()
	if err != nil {
		return nil, err
	}

	train, test, classes, err := loadData(cfg)
	if err != nil {
		return nil, fmt.Errorf("load data: %w", err)
	}
	log.Info("data loaded", "train", train.Len(), "test", test.Len(), "features", train.Features(), "classes", classes)

	m, err := buildModel(cfg, train.Features(), classes)
	if err != nil {
		return nil, err
	}
	swCfg := cfg.Sweep()
	if err := swCfg.Validate(m.NumLayers()); err != nil {
		return nil, err
	}

	doc := report.New(cfg, time.Now())
	doc.Version = version.String()

	if cfg.LoadCheckpoint == "" {
		if err := trainModel(ctx, cfg, m, train, test, &doc.Overall); err != nil {
			return nil, err
		}
		if cfg.SaveCheckpoint != "" {
			if err := m.Save(cfg.SaveCheckpoint, cfg.CheckpointType); err != nil {
				return nil, fmt.Errorf("save checkpoint: %w", err)
			}
			log.Info("checkpoint saved", "path", cfg.SaveCheckpoint)
		}
	}

	var errs []error
	for _, s := range schemes {
		q, err := quant.Lookup(s, cfg.QBits)
		if err != nil {
			return nil, err
		}
		nd, err := sweep.New(s, q, swCfg)
		if err != nil {
			return nil, err
		}
		probe := m.Clone()
		start := time.Now()
		err = nd.Generate(ctx, probe, test, probe.Evaluate)
		doc.AddScheme(string(s), nd.Report(), nd.LayerOrder()...)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, sweep.ErrInvalidConfig) {
				return doc, err
			}
			errs = append(errs, fmt.Errorf("scheme %s: %w", s, err))
			continue
		}
		log.Info("scheme done", "scheme", string(s), "layers", len(nd.Layers()), "elapsed", time.Since(start))
	}
	return doc, errors.Join(errs...)
}

func loadData(cfg Config) (train, test *dataset.InMemory, classes int, err error) {
	if cfg.DataDir != "" {
		if train, err = dataset.MNIST(cfg.DataDir, dataset.Train, cfg.TrainBatchSize, cfg.TrainLimit); err != nil {
			return nil, nil, 0, err
		}
		if test, err = dataset.MNIST(cfg.DataDir, dataset.Test, cfg.TestBatchSize, cfg.TestLimit); err != nil {
			return nil, nil, 0, err
		}
		return train, test, mnistClasses, nil
	}

	sc := cfg.Synthetic
	sc.BatchSize = cfg.TrainBatchSize
	if sc.Seed == 0 {
		sc.Seed = cfg.Seed
	}
	all, err := dataset.Synthetic(sc)
	if err != nil {
		return nil, nil, 0, err
	}
	nTest := int(float64(all.Len()) * cfg.TestFraction)
	train, test, err = all.SplitAt(all.Len()-nTest, cfg.TrainBatchSize, cfg.TestBatchSize)
	if err != nil {
		return nil, nil, 0, err
	}
	return train, test, sc.Classes, nil
}

func buildModel(cfg Config, inputs, classes int) (*nn.MLP, error) {
	if cfg.LoadCheckpoint == "" {
		return nn.New(inputs, cfg.LayerSizes, classes, cfg.Seed)
	}
	m, err := nn.Load(cfg.LoadCheckpoint)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if m.Inputs() != inputs || m.Classes() != classes {
		return nil, fmt.Errorf("%w: checkpoint is %d->%d, data is %d->%d",
			nn.ErrShape, m.Inputs(), m.Classes(), inputs, classes)
	}
	return m, nil
}

// trainModel runs the configured epochs, recording train statistics and a
// full test evaluation after each one.
func trainModel(ctx context.Context, cfg Config, m *nn.MLP, train, test dataset.Source, overall *report.Overall) error {
	log := logger.FromContext(ctx)
	tr, err := nn.NewTrainer(m, cfg.Train())
	if err != nil {
		return err
	}
	for e := 0; e < cfg.Epochs; e++ {
		st, err := tr.Epoch(ctx, train)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", e+1, err)
		}
		testLoss, testAcc, err := m.Evaluate(test)
		if err != nil {
			return fmt.Errorf("epoch %d: evaluate: %w", e+1, err)
		}
		overall.TrainLosses = append(overall.TrainLosses, st.Loss)
		overall.TrainAccs = append(overall.TrainAccs, st.Acc)
		overall.TestLosses = append(overall.TestLosses, testLoss)
		overall.TestAccs = append(overall.TestAccs, testAcc)
		log.Info("epoch done", "epoch", st.Epoch, "train_loss", st.Loss, "train_acc", st.Acc, "test_loss", testLoss, "test_acc", testAcc)
	}
	return nil
}
