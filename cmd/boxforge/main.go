package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"boxforge/internal/config"
	"boxforge/internal/dataset"
	"boxforge/internal/detection"
	"boxforge/internal/device"
	"boxforge/internal/model"
	"boxforge/internal/optim"
	"boxforge/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/demo.yaml", "Path to YAML config")
	task := flag.String("task", "", "Override task name")
	trainRoot := flag.String("train-root", "", "Override training shard root")
	validRoot := flag.String("valid-root", "", "Override validation shard root")
	epochs := flag.Int("epochs", 0, "Number of epochs")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numWorkers := flag.Int("num-workers", 0, "Number of shard reader workers")
	dev := flag.String("device", "", "Compute device (cpu, cuda:N, mps)")
	seed := flag.Int64("seed", 0, "PRNG seed")
	lr := flag.Float64("lr", 0, "Learning rate")
	logDir := flag.String("log-dir", "", "Directory for log_<task>.txt")
	logEvery := flag.Int("log-every", 0, "Log every N batches")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		TaskName:     *task,
		TrainRoot:    *trainRoot,
		ValidRoot:    *validRoot,
		Epochs:       *epochs,
		BatchSize:    *batchSize,
		NumWorkers:   *numWorkers,
		Device:       *dev,
		Seed:         *seed,
		LearningRate: *lr,
		LogDir:       *logDir,
		LogEvery:     *logEvery,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("host %s", device.Detect())

	train, err := newLoader(cfg, cfg.TrainRoots, cfg.Shuffle)
	if err != nil {
		log.Fatalf("train loader: %v", err)
	}
	valid, err := newLoader(cfg, cfg.ValidRoots, false)
	if err != nil {
		log.Fatalf("valid loader: %v", err)
	}

	grid := cfg.Grid()
	net := model.NewLinear(train.InputSize(), grid.Size(), cfg.Seed)
	opt, err := optim.NewSGD(net.Parameters(), cfg.LearningRate, cfg.Momentum)
	if err != nil {
		log.Fatalf("optimizer: %v", err)
	}

	iou, conf := cfg.Thresholds()
	scorer := detection.NewScorer(grid)
	scorer.IoUThreshold = iou
	scorer.Extractor.IoUThreshold = iou
	scorer.Extractor.ScoreThreshold = conf

	learner, err := trainer.New(net, model.NewMSE(net), opt, cfg.TaskName,
		trainer.WithLogDir(cfg.LogDir),
		trainer.WithScorer(scorer),
		trainer.WithLogEvery(cfg.LogEvery),
	)
	if err != nil {
		log.Fatalf("create learner: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := learner.Run(ctx, train, valid, cfg.DeviceName(), cfg.Epochs); err != nil {
		log.Fatalf("training failed: %v", err)
	}
	if n := train.Skipped() + valid.Skipped(); n > 0 {
		log.Printf("skipped %d undecodable images", n)
	}
	log.Printf("log written to %s", learner.LogPath())
}

func newLoader(cfg *config.Config, roots []string, shuffle bool) (*dataset.Loader, error) {
	shards, err := dataset.DiscoverByRoot(roots)
	if err != nil {
		return nil, err
	}
	for root, paths := range shards {
		log.Printf("root=%s shards=%d", root, len(paths))
	}
	return dataset.NewLoader(dataset.LoaderOptions{
		Roots:       shards,
		Grid:        cfg.Grid(),
		BatchSize:   cfg.BatchSize,
		NumWorkers:  cfg.NumWorkers,
		Seed:        cfg.Seed,
		Shuffle:     shuffle,
		FeatureGrid: cfg.FeatureGrid,
	})
}
