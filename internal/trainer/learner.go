package trainer

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"boxforge/internal/device"
	"boxforge/internal/metrics"
	"boxforge/internal/model"
	"boxforge/internal/runlog"
)

// ErrNoData is returned when a loss pass sees no samples.
var ErrNoData = errors.New("trainer: pass produced no samples")

// Scorer computes a detection metric over a full loader traversal.
type Scorer interface {
	Score(ctx context.Context, loader model.Loader, m model.Model, dev device.Device) (float64, error)
}

// BatchEvent describes one batch of a loss pass.
type BatchEvent struct {
	RunID   string
	Split   string
	Epoch   int
	Batch   int
	Size    int
	Loss    float64
	Compute time.Duration
}

// Hooks observe training progress.
type Hooks struct {
	OnBatch func(BatchEvent)
}

// Learner drives epochs of training and evaluation for one model.
type Learner struct {
	model     model.Model
	criterion model.Criterion
	optimizer model.Optimizer
	task      string

	sink     *runlog.Sink
	logger   *log.Logger
	hooks    Hooks
	scorer   Scorer
	logDir   string
	logEvery int
}

// Option configures a Learner.
type Option func(*Learner)

// WithLogDir places the run log in dir instead of the working directory.
func WithLogDir(dir string) Option {
	return func(l *Learner) { l.logDir = dir }
}

// WithLogger sets the console logger.
func WithLogger(logger *log.Logger) Option {
	return func(l *Learner) { l.logger = logger }
}

// WithLogEvery makes the default batch hook log every n-th batch.
// Hooks installed with WithHooks still see every batch.
func WithLogEvery(n int) Option {
	return func(l *Learner) { l.logEvery = n }
}

// WithHooks installs progress hooks.
func WithHooks(h Hooks) Option {
	return func(l *Learner) { l.hooks = h }
}

// WithScorer sets the metric computed after every loss pass.
func WithScorer(s Scorer) Option {
	return func(l *Learner) { l.scorer = s }
}

// New builds a Learner and truncates log_<task>.txt.
func New(m model.Model, criterion model.Criterion, optimizer model.Optimizer, task string, opts ...Option) (*Learner, error) {
	l := &Learner{
		model:     m,
		criterion: criterion,
		optimizer: optimizer,
		task:      task,
		logger:    log.Default(),
		logEvery:  1,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logEvery <= 0 {
		l.logEvery = 1
	}
	if l.hooks.OnBatch == nil {
		l.hooks.OnBatch = l.logBatch
	}
	sink, err := runlog.Create(l.logDir, task, l.logger)
	if err != nil {
		return nil, err
	}
	l.sink = sink
	return l, nil
}

// LogPath returns the run log location.
func (l *Learner) LogPath() string { return l.sink.Path() }

// Run trains on train and evaluates on valid for epochs epochs. Every
// epoch appends one train line and one valid line to the run log.
func (l *Learner) Run(ctx context.Context, train, valid model.Loader, dev device.Device, epochs int) error {
	if l.scorer == nil {
		return errors.New("trainer: no scorer configured")
	}
	runID := uuid.NewString()
	l.logger.Printf("run=%s task=%s device=%s epochs=%d", runID, l.task, dev, epochs)

	for epoch := 0; epoch < epochs; epoch++ {
		l.logger.Printf("run=%s epoch=%d", runID, epoch)

		if err := l.epochSplit(ctx, runID, "train", epoch, train, dev, true); err != nil {
			return err
		}
		if err := l.epochSplit(ctx, runID, "valid", epoch, valid, dev, false); err != nil {
			return err
		}
	}
	return nil
}

func (l *Learner) epochSplit(ctx context.Context, runID, split string, epoch int, loader model.Loader, dev device.Device, backwards bool) error {
	loss, err := l.lossPass(ctx, runID, split, epoch, loader, dev, backwards)
	if err != nil {
		return errors.Wrapf(err, "epoch %d %s loss pass", epoch, split)
	}
	mAP, err := l.metricPass(ctx, loader, dev)
	if err != nil {
		return errors.Wrapf(err, "epoch %d %s metric pass", epoch, split)
	}
	msg := fmt.Sprintf("Epoch: %d, %s loss: %s, %s_mAP: %s", epoch, split, formatFloat(loss), split, formatFloat(mAP))
	return l.sink.Append(msg)
}

// lossPass traverses loader once and returns the batch-size weighted mean
// loss. With backwards set, the optimizer steps once per batch.
func (l *Learner) lossPass(ctx context.Context, runID, split string, epoch int, loader model.Loader, dev device.Device, backwards bool) (float64, error) {
	if err := l.model.To(dev); err != nil {
		return 0, err
	}
	l.model.SetTraining(backwards)

	it, err := loader.Iter(ctx)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var avg metrics.Average
	var window metrics.Window
	for i := 0; ; i++ {
		startData := time.Now()
		batch, ok, err := it.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		loss, err := l.step(batch, dev, backwards)
		if err != nil {
			return 0, errors.Wrapf(err, "batch %d", i)
		}
		computeTime := time.Since(startCompute)

		n := batch.Size()
		avg.Add(loss, n)
		window.Record(n, dataTime, computeTime, loss)
		l.hooks.OnBatch(BatchEvent{
			RunID:   runID,
			Split:   split,
			Epoch:   epoch,
			Batch:   i,
			Size:    n,
			Loss:    loss,
			Compute: computeTime,
		})
	}

	mean, ok := avg.Mean()
	if !ok {
		return 0, ErrNoData
	}
	snap := window.Snapshot()
	l.logger.Printf("run=%s split=%s epoch=%d samples=%d samples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f last_loss=%.4f",
		runID, split, epoch, avg.Count(), snap.SamplesPerSec, snap.AvgDataMS, snap.AvgComputeMS, mean, snap.LastLoss)
	return mean, nil
}

func (l *Learner) step(batch model.Batch, dev device.Device, backwards bool) (float64, error) {
	inputs, err := device.Place(dev, batch.Inputs)
	if err != nil {
		return 0, err
	}
	labels, err := device.Place(dev, batch.Labels)
	if err != nil {
		return 0, err
	}
	out, err := l.model.Forward(inputs)
	if err != nil {
		return 0, errors.Wrap(err, "forward")
	}
	if out, err = device.Place(dev, out); err != nil {
		return 0, err
	}
	loss, err := l.criterion.Loss(out, labels)
	if err != nil {
		return 0, errors.Wrap(err, "criterion")
	}
	if backwards {
		l.optimizer.ZeroGrad()
		if err := loss.Backward(); err != nil {
			return 0, errors.Wrap(err, "backward")
		}
		if err := l.optimizer.Step(); err != nil {
			return 0, errors.Wrap(err, "optimizer step")
		}
	}
	return loss.Value(), nil
}

func (l *Learner) metricPass(ctx context.Context, loader model.Loader, dev device.Device) (float64, error) {
	l.model.SetTraining(false)
	return l.scorer.Score(ctx, loader, l.model, dev)
}

func (l *Learner) logBatch(e BatchEvent) {
	if (e.Batch+1)%l.logEvery != 0 {
		return
	}
	l.logger.Printf("run=%s split=%s epoch=%d batch=%d loss=%.4f", e.RunID, e.Split, e.Epoch, e.Batch, e.Loss)
}

// formatFloat renders v with the shortest exact digits. Exponents below
// -4 or at 16 and above use scientific notation, and whole numbers keep a
// decimal point, so 0 prints as 0.0 and 1.5e-05 stays 1.5e-05.
func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	sci := strconv.FormatFloat(v, 'e', -1, 64)
	exp, err := strconv.Atoi(sci[strings.LastIndexByte(sci, 'e')+1:])
	if err == nil && v != 0 && (exp < -4 || exp >= 16) {
		return sci
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if strings.Contains(s, ".") {
		return s
	}
	return s + ".0"
}
