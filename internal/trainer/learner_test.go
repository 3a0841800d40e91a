package trainer

import (
	"bytes"
	"context"
	"log"
	"math"
	"os"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"boxforge/internal/detection"
	"boxforge/internal/device"
	"boxforge/internal/model"
	"boxforge/internal/optim"
)

type constModel struct {
	training bool
	modes    []bool
}

func (m *constModel) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	n := x.Shape()[0]
	return model.Matrix(n, 1, make([]float64, n)), nil
}

func (m *constModel) To(d device.Device) error { return nil }

func (m *constModel) SetTraining(training bool) {
	m.training = training
	m.modes = append(m.modes, training)
}

// scriptedCriterion returns losses in order, cycling.
type scriptedCriterion struct {
	losses    []float64
	calls     int
	backwards int
}

func (c *scriptedCriterion) Loss(out, labels *tensor.Dense) (model.Loss, error) {
	v := 0.0
	if len(c.losses) > 0 {
		v = c.losses[c.calls%len(c.losses)]
	}
	c.calls++
	return &fixedLoss{value: v, crit: c}, nil
}

type fixedLoss struct {
	value float64
	crit  *scriptedCriterion
}

func (l *fixedLoss) Value() float64 { return l.value }

func (l *fixedLoss) Backward() error {
	l.crit.backwards++
	return nil
}

type countingOptimizer struct {
	zeroGrads int
	steps     int
}

func (o *countingOptimizer) ZeroGrad() { o.zeroGrads++ }

func (o *countingOptimizer) Step() error {
	o.steps++
	return nil
}

type constScorer struct {
	value float64
	calls int
}

func (s *constScorer) Score(ctx context.Context, loader model.Loader, m model.Model, dev device.Device) (float64, error) {
	s.calls++
	return s.value, nil
}

func batchOf(n int) model.Batch {
	return model.Batch{
		Inputs: model.Matrix(n, 1, make([]float64, n)),
		Labels: model.Matrix(n, 1, make([]float64, n)),
	}
}

func quietLogger() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestLossPassWeightedAverage(t *testing.T) {
	crit := &scriptedCriterion{losses: []float64{1.0, 3.0}}
	l, err := New(&constModel{}, crit, &countingOptimizer{}, "avg",
		WithLogDir(t.TempDir()), WithLogger(quietLogger()), WithScorer(&constScorer{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	loader := &model.SliceLoader{Batches: []model.Batch{batchOf(2), batchOf(1)}}
	got, err := l.lossPass(context.Background(), "run", "train", 0, loader, device.CPU, false)
	if err != nil {
		t.Fatalf("lossPass: %v", err)
	}
	if math.Abs(got-5.0/3.0) > 1e-12 {
		t.Fatalf("expected 5/3, got %f", got)
	}
}

func TestEvalPassLeavesOptimizerUntouched(t *testing.T) {
	m := &constModel{}
	crit := &scriptedCriterion{losses: []float64{0.5}}
	p := &model.Param{Name: "w", Value: []float64{1}, Grad: []float64{1}}
	opt, err := optim.NewSGD([]*model.Param{p}, 0.1, 0.9)
	if err != nil {
		t.Fatalf("NewSGD: %v", err)
	}
	l, err := New(m, crit, opt, "eval",
		WithLogDir(t.TempDir()), WithLogger(quietLogger()), WithScorer(&constScorer{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	loader := &model.SliceLoader{Batches: []model.Batch{batchOf(2), batchOf(3)}}
	if _, err := l.lossPass(context.Background(), "run", "valid", 0, loader, device.CPU, false); err != nil {
		t.Fatalf("lossPass: %v", err)
	}
	if opt.Steps() != 0 || p.Value[0] != 1 || p.Grad[0] != 1 {
		t.Fatalf("optimizer state changed: steps=%d value=%f grad=%f", opt.Steps(), p.Value[0], p.Grad[0])
	}
	if crit.backwards != 0 {
		t.Fatalf("backward ran %d times in eval mode", crit.backwards)
	}
	if m.training {
		t.Fatal("model left in training mode after eval pass")
	}
}

func TestTrainPassStepsOncePerBatch(t *testing.T) {
	m := &constModel{}
	crit := &scriptedCriterion{losses: []float64{0.5}}
	opt := &countingOptimizer{}
	var events []BatchEvent
	l, err := New(m, crit, opt, "steps",
		WithLogDir(t.TempDir()), WithLogger(quietLogger()), WithScorer(&constScorer{}),
		WithHooks(Hooks{OnBatch: func(e BatchEvent) { events = append(events, e) }}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	loader := &model.SliceLoader{Batches: []model.Batch{batchOf(1), batchOf(1), batchOf(4)}}
	if _, err := l.lossPass(context.Background(), "run", "train", 0, loader, device.CPU, true); err != nil {
		t.Fatalf("lossPass: %v", err)
	}
	if opt.steps != 3 || opt.zeroGrads != 3 || crit.backwards != 3 {
		t.Fatalf("expected 3 steps/zero/backward, got %d/%d/%d", opt.steps, opt.zeroGrads, crit.backwards)
	}
	if !m.training {
		t.Fatal("model not in training mode during train pass")
	}
	if len(events) != 3 || events[2].Batch != 2 || events[2].Size != 4 {
		t.Fatalf("unexpected batch events %+v", events)
	}
}

func TestRunWritesTwoLinesPerEpoch(t *testing.T) {
	dir := t.TempDir()
	m := &constModel{}
	scorer := &constScorer{value: 0}
	l, err := New(m, &scriptedCriterion{}, &countingOptimizer{}, "e2e",
		WithLogDir(dir), WithLogger(quietLogger()), WithScorer(scorer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	train := &model.SliceLoader{Batches: []model.Batch{batchOf(2)}}
	valid := &model.SliceLoader{Batches: []model.Batch{batchOf(1)}}
	if err := l.Run(context.Background(), train, valid, device.CPU, 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	lines := readLines(t, l.LogPath())
	want := []string{
		"Epoch: 0, train loss: 0.0, train_mAP: 0.0",
		"Epoch: 0, valid loss: 0.0, valid_mAP: 0.0",
		"Epoch: 1, train loss: 0.0, train_mAP: 0.0",
		"Epoch: 1, valid loss: 0.0, valid_mAP: 0.0",
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %q", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q want %q", i, lines[i], want[i])
		}
	}
	if scorer.calls != 4 {
		t.Fatalf("expected 4 metric passes, got %d", scorer.calls)
	}
}

func TestNewTruncatesOncePerConstruction(t *testing.T) {
	dir := t.TempDir()
	first, err := New(&constModel{}, &scriptedCriterion{}, &countingOptimizer{}, "reset",
		WithLogDir(dir), WithLogger(quietLogger()), WithScorer(&constScorer{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	loader := &model.SliceLoader{Batches: []model.Batch{batchOf(1)}}
	if err := first.Run(context.Background(), loader, loader, device.CPU, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	second, err := New(&constModel{}, &scriptedCriterion{}, &countingOptimizer{}, "reset",
		WithLogDir(dir), WithLogger(quietLogger()), WithScorer(&constScorer{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := os.ReadFile(second.LogPath())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("log kept %q from the previous learner", data)
	}
}

func TestRunEmptyPassFails(t *testing.T) {
	l, err := New(&constModel{}, &scriptedCriterion{}, &countingOptimizer{}, "empty",
		WithLogDir(t.TempDir()), WithLogger(quietLogger()), WithScorer(&constScorer{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	empty := &model.SliceLoader{}
	err = l.Run(context.Background(), empty, empty, device.CPU, 1)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestRunUnsupportedDevice(t *testing.T) {
	layer := model.NewLinear(1, 1, 1)
	opt, err := optim.NewSGD(layer.Parameters(), 0.1, 0)
	if err != nil {
		t.Fatalf("NewSGD: %v", err)
	}
	l, err := New(layer, model.NewMSE(layer), opt, "gpu",
		WithLogDir(t.TempDir()), WithLogger(quietLogger()), WithScorer(&constScorer{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	loader := &model.SliceLoader{Batches: []model.Batch{batchOf(1)}}
	err = l.Run(context.Background(), loader, loader, "cuda:0", 1)
	if !errors.Is(err, device.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestRunWithDetectionStack(t *testing.T) {
	g := detection.Grid{S: 2, B: 1, C: 2}
	row, err := g.Encode([]detection.Object{{Class: 1, X: 0.3, Y: 0.6, W: 0.2, H: 0.3}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	features := []float64{0.2, 0.4, 0.6, 0.8}
	loader := &model.SliceLoader{Batches: []model.Batch{{
		Inputs: model.Matrix(1, len(features), features),
		Labels: model.Matrix(1, g.Size(), row),
	}}}

	layer := model.NewLinear(len(features), g.Size(), 7)
	opt, err := optim.NewSGD(layer.Parameters(), 0.05, 0.9)
	if err != nil {
		t.Fatalf("NewSGD: %v", err)
	}
	l, err := New(layer, model.NewMSE(layer), opt, "det",
		WithLogDir(t.TempDir()), WithLogger(quietLogger()), WithScorer(detection.NewScorer(g)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Run(context.Background(), loader, loader, device.CPU, 3); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if opt.Steps() != 3 {
		t.Fatalf("expected 3 optimizer steps, got %d", opt.Steps())
	}
	lines := readLines(t, l.LogPath())
	if len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[5], "Epoch: 2, valid loss: ") {
		t.Fatalf("unexpected last line %q", lines[5])
	}
}

func TestFormatFloat(t *testing.T) {
	cases := map[float64]string{
		0:         "0.0",
		2:         "2.0",
		5.0 / 3.0: "1.6666666666666667",
		0.25:      "0.25",
		1.5e-05:   "1.5e-05",
		0.0001:    "0.0001",
		1234567:   "1234567.0",
		1e16:      "1e+16",
		-2.5e-07:  "-2.5e-07",
	}
	for in, want := range cases {
		if got := formatFloat(in); got != want {
			t.Fatalf("formatFloat(%v)=%q want %q", in, got, want)
		}
	}
	if got := formatFloat(math.NaN()); got != "NaN" {
		t.Fatalf("NaN rendered as %q", got)
	}
}

// countingLoader records every traversal and every batch handed out.
type countingLoader struct {
	inner  *model.SliceLoader
	iters  int
	served int
}

func (c *countingLoader) Iter(ctx context.Context) (model.BatchIterator, error) {
	c.iters++
	it, err := c.inner.Iter(ctx)
	if err != nil {
		return nil, err
	}
	return &countingIterator{BatchIterator: it, loader: c}, nil
}

type countingIterator struct {
	model.BatchIterator
	loader *countingLoader
}

func (it *countingIterator) Next() (model.Batch, bool, error) {
	b, ok, err := it.BatchIterator.Next()
	if ok {
		it.loader.served++
	}
	return b, ok, err
}

// walkingScorer traverses the loader like a real metric would and
// records how many samples it saw per call.
type walkingScorer struct {
	seen []int
}

func (s *walkingScorer) Score(ctx context.Context, loader model.Loader, m model.Model, dev device.Device) (float64, error) {
	it, err := loader.Iter(ctx)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	n := 0
	for {
		b, ok, err := it.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		if _, err := m.Forward(b.Inputs); err != nil {
			return 0, err
		}
		n += b.Size()
	}
	s.seen = append(s.seen, n)
	return 1, nil
}

func TestMetricPassTraversesEachSplitAgain(t *testing.T) {
	train := &countingLoader{inner: &model.SliceLoader{Batches: []model.Batch{batchOf(2), batchOf(3)}}}
	valid := &countingLoader{inner: &model.SliceLoader{Batches: []model.Batch{batchOf(1)}}}
	scorer := &walkingScorer{}
	l, err := New(&constModel{}, &scriptedCriterion{}, &countingOptimizer{}, "passes",
		WithLogDir(t.TempDir()), WithLogger(quietLogger()), WithScorer(scorer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Run(context.Background(), train, valid, device.CPU, 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if train.iters != 4 || valid.iters != 4 {
		t.Fatalf("expected 4 traversals per loader, got train=%d valid=%d", train.iters, valid.iters)
	}
	if train.served != 8 || valid.served != 4 {
		t.Fatalf("expected every batch served in every pass, got train=%d valid=%d", train.served, valid.served)
	}
	want := []int{5, 1, 5, 1}
	if len(scorer.seen) != len(want) {
		t.Fatalf("expected %d metric passes, got %v", len(want), scorer.seen)
	}
	for i := range want {
		if scorer.seen[i] != want[i] {
			t.Fatalf("metric pass %d saw %d samples, want %d", i, scorer.seen[i], want[i])
		}
	}
}

func TestDefaultHookLogsEveryNthBatch(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&constModel{}, &scriptedCriterion{}, &countingOptimizer{}, "every",
		WithLogDir(t.TempDir()), WithLogger(log.New(&buf, "", 0)), WithScorer(&constScorer{}),
		WithLogEvery(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	loader := &model.SliceLoader{Batches: []model.Batch{batchOf(1), batchOf(1), batchOf(1), batchOf(1), batchOf(1)}}
	if _, err := l.lossPass(context.Background(), "run", "train", 0, loader, device.CPU, true); err != nil {
		t.Fatalf("lossPass: %v", err)
	}
	var batchLines []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, " batch=") {
			batchLines = append(batchLines, line)
		}
	}
	if len(batchLines) != 2 {
		t.Fatalf("expected 2 batch lines, got %d: %q", len(batchLines), batchLines)
	}
	if !strings.Contains(batchLines[0], "batch=1 ") || !strings.Contains(batchLines[1], "batch=3 ") {
		t.Fatalf("unexpected batch lines %q", batchLines)
	}
	if !strings.Contains(buf.String(), "last_loss=") {
		t.Fatalf("pass summary missing last_loss: %q", buf.String())
	}
}
