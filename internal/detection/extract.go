package detection

import (
	"context"

	"github.com/pkg/errors"

	"boxforge/internal/device"
	"boxforge/internal/model"
)

// Extractor runs a model over a full loader traversal and collects
// predicted and ground-truth boxes.
type Extractor struct {
	Grid           Grid
	IoUThreshold   float64
	ScoreThreshold float64
	Format         Format
}

// NewExtractor returns an extractor with the usual 0.5 NMS overlap and
// 0.4 score cut-off.
func NewExtractor(g Grid) *Extractor {
	return &Extractor{Grid: g, IoUThreshold: 0.5, ScoreThreshold: 0.4, Format: Midpoint}
}

// Extract puts m in eval mode and returns suppressed predictions and the
// confident ground-truth boxes. SampleIdx counts samples across the whole
// traversal.
func (e *Extractor) Extract(ctx context.Context, loader model.Loader, m model.Model, dev device.Device) (pred, target []Box, err error) {
	m.SetTraining(false)
	it, err := loader.Iter(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "extract: start pass")
	}
	defer it.Close()

	sampleIdx := 0
	for {
		batch, ok, err := it.Next()
		if err != nil {
			return nil, nil, errors.Wrap(err, "extract: next batch")
		}
		if !ok {
			break
		}
		inputs, err := device.Place(dev, batch.Inputs)
		if err != nil {
			return nil, nil, err
		}
		labels, err := device.Place(dev, batch.Labels)
		if err != nil {
			return nil, nil, err
		}
		out, err := m.Forward(inputs)
		if err != nil {
			return nil, nil, errors.Wrap(err, "extract: forward")
		}
		if out, err = device.Place(dev, out); err != nil {
			return nil, nil, err
		}
		predCells, err := e.Grid.Decode(out)
		if err != nil {
			return nil, nil, errors.Wrap(err, "extract: decode predictions")
		}
		trueCells, err := e.Grid.Decode(labels)
		if err != nil {
			return nil, nil, errors.Wrap(err, "extract: decode labels")
		}
		if len(predCells) != len(trueCells) {
			return nil, nil, errors.Wrapf(model.ErrShapeMismatch, "extract: %d predictions for %d labels", len(predCells), len(trueCells))
		}
		for s := range predCells {
			for _, b := range NonMaxSuppression(predCells[s], e.IoUThreshold, e.ScoreThreshold, e.Format) {
				b.SampleIdx = sampleIdx
				pred = append(pred, b)
			}
			for _, b := range trueCells[s] {
				if b.Score > e.ScoreThreshold {
					b.SampleIdx = sampleIdx
					target = append(target, b)
				}
			}
			sampleIdx++
		}
	}
	return pred, target, nil
}

// Scorer computes mAP over a loader traversal.
type Scorer struct {
	Extractor    *Extractor
	IoUThreshold float64
}

// NewScorer scores at an IoU match threshold of 0.5.
func NewScorer(g Grid) *Scorer {
	return &Scorer{Extractor: NewExtractor(g), IoUThreshold: 0.5}
}

// Score returns the mean average precision of m over loader.
func (s *Scorer) Score(ctx context.Context, loader model.Loader, m model.Model, dev device.Device) (float64, error) {
	pred, target, err := s.Extractor.Extract(ctx, loader, m, dev)
	if err != nil {
		return 0, err
	}
	e := s.Extractor
	return MeanAveragePrecision(pred, target, s.IoUThreshold, e.Format, e.Grid.C), nil
}
