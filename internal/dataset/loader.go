package dataset

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/pkg/errors"

	"boxforge/internal/detection"
	"boxforge/internal/model"
)

// DefaultFeatureGrid is the side of the intensity grid an image is
// reduced to.
const DefaultFeatureGrid = 16

// LoaderOptions configures a shard-backed Loader.
type LoaderOptions struct {
	Roots       map[string][]string
	Grid        detection.Grid
	BatchSize   int
	NumWorkers  int
	Seed        int64
	Shuffle     bool
	FeatureGrid int
	PendingCap  int
}

// Loader serves batches from WebDataset shards. Every Iter re-reads the
// shards, so it can be traversed once per epoch.
type Loader struct {
	opts    LoaderOptions
	epoch   int64
	skipped int
}

// NewLoader validates opts.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if len(opts.Roots) == 0 {
		return nil, errors.New("loader: no dataset roots provided")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if err := opts.Grid.Validate(); err != nil {
		return nil, err
	}
	if opts.FeatureGrid <= 0 {
		opts.FeatureGrid = DefaultFeatureGrid
	}
	return &Loader{opts: opts}, nil
}

// Skipped reports how many samples were dropped for undecodable images
// across all passes so far.
func (l *Loader) Skipped() int { return l.skipped }

// InputSize is the number of features per sample.
func (l *Loader) InputSize() int {
	return l.opts.FeatureGrid * l.opts.FeatureGrid
}

// Iter starts a pass over every shard. Shuffled loaders draw a new shard
// order per pass.
func (l *Loader) Iter(ctx context.Context) (model.BatchIterator, error) {
	ctx, cancel := context.WithCancel(ctx)
	samples, errs, err := StartSampler(ctx, SamplerOptions{
		Roots:      l.opts.Roots,
		Seed:       l.opts.Seed + l.epoch,
		Shuffle:    l.opts.Shuffle,
		NumWorkers: l.opts.NumWorkers,
		PendingCap: l.opts.PendingCap,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	l.epoch++
	return &iterator{
		ctx:     ctx,
		cancel:  cancel,
		samples: samples,
		errs:    errs,
		loader:  l,
	}, nil
}

type iterator struct {
	ctx     context.Context
	cancel  context.CancelFunc
	samples <-chan Sample
	errs    <-chan error
	loader  *Loader
	done    bool
}

func (it *iterator) Next() (model.Batch, bool, error) {
	if it.done {
		return model.Batch{}, false, nil
	}
	opts := it.loader.opts
	featureSize := opts.FeatureGrid * opts.FeatureGrid
	labelSize := opts.Grid.Size()
	inputs := make([]float64, 0, opts.BatchSize*featureSize)
	labels := make([]float64, 0, opts.BatchSize*labelSize)
	n := 0
	for n < opts.BatchSize {
		select {
		case <-it.ctx.Done():
			return model.Batch{}, false, it.ctx.Err()
		case err, ok := <-it.errs:
			if !ok {
				it.errs = nil
				continue
			}
			if err != nil {
				return model.Batch{}, false, err
			}
		case sample, ok := <-it.samples:
			if !ok {
				it.done = true
				if err := it.drainErr(); err != nil {
					return model.Batch{}, false, err
				}
				if n == 0 {
					return model.Batch{}, false, nil
				}
				return opts.batch(n, inputs, labels), true, nil
			}
			features, err := extractFeatures(sample.Image, opts.FeatureGrid)
			if err != nil {
				it.loader.skipped++
				continue
			}
			row, err := opts.Grid.Encode(sample.Objects)
			if err != nil {
				return model.Batch{}, false, errors.Wrapf(err, "sample %s", sample.Key)
			}
			inputs = append(inputs, features...)
			labels = append(labels, row...)
			n++
		}
	}
	return opts.batch(n, inputs, labels), true, nil
}

func (o LoaderOptions) batch(n int, inputs, labels []float64) model.Batch {
	return model.Batch{
		Inputs: model.Matrix(n, o.FeatureGrid*o.FeatureGrid, inputs),
		Labels: model.Matrix(n, o.Grid.Size(), labels),
	}
}

func (it *iterator) drainErr() error {
	if it.errs == nil {
		return nil
	}
	for err := range it.errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (it *iterator) Close() error {
	it.cancel()
	return nil
}

func extractFeatures(raw []byte, grid int) ([]float64, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	features := make([]float64, grid*grid)
	stepX := float64(width) / float64(grid)
	stepY := float64(height) / float64(grid)
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			px := bounds.Min.X + int(math.Min(float64(width-1), float64(gx)*stepX))
			py := bounds.Min.Y + int(math.Min(float64(height-1), float64(gy)*stepY))
			r, g, b, _ := img.At(px, py).RGBA()
			intensity := (float64(r) + float64(g) + float64(b)) / (3 * 65535.0)
			features[gy*grid+gx] = intensity
		}
	}
	return features, nil
}
