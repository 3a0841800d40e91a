package model

import "context"

// SliceLoader serves a fixed list of batches, restarting on every Iter.
type SliceLoader struct {
	Batches []Batch
}

// Iter starts a traversal over the batches.
func (s *SliceLoader) Iter(ctx context.Context) (BatchIterator, error) {
	return &sliceIterator{ctx: ctx, batches: s.Batches}, nil
}

type sliceIterator struct {
	ctx     context.Context
	batches []Batch
	pos     int
}

func (it *sliceIterator) Next() (Batch, bool, error) {
	if err := it.ctx.Err(); err != nil {
		return Batch{}, false, err
	}
	if it.pos >= len(it.batches) {
		return Batch{}, false, nil
	}
	b := it.batches[it.pos]
	it.pos++
	return b, true, nil
}

func (it *sliceIterator) Close() error { return nil }
