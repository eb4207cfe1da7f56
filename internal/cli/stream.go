package cli

import "context"

// Iterator is the pull-based element stream flowing through a pipeline.
// The consumer drives upstream work; Close releases held resources and
// must be safe to call more than once.
type Iterator interface {
	Next(ctx context.Context) (any, bool, error)
	Close()
}

type sliceIterator struct {
	items []any
	pos   int
}

// NewSliceIterator streams a fixed slice.
func NewSliceIterator(items []any) Iterator {
	return &sliceIterator{items: items}
}

func (s *sliceIterator) Next(ctx context.Context) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.pos >= len(s.items) {
		return nil, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}

func (s *sliceIterator) Close() { s.pos = len(s.items) }

type funcIterator struct {
	next    func(ctx context.Context) (any, bool, error)
	close   func()
	stopped bool
}

// iterate builds an iterator from a next function and an optional
// cleanup.
func iterate(next func(ctx context.Context) (any, bool, error), close func()) Iterator {
	return &funcIterator{next: next, close: close}
}

func (f *funcIterator) Next(ctx context.Context) (any, bool, error) {
	if f.stopped {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return f.next(ctx)
}

func (f *funcIterator) Close() {
	if f.stopped {
		return
	}
	f.stopped = true
	if f.close != nil {
		f.close()
	}
}

// Collect drains the iterator into a slice and closes it.
func Collect(ctx context.Context, it Iterator) ([]any, error) {
	defer it.Close()
	var out []any
	for {
		item, ok, err := it.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, item)
	}
}

// Drain consumes and discards the iterator.
func Drain(ctx context.Context, it Iterator) error {
	_, err := Collect(ctx, it)
	return err
}

// concatIterator chains the outputs of several iterators in order.
type concatIterator struct {
	iters []Iterator
	pos   int
}

func concat(iters ...Iterator) Iterator {
	return &concatIterator{iters: iters}
}

func (c *concatIterator) Next(ctx context.Context) (any, bool, error) {
	for c.pos < len(c.iters) {
		item, ok, err := c.iters[c.pos].Next(ctx)
		if err != nil || ok {
			return item, ok, err
		}
		c.iters[c.pos].Close()
		c.pos++
	}
	return nil, false, nil
}

func (c *concatIterator) Close() {
	for ; c.pos < len(c.iters); c.pos++ {
		c.iters[c.pos].Close()
	}
}
