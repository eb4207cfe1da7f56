package storage

import "context"

// Cursor streams query results. Next returns ok=false once the stream is
// exhausted; Close releases backend resources and must be called even on
// early exit, so streaming endpoints can drop the cursor when the client
// disconnects.
type Cursor[T any] interface {
	Next(ctx context.Context) (T, bool, error)
	Close()
}

// SliceCursor serves rows from memory. It backs the memory driver and
// drivers that buffer a backend result set.
type SliceCursor[T any] struct {
	rows []T
	pos  int
}

// NewSliceCursor wraps rows in a Cursor.
func NewSliceCursor[T any](rows []T) *SliceCursor[T] {
	return &SliceCursor[T]{rows: rows}
}

func (c *SliceCursor[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	if c.pos >= len(c.rows) {
		return zero, false, nil
	}
	row := c.rows[c.pos]
	c.pos++
	return row, true, nil
}

func (c *SliceCursor[T]) Close() { c.rows = nil }

// Len returns the number of rows remaining, which streaming responses use
// for the element count header.
func (c *SliceCursor[T]) Len() int { return len(c.rows) - c.pos }

// MapCursor transforms each row of an inner cursor.
func MapCursor[T, U any](inner Cursor[T], fn func(T) (U, error)) Cursor[U] {
	return &mapCursor[T, U]{inner: inner, fn: fn}
}

type mapCursor[T, U any] struct {
	inner Cursor[T]
	fn    func(T) (U, error)
}

func (c *mapCursor[T, U]) Next(ctx context.Context) (U, bool, error) {
	var zero U
	row, ok, err := c.inner.Next(ctx)
	if err != nil || !ok {
		return zero, false, err
	}
	out, err := c.fn(row)
	if err != nil {
		return zero, false, err
	}
	return out, true, nil
}

func (c *mapCursor[T, U]) Close() { c.inner.Close() }
