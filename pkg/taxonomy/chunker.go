package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/neverdrugs/catalog-engine/pkg/apperrors"
)

// Chunker splits a stream into batches of at most size records, preserving
// input order. Batches are materialized so a retried job reprocesses
// exactly the same records.
//
// If the stream fails mid-batch the partial batch is discarded and the
// failure, wrapping apperrors.ErrStreamFailed, is returned from this and
// every later call.
type Chunker[T any] struct {
	stream Stream[T]
	size   int
	err    error
}

// NewChunker returns a chunker over stream. Sizes below 1 are treated as 1.
func NewChunker[T any](stream Stream[T], size int) *Chunker[T] {
	if size < 1 {
		size = 1
	}
	return &Chunker[T]{stream: stream, size: size}
}

// Next returns the next batch, or io.EOF once the stream is exhausted.
func (c *Chunker[T]) Next(ctx context.Context) ([]T, error) {
	if c.err != nil {
		return nil, c.err
	}

	batch := make([]T, 0, c.size)
	for len(batch) < c.size {
		item, err := c.stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.err = fmt.Errorf("%w after %d records of current batch: %w", apperrors.ErrStreamFailed, len(batch), err)
			return nil, c.err
		}
		batch = append(batch, item)
	}

	if len(batch) == 0 {
		c.err = io.EOF
		return nil, io.EOF
	}
	return batch, nil
}
