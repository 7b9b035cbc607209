// Package taxonomy turns external taxonomy and clinical feeds into ordered
// record streams and bounded batches for the import pipeline.
//
// The command line reads pre-fetched files (OpenJSONLines and the Load*
// helpers). Walker is the stream for programs that embed a crawler: they
// supply the ChildFetcher that talks to the external source.
package taxonomy

import (
	"context"
	"io"
)

// Stream yields records one at a time. Next returns io.EOF after the last
// record. Any other error terminates the stream.
type Stream[T any] interface {
	Next(ctx context.Context) (T, error)
}

// SliceStream streams a pre-fetched slice.
type SliceStream[T any] struct {
	items []T
	pos   int
}

// NewSliceStream returns a stream over items in order.
func NewSliceStream[T any](items []T) *SliceStream[T] {
	return &SliceStream[T]{items: items}
}

func (s *SliceStream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if s.pos >= len(s.items) {
		return zero, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	return item, nil
}
