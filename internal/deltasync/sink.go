package deltasync

import (
	"context"

	"github.com/macjediwizard/deltabridge/internal/provider"
)

// Sink receives normalized changes. A returned error aborts the cycle
// before its cursor is persisted.
type Sink interface {
	Push(ctx context.Context, changes []provider.NormalizedChange) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, changes []provider.NormalizedChange) error

// Push calls f.
func (f SinkFunc) Push(ctx context.Context, changes []provider.NormalizedChange) error {
	return f(ctx, changes)
}
