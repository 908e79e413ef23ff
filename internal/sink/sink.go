// Package sink delivers normalized changes to downstream consumers.
package sink

import (
	"context"
	"log"

	"github.com/macjediwizard/deltabridge/internal/deltasync"
	"github.com/macjediwizard/deltabridge/internal/provider"
)

var (
	_ deltasync.Sink = ChannelSink(nil)
	_ deltasync.Sink = LogSink{}
	_ deltasync.Sink = Multi(nil)
	_ deltasync.Sink = (*JetStreamSink)(nil)
)

// ChannelSink hands each batch to a channel. Push blocks until the batch
// is received or ctx is done.
type ChannelSink chan []provider.NormalizedChange

// Push implements deltasync.Sink.
func (s ChannelSink) Push(ctx context.Context, changes []provider.NormalizedChange) error {
	batch := make([]provider.NormalizedChange, len(changes))
	copy(batch, changes)
	select {
	case s <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink logs a summary of each batch.
type LogSink struct{}

// Push implements deltasync.Sink.
func (LogSink) Push(ctx context.Context, changes []provider.NormalizedChange) error {
	if len(changes) == 0 {
		return nil
	}
	var created, updated, deleted int
	for _, ch := range changes {
		switch ch.Kind {
		case provider.ChangeCreated:
			created++
		case provider.ChangeUpdated:
			updated++
		case provider.ChangeDeleted:
			deleted++
		}
	}
	first := changes[0]
	log.Printf("Delivered %d changes for %s/%s (%d created, %d updated, %d deleted)",
		len(changes), first.AccountID, first.ResourceType, created, updated, deleted)
	return nil
}

// Multi pushes every batch to each sink in order and stops at the first failure.
type Multi []deltasync.Sink

// Push implements deltasync.Sink.
func (m Multi) Push(ctx context.Context, changes []provider.NormalizedChange) error {
	for _, s := range m {
		if err := s.Push(ctx, changes); err != nil {
			return err
		}
	}
	return nil
}
