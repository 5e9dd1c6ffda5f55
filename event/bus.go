//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package event

import (
	"context"
	"sync"
)

const defaultBusBufferSize = 256

// Bus is the per-run event stream. Publishers drop events rejected by the
// filter; the consumer reads from Events until the bus is closed.
//
// Ownership: the run that produces events owns the bus and must call Close
// exactly once after the final event has been published, mirroring the
// producer-closes-channel convention used throughout the executor.
type Bus struct {
	ch        chan *Event
	filter    *Filter
	closeOnce sync.Once
}

// BusOption configures a Bus.
type BusOption func(*busOptions)

type busOptions struct {
	bufferSize int
	filter     *Filter
}

// WithBufferSize sets the channel buffer size of the bus.
func WithBufferSize(size int) BusOption {
	return func(o *busOptions) {
		o.bufferSize = size
	}
}

// WithFilter sets the mute/unmute filter applied on publish.
func WithFilter(filter *Filter) BusOption {
	return func(o *busOptions) {
		o.filter = filter
	}
}

// NewBus creates a new event bus.
func NewBus(opts ...BusOption) *Bus {
	options := busOptions{bufferSize: defaultBusBufferSize}
	for _, opt := range opts {
		opt(&options)
	}
	return &Bus{
		ch:     make(chan *Event, options.bufferSize),
		filter: options.filter,
	}
}

// Publish emits an event to the bus. Muted events are silently dropped.
// Publish returns ctx.Err() when the context is cancelled before the event
// can be buffered.
func (b *Bus) Publish(ctx context.Context, e *Event) error {
	if e == nil {
		return nil
	}
	if !b.filter.Allows(e.Tags) {
		return nil
	}
	select {
	case b.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side of the bus.
func (b *Bus) Events() <-chan *Event {
	return b.ch
}

// Close closes the bus. Only the publisher may call Close, after its final
// Publish has returned.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.ch)
	})
}
