//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterAllowsEverythingByDefault(t *testing.T) {
	var f *Filter
	assert.True(t, f.Allows([]string{"agent:main"}))
	assert.True(t, (&Filter{}).Allows([]string{"agent:main"}))
}

func TestFilterMutesByPrefix(t *testing.T) {
	f := &Filter{Mute: [][]string{{"agent:researcher"}}}
	assert.False(t, f.Allows([]string{"agent:researcher"}))
	assert.False(t, f.Allows([]string{"agent:researcher", "tool:search"}))
	assert.True(t, f.Allows([]string{"agent:writer"}))
	// A shorter tag path than the mute prefix never matches.
	assert.True(t, f.Allows(nil))
}

func TestFilterUnmuteOverridesWhenMoreSpecific(t *testing.T) {
	f := &Filter{
		Mute:   [][]string{{"agent:researcher"}},
		Unmute: [][]string{{"agent:researcher", "tool:search"}},
	}
	assert.False(t, f.Allows([]string{"agent:researcher"}))
	assert.False(t, f.Allows([]string{"agent:researcher", "tool:scrape"}))
	assert.True(t, f.Allows([]string{"agent:researcher", "tool:search"}))
	assert.True(t, f.Allows([]string{"agent:researcher", "tool:search", "sub"}))
}

func TestFilterLongestPrefixWins(t *testing.T) {
	f := &Filter{
		Mute:   [][]string{{"a"}, {"a", "b", "c"}},
		Unmute: [][]string{{"a", "b"}},
	}
	// The unmute covers the short mute but not the deeper one.
	assert.True(t, f.Allows([]string{"a", "b"}))
	assert.False(t, f.Allows([]string{"a", "b", "c"}))
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, New("r1", TypeRunStart)))
	require.NoError(t, bus.Publish(ctx, New("r1", TypeRunEnd)))
	bus.Close()

	var types []Type
	for e := range bus.Events() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []Type{TypeRunStart, TypeRunEnd}, types)
}

func TestBusDropsMutedEvents(t *testing.T) {
	bus := NewBus(WithFilter(&Filter{Mute: [][]string{{"agent:quiet"}}}))
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, New("r1", TypeToolStart, WithTags("agent:quiet"))))
	require.NoError(t, bus.Publish(ctx, New("r1", TypeToolStart, WithTags("agent:loud"))))
	bus.Close()

	var got []*Event
	for e := range bus.Events() {
		got = append(got, e)
	}
	require.Len(t, got, 1)
	assert.Equal(t, []string{"agent:loud"}, got[0].Tags)
}

func TestBusPublishRespectsContextWhenFull(t *testing.T) {
	bus := NewBus(WithBufferSize(1))
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, New("r1", TypeRunStart)))

	cancelled, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := bus.Publish(cancelled, New("r1", TypeRunEnd))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBusCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	bus.Close()
	assert.NotPanics(t, bus.Close)
}
