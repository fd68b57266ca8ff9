package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrder(t *testing.T) {
	s := New("test")
	defer func() { require.NoError(t, s.Close()) }()

	var mu sync.Mutex
	var got []int
	for i := range 100 {
		require.NoError(t, s.Enqueue(func() error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
			return nil
		}))
	}
	require.NoError(t, s.Sync(context.Background()))
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestStickyError(t *testing.T) {
	s := New("failing")
	defer func() { _ = s.Close() }()

	ran := false
	require.NoError(t, s.Enqueue(func() error { return errors.New("boom") }))
	require.NoError(t, s.Enqueue(func() error {
		ran = true
		return nil
	}))
	err := s.Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, ran)

	// Error is cleared by Sync.
	require.NoError(t, s.Enqueue(func() error {
		ran = true
		return nil
	}))
	require.NoError(t, s.Sync(context.Background()))
	assert.True(t, ran)
}

func TestWaitEvent(t *testing.T) {
	producer, consumer := New("producer"), New("consumer")
	defer func() {
		require.NoError(t, producer.Close())
		require.NoError(t, consumer.Close())
	}()

	release := make(chan struct{})
	value := 0
	require.NoError(t, producer.Enqueue(func() error {
		<-release
		value = 42
		return nil
	}))
	produced, err := producer.Record()
	require.NoError(t, err)
	require.NoError(t, consumer.WaitEvent(produced))
	var seen int
	require.NoError(t, consumer.Enqueue(func() error {
		seen = value
		return nil
	}))

	assert.False(t, produced.Test())
	close(release)
	require.NoError(t, consumer.Sync(context.Background()))
	assert.True(t, produced.Test())
	assert.Equal(t, 42, seen)
}

func TestSyncDeadline(t *testing.T) {
	s := New("stuck")
	release := make(chan struct{})
	require.NoError(t, s.Enqueue(func() error {
		<-release
		return nil
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Sync(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.Close())
	assert.Error(t, s.Enqueue(func() error { return nil }))
	assert.NoError(t, s.Close())
}
