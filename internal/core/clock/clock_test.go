package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_SleepAdvances(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	require.NoError(t, f.Sleep(context.Background(), 2*time.Second))
	require.NoError(t, f.Sleep(context.Background(), 4*time.Second))

	assert.Equal(t, start.Add(6*time.Second), f.Now())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, f.Sleeps())
}

func TestFake_SleepCancelled(t *testing.T) {
	f := NewFake(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.Sleep(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.Sleeps())
}

func TestReal_SleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Real{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
