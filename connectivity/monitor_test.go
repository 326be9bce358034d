package connectivity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamthanushgowdap/APSConnect-sub000/internal/clock"
)

func TestMonitor_PublishesAfterDebounce(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	var drains atomic.Int32

	m := NewMonitor(Options{
		Clock:         clk,
		Debounce:      250 * time.Millisecond,
		InitialOnline: false,
		OnOnline:      func() { drains.Add(1) },
	})

	m.Set(true)
	assert.False(t, m.Online(), "state must not flip before the debounce settles")

	clk.Advance(249 * time.Millisecond)
	assert.False(t, m.Online())
	assert.Equal(t, int32(0), drains.Load())

	clk.Advance(time.Millisecond)
	assert.True(t, m.Online(), "state flips once the debounce elapses")
	assert.Equal(t, int32(1), drains.Load(), "drain fires exactly once per transition")
}

func TestMonitor_FlappingCollapsesToFinalState(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	var drains atomic.Int32

	m := NewMonitor(Options{
		Clock:         clk,
		Debounce:      250 * time.Millisecond,
		InitialOnline: false,
		OnOnline:      func() { drains.Add(1) },
	})

	// online/offline/online inside the window: only the final online counts.
	m.Set(true)
	clk.Advance(100 * time.Millisecond)
	m.Set(false)
	clk.Advance(100 * time.Millisecond)
	m.Set(true)

	clk.Advance(250 * time.Millisecond)
	assert.True(t, m.Online())
	assert.Equal(t, int32(1), drains.Load(), "a flap burst must trigger one drain, not three")
}

func TestMonitor_FlapBackToCurrentStatePublishesNothing(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	var drains atomic.Int32

	m := NewMonitor(Options{
		Clock:         clk,
		Debounce:      250 * time.Millisecond,
		InitialOnline: true,
		OnOnline:      func() { drains.Add(1) },
	})

	m.Set(false)
	clk.Advance(100 * time.Millisecond)
	m.Set(true) // back to where we started before settling

	clk.Advance(time.Second)
	assert.True(t, m.Online())
	assert.Equal(t, int32(0), drains.Load(), "returning to the settled state is not a transition")
}

func TestMonitor_OnlineToOfflineDoesNotDrain(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	var drains atomic.Int32

	m := NewMonitor(Options{
		Clock:         clk,
		InitialOnline: true,
		OnOnline:      func() { drains.Add(1) },
	})

	m.Set(false)
	clk.Advance(DefaultDebounce)
	assert.False(t, m.Online())
	assert.Equal(t, int32(0), drains.Load(), "going offline never triggers a drain")

	// A later recovery does.
	m.Set(true)
	clk.Advance(DefaultDebounce)
	assert.Equal(t, int32(1), drains.Load())
}

func TestMonitor_RedundantSignalsAreIgnored(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	var drains atomic.Int32

	m := NewMonitor(Options{
		Clock:         clk,
		InitialOnline: true,
		OnOnline:      func() { drains.Add(1) },
	})

	m.Set(true)
	m.Set(true)
	clk.Advance(time.Second)
	assert.Equal(t, int32(0), drains.Load(), "already-online signals must not re-trigger the drain")
}

func TestMonitor_ProbeFeedsState(t *testing.T) {
	var online atomic.Bool
	probed := make(chan struct{}, 16)

	m := NewMonitor(Options{
		Debounce:      time.Millisecond,
		ProbeInterval: 5 * time.Millisecond,
		InitialOnline: true,
		Probe: func(ctx context.Context) bool {
			select {
			case probed <- struct{}{}:
			default:
			}
			return online.Load()
		},
	})

	m.Start(context.Background())
	defer m.Stop()

	select {
	case <-probed:
	case <-time.After(2 * time.Second):
		t.Fatal("probe was never polled")
	}

	deadline := time.After(2 * time.Second)
	for m.Online() {
		select {
		case <-deadline:
			t.Fatal("monitor never observed the probe reporting offline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.False(t, m.Online())
}

func TestMonitor_StopSuppressesPendingTransition(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	var drains atomic.Int32

	m := NewMonitor(Options{
		Clock:         clk,
		InitialOnline: false,
		OnOnline:      func() { drains.Add(1) },
	})

	m.Set(true)
	m.Stop()
	clk.Advance(time.Second)

	assert.Equal(t, int32(0), drains.Load(), "a stopped monitor publishes nothing")
	require.False(t, m.Online())
}
