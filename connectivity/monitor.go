package connectivity

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/iamthanushgowdap/APSConnect-sub000/hooks"
	"github.com/iamthanushgowdap/APSConnect-sub000/internal/clock"
)

const (
	// DefaultDebounce is the settle time applied to raw connectivity
	// signals. Flapping inside the window collapses to the final state.
	DefaultDebounce = 250 * time.Millisecond

	// DefaultProbeInterval is how often the optional probe runs.
	DefaultProbeInterval = 5 * time.Second

	probeTimeout = 2 * time.Second
)

// ProbeFunc reports whether the remote store is currently reachable.
type ProbeFunc func(ctx context.Context) bool

// Options configures a Monitor.
type Options struct {
	Logger *slog.Logger
	Clock  clock.Clock
	Hooks  hooks.HookManager

	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration

	// Probe, when set, is polled every ProbeInterval and feeds Set. A
	// monitor without a probe relies entirely on pushed Set calls.
	Probe         ProbeFunc
	ProbeInterval time.Duration

	// InitialOnline is the state assumed before any signal arrives.
	InitialOnline bool

	// OnOnline runs once per settled offline-to-online transition. It is
	// invoked from the debounce timer goroutine and must return quickly;
	// long work belongs in a goroutine of its own.
	OnOnline func()
}

// Monitor tracks the online/offline state of the host environment. Raw
// signals arrive via Set (pushed) or the probe (polled); a transition is
// published only after it survives the debounce window.
type Monitor struct {
	logger *slog.Logger
	clock  clock.Clock
	hooks  hooks.HookManager

	debounce      time.Duration
	probe         ProbeFunc
	probeInterval time.Duration
	onOnline      func()

	mu            sync.Mutex
	online        bool
	target        bool
	debouncing    bool
	debounceTimer clock.Timer

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewMonitor creates a Monitor. Start must be called before the probe runs;
// Set works immediately.
func NewMonitor(opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.SystemClockDefault
	}
	hookManager := opts.Hooks
	if hookManager == nil {
		hookManager = hooks.NewHookManager(logger)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	probeInterval := opts.ProbeInterval
	if probeInterval <= 0 {
		probeInterval = DefaultProbeInterval
	}

	return &Monitor{
		logger:        logger.With("component", "ConnectivityMonitor"),
		clock:         clk,
		hooks:         hookManager,
		debounce:      debounce,
		probe:         opts.Probe,
		probeInterval: probeInterval,
		onOnline:      opts.OnOnline,
		online:        opts.InitialOnline,
		target:        opts.InitialOnline,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the probe loop when a probe is configured. It is a no-op
// otherwise.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	if m.probe == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
				online := m.probe(probeCtx)
				cancel()
				m.Set(online)
			}
		}
	}()
}

// Set feeds a raw connectivity signal. The state change is published after
// the debounce window; opposite signals inside the window cancel each other.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	m.target = online

	if m.debouncing {
		// Re-arm toward the latest target; only the final state of a flap
		// burst is published.
		m.debounceTimer.Stop()
	} else if online == m.online {
		return
	}

	m.debouncing = true
	m.debounceTimer = m.clock.AfterFunc(m.debounce, m.settle)
}

func (m *Monitor) settle() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.debouncing = false
	if m.target == m.online {
		m.mu.Unlock()
		return
	}
	m.online = m.target
	online := m.online
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	if err := m.hooks.Trigger(context.Background(), hooks.NewConnectivityChangedEvent(hooks.ConnectivityChangedPayload{
		Online: online,
	})); err != nil {
		m.logger.Error("connectivity hook failed", "error", err)
	}

	if online && m.onOnline != nil {
		m.onOnline()
	}
}

// Online returns the settled connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Stop halts the probe loop and suppresses any in-flight debounce.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}
