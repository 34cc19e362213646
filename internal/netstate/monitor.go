package netstate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amirmatini/offcache/internal/logging"
	"github.com/amirmatini/offcache/internal/metrics"
)

const defaultPollInterval = 5 * time.Second

// Monitor polls a Source and fans state transitions out to observers.
type Monitor struct {
	source   Source
	interval time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	current   State
	observers map[string]chan State

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor and takes an initial reading from source.
func NewMonitor(source Source, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	m := &Monitor{
		source:    source,
		interval:  interval,
		logger:    logging.Named(logger, "netstate"),
		observers: make(map[string]chan State),
	}
	m.current = source.State(context.Background())
	metrics.SetNetworkState(int(m.current))
	return m
}

// Current returns the last observed state.
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Refresh re-reads the source and publishes a transition if the state
// changed.
func (m *Monitor) Refresh(ctx context.Context) State {
	state := m.source.State(ctx)
	m.set(state)
	return state
}

func (m *Monitor) set(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state == m.current {
		return
	}
	m.logger.Info("network state changed",
		zap.Stringer("from", m.current),
		zap.Stringer("to", state),
	)
	m.current = state
	metrics.SetNetworkState(int(state))

	for _, ch := range m.observers {
		deliverLatest(ch, state)
	}
}

// deliverLatest leaves state as the only pending value in ch.
func deliverLatest(ch chan State, state State) {
	select {
	case ch <- state:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- state:
	default:
	}
}

// Observe returns a channel that immediately yields the current state and
// then every transition. A slow observer only ever sees the latest state.
// The channel is closed by the returned cancel function.
func (m *Monitor) Observe() (<-chan State, func()) {
	ch := make(chan State, 1)
	id := uuid.NewString()

	m.mu.Lock()
	ch <- m.current
	m.observers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Start begins polling in the background. Calling Start on a running
// monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

// Stop halts polling and waits for the loop to exit. Observers stay
// registered and keep the last state.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	var changed <-chan struct{}
	if n, ok := m.source.(Notifier); ok {
		changed = n.Changed()
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		case <-changed:
			m.Refresh(ctx)
		}
	}
}
