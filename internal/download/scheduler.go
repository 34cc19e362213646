// Package download runs the prioritized, network-gated media download queue.
package download

import (
	"container/heap"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/amirmatini/offcache/internal/cache"
	"github.com/amirmatini/offcache/internal/fetch"
	"github.com/amirmatini/offcache/internal/logging"
	"github.com/amirmatini/offcache/internal/metrics"
	"github.com/amirmatini/offcache/internal/netstate"
)

const (
	DefaultWorkers          = 2
	DefaultIdlePollInterval = 2 * time.Second
)

// Store is the part of the cache the scheduler writes through.
type Store interface {
	Contains(ref string) bool
	Write(ctx context.Context, ref string, kind cache.MediaKind, src io.Reader, estimatedSize int64, knownChecksum string) (cache.Entry, error)
}

// Network supplies the admission state.
type Network interface {
	Current() netstate.State
	Observe() (<-chan netstate.State, func())
}

type Config struct {
	Workers       int
	AllowCellular bool
	// IdlePollInterval bounds how long an idle worker sleeps before
	// re-checking admission on its own.
	IdlePollInterval time.Duration
	// CellularRateLimit caps download throughput in bytes per second while
	// on cellular. Zero means unlimited.
	CellularRateLimit int64
}

// Stats counts tasks by status.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Scheduler owns the pending queue and a fixed pool of workers. At most one
// pending or in-progress task exists per remote ref.
type Scheduler struct {
	store   Store
	fetcher fetch.Fetcher
	network Network
	logger  *zap.Logger

	workers       int
	pollInterval  time.Duration
	allowCellular atomic.Bool
	cellLimiter   *rate.Limiter

	mu     sync.Mutex
	queue  taskQueue
	tasks  map[string]*task
	seq    uint64
	active int
	wake   chan struct{}

	runMu   sync.Mutex
	cancel  context.CancelCauseFunc
	wg      sync.WaitGroup
	unwatch func()

	events *eventHub
}

func NewScheduler(cfg Config, store Store, fetcher fetch.Fetcher, network Network, logger *zap.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = DefaultIdlePollInterval
	}

	s := &Scheduler{
		store:        store,
		fetcher:      fetcher,
		network:      network,
		logger:       logging.Named(logger, "download"),
		workers:      cfg.Workers,
		pollInterval: cfg.IdlePollInterval,
		tasks:        make(map[string]*task),
		wake:         make(chan struct{}),
		events:       newEventHub(),
	}
	s.allowCellular.Store(cfg.AllowCellular)
	if cfg.CellularRateLimit > 0 {
		s.cellLimiter = rate.NewLimiter(rate.Limit(cfg.CellularRateLimit), limiterBurst(cfg.CellularRateLimit))
	}
	return s
}

func limiterBurst(limit int64) int {
	const maxBurst = 64 * 1024
	if limit < maxBurst {
		return int(limit)
	}
	return maxBurst
}

// signal wakes every idle worker. Must be called with mu held.
func (s *Scheduler) signalLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Scheduler) signal() {
	s.mu.Lock()
	s.signalLocked()
	s.mu.Unlock()
}

// Enqueue adds a download unless ref is already cached or already has a
// pending or in-progress task. It reports whether a task was created.
func (s *Scheduler) Enqueue(ref, url string, kind cache.MediaKind, priority Priority) bool {
	if s.store.Contains(ref) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(ref, url, kind, priority)
}

// EnqueueMany enqueues every request at the same priority, keeping their
// order within the band. It returns the number of tasks created.
func (s *Scheduler) EnqueueMany(reqs []Request, priority Priority) int {
	fresh := make([]Request, 0, len(reqs))
	for _, r := range reqs {
		if !s.store.Contains(r.RemoteRef) {
			fresh = append(fresh, r)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range fresh {
		if s.enqueueLocked(r.RemoteRef, r.URL, r.Kind, priority) {
			n++
		}
	}
	return n
}

func (s *Scheduler) enqueueLocked(ref, url string, kind cache.MediaKind, priority Priority) bool {
	if existing, ok := s.tasks[ref]; ok {
		if existing.Status.Active() {
			return false
		}
		// The task may have committed after the caller's unlocked check.
		if existing.Status == StatusCompleted && s.store.Contains(ref) {
			return false
		}
	}

	s.seq++
	t := &task{
		Task: Task{
			ID:         uuid.NewString(),
			RemoteRef:  ref,
			URL:        url,
			Kind:       kind,
			Priority:   priority,
			Status:     StatusPending,
			TotalBytes: -1,
			CreatedAt:  time.Now(),
		},
		seq: s.seq,
	}
	s.tasks[ref] = t
	heap.Push(&s.queue, t)

	s.logger.Debug("enqueued",
		zap.String("ref", ref),
		zap.Stringer("priority", priority),
		zap.String("task_id", t.ID),
	)
	s.publishLocked(t)
	s.signalLocked()
	return true
}

// Cancel removes a pending task from the queue or aborts an in-flight one.
// Partial data of an aborted transfer is discarded. It reports whether
// there was an active task for ref.
func (s *Scheduler) Cancel(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[ref]
	if !ok || !t.Status.Active() {
		return false
	}

	if t.Status == StatusPending {
		heap.Remove(&s.queue, t.index)
		now := time.Now()
		t.Status = StatusCancelled
		t.CompletedAt = &now
		t.Error = ErrTaskCancelled.Error()
		metrics.RecordTaskFinished(string(StatusCancelled))
		s.logger.Info("cancelled pending download", zap.String("ref", ref))
		s.publishLocked(t)
		return true
	}

	// The worker records the terminal state once the transfer unwinds.
	t.cancel(ErrTaskCancelled)
	return true
}

// SetCellularDownloadsAllowed opens or closes the admission gate for
// cellular connectivity.
func (s *Scheduler) SetCellularDownloadsAllowed(allowed bool) {
	s.allowCellular.Store(allowed)
	s.signal()
}

// CellularDownloadsAllowed reports the cellular gate setting.
func (s *Scheduler) CellularDownloadsAllowed() bool {
	return s.allowCellular.Load()
}

// Admitted reports whether workers may start transfers in the given state.
func (s *Scheduler) Admitted(state netstate.State) bool {
	switch state {
	case netstate.Wifi:
		return true
	case netstate.Cellular:
		return s.allowCellular.Load()
	default:
		return false
	}
}

// Start launches the worker pool. Tasks enqueued before Start wait in the
// queue. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancelCause(ctx)
	s.cancel = cancel

	states, unwatch := s.network.Observe()
	s.unwatch = unwatch
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-states:
				if !ok {
					return
				}
				s.signal()
			}
		}
	}()

	s.logger.Info("starting download workers", zap.Int("workers", s.workers))
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
}

// Stop aborts in-flight transfers and waits for the workers to exit.
// Pending tasks stay queued for a later Start.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel, unwatch := s.cancel, s.unwatch
	s.cancel, s.unwatch = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel(ErrSchedulerStopped)
	unwatch()
	s.wg.Wait()
	s.logger.Info("download workers stopped")
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	log := s.logger.With(zap.Int("worker", id))

	for {
		t, taskCtx, ok := s.claim(ctx)
		if !ok {
			return
		}
		s.run(taskCtx, t, log)
	}
}

// claim blocks until a task may start and marks it in progress. Admission
// is checked on every attempt. It returns false once ctx is done.
func (s *Scheduler) claim(ctx context.Context) (*task, context.Context, bool) {
	for {
		s.mu.Lock()
		wake := s.wake
		if ctx.Err() != nil {
			s.mu.Unlock()
			return nil, nil, false
		}
		if s.queue.Len() > 0 && s.Admitted(s.network.Current()) {
			t := heap.Pop(&s.queue).(*task)
			taskCtx, cancel := context.WithCancelCause(ctx)
			now := time.Now()
			t.Status = StatusInProgress
			t.StartedAt = &now
			t.cancel = cancel
			s.active++
			s.publishLocked(t)
			s.mu.Unlock()
			return t, taskCtx, true
		}
		s.mu.Unlock()

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, false
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (s *Scheduler) run(ctx context.Context, t *task, log *zap.Logger) {
	log = log.With(zap.String("ref", t.RemoteRef), zap.String("task_id", t.ID))
	log.Info("download started", zap.String("url", t.URL))

	err := s.transfer(ctx, t)
	s.finish(ctx, t, err, log)
}

func (s *Scheduler) transfer(ctx context.Context, t *task) error {
	resp, err := s.fetcher.Fetch(ctx, t.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	s.mu.Lock()
	t.TotalBytes = resp.ContentLength
	s.mu.Unlock()

	var src io.Reader = &progressReader{r: resp.Body, t: t}
	if s.cellLimiter != nil && s.network.Current() == netstate.Cellular {
		src = &limitedReader{ctx: ctx, r: src, limiter: s.cellLimiter}
	}

	_, err = s.store.Write(ctx, t.RemoteRef, t.Kind, src, resp.ContentLength, "")
	return err
}

func (s *Scheduler) finish(ctx context.Context, t *task, err error, log *zap.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cause := context.Cause(ctx)
	now := time.Now()
	t.CompletedAt = &now
	t.cancel(nil)
	s.active--

	switch {
	case err == nil:
		t.Status = StatusCompleted
		if t.TotalBytes < 0 {
			t.TotalBytes = t.downloaded.Load()
		}
		log.Info("download completed", zap.Int64("bytes", t.downloaded.Load()))
	case cause != nil:
		t.Status = StatusCancelled
		t.Error = cause.Error()
		log.Info("download cancelled", zap.Error(cause))
	default:
		t.Status = StatusFailed
		t.Error = err.Error()
		log.Warn("download failed", zap.Error(err))
	}

	metrics.RecordTaskFinished(string(t.Status))
	s.publishLocked(t)
}

func (s *Scheduler) publishLocked(t *task) {
	metrics.SetQueue(s.queue.Len(), s.active)
	s.events.publish(TaskEvent{Task: t.snapshot()})
}

// Snapshot returns the latest task for ref, including a terminal one that
// has not been pruned.
func (s *Scheduler) Snapshot(ref string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[ref]
	if !ok {
		return Task{}, false
	}
	return t.snapshot(), true
}

// Tasks returns snapshots of all known tasks, oldest first.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, t := range s.tasks {
		switch t.Status {
		case StatusPending:
			st.Pending++
		case StatusInProgress:
			st.InProgress++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// PruneFinished forgets terminal tasks and returns how many were dropped.
func (s *Scheduler) PruneFinished() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for ref, t := range s.tasks {
		if t.Status.Terminal() {
			delete(s.tasks, ref)
			n++
		}
	}
	return n
}

// Subscribe streams task transitions. Events are dropped for a subscriber
// whose buffer is full.
func (s *Scheduler) Subscribe(buffer int) (string, <-chan TaskEvent, func()) {
	return s.events.subscribe(buffer)
}

// Await blocks until the task for ref is terminal and returns it. If ctx
// ends while the task still waits for admission, the error wraps
// ErrNetworkUnavailable.
func (s *Scheduler) Await(ctx context.Context, ref string) (Task, error) {
	_, events, cancel := s.Subscribe(DefaultEventBuffer)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		t, ok := s.Snapshot(ref)
		if !ok {
			return Task{}, errors.New("no task for " + ref)
		}
		if t.Status.Terminal() {
			return t, nil
		}

		select {
		case <-ctx.Done():
			if t.Status == StatusPending && !s.Admitted(s.network.Current()) {
				return t, errors.Join(ErrNetworkUnavailable, ctx.Err())
			}
			return t, ctx.Err()
		case <-events:
		case <-ticker.C:
		}
	}
}

type progressReader struct {
	r io.Reader
	t *task
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.t.downloaded.Add(int64(n))
		metrics.AddDownloadedBytes(n)
	}
	return n, err
}

// limitedReader throttles reads with a shared token bucket.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(b []byte) (int, error) {
	if burst := l.limiter.Burst(); len(b) > burst {
		b = b[:burst]
	}
	n, err := l.r.Read(b)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
