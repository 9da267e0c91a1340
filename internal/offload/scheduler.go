package offload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kenneth/zk-share/internal/metrics"
	"github.com/kenneth/zk-share/internal/zkerr"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle of one dispatched operation.
type State int32

const (
	StateIdle State = iota
	StateDispatched
	StateCompleted
	StateFailed
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatched:
		return "dispatched"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config sizes the worker pool.
type Config struct {
	Workers      int
	QueueSize    int
	StartTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 5 * time.Second
	}
	return c
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Dispatched int64
	Completed  int64
	Dropped    int64
}

// Scheduler owns the worker goroutines and the pending-reply table.
type Scheduler struct {
	cfg         Config
	newExecutor ExecutorFactory
	logger      *logrus.Logger
	metrics     *metrics.Metrics

	requests chan Request
	replies  chan Reply
	done     chan struct{}
	wg       sync.WaitGroup
	sending  sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*Handle
	started bool
	stopped bool

	dispatched atomic.Int64
	completed  atomic.Int64
	dropped    atomic.Int64
}

// NewScheduler creates a scheduler. Nothing runs until Start.
func NewScheduler(cfg Config, newExecutor ExecutorFactory, logger *logrus.Logger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:         cfg,
		newExecutor: newExecutor,
		logger:      logger,
		metrics:     m,
		requests:    make(chan Request, cfg.QueueSize),
		replies:     make(chan Reply, cfg.Workers),
		done:        make(chan struct{}),
		pending:     make(map[string]*Handle),
	}
}

// Start launches the workers and waits until each has built its executor.
// If any worker fails to start, or startup exceeds StartTimeout, all workers
// are stopped and the error wraps zkerr.ErrOffloadUnavailable.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("%w: scheduler already started", zkerr.ErrOffloadUnavailable)
	}
	s.started = true
	s.mu.Unlock()

	ready := make(chan error, s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i, ready)
	}

	timeout := time.NewTimer(s.cfg.StartTimeout)
	defer timeout.Stop()

	for i := 0; i < s.cfg.Workers; i++ {
		select {
		case err := <-ready:
			if err != nil {
				s.abort()
				return fmt.Errorf("%w: %v", zkerr.ErrOffloadUnavailable, err)
			}
		case <-timeout.C:
			s.abort()
			return fmt.Errorf("%w: workers did not start within %s", zkerr.ErrOffloadUnavailable, s.cfg.StartTimeout)
		}
	}

	s.wg.Add(1)
	go s.route()

	s.logger.WithFields(logrus.Fields{
		"workers":    s.cfg.Workers,
		"queue_size": s.cfg.QueueSize,
	}).Debug("Crypto workers started")
	return nil
}

// Stop shuts the workers down. Operations still pending fail with
// zkerr.ErrOffloadUnavailable. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.done)
	pending := s.pending
	s.pending = make(map[string]*Handle)
	s.mu.Unlock()

	s.sending.Wait()
	s.wg.Wait()

drain:
	for {
		select {
		case reply := <-s.replies:
			reply.release()
		case req := <-s.requests:
			s.discard(req)
		default:
			break drain
		}
	}

	for _, h := range pending {
		h.resolve(Reply{ID: h.id, Kind: h.kind, Err: fmt.Errorf("%w: scheduler stopped", zkerr.ErrOffloadUnavailable)})
		s.metrics.RecordOffloadDone()
	}
}

// abort stops a scheduler whose startup failed. It does not wait for
// workers that are still building their executors.
func (s *Scheduler) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
}

// Dispatch sends req to a worker and returns a handle for its reply. The
// request's key material is copied; the caller may wipe its own copy as soon
// as Dispatch returns.
func (s *Scheduler) Dispatch(ctx context.Context, req Request) (*Handle, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	req = req.isolate()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	h := &Handle{
		id:    req.ID,
		kind:  req.Kind,
		s:     s,
		reply: make(chan Reply, 1),
	}

	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		req.wipe()
		return nil, fmt.Errorf("%w: scheduler is not running", zkerr.ErrOffloadUnavailable)
	}
	if _, dup := s.pending[req.ID]; dup {
		s.mu.Unlock()
		req.wipe()
		return nil, fmt.Errorf("offload: duplicate correlation id %s", req.ID)
	}
	s.pending[req.ID] = h
	h.state.Store(int32(StateDispatched))
	s.sending.Add(1)
	s.mu.Unlock()
	defer s.sending.Done()

	select {
	case s.requests <- req:
		s.dispatched.Add(1)
		s.metrics.RecordOffloadDispatch(req.Kind.String())
		return h, nil
	case <-ctx.Done():
		s.forget(req.ID)
		req.wipe()
		return nil, ctx.Err()
	case <-s.done:
		s.forget(req.ID)
		req.wipe()
		return nil, fmt.Errorf("%w: scheduler stopped", zkerr.ErrOffloadUnavailable)
	}
}

// Stats returns the cumulative counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Dispatched: s.dispatched.Load(),
		Completed:  s.completed.Load(),
		Dropped:    s.dropped.Load(),
	}
}

// Pending returns the number of handles awaiting a reply.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Scheduler) worker(n int, ready chan<- error) {
	defer s.wg.Done()

	exec, err := s.newExecutor()
	if err == nil && exec == nil {
		err = errors.New("executor factory returned nil")
	}
	ready <- err
	if err != nil {
		s.logger.WithError(err).WithField("worker", n).Error("Crypto worker failed to start")
		return
	}

	for {
		select {
		case <-s.done:
			return
		case req := <-s.requests:
			select {
			case <-s.done:
				s.discard(req)
				return
			default:
			}
			reply := execute(exec, req)
			select {
			case s.replies <- reply:
			case <-s.done:
				reply.release()
				return
			}
		}
	}
}

// discard wipes a request that no worker will run.
func (s *Scheduler) discard(req Request) {
	req.wipe()
	s.dropped.Add(1)
	s.metrics.RecordOffloadDropped("stopped")
	s.logger.WithFields(logrus.Fields{
		"correlation_id": req.ID,
		"operation":      req.Kind.String(),
	}).Debug("Discarded queued request on stop")
}

// route delivers worker replies to the handles still waiting for them.
func (s *Scheduler) route() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case reply := <-s.replies:
			s.deliver(reply)
		}
	}
}

func (s *Scheduler) deliver(reply Reply) {
	s.mu.Lock()
	h, ok := s.pending[reply.ID]
	if ok {
		delete(s.pending, reply.ID)
		h.resolve(reply)
	}
	s.mu.Unlock()

	if ok {
		s.completed.Add(1)
		s.metrics.RecordOffloadDone()
		return
	}

	// Nobody is waiting: the caller discarded the handle.
	reply.release()
	s.dropped.Add(1)
	s.metrics.RecordOffloadDone()
	s.metrics.RecordOffloadDropped("discarded")
	s.logger.WithFields(logrus.Fields{
		"correlation_id": reply.ID,
		"operation":      reply.Kind.String(),
	}).Debug("Dropped reply for discarded operation")
}

// Handle is the caller's side of one dispatched operation.
type Handle struct {
	id    string
	kind  Kind
	s     *Scheduler
	state atomic.Int32
	reply chan Reply
}

// ID returns the correlation id.
func (h *Handle) ID() string {
	return h.id
}

// State returns the operation state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// resolve records the outcome and hands the reply over. Called at most once
// per handle, under the scheduler lock or after the handle left the table.
func (h *Handle) resolve(reply Reply) {
	if reply.Err != nil {
		h.state.Store(int32(StateFailed))
	} else {
		h.state.Store(int32(StateCompleted))
	}
	h.reply <- reply
}

// Wait blocks until the reply arrives or ctx is done. If ctx ends first the
// handle is discarded and ctx.Err() is returned. A failed operation returns
// its reply together with reply.Err.
func (h *Handle) Wait(ctx context.Context) (Reply, error) {
	select {
	case reply := <-h.reply:
		return reply, reply.Err
	case <-ctx.Done():
		h.Discard()
		return Reply{}, ctx.Err()
	}
}

// Discard tells the scheduler the caller is no longer interested. A reply
// that arrives later is dropped and its material released. A reply that
// already arrived but was never read is released too.
func (h *Handle) Discard() {
	h.s.mu.Lock()
	if cur, ok := h.s.pending[h.id]; ok && cur == h {
		delete(h.s.pending, h.id)
		h.state.Store(int32(StateDiscarded))
		h.s.mu.Unlock()
		h.s.logger.WithField("correlation_id", h.id).Debug("Discarded pending operation")
		return
	}
	h.s.mu.Unlock()

	select {
	case reply := <-h.reply:
		reply.release()
		h.state.Store(int32(StateDiscarded))
	default:
	}
}
