package offload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kenneth/zk-share/internal/crypto"
	"github.com/kenneth/zk-share/internal/metrics"
	"github.com/kenneth/zk-share/internal/zkerr"
	"github.com/sirupsen/logrus"
)

// Runner is the entry point orchestration code uses for crypto. It prefers
// the worker pool and falls back to running on the caller's goroutine when
// the pool is unavailable. The fallback happens once and is logged once;
// there is no retry loop back to the pool.
type Runner struct {
	scheduler   *Scheduler
	newExecutor ExecutorFactory
	logger      *logrus.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	fallback Executor
	once     sync.Once
}

// NewRunner creates a runner over a new scheduler.
func NewRunner(cfg Config, newExecutor ExecutorFactory, logger *logrus.Logger, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{
		scheduler:   NewScheduler(cfg, newExecutor, logger, m),
		newExecutor: newExecutor,
		logger:      logger,
		metrics:     m,
	}
}

// EngineFactory adapts an engine configuration into an ExecutorFactory that
// gives each worker its own engine.
func EngineFactory(cfg crypto.EngineConfig) ExecutorFactory {
	return func() (Executor, error) {
		return crypto.NewEngine(cfg)
	}
}

// Start starts the worker pool. If the pool reports zkerr.ErrOffloadUnavailable
// the runner switches to synchronous execution; Start only fails when the
// synchronous executor cannot be built either.
func (r *Runner) Start() error {
	err := r.scheduler.Start()
	if err == nil {
		return nil
	}
	if !errors.Is(err, zkerr.ErrOffloadUnavailable) {
		return err
	}
	return r.switchToFallback(err)
}

// Stop stops the worker pool.
func (r *Runner) Stop() {
	r.scheduler.Stop()
}

// Synchronous reports whether crypto runs on the caller's goroutine.
func (r *Runner) Synchronous() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallback != nil
}

// Scheduler exposes the underlying scheduler for stats.
func (r *Runner) Scheduler() *Scheduler {
	return r.scheduler
}

func (r *Runner) switchToFallback(cause error) error {
	var err error
	r.once.Do(func() {
		var exec Executor
		exec, err = r.newExecutor()
		if err == nil && exec == nil {
			err = errors.New("executor factory returned nil")
		}
		if err != nil {
			err = fmt.Errorf("%w: synchronous executor: %v", zkerr.ErrOffloadUnavailable, err)
			return
		}
		r.mu.Lock()
		r.fallback = exec
		r.mu.Unlock()
		r.metrics.RecordOffloadFallback()
		r.logger.WithError(cause).Warn("Crypto workers unavailable, running crypto synchronously")
	})
	if err != nil {
		return err
	}
	if !r.Synchronous() {
		return fmt.Errorf("%w: synchronous executor unavailable", zkerr.ErrOffloadUnavailable)
	}
	return nil
}

// Submit runs req and waits for its reply. Cancelling ctx abandons the
// operation: the worker still finishes, but its result is dropped.
func (r *Runner) Submit(ctx context.Context, req Request) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	r.mu.Lock()
	exec := r.fallback
	r.mu.Unlock()
	if exec == nil {
		h, err := r.scheduler.Dispatch(ctx, req)
		switch {
		case err == nil:
			return h.Wait(ctx)
		case errors.Is(err, zkerr.ErrOffloadUnavailable):
			if ferr := r.switchToFallback(err); ferr != nil {
				return Reply{}, ferr
			}
			r.mu.Lock()
			exec = r.fallback
			r.mu.Unlock()
		default:
			return Reply{}, err
		}
	}

	if err := req.validate(); err != nil {
		return Reply{}, err
	}
	reply := execute(exec, req.isolate())
	if err := ctx.Err(); err != nil {
		reply.release()
		return Reply{}, err
	}
	return reply, reply.Err
}

// Encrypt runs an encrypt job.
func (r *Runner) Encrypt(ctx context.Context, job EncryptJob) (*crypto.EncryptedPackage, error) {
	reply, err := r.Submit(ctx, NewEncryptRequest(job))
	if err != nil {
		return nil, err
	}
	return reply.Package, nil
}

// Decrypt runs a decrypt job. The caller owns the returned material and must
// release it.
func (r *Runner) Decrypt(ctx context.Context, job DecryptJob) (*crypto.DecryptedMaterial, error) {
	reply, err := r.Submit(ctx, NewDecryptRequest(job))
	if err != nil {
		return nil, err
	}
	return reply.Material, nil
}
