package mailqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Worker defaults.
const (
	DefaultBatchSize       = 100
	DefaultPollInterval    = 5 * time.Second
	DefaultReclaimInterval = time.Minute
	DefaultConcurrency     = 4
)

type workerOptions struct {
	batchSize       int
	pollInterval    time.Duration
	reclaimInterval time.Duration
	concurrency     int
}

// WorkerOption configures a Worker.
type WorkerOption func(*workerOptions)

// WithBatchSize sets how many claimable ids are listed per poll.
func WithBatchSize(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithPollInterval sets the wait between polls when the queue is drained.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithReclaimInterval sets how often stale locks are reclaimed.
func WithReclaimInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.reclaimInterval = d
		}
	}
}

// WithConcurrency sets how many deliveries one worker runs at once. The
// service limit still applies on top.
func WithConcurrency(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WorkerStats counts delivery outcomes seen by a worker.
type WorkerStats struct {
	Sent      int64
	Sandboxed int64
	Failed    int64
	Skipped   int64
	Errors    int64
	Reclaimed int64
}

// Worker polls the store for claimable messages and delivers them.
// Several workers, in one process or many, may share a store.
type Worker struct {
	svc    *Service
	opts   workerOptions
	logger *slog.Logger

	sent, sandboxed, failed, skipped, errs, reclaimed atomic.Int64
}

// NewWorker creates a worker for svc.
func NewWorker(svc *Service, opts ...WorkerOption) *Worker {
	o := workerOptions{
		batchSize:       DefaultBatchSize,
		pollInterval:    DefaultPollInterval,
		reclaimInterval: DefaultReclaimInterval,
		concurrency:     DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Worker{svc: svc, opts: o, logger: svc.logger.With("component", "worker")}
}

// Stats returns a snapshot of the outcome counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Sent:      w.sent.Load(),
		Sandboxed: w.sandboxed.Load(),
		Failed:    w.failed.Load(),
		Skipped:   w.skipped.Load(),
		Errors:    w.errs.Load(),
		Reclaimed: w.reclaimed.Load(),
	}
}

// Run polls and delivers until ctx is done, which returns nil. A lock
// invariant violation stops the worker and is returned.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"batch_size", w.opts.batchSize,
		"concurrency", w.opts.concurrency,
		"poll_interval", w.opts.pollInterval)
	defer w.logger.Info("worker stopped")

	w.reclaim(ctx)
	lastReclaim := time.Now()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if time.Since(lastReclaim) >= w.opts.reclaimInterval {
			w.reclaim(ctx)
			lastReclaim = time.Now()
		}

		listed, progressed, err := w.Poll(ctx)
		if err != nil {
			return err
		}

		// A full batch that made progress means more may be waiting.
		if listed == w.opts.batchSize && progressed > 0 {
			timer.Reset(0)
		} else {
			timer.Reset(w.opts.pollInterval)
		}
	}
}

// Poll runs one pass: list claimable ids and deliver them. It returns how
// many ids were listed and how many reached sent or failed.
func (w *Worker) Poll(ctx context.Context) (listed, progressed int, err error) {
	ids, err := w.svc.store.ListClaimable(ctx, w.opts.batchSize, w.svc.locker.StaleBefore())
	if err != nil {
		if ctx.Err() != nil {
			return 0, 0, nil
		}
		w.logger.Error("list claimable failed", "error", err)
		w.errs.Add(1)
		return 0, 0, nil
	}
	if len(ids) == 0 {
		return 0, 0, nil
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			res, err := w.svc.Deliver(gctx, id)
			switch {
			case err == nil:
				if w.count(res) {
					done.Add(1)
				}
				return nil
			case IsLockInvariantViolation(err):
				w.logger.Error("stopping worker", "message_id", id, "error", err)
				return err
			case gctx.Err() != nil && errors.Is(err, gctx.Err()):
				return nil
			case IsAlreadySent(err), errors.Is(err, ErrTerminalState):
				w.logger.Debug("message no longer deliverable", "message_id", id, "error", err)
				return nil
			default:
				w.errs.Add(1)
				w.logger.Warn("deliver failed", "message_id", id, "error", err)
				return nil
			}
		})
	}
	err = g.Wait()
	return len(ids), int(done.Load()), err
}

func (w *Worker) count(res *Result) bool {
	switch res.Outcome {
	case OutcomeSent:
		w.sent.Add(1)
	case OutcomeSandboxed:
		w.sandboxed.Add(1)
	case OutcomeFailed:
		w.failed.Add(1)
	default:
		w.skipped.Add(1)
		return false
	}
	return true
}

func (w *Worker) reclaim(ctx context.Context) {
	n, err := w.svc.ReclaimStale(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("reclaim stale locks failed", "error", err)
		}
		return
	}
	w.reclaimed.Add(int64(n))
}
