// Package worker runs fire-and-forget background tasks on a bounded goroutine pool.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"

	"github.com/org/secretflow/internal/metrics"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a context-aware task function. The context is the service
// lifecycle context, cancelled on Shutdown.
type Task func(ctx context.Context)

// Pool wraps ants.Pool. Tasks are detached from the request that submitted them.
type Pool struct {
	pool   *ants.Pool
	inline bool

	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

// New creates a pool of size goroutines bound to ctx.
func New(ctx context.Context, size int) (*Pool, error) {
	if size <= 0 {
		size = 16
	}
	serviceCtx, cancel := context.WithCancel(ctx)
	panicHandler := func(p any) {
		log.Error().Interface("panic", p).Msg("worker panic recovered")
	}
	ap, err := ants.NewPool(size,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(size*64),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Pool{pool: ap, serviceCtx: serviceCtx, serviceCancel: cancel}, nil
}

// NewInline returns a Pool that runs every task on the caller's goroutine.
// Tests use it to observe background effects deterministically.
func NewInline() *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{inline: true, serviceCtx: ctx, serviceCancel: cancel}
}

// Submit queues task. name is used only for logging.
func (p *Pool) Submit(name string, task Task) error {
	select {
	case <-p.serviceCtx.Done():
		return ErrPoolClosed
	default:
	}
	if p.inline {
		task(p.serviceCtx)
		return nil
	}
	err := p.pool.Submit(func() {
		select {
		case <-p.serviceCtx.Done():
			log.Debug().Str("task", name).Msg("task skipped: service shutting down")
			return
		default:
		}
		task(p.serviceCtx)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// Go submits task and logs instead of returning a submission failure.
func (p *Pool) Go(name string, task Task) {
	if err := p.Submit(name, task); err != nil {
		metrics.WorkerTasksDropped.Inc()
		log.Warn().Err(err).Str("task", name).Msg("background task dropped")
	}
}

// Shutdown waits up to timeout for running tasks, then cancels the rest.
func (p *Pool) Shutdown(timeout time.Duration) {
	if p.inline {
		p.serviceCancel()
		return
	}
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		log.Warn().Err(err).Msg("worker pool shutdown timeout")
	}
	p.serviceCancel()
}

// Stats reports pool occupancy.
func (p *Pool) Stats() map[string]int {
	if p.inline {
		return map[string]int{"running": 0, "free": 0, "cap": 0}
	}
	return map[string]int{
		"running": p.pool.Running(),
		"free":    p.pool.Free(),
		"cap":     p.pool.Cap(),
	}
}
