package research

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// ErrPoolBusy is returned when every pipeline worker is taken.
var ErrPoolBusy = errors.New("research workers are busy")

const (
	cancelGrace  = 5 * time.Second
	drainPollGap = 50 * time.Millisecond
)

// Runner executes research pipelines on a bounded worker pool. Submission
// never blocks: a full pool rejects the job.
type Runner struct {
	pool    *ants.Pool
	timeout time.Duration
	logger  *zerolog.Logger

	// root is cancelled when Release gives up waiting, so jobs still in
	// flight get to record their failure before the process exits.
	root   context.Context
	cancel context.CancelFunc
}

func NewRunner(workers int, timeout time.Duration, logger *zerolog.Logger) (*Runner, error) {
	if workers < 1 {
		workers = 1
	}

	pool, err := ants.NewPool(workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error().Interface("panic", p).Msg("research job panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	root, cancel := context.WithCancel(context.Background())

	return &Runner{pool: pool, timeout: timeout, logger: logger, root: root, cancel: cancel}, nil
}

// Submit schedules job on a context detached from ctx's cancellation and
// bounded by the runner timeout.
func (r *Runner) Submit(ctx context.Context, job func(ctx context.Context)) error {
	base := context.WithoutCancel(ctx)

	err := r.pool.Submit(func() {
		jobCtx, cancel := context.WithTimeout(base, r.timeout)
		defer cancel()

		stop := context.AfterFunc(r.root, cancel)
		defer stop()

		job(jobCtx)
	})
	if errors.Is(err, ants.ErrPoolOverload) || errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolBusy
	}
	if err != nil {
		return fmt.Errorf("submit pipeline: %w", err)
	}

	return nil
}

// Running reports the number of pipelines in flight.
func (r *Runner) Running() int {
	return r.pool.Running()
}

// Release stops accepting jobs and waits up to timeout for running ones.
// Jobs still running after that are cancelled and given a short grace
// period to wind down.
func (r *Runner) Release(timeout time.Duration) error {
	err := r.pool.ReleaseTimeout(timeout)
	if err == nil {
		r.cancel()
		return nil
	}

	r.logger.Warn().Err(err).Int("running", r.pool.Running()).Msg("cancelling research jobs still running at shutdown")
	r.cancel()

	deadline := time.Now().Add(cancelGrace)
	for r.pool.Running() > 0 && time.Now().Before(deadline) {
		time.Sleep(drainPollGap)
	}

	return err
}
