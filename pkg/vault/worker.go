package vault

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// jobHandler executes one claimed job and returns the output reference
// to record on success.
type jobHandler func(ctx context.Context, job *Job) (string, error)

// jobFilter lets a loop pass over a due job without claiming it.
type jobFilter func(ctx context.Context, job *Job) bool

// jobRelease undoes whatever a filter reserved for a job the loop then
// failed to claim.
type jobRelease func(ctx context.Context, job *Job)

// workLoop is the polling worker shared by the orchestrator and the
// dispatcher. Any number of loops, in any number of processes, may run
// against the same ledger; the claim transition decides who works on a
// job.
type workLoop struct {
	ledger  *Ledger
	kind    JobKind
	handle  jobHandler
	filter  jobFilter
	release jobRelease
	timeout time.Duration
	*settings
}

// processNext claims and executes the first due job it can win. It
// reports whether a job was processed. Errors are returned only when
// the ledger itself fails.
func (w *workLoop) processNext(ctx context.Context) (bool, error) {
	for due, err := range w.ledger.ListDue(ctx, w.kind, w.now()) {
		if err != nil {
			return false, err
		}
		if w.filter != nil && !w.filter(ctx, due) {
			continue
		}

		job, err := w.ledger.Claim(ctx, due)
		if err != nil && w.release != nil {
			w.release(ctx, due)
		}
		if errors.Is(err, ErrConflictingState) || errors.Is(err, ErrNotFound) {
			w.logger.DebugContext(ctx, "lost claim race", "job_id", due.ID)
			continue
		}
		if err != nil {
			return false, err
		}
		return true, w.execute(ctx, job)
	}
	return false, nil
}

func (w *workLoop) execute(ctx context.Context, job *Job) error {
	logger := w.logger.With("job_id", job.ID, "attempt", job.AttemptCount)
	logger.InfoContext(ctx, "job started")

	output, runErr := w.handle(ctx, job)

	// The outcome is recorded even if ctx was cancelled mid-run so a
	// shutdown does not leave the job to the lease sweep.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	var err error
	if runErr == nil {
		_, err = w.ledger.Complete(recordCtx, job, output)
		if err == nil {
			logger.InfoContext(ctx, "job succeeded", "output", output)
		}
	} else {
		if IsPermanent(runErr) {
			logger.ErrorContext(ctx, "job failed permanently", "error", runErr)
		} else {
			logger.WarnContext(ctx, "job failed", "error", runErr)
		}
		_, err = w.ledger.Fail(recordCtx, job, runErr)
	}

	if errors.Is(err, ErrConflictingState) || errors.Is(err, ErrNotFound) {
		// The lease expired and the sweep took the job back; its result
		// is discarded.
		logger.WarnContext(ctx, "job outcome rejected by ledger", "error", err)
		return nil
	}
	return err
}

// callContext bounds a call to an external service.
func (w *workLoop) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, w.timeout)
}

// run polls until ctx is cancelled. Each round sweeps stale leases,
// drains due jobs and then waits for the poll interval. A ledger fault
// stops the loop and is returned.
func (w *workLoop) run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker started", "kind", w.kind, "poll_interval", w.pollInterval)
	defer w.logger.InfoContext(ctx, "worker stopped", "kind", w.kind)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if _, err := w.ledger.SweepStale(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s worker: sweep failed: %w", w.kind, err)
		}

		for {
			processed, err := w.processNext(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%s worker: %w", w.kind, err)
			}
			if !processed || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.pollInterval):
		}
	}
}

// serviceFailure classifies an error from an external call. A deadline
// hit by the call timeout is transient; anything not already typed is
// treated as transient too.
func serviceFailure(service string, callCtx context.Context, err error) error {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return Transient(service, fmt.Errorf("call timed out: %w", err))
	}
	return Transient(service, err)
}
