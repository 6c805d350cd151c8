// Package control holds the process-wide shutdown flag and the stage
// supervisor described in spec.md §4.5.
package control

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nrao-gbt/guppi-daq/common/xcmd"
)

// Run is a process-wide atomic boolean, initialized "running". Stages poll
// it at the top of their loop; it is not a synchronization primitive by
// itself (spec.md §9 "Global run and signal handler") — stages still need
// a blocking-call timeout or explicit cancellation to unwind out of a wait.
type Run struct {
	flag atomic.Bool
}

// NewRun returns a Run flag initialized to the running state.
func NewRun() *Run {
	r := &Run{}
	r.flag.Store(true)
	return r
}

// Running reports whether the flag is still set.
func (r *Run) Running() bool {
	return r.flag.Load()
}

// Stop clears the flag. Idempotent.
func (r *Run) Stop() {
	r.flag.Store(false)
}

// Stage is anything the supervisor can start and must join on shutdown.
type Stage interface {
	// Name identifies the stage in logs.
	Name() string
	// Run executes the stage until ctx is canceled or the stage hits a
	// fatal error. A fatal error terminates only this stage (spec.md §7);
	// the supervisor does not restart it.
	Run(ctx context.Context) error
}

// Supervisor starts every configured stage, waits for SIGINT/SIGTERM or a
// stage's fatal error, then cancels the shared context and waits for every
// stage to return. All stages are awaited together; they are not joined in
// reverse startup order.
//
// Modeled on the teacher's coordinator/cmd/coordinator main(): an errgroup
// running the stage set alongside xcmd.WaitInterrupted, both keyed off a
// shared, cancelable context.
type Supervisor struct {
	stages []Stage
	run    *Run
	log    *zap.SugaredLogger
}

// NewSupervisor builds a supervisor over the given stages, each launched in
// its own goroutine in the order given.
func NewSupervisor(log *zap.SugaredLogger, run *Run, stages ...Stage) *Supervisor {
	return &Supervisor{stages: stages, run: run, log: log}
}

// Run starts every stage and blocks until shutdown. Returns nil on a clean
// SIGINT/SIGTERM shutdown, or the first fatal stage error otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)

	for _, stage := range s.stages {
		stage := stage
		wg.Go(func() error {
			s.log.Infow("starting stage", "stage", stage.Name())
			err := stage.Run(ctx)
			if err != nil {
				s.log.Errorw("stage exited with error", "stage", stage.Name(), "error", err)
			} else {
				s.log.Infow("stage exited", "stage", stage.Name())
			}
			return err
		})
	}

	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		s.run.Stop()
		s.log.Infow("caught shutdown signal", "error", err)
		return err
	})

	err := wg.Wait()
	if _, ok := asInterrupted(err); ok {
		return nil
	}
	return err
}

func asInterrupted(err error) (xcmd.Interrupted, bool) {
	in, ok := err.(xcmd.Interrupted)
	return in, ok
}
