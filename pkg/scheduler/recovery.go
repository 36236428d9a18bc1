package scheduler

import (
	"runtime/debug"

	"github.com/TFMV/exprunner/pkg/errors"
)

// runScheduled is the cron entry point for job. A panic inside the analysis is logged
// with its stack and reported as an internal error so one job cannot take down the
// scheduler goroutine.
func (s *Scheduler) runScheduled(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("job", job.Name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Panic recovered")
			s.metrics.IncrementCounter("exprunner_scheduled_runs_total", "outcome", "panic")
			err = errors.Newf(errors.CodeInternal, "scheduled analysis %s panicked: %v", job.Name, r)
		}
	}()

	if _, runErr := s.RunOnce(s.ctx, job); runErr != nil && errors.GetCode(runErr) != errors.CodeConflict {
		s.logger.Warn().Err(runErr).Str("job", job.Name).Msg("Scheduled analysis failed")
		return runErr
	}
	return nil
}
