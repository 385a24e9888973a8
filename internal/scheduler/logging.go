package scheduler

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

type taskRunKey struct{}

// taskRun travels in the context of a single task execution so every log
// line and downstream error can be tied back to one run.
type taskRun struct {
	task      string
	runID     string
	startedAt time.Time
}

func newTaskRun(task string, startedAt time.Time) taskRun {
	return taskRun{
		task:      task,
		runID:     ulid.Make().String(),
		startedAt: startedAt,
	}
}

func withTaskRun(ctx context.Context, run taskRun) context.Context {
	return context.WithValue(ctx, taskRunKey{}, run)
}

func taskRunFrom(ctx context.Context) (taskRun, bool) {
	run, ok := ctx.Value(taskRunKey{}).(taskRun)
	return run, ok
}

func (s *Scheduler) taskLogger(ctx context.Context) *zap.Logger {
	log := s.log
	if run, ok := taskRunFrom(ctx); ok {
		log = log.With(
			zap.String("task", run.task),
			zap.String("run_id", run.runID),
		)
	}
	return log
}

func (s *Scheduler) logTaskStart(ctx context.Context) {
	s.taskLogger(ctx).Info("task started")
}

func (s *Scheduler) logTaskFinish(ctx context.Context, result taskResult, err error) {
	log := s.taskLogger(ctx)
	fields := []zap.Field{
		zap.Int("processed", result.Processed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	}
	if run, ok := taskRunFrom(ctx); ok {
		fields = append(fields, zap.Duration("duration", time.Since(run.startedAt)))
	}
	if err != nil {
		log.Error("task finished with errors", append(fields, zap.Error(err))...)
		return
	}
	log.Info("task finished", fields...)
}
