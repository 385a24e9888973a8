// Package scheduler drives the billing lifecycle: it walks the persisted
// task table on a fixed tick and executes each due automation for every
// client group, isolating failures so one bad entity never stalls the rest.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/billforge/billforge/internal/audit/domain"
	clientdomain "github.com/billforge/billforge/internal/client/domain"
	clientgroupdomain "github.com/billforge/billforge/internal/clientgroup/domain"
	"github.com/billforge/billforge/internal/clock"
	"github.com/billforge/billforge/internal/config"
	invoicedomain "github.com/billforge/billforge/internal/invoice/domain"
	"github.com/billforge/billforge/internal/latefee"
	"github.com/billforge/billforge/internal/notification"
	obsmetrics "github.com/billforge/billforge/internal/observability/metrics"
	"github.com/billforge/billforge/internal/orgcontext"
	paymentdomain "github.com/billforge/billforge/internal/payment/domain"
	"github.com/billforge/billforge/internal/renewal"
	servicechangedomain "github.com/billforge/billforge/internal/servicechange/domain"
	servicedomain "github.com/billforge/billforge/internal/service/domain"
)

// taskResult aggregates what one task run touched across all groups.
type taskResult struct {
	Processed int
	Skipped   int
	Failed    int
}

func (r *taskResult) add(processed, skipped, failed int) {
	r.Processed += processed
	r.Skipped += skipped
	r.Failed += failed
}

type taskFunc func(ctx context.Context) (taskResult, error)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Config     config.Config
	GenID      *snowflake.Node
	Groups     clientgroupdomain.Service
	ClientRepo clientdomain.Repository
	Invoices   invoicedomain.Service
	Renewals   renewal.Generator
	LateFees   latefee.Calculator
	Lifecycle  servicedomain.Coordinator
	Changes    servicechangedomain.Processor
	Payments   paymentdomain.Orchestrator
	Notifier   notification.Service
	Audit      auditdomain.Service
	TaskConfig Config `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	cfg        Config
	appCfg     config.Config
	loc        *time.Location
	node       *snowflake.Node
	groups     clientgroupdomain.Service
	clientRepo clientdomain.Repository
	invoices   invoicedomain.Service
	renewals   renewal.Generator
	latefees   latefee.Calculator
	lifecycle  servicedomain.Coordinator
	changes    servicechangedomain.Processor
	payments   paymentdomain.Orchestrator
	notifier   notification.Service
	audit      auditdomain.Service
}

func New(p Params) *Scheduler {
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler"),
		clock:      p.Clock,
		cfg:        p.TaskConfig.withDefaults(),
		appCfg:     p.Config,
		loc:        p.Config.Location(),
		node:       p.GenID,
		groups:     p.Groups,
		clientRepo: p.ClientRepo,
		invoices:   p.Invoices,
		renewals:   p.Renewals,
		latefees:   p.LateFees,
		lifecycle:  p.Lifecycle,
		changes:    p.Changes,
		payments:   p.Payments,
		notifier:   p.Notifier,
		audit:      p.Audit,
	}
}

func (s *Scheduler) genID() snowflake.ID {
	return s.node.Generate()
}

// registeredTasks is the runner's dispatch table. Order matters: invoices
// are generated before fees and collections so a single pass moves each
// entity as far through the lifecycle as it can go.
func (s *Scheduler) registeredTasks() []struct {
	Key string
	Run taskFunc
} {
	return []struct {
		Key string
		Run taskFunc
	}{
		{TaskServiceRenewals, s.serviceRenewalsTask},
		{TaskRecurringTemplates, s.recurringTemplatesTask},
		{TaskDeliverInvoices, s.deliverInvoicesTask},
		{TaskLateFees, s.lateFeesTask},
		{TaskProvisionPaid, s.provisionPaidTask},
		{TaskServiceChanges, s.serviceChangesTask},
		{TaskAutodebit, s.autodebitTask},
		{TaskApplyCredits, s.applyCreditsTask},
		{TaskPaymentReminders, s.paymentRemindersTask},
		{TaskSuspendOverdue, s.suspendOverdueTask},
		{TaskUnsuspendCleared, s.unsuspendClearedTask},
		{TaskCancelScheduled, s.cancelScheduledTask},
	}
}

func (s *Scheduler) isTaskEnabled(key string) bool {
	if len(s.cfg.EnabledTasks) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledTasks {
		if enabled == key {
			return true
		}
	}
	return false
}

// RunOnce evaluates every registered task against its schedule and executes
// those that are due. Individual task failures are joined, never fatal.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var runErr error
	for _, task := range s.registeredTasks() {
		if !s.isTaskEnabled(task.Key) {
			continue
		}
		if err := s.runTask(ctx, task.Key, task.Run); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("%s: %w", task.Key, err))
		}
		if ctx.Err() != nil {
			return errors.Join(runErr, ctx.Err())
		}
	}
	return runErr
}

// RunForever ticks RunOnce until the context is canceled.
func (s *Scheduler) RunForever(ctx context.Context) {
	metrics := obsmetrics.Tasks()
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	s.log.Info("task runner started", zap.Duration("interval", s.cfg.RunInterval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("task runner stopped")
			return
		case tick := <-ticker.C:
			metrics.ObserveRunLoopLag(time.Since(tick))
			if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("run loop iteration failed", zap.Error(err))
			}
		}
	}
}

// runTask is the execution boundary for a single task: schedule gate, row
// claim, org context, timeout, panic recovery, metrics, and logging all
// live here so task bodies stay plain business code.
func (s *Scheduler) runTask(parent context.Context, key string, fn taskFunc) (err error) {
	metrics := obsmetrics.Tasks()
	now := s.clock.Now()

	claimStart := time.Now()
	claimed, claimErr := s.claimDefinition(parent, key, now)
	metrics.ObserveDBLockWait(obsmetrics.LockResourceTaskDefinitions, time.Since(claimStart))
	if claimErr != nil {
		metrics.IncTaskError(key, claimErr)
		return claimErr
	}
	if !claimed {
		metrics.IncTaskSkip(key)
		return nil
	}

	ctx, cancel := context.WithTimeout(parent, s.cfg.TaskTimeout)
	defer cancel()
	ctx = orgcontext.WithOrgID(ctx, s.appCfg.CompanyID)
	ctx = withTaskRun(ctx, newTaskRun(key, now))

	var result taskResult
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			s.taskLogger(ctx).Error("task panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			metrics.IncTaskError(key, err)
			s.notifier.NotifyStaff(parent, notification.StaffAlert{
				Subject: "Billing task panicked",
				Body:    fmt.Sprintf("Task %s panicked and was recovered. The run is recorded; the next scheduled run will retry.", key),
				Fields:  map[string]string{"task": key, "panic": fmt.Sprint(r)},
			})
		}
	}()

	s.logTaskStart(ctx)
	metrics.IncTaskRun(key)
	start := time.Now()

	result, err = fn(ctx)
	metrics.ObserveTaskDuration(key, time.Since(start))
	metrics.AddBatchProcessed(key, "entities", result.Processed)

	if err != nil && errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		// A slow batch is not an outage. Whatever was not reached stays
		// claimable for the next tick.
		metrics.IncTaskTimeout(key)
		metrics.IncBatchDeferred(key, obsmetrics.TaskReasonDeadlineExceeded)
		s.taskLogger(ctx).Warn("task hit its timeout, remainder deferred",
			zap.Duration("timeout", s.cfg.TaskTimeout))
		err = nil
	}
	if err != nil {
		metrics.IncTaskError(key, err)
	}
	s.logTaskFinish(ctx, result, err)
	if err == nil {
		s.recordRunCompleted(parent, ctx, key, result)
	}
	return err
}

// recordRunCompleted leaves the run-complete marker for a task that
// finished without error. It writes through the parent context so a run
// that used up its soft deadline can still record the marker.
func (s *Scheduler) recordRunCompleted(parent, runCtx context.Context, key string, result taskResult) {
	entry := auditdomain.Entry{
		OrgID:      snowflake.ID(s.appCfg.CompanyID),
		ActorType:  "system",
		ActorID:    "scheduler",
		Action:     "task.completed",
		TargetType: "task",
		TargetID:   key,
		Metadata: map[string]any{
			"processed": result.Processed,
			"skipped":   result.Skipped,
			"failed":    result.Failed,
		},
	}
	if run, ok := taskRunFrom(runCtx); ok {
		entry.Metadata["run_id"] = run.runID
	}
	if err := s.audit.Record(parent, entry); err != nil {
		s.taskLogger(runCtx).Warn("audit record failed", zap.Error(err))
	}
}

// forEachGroup runs fn once per client group. A failing group contributes
// its error and its partial stats; remaining groups still run.
func (s *Scheduler) forEachGroup(
	ctx context.Context,
	fn func(ctx context.Context, group clientgroupdomain.ClientGroup) (taskResult, error),
) (taskResult, error) {
	groups, err := s.groups.ListGroups(ctx)
	if err != nil {
		return taskResult{}, err
	}

	var total taskResult
	var runErr error
	for _, group := range groups {
		if ctx.Err() != nil {
			return total, errors.Join(runErr, ctx.Err())
		}
		result, err := fn(ctx, group)
		total.add(result.Processed, result.Skipped, result.Failed)
		if err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("group %s: %w", group.ID, err))
		}
	}
	return total, runErr
}
