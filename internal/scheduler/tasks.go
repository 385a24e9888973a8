package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	clientgroupdomain "github.com/billforge/billforge/internal/clientgroup/domain"
	invoicedomain "github.com/billforge/billforge/internal/invoice/domain"
	"github.com/billforge/billforge/internal/notification"
	"github.com/billforge/billforge/internal/orgcontext"
	paymentdomain "github.com/billforge/billforge/internal/payment/domain"
	"github.com/billforge/billforge/internal/renewal"
	servicedomain "github.com/billforge/billforge/internal/service/domain"
)

func (s *Scheduler) serviceRenewalsTask(ctx context.Context) (taskResult, error) {
	return s.forEachGroup(ctx, func(ctx context.Context, group clientgroupdomain.ClientGroup) (taskResult, error) {
		stats, err := s.renewals.GenerateServiceRenewals(ctx, group)
		return renewalResult(stats), err
	})
}

func (s *Scheduler) recurringTemplatesTask(ctx context.Context) (taskResult, error) {
	return s.forEachGroup(ctx, func(ctx context.Context, group clientgroupdomain.ClientGroup) (taskResult, error) {
		stats, err := s.renewals.GenerateFromTemplates(ctx, group)
		return renewalResult(stats), err
	})
}

func (s *Scheduler) lateFeesTask(ctx context.Context) (taskResult, error) {
	return s.forEachGroup(ctx, func(ctx context.Context, group clientgroupdomain.ClientGroup) (taskResult, error) {
		stats, err := s.latefees.ApplyLateFees(ctx, group)
		return taskResult{Processed: stats.Applied, Skipped: stats.Skipped, Failed: stats.Failed}, err
	})
}

func (s *Scheduler) provisionPaidTask(ctx context.Context) (taskResult, error) {
	return s.lifecycleTask(ctx, s.lifecycle.ProvisionPaidPending)
}

func (s *Scheduler) suspendOverdueTask(ctx context.Context) (taskResult, error) {
	return s.lifecycleTask(ctx, s.lifecycle.SuspendOverdue)
}

func (s *Scheduler) unsuspendClearedTask(ctx context.Context) (taskResult, error) {
	return s.lifecycleTask(ctx, s.lifecycle.UnsuspendCleared)
}

func (s *Scheduler) cancelScheduledTask(ctx context.Context) (taskResult, error) {
	return s.lifecycleTask(ctx, s.lifecycle.CancelScheduled)
}

func (s *Scheduler) serviceChangesTask(ctx context.Context) (taskResult, error) {
	return s.forEachGroup(ctx, func(ctx context.Context, group clientgroupdomain.ClientGroup) (taskResult, error) {
		stats, err := s.changes.ProcessPending(ctx, group)
		return taskResult{
			Processed: stats.Completed + stats.Expired + stats.Errored,
			Skipped:   stats.Skipped,
			Failed:    stats.Failed,
		}, err
	})
}

func (s *Scheduler) autodebitTask(ctx context.Context) (taskResult, error) {
	return s.paymentTask(ctx, s.payments.RunAutodebit)
}

func (s *Scheduler) applyCreditsTask(ctx context.Context) (taskResult, error) {
	return s.paymentTask(ctx, s.payments.ApplyCredits)
}

func (s *Scheduler) paymentRemindersTask(ctx context.Context) (taskResult, error) {
	return s.paymentTask(ctx, s.payments.SendReminders)
}

func (s *Scheduler) lifecycleTask(
	ctx context.Context,
	fn func(ctx context.Context, group clientgroupdomain.ClientGroup) (servicedomain.RunStats, error),
) (taskResult, error) {
	return s.forEachGroup(ctx, func(ctx context.Context, group clientgroupdomain.ClientGroup) (taskResult, error) {
		stats, err := fn(ctx, group)
		return taskResult{Processed: stats.Processed, Skipped: stats.Skipped, Failed: stats.Failed}, err
	})
}

func (s *Scheduler) paymentTask(
	ctx context.Context,
	fn func(ctx context.Context, group clientgroupdomain.ClientGroup) (paymentdomain.RunStats, error),
) (taskResult, error) {
	return s.forEachGroup(ctx, func(ctx context.Context, group clientgroupdomain.ClientGroup) (taskResult, error) {
		stats, err := fn(ctx, group)
		return taskResult{
			Processed: stats.Charged + stats.Applied + stats.Reminders,
			Skipped:   stats.Skipped,
			Failed:    stats.Failed,
		}, err
	})
}

func renewalResult(stats renewal.Stats) taskResult {
	return taskResult{Processed: stats.Invoices + stats.Templates, Failed: stats.Failed}
}

// deliverInvoicesTask drains the delivery queue. Email deliveries go out
// through the notice pipeline; paper deliveries are marked delivered once
// logged, since fulfilment happens outside the engine.
func (s *Scheduler) deliverInvoicesTask(ctx context.Context) (taskResult, error) {
	var result taskResult
	var runErr error

	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return result, invoicedomain.ErrInvalidOrganization
	}

	queue, err := s.invoices.PendingDeliveries(ctx, s.cfg.DeliveryBatchSize)
	if err != nil {
		return result, err
	}

	for _, work := range queue {
		if ctx.Err() != nil {
			return result, errors.Join(runErr, ctx.Err())
		}
		if err := s.deliverOne(ctx, orgID, work); err != nil {
			result.Failed++
			runErr = errors.Join(runErr, fmt.Errorf("delivery %s: %w", work.DeliveryID, err))
			continue
		}
		result.Processed++
	}
	return result, runErr
}

func (s *Scheduler) deliverOne(ctx context.Context, orgID snowflake.ID, work invoicedomain.DeliveryWork) error {
	log := s.taskLogger(ctx).With(
		zap.String("invoice_id", work.InvoiceID.String()),
		zap.String("delivery_id", work.DeliveryID.String()),
	)

	switch work.Method {
	case invoicedomain.DeliveryEmail:
		client, err := s.clientRepo.FindByID(ctx, s.db, orgID, work.ClientID)
		if err != nil {
			return err
		}
		if client == nil || client.Email == "" {
			log.Warn("delivery skipped, client has no email address")
			return s.invoices.MarkDelivered(ctx, work.DeliveryID)
		}
		err = s.notifier.SendClientNotice(ctx, notification.ClientNotice{
			Email:    client.Email,
			Template: "invoice_new",
			Data: map[string]any{
				"first_name": client.FirstName,
				"invoice_id": work.InvoiceID.String(),
				"amount":     formatMinorUnits(work.Total),
				"currency":   work.Currency,
				"due_date":   work.DateDue.In(s.loc).Format("Jan 2, 2006"),
			},
		})
		if err != nil {
			return err
		}
	case invoicedomain.DeliveryPaper:
		log.Info("paper delivery queued for manual fulfilment")
	default:
		log.Warn("unknown delivery method", zap.String("method", string(work.Method)))
	}
	return s.invoices.MarkDelivered(ctx, work.DeliveryID)
}

func formatMinorUnits(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
