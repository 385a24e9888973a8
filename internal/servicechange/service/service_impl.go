package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	auditdomain "github.com/billforge/billforge/internal/audit/domain"
	clientgroupdomain "github.com/billforge/billforge/internal/clientgroup/domain"
	"github.com/billforge/billforge/internal/clock"
	invoicedomain "github.com/billforge/billforge/internal/invoice/domain"
	"github.com/billforge/billforge/internal/orgcontext"
	servicedomain "github.com/billforge/billforge/internal/service/domain"
	"github.com/billforge/billforge/internal/servicechange/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const batchSize = 100

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Repo        domain.Repository
	ServiceRepo servicedomain.Repository
	InvoiceRepo invoicedomain.Repository
	Invoices    invoicedomain.Service
	Groups      clientgroupdomain.Service
	Audit       auditdomain.Service
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	repo        domain.Repository
	serviceRepo servicedomain.Repository
	invoiceRepo invoicedomain.Repository
	invoices    invoicedomain.Service
	groups      clientgroupdomain.Service
	audit       auditdomain.Service
}

func New(p Params) domain.Processor {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("servicechange.service"),
		clock:       p.Clock,
		repo:        p.Repo,
		serviceRepo: p.ServiceRepo,
		invoiceRepo: p.InvoiceRepo,
		invoices:    p.Invoices,
		groups:      p.Groups,
		audit:       p.Audit,
	}
}

func (s *Service) ProcessPending(ctx context.Context, group clientgroupdomain.ClientGroup) (domain.RunStats, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.RunStats{}, domain.ErrInvalidOrganization
	}

	settings, err := s.groups.ResolveSettings(ctx, group.ID)
	if err != nil {
		return domain.RunStats{}, err
	}

	now := s.clock.Now().UTC()
	expiry := now.AddDate(0, 0, -settings.ChangeCancelDays)

	var stats domain.RunStats
	var errs []error
	seen := map[snowflake.ID]bool{}

	for {
		excluded := make([]snowflake.ID, 0, len(seen))
		for id := range seen {
			excluded = append(excluded, id)
		}

		var batch []domain.ServiceChange
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			batch, txErr = s.repo.ListPending(ctx, tx, orgID, group.ID, excluded, batchSize)
			if txErr != nil {
				return txErr
			}
			for _, change := range batch {
				seen[change.ID] = true
				if err := s.processOne(ctx, tx, orgID, settings, change, now, expiry, &stats); err != nil {
					stats.Failed++
					errs = append(errs, fmt.Errorf("change %d: %w", change.ID, err))
					s.log.Error("service change processing failed",
						zap.Int64("change_id", int64(change.ID)),
						zap.Int64("service_id", int64(change.ServiceID)),
						zap.Error(err),
					)
				}
			}
			return nil
		})
		if err != nil {
			return stats, errors.Join(append(errs, err)...)
		}
		if len(batch) < batchSize {
			break
		}
	}

	return stats, errors.Join(errs...)
}

// processOne moves a pending change by at most one state. Auto-process
// wins over expiration when both apply in the same pass.
func (s *Service) processOne(
	ctx context.Context,
	tx *gorm.DB,
	orgID snowflake.ID,
	settings clientgroupdomain.GroupSettings,
	change domain.ServiceChange,
	now, expiry time.Time,
	stats *domain.RunStats,
) error {
	invoice, err := s.invoiceRepo.FindByID(ctx, tx, orgID, change.InvoiceID)
	if err != nil {
		return err
	}
	if invoice == nil {
		// The gating invoice vanished. That is a data integrity fault,
		// not a transient one, so the change goes terminal immediately.
		if _, err := s.repo.UpdateStatus(ctx, tx, orgID, change.ID, domain.StatusError, now); err != nil {
			return err
		}
		stats.Errored++
		s.log.Error("service change invoice missing",
			zap.Int64("change_id", int64(change.ID)),
			zap.Int64("invoice_id", int64(change.InvoiceID)),
		)
		s.recordAudit(ctx, "service_change.errored", change, map[string]any{
			"reason": "invoice_missing",
		})
		return nil
	}

	svc, err := s.serviceRepo.FindByID(ctx, tx, orgID, change.ServiceID)
	if err != nil {
		return err
	}
	if svc == nil {
		if _, err := s.repo.UpdateStatus(ctx, tx, orgID, change.ID, domain.StatusError, now); err != nil {
			return err
		}
		stats.Errored++
		s.log.Error("service change service missing",
			zap.Int64("change_id", int64(change.ID)),
			zap.Int64("service_id", int64(change.ServiceID)),
		)
		s.recordAudit(ctx, "service_change.errored", change, map[string]any{
			"reason": "service_missing",
		})
		return nil
	}

	if svc.Status != servicedomain.StatusActive {
		// Waiting for the service to become eligible again. No
		// transition.
		stats.Skipped++
		s.log.Info("service change skipped",
			zap.Int64("change_id", int64(change.ID)),
			zap.String("service_status", string(svc.Status)),
		)
		return nil
	}

	paid := invoice.DateClosed != nil &&
		(invoice.Status == invoicedomain.InvoiceStatusActive || invoice.Status == invoicedomain.InvoiceStatusProforma)

	if settings.AutoProcessPaidChanges && paid {
		if err := s.applyChange(ctx, tx, orgID, change); err != nil {
			// Stays pending; the next pass retries.
			return err
		}
		stats.Completed++
		return nil
	}

	if invoice.DateDue.Before(expiry) {
		return s.expireChange(ctx, tx, orgID, change, now, stats)
	}

	stats.Skipped++
	return nil
}

func (s *Service) applyChange(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, change domain.ServiceChange) error {
	if err := s.serviceRepo.ApplyPlan(ctx, tx, orgID, change.ServiceID,
		change.NewName, change.NewPrice, change.NewTerm, servicedomain.Period(change.NewPeriod)); err != nil {
		return err
	}
	if err := s.repo.RetagInvoiceLines(ctx, tx, orgID, change.InvoiceID, change.ServiceID); err != nil {
		return err
	}
	updated, err := s.repo.UpdateStatus(ctx, tx, orgID, change.ID, domain.StatusCompleted, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if updated {
		s.log.Info("service change completed",
			zap.Int64("change_id", int64(change.ID)),
			zap.Int64("service_id", int64(change.ServiceID)),
		)
		s.recordAudit(ctx, "service_change.completed", change, map[string]any{
			"new_price": change.NewPrice,
		})
	}
	return nil
}

func (s *Service) expireChange(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, change domain.ServiceChange, now time.Time, stats *domain.RunStats) error {
	updated, err := s.repo.UpdateStatus(ctx, tx, orgID, change.ID, domain.StatusCanceled, now)
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}
	stats.Expired++

	s.log.Info("service change expired",
		zap.Int64("change_id", int64(change.ID)),
		zap.Int64("invoice_id", int64(change.InvoiceID)),
	)
	s.recordAudit(ctx, "service_change.expired", change, nil)

	// Reconcile the gating invoice: detach any payments back to credit
	// and void it. The change is already canceled; a failure here is
	// logged for cleanup rather than resurrecting the change.
	if err := s.invoices.VoidInvoice(ctx, change.InvoiceID, "service change expired"); err != nil {
		s.log.Error("expired change invoice void failed",
			zap.Int64("change_id", int64(change.ID)),
			zap.Int64("invoice_id", int64(change.InvoiceID)),
			zap.Error(err),
		)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, action string, change domain.ServiceChange, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["service_id"] = change.ServiceID.String()
	metadata["invoice_id"] = change.InvoiceID.String()
	entry := auditdomain.Entry{
		ActorType:  "system",
		Action:     action,
		TargetType: "service_change",
		TargetID:   change.ID.String(),
		Metadata:   metadata,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.log.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}
