// Package lifecycle drives service status transitions. Billing state
// only changes after the provisioning module confirms the remote side,
// so a panel outage leaves services where they were instead of
// desynchronizing the two systems.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	auditdomain "github.com/billforge/billforge/internal/audit/domain"
	clientdomain "github.com/billforge/billforge/internal/client/domain"
	clientgroupdomain "github.com/billforge/billforge/internal/clientgroup/domain"
	"github.com/billforge/billforge/internal/clock"
	"github.com/billforge/billforge/internal/config"
	"github.com/billforge/billforge/internal/notification"
	"github.com/billforge/billforge/internal/observability/metrics"
	"github.com/billforge/billforge/internal/orgcontext"
	"github.com/billforge/billforge/internal/provisioning"
	"github.com/billforge/billforge/internal/service/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const batchSize = 100

// checkoutGracePeriod keeps the activator away from services created
// moments ago, whose payment may still be settling in another session.
const checkoutGracePeriod = 10 * time.Second

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	Clock      clock.Clock
	Repo       domain.Repository
	ClientRepo clientdomain.Repository
	Groups     clientgroupdomain.Service
	Registry   *provisioning.Registry
	Notify     notification.Service
	Audit      auditdomain.Service
}

type Coordinator struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        config.Config
	clock      clock.Clock
	repo       domain.Repository
	clientRepo clientdomain.Repository
	groups     clientgroupdomain.Service
	registry   *provisioning.Registry
	notify     notification.Service
	audit      auditdomain.Service
}

func New(p Params) domain.Coordinator {
	return &Coordinator{
		db:         p.DB,
		log:        p.Log.Named("service.lifecycle"),
		cfg:        p.Config,
		clock:      p.Clock,
		repo:       p.Repo,
		clientRepo: p.ClientRepo,
		groups:     p.Groups,
		registry:   p.Registry,
		notify:     p.Notify,
		audit:      p.Audit,
	}
}

func (c *Coordinator) ProvisionPaidPending(ctx context.Context, group clientgroupdomain.ClientGroup) (domain.RunStats, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.RunStats{}, domain.ErrInvalidOrganization
	}

	settings, err := c.groups.ResolveSettings(ctx, group.ID)
	if err != nil {
		return domain.RunStats{}, err
	}
	if !settings.ProvisionPaidPending {
		return domain.RunStats{}, nil
	}

	var stats domain.RunStats
	var errs []error
	createdBefore := c.clock.Now().UTC().Add(-checkoutGracePeriod)

	for {
		var batch []domain.Service
		err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			batch, txErr = c.repo.ListPaidPending(ctx, tx, orgID, group.ID, createdBefore, batchSize)
			if txErr != nil {
				return txErr
			}
			for i := range batch {
				svc := batch[i]
				if err := c.activate(ctx, tx, orgID, svc); err != nil {
					stats.Failed++
					errs = append(errs, fmt.Errorf("service %d: %w", svc.ID, err))
					c.reportProvisionFailure(ctx, svc, "activate", err)
					continue
				}
				stats.Processed++
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

func (c *Coordinator) activate(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, svc domain.Service) error {
	module, err := c.registry.Resolve(svc.ModuleKey)
	if err != nil {
		// An unknown module key will not fix itself on retry. Park the
		// service for staff instead of reclaiming it every run.
		if _, parkErr := c.repo.UpdateStatus(ctx, tx, orgID, svc.ID, domain.StatusPending, domain.StatusInReview, c.clock.Now().UTC()); parkErr != nil {
			return errors.Join(err, parkErr)
		}
		c.recordAudit(ctx, "service.in_review", svc.ID, map[string]any{
			"client_id": svc.ClientID.String(),
			"module":    svc.ModuleKey,
		})
		return err
	}
	if err := module.Activate(ctx, c.ref(svc)); err != nil {
		return fmt.Errorf("provisioning activate failed: %w", err)
	}

	updated, err := c.repo.UpdateStatus(ctx, tx, orgID, svc.ID, domain.StatusPending, domain.StatusActive, c.clock.Now().UTC())
	if err != nil {
		return err
	}
	if updated {
		c.recordAudit(ctx, "service.activated", svc.ID, map[string]any{
			"client_id": svc.ClientID.String(),
			"module":    svc.ModuleKey,
		})
	}
	return nil
}

func (c *Coordinator) SuspendOverdue(ctx context.Context, group clientgroupdomain.ClientGroup) (domain.RunStats, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.RunStats{}, domain.ErrInvalidOrganization
	}

	settings, err := c.groups.ResolveSettings(ctx, group.ID)
	if err != nil {
		return domain.RunStats{}, err
	}
	if !settings.AutosuspendEnabled {
		return domain.RunStats{}, nil
	}

	loc := c.cfg.Location()
	now := c.clock.Now()
	cutoff := suspensionCutoff(now, settings.SuspendAfterDays, loc)

	var stats domain.RunStats
	var errs []error

	for {
		var batch []domain.Service
		err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			batch, txErr = c.repo.ListOverdueActive(ctx, tx, orgID, group.ID, cutoff, batchSize)
			if txErr != nil {
				return txErr
			}
			for i := range batch {
				svc := batch[i]
				skip, err := c.suspendOne(ctx, tx, orgID, svc, now)
				if err != nil {
					stats.Failed++
					errs = append(errs, fmt.Errorf("service %d: %w", svc.ID, err))
					c.reportProvisionFailure(ctx, svc, "suspend", err)
					continue
				}
				if skip {
					stats.Skipped++
					continue
				}
				stats.Processed++
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

// suspensionCutoff computes the newest due date that is already past the
// suspension threshold. Due dates are compared against the end of the
// boundary day in company time, so an invoice due anywhere during day N
// suspends uniformly on day N+afterDays.
func suspensionCutoff(now time.Time, afterDays int, loc *time.Location) time.Time {
	return clock.EndOfDay(now.In(loc).AddDate(0, 0, -afterDays), loc)
}

func (c *Coordinator) suspendOne(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, svc domain.Service, now time.Time) (skip bool, err error) {
	clientSettings, err := c.groups.ResolveClientSettings(ctx, svc.ClientID)
	if err != nil {
		return false, err
	}
	if clientSettings.AutosuspendEnabled != nil && !*clientSettings.AutosuspendEnabled {
		return true, nil
	}
	if clientSettings.AutosuspendAfter != nil && now.Before(*clientSettings.AutosuspendAfter) {
		return true, nil
	}

	module, err := c.registry.Resolve(svc.ModuleKey)
	if err != nil {
		return false, err
	}
	if err := module.Suspend(ctx, c.ref(svc)); err != nil {
		return false, fmt.Errorf("provisioning suspend failed: %w", err)
	}

	updated, err := c.repo.UpdateStatus(ctx, tx, orgID, svc.ID, domain.StatusActive, domain.StatusSuspended, now.UTC())
	if err != nil {
		return false, err
	}
	if !updated {
		return true, nil
	}

	c.recordAudit(ctx, "service.suspended", svc.ID, map[string]any{
		"client_id": svc.ClientID.String(),
	})
	c.sendClientNotice(ctx, orgID, svc, "service_suspended")
	return false, nil
}

func (c *Coordinator) UnsuspendCleared(ctx context.Context, group clientgroupdomain.ClientGroup) (domain.RunStats, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.RunStats{}, domain.ErrInvalidOrganization
	}

	var stats domain.RunStats
	var errs []error
	now := c.clock.Now()

	for {
		var batch []domain.Service
		err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			batch, txErr = c.repo.ListSuspendedClear(ctx, tx, orgID, group.ID, batchSize)
			if txErr != nil {
				return txErr
			}
			for i := range batch {
				svc := batch[i]
				if err := c.unsuspendOne(ctx, tx, orgID, svc, now); err != nil {
					stats.Failed++
					errs = append(errs, fmt.Errorf("service %d: %w", svc.ID, err))
					c.reportProvisionFailure(ctx, svc, "unsuspend", err)
					continue
				}
				stats.Processed++
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

func (c *Coordinator) unsuspendOne(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, svc domain.Service, now time.Time) error {
	module, err := c.registry.Resolve(svc.ModuleKey)
	if err != nil {
		return err
	}
	if err := module.Unsuspend(ctx, c.ref(svc)); err != nil {
		return fmt.Errorf("provisioning unsuspend failed: %w", err)
	}

	updated, err := c.repo.UpdateStatus(ctx, tx, orgID, svc.ID, domain.StatusSuspended, domain.StatusActive, now.UTC())
	if err != nil {
		return err
	}
	if updated {
		c.recordAudit(ctx, "service.unsuspended", svc.ID, map[string]any{
			"client_id": svc.ClientID.String(),
		})
		c.sendClientNotice(ctx, orgID, svc, "service_unsuspended")
	}
	return nil
}

func (c *Coordinator) CancelScheduled(ctx context.Context, group clientgroupdomain.ClientGroup) (domain.RunStats, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.RunStats{}, domain.ErrInvalidOrganization
	}

	var stats domain.RunStats
	var errs []error
	now := c.clock.Now()

	for {
		var batch []domain.Service
		err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			batch, txErr = c.repo.ListScheduledCancel(ctx, tx, orgID, group.ID, now.UTC(), batchSize)
			if txErr != nil {
				return txErr
			}
			for i := range batch {
				svc := batch[i]
				if err := c.cancelOne(ctx, tx, orgID, svc, now); err != nil {
					stats.Failed++
					errs = append(errs, fmt.Errorf("service %d: %w", svc.ID, err))
					c.reportProvisionFailure(ctx, svc, "cancel", err)
					continue
				}
				stats.Processed++
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

func (c *Coordinator) cancelOne(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, svc domain.Service, now time.Time) error {
	module, err := c.registry.Resolve(svc.ModuleKey)
	if err != nil {
		return err
	}
	if err := module.Cancel(ctx, c.ref(svc)); err != nil {
		return fmt.Errorf("provisioning cancel failed: %w", err)
	}

	updated, err := c.repo.UpdateStatus(ctx, tx, orgID, svc.ID, svc.Status, domain.StatusCanceled, now.UTC())
	if err != nil {
		return err
	}
	if updated {
		c.recordAudit(ctx, "service.canceled", svc.ID, map[string]any{
			"client_id": svc.ClientID.String(),
		})
	}
	return nil
}

func (c *Coordinator) ref(svc domain.Service) provisioning.ServiceRef {
	metadata := make(map[string]any, len(svc.Metadata))
	for k, v := range svc.Metadata {
		metadata[k] = v
	}
	return provisioning.ServiceRef{
		ID:       svc.ID,
		OrgID:    svc.OrgID,
		ClientID: svc.ClientID,
		Module:   svc.ModuleKey,
		Name:     svc.Name,
		Metadata: metadata,
	}
}

// reportProvisionFailure alerts staff so a stuck transition gets human
// eyes before the next run retries it.
func (c *Coordinator) reportProvisionFailure(ctx context.Context, svc domain.Service, op string, err error) {
	metrics.Tasks().IncEntityError("service.lifecycle."+op, err)
	c.log.Error("service transition failed",
		zap.String("operation", op),
		zap.Int64("service_id", int64(svc.ID)),
		zap.Int64("client_id", int64(svc.ClientID)),
		zap.Error(err),
	)
	c.notify.NotifyStaff(ctx, notification.StaffAlert{
		Subject: fmt.Sprintf("Service %s failed: %s", op, svc.Name),
		Body:    err.Error(),
		Fields: map[string]string{
			"service_id": svc.ID.String(),
			"client_id":  svc.ClientID.String(),
			"module":     svc.ModuleKey,
		},
	})
}

func (c *Coordinator) sendClientNotice(ctx context.Context, orgID snowflake.ID, svc domain.Service, template string) {
	client, err := c.clientRepo.FindByID(ctx, c.db, orgID, svc.ClientID)
	if err != nil || client == nil {
		c.log.Warn("client lookup for notice failed",
			zap.Int64("client_id", int64(svc.ClientID)),
			zap.Error(err),
		)
		return
	}
	err = c.notify.SendClientNotice(ctx, notification.ClientNotice{
		Email:    client.Email,
		Template: template,
		Data: map[string]any{
			"first_name":   client.FirstName,
			"service_name": svc.Name,
		},
	})
	if err != nil {
		c.log.Warn("client notice failed",
			zap.String("template", template),
			zap.Int64("client_id", int64(client.ID)),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) recordAudit(ctx context.Context, action string, target snowflake.ID, metadata map[string]any) {
	entry := auditdomain.Entry{
		ActorType:  "system",
		Action:     action,
		TargetType: "service",
		TargetID:   target.String(),
		Metadata:   metadata,
	}
	if err := c.audit.Record(ctx, entry); err != nil {
		c.log.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}
