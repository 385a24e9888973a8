// Package latefee assesses overdue fees on open invoices. The late fee
// marker makes the operation idempotent: however many passes observe an
// overdue invoice, exactly one fee line lands on it.
package latefee

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientgroupdomain "github.com/billforge/billforge/internal/clientgroup/domain"
	"github.com/billforge/billforge/internal/clock"
	"github.com/billforge/billforge/internal/config"
	invoicedomain "github.com/billforge/billforge/internal/invoice/domain"
	"github.com/billforge/billforge/internal/orgcontext"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const batchSize = 100

var ErrInvalidOrganization = errors.New("invalid_organization")

// Stats summarizes one calculator pass over a client group.
type Stats struct {
	Applied int
	Skipped int
	Failed  int
}

// Calculator applies late fees for one client group at a time.
type Calculator interface {
	ApplyLateFees(ctx context.Context, group clientgroupdomain.ClientGroup) (Stats, error)
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Config      config.Config
	Clock       clock.Clock
	InvoiceRepo invoicedomain.Repository
	Invoices    invoicedomain.Service
	Groups      clientgroupdomain.Service
}

type calculator struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         config.Config
	clock       clock.Clock
	invoiceRepo invoicedomain.Repository
	invoices    invoicedomain.Service
	groups      clientgroupdomain.Service
}

func New(p Params) Calculator {
	return &calculator{
		db:          p.DB,
		log:         p.Log.Named("latefee.calculator"),
		cfg:         p.Config,
		clock:       p.Clock,
		invoiceRepo: p.InvoiceRepo,
		invoices:    p.Invoices,
		groups:      p.Groups,
	}
}

func (c *calculator) ApplyLateFees(ctx context.Context, group clientgroupdomain.ClientGroup) (Stats, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return Stats{}, ErrInvalidOrganization
	}

	settings, err := c.groups.ResolveSettings(ctx, group.ID)
	if err != nil {
		return Stats{}, err
	}

	loc := c.cfg.Location()
	cutoff := eligibilityCutoff(c.clock.Now(), settings.GraceDays, loc)

	var stats Stats
	var errs []error

	// Invoices that fail or get skipped once stay excluded for the rest
	// of the run; applied fees drop out of the query via their marker.
	done := map[snowflake.ID]bool{}

	for {
		excluded := make([]snowflake.ID, 0, len(done))
		for id := range done {
			excluded = append(excluded, id)
		}

		invoices, err := c.invoiceRepo.ListPastDueWithoutFee(ctx, c.db, orgID, group.ID, cutoff, excluded, batchSize)
		if err != nil {
			return stats, errors.Join(append(errs, err)...)
		}
		for _, inv := range invoices {
			applied, err := c.applyOne(ctx, group, inv)
			if err != nil {
				done[inv.ID] = true
				stats.Failed++
				errs = append(errs, fmt.Errorf("invoice %d: %w", inv.ID, err))
				c.log.Error("late fee failed",
					zap.Int64("invoice_id", int64(inv.ID)),
					zap.Int64("client_id", int64(inv.ClientID)),
					zap.Error(err),
				)
				continue
			}
			if !applied {
				done[inv.ID] = true
				stats.Skipped++
				continue
			}
			stats.Applied++
		}
		if len(invoices) < batchSize {
			break
		}
	}

	return stats, errors.Join(errs...)
}

// eligibilityCutoff is the newest due date already past the grace period.
// Eligibility is a calendar-day comparison in company time: an invoice due
// anywhere during day N becomes chargeable on day N+graceDays, whatever
// wall-clock time the run fires.
func eligibilityCutoff(now time.Time, graceDays int, loc *time.Location) time.Time {
	return clock.EndOfDay(now.In(loc).AddDate(0, 0, -graceDays), loc)
}

func (c *calculator) applyOne(ctx context.Context, group clientgroupdomain.ClientGroup, inv invoicedomain.Invoice) (bool, error) {
	schedule, err := c.groups.ResolveLateFee(ctx, group.ID, inv.Currency)
	if err != nil {
		return false, err
	}
	if schedule == nil {
		// Fees disabled for this currency.
		return false, nil
	}

	amount := FeeAmount(*schedule, inv)
	if amount <= 0 {
		return false, nil
	}

	err = c.invoices.ApplyLateFee(ctx, inv.ID, "Late fee", amount)
	if errors.Is(err, invoicedomain.ErrFeeAlreadyApplied) {
		// A concurrent pass won the marker insert.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	c.log.Info("late fee applied",
		zap.Int64("invoice_id", int64(inv.ID)),
		zap.Int64("client_id", int64(inv.ClientID)),
		zap.String("currency", inv.Currency),
		zap.Int64("amount", amount),
	)
	return true, nil
}

// FeeAmount computes the fee for one invoice under a schedule. Percent
// schedules charge a share of the outstanding balance, or of the full
// total when the schedule says so; otherwise the flat amount applies.
// The result never drops below the schedule's minimum.
func FeeAmount(schedule clientgroupdomain.LateFeeSchedule, inv invoicedomain.Invoice) int64 {
	var amount int64
	if schedule.Percent > 0 {
		base := inv.Outstanding()
		if schedule.OnTotal {
			base = inv.Total
		}
		amount = int64(float64(base) * schedule.Percent / 100)
	} else {
		amount = schedule.FlatAmount
	}
	if amount < schedule.Minimum {
		amount = schedule.Minimum
	}
	return amount
}

var Module = fx.Module("latefee.calculator",
	fx.Provide(New),
)
