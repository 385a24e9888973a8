// Package renewal turns due services and recurring invoice templates
// into invoices. The catch-up loop keeps drawing due rows until none
// remain, so a generator that sat idle for three months emits three
// invoices per service, one renewal period apart, instead of collapsing
// them into one.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	auditdomain "github.com/billforge/billforge/internal/audit/domain"
	clientdomain "github.com/billforge/billforge/internal/client/domain"
	clientgroupdomain "github.com/billforge/billforge/internal/clientgroup/domain"
	"github.com/billforge/billforge/internal/clock"
	invoicedomain "github.com/billforge/billforge/internal/invoice/domain"
	"github.com/billforge/billforge/internal/orgcontext"
	servicedomain "github.com/billforge/billforge/internal/service/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const batchSize = 100

var ErrInvalidOrganization = errors.New("invalid_organization")

// Stats summarizes one generator pass over a client group.
type Stats struct {
	Invoices  int
	Renewed   int
	Templates int
	Failed    int
}

// Generator creates renewal invoices for services and instantiates
// recurring templates, exactly once per cycle.
type Generator interface {
	GenerateServiceRenewals(ctx context.Context, group clientgroupdomain.ClientGroup) (Stats, error)
	GenerateFromTemplates(ctx context.Context, group clientgroupdomain.ClientGroup) (Stats, error)
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	ServiceRepo servicedomain.Repository
	ClientRepo  clientdomain.Repository
	InvoiceRepo invoicedomain.Repository
	Invoices    invoicedomain.Service
	Groups      clientgroupdomain.Service
	Audit       auditdomain.Service
}

type generator struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	serviceRepo servicedomain.Repository
	clientRepo  clientdomain.Repository
	invoiceRepo invoicedomain.Repository
	invoices    invoicedomain.Service
	groups      clientgroupdomain.Service
	audit       auditdomain.Service
}

func New(p Params) Generator {
	return &generator{
		db:          p.DB,
		log:         p.Log.Named("renewal.generator"),
		clock:       p.Clock,
		serviceRepo: p.ServiceRepo,
		clientRepo:  p.ClientRepo,
		invoiceRepo: p.InvoiceRepo,
		invoices:    p.Invoices,
		groups:      p.Groups,
		audit:       p.Audit,
	}
}

func (g *generator) GenerateServiceRenewals(ctx context.Context, group clientgroupdomain.ClientGroup) (Stats, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return Stats{}, ErrInvalidOrganization
	}

	settings, err := g.groups.ResolveSettings(ctx, group.ID)
	if err != nil {
		return Stats{}, err
	}

	now := g.clock.Now().UTC()
	var stats Stats
	var errs []error

	// Services that fail once in this run stay excluded for the rest of
	// it. Their renewal dates are untouched, so the next scheduled run
	// retries them from the same cycle.
	failed := map[snowflake.ID]bool{}

	for {
		excluded := make([]snowflake.ID, 0, len(failed))
		for id := range failed {
			excluded = append(excluded, id)
		}

		var due []servicedomain.Service
		err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			due, txErr = g.serviceRepo.ListDueForRenewal(ctx, tx, orgID, group.ID, now, excluded, batchSize)
			if txErr != nil {
				return txErr
			}
			if len(due) == 0 {
				return nil
			}
			g.renewBatch(ctx, tx, orgID, group, settings, due, now, failed, &stats, &errs)
			return nil
		})
		if err != nil {
			return stats, errors.Join(append(errs, err)...)
		}
		if len(due) == 0 {
			break
		}
	}

	return stats, errors.Join(errs...)
}

func (g *generator) renewBatch(
	ctx context.Context,
	tx *gorm.DB,
	orgID snowflake.ID,
	group clientgroupdomain.ClientGroup,
	settings clientgroupdomain.GroupSettings,
	due []servicedomain.Service,
	now time.Time,
	failed map[snowflake.ID]bool,
	stats *Stats,
	errs *[]error,
) {
	byClient := map[snowflake.ID][]servicedomain.Service{}
	for _, svc := range due {
		byClient[svc.ClientID] = append(byClient[svc.ClientID], svc)
	}

	for clientID, services := range byClient {
		client, err := g.clientRepo.FindByID(ctx, tx, orgID, clientID)
		if err != nil || client == nil {
			if err == nil {
				err = clientdomain.ErrClientNotFound
			}
			for _, svc := range services {
				failed[svc.ID] = true
			}
			stats.Failed += len(services)
			*errs = append(*errs, fmt.Errorf("client %d: %w", clientID, err))
			g.log.Error("renewal client lookup failed",
				zap.Int64("client_id", int64(clientID)),
				zap.Error(err),
			)
			continue
		}

		for _, bucket := range invoiceBuckets(services, settings.GroupServicesOnInvoice) {
			byCurrency := map[string][]servicedomain.Service{}
			for _, svc := range bucket {
				currency := svc.Currency
				if client.DefaultCurrency != "" {
					currency = client.DefaultCurrency
				}
				byCurrency[currency] = append(byCurrency[currency], svc)
			}

			for currency, currencyServices := range byCurrency {
				g.renewOneInvoice(ctx, tx, orgID, client, currency, currencyServices, now, failed, stats, errs)
			}
		}
	}
}

// renewOneInvoice cuts one invoice for the given services and advances
// each included service by one term. The invoice's due date is the
// renewal date being processed, not "now": a generator running late
// still dates the debt correctly, so fees and reminders inherit the
// right baseline.
func (g *generator) renewOneInvoice(
	ctx context.Context,
	tx *gorm.DB,
	orgID snowflake.ID,
	client *clientdomain.Client,
	currency string,
	services []servicedomain.Service,
	now time.Time,
	failed map[snowflake.ID]bool,
	stats *Stats,
	errs *[]error,
) {
	dueDate := services[0].DateRenews
	lines := make([]invoicedomain.LineInput, 0, len(services))
	nextDates := make(map[snowflake.ID]time.Time, len(services))

	for _, svc := range services {
		if svc.DateRenews.Before(dueDate) {
			dueDate = svc.DateRenews
		}
		next, err := servicedomain.NextRenewal(svc.DateRenews, svc.Term, svc.Period)
		if err != nil {
			failed[svc.ID] = true
			stats.Failed++
			*errs = append(*errs, fmt.Errorf("service %d: %w", svc.ID, err))
			g.log.Error("renewal term invalid",
				zap.Int64("service_id", int64(svc.ID)),
				zap.Error(err),
			)
			continue
		}
		nextDates[svc.ID] = next

		serviceID := svc.ID
		lines = append(lines, invoicedomain.LineInput{
			ServiceID: &serviceID,
			Description: fmt.Sprintf("%s (%s - %s)",
				svc.Name,
				svc.DateRenews.Format("Jan 2, 2006"),
				next.AddDate(0, 0, -1).Format("Jan 2, 2006"),
			),
			Quantity:   1,
			UnitAmount: svc.Price,
		})
	}
	if len(lines) == 0 {
		return
	}

	invoice, err := g.invoices.CreateInvoice(ctx, invoicedomain.CreateInvoiceRequest{
		ClientID:   client.ID,
		Currency:   currency,
		DateBilled: now,
		DateDue:    dueDate,
		Lines:      lines,
		Deliveries: []invoicedomain.DeliveryMethod{invoicedomain.DeliveryEmail},
		Metadata:   map[string]any{"source": "renewal"},
	})
	if err != nil {
		for id := range nextDates {
			failed[id] = true
		}
		stats.Failed += len(nextDates)
		*errs = append(*errs, fmt.Errorf("client %d invoice: %w", client.ID, err))
		g.log.Error("renewal invoice creation failed",
			zap.Int64("client_id", int64(client.ID)),
			zap.String("currency", currency),
			zap.Error(err),
		)
		return
	}
	stats.Invoices++

	for _, svc := range services {
		next, ok := nextDates[svc.ID]
		if !ok {
			continue
		}
		advanced, err := g.serviceRepo.AdvanceRenewal(ctx, tx, orgID, svc.ID, svc.DateRenews, next)
		if err != nil {
			failed[svc.ID] = true
			stats.Failed++
			*errs = append(*errs, fmt.Errorf("service %d advance: %w", svc.ID, err))
			g.log.Error("renewal date advance failed",
				zap.Int64("service_id", int64(svc.ID)),
				zap.Error(err),
			)
			continue
		}
		if !advanced {
			// Another writer already moved the date; count it done.
			continue
		}
		stats.Renewed++
		g.log.Info("service renewed",
			zap.Int64("service_id", int64(svc.ID)),
			zap.Int64("invoice_id", int64(invoice.ID)),
			zap.Time("date_renews", next),
		)
	}
}

// invoiceBuckets splits a client's due services into invoice groups.
// With grouping on, everything due rides one invoice. With grouping
// off, each service gets its own invoice except that children always
// ride with their parent, so addons bill alongside the service they
// extend.
func invoiceBuckets(services []servicedomain.Service, groupAll bool) [][]servicedomain.Service {
	if groupAll {
		return [][]servicedomain.Service{services}
	}

	inBatch := map[snowflake.ID]int{}
	var buckets [][]servicedomain.Service

	for _, svc := range services {
		if svc.ParentServiceID != nil {
			if idx, ok := inBatch[*svc.ParentServiceID]; ok {
				buckets[idx] = append(buckets[idx], svc)
				inBatch[svc.ID] = idx
				continue
			}
		}
		buckets = append(buckets, []servicedomain.Service{svc})
		inBatch[svc.ID] = len(buckets) - 1
	}
	return buckets
}

func (g *generator) GenerateFromTemplates(ctx context.Context, group clientgroupdomain.ClientGroup) (Stats, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return Stats{}, ErrInvalidOrganization
	}

	now := g.clock.Now().UTC()
	var stats Stats
	var errs []error
	failed := map[snowflake.ID]bool{}

	for {
		excluded := make([]snowflake.ID, 0, len(failed))
		for id := range failed {
			excluded = append(excluded, id)
		}

		var due []invoicedomain.RecurringInvoice
		err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			due, txErr = g.invoiceRepo.ListDueTemplates(ctx, tx, orgID, group.ID, now, excluded, batchSize)
			if txErr != nil {
				return txErr
			}
			for _, tmpl := range due {
				if err := g.instantiateTemplate(ctx, tx, orgID, tmpl, now); err != nil {
					failed[tmpl.ID] = true
					stats.Failed++
					errs = append(errs, fmt.Errorf("template %d: %w", tmpl.ID, err))
					g.log.Error("recurring template failed",
						zap.Int64("template_id", int64(tmpl.ID)),
						zap.Int64("client_id", int64(tmpl.ClientID)),
						zap.Error(err),
					)
					continue
				}
				stats.Templates++
				stats.Invoices++
			}
			return nil
		})
		if err != nil {
			return stats, errors.Join(append(errs, err)...)
		}
		if len(due) == 0 {
			break
		}
	}

	return stats, errors.Join(errs...)
}

func (g *generator) instantiateTemplate(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, tmpl invoicedomain.RecurringInvoice, now time.Time) error {
	templateLines, err := g.invoiceRepo.TemplateLines(ctx, tx, orgID, tmpl.ID)
	if err != nil {
		return err
	}
	if len(templateLines) == 0 {
		return invoicedomain.ErrEmptyInvoice
	}

	next, err := servicedomain.NextRenewal(tmpl.DateNext, tmpl.Term, servicedomain.Period(tmpl.Period))
	if err != nil {
		return err
	}

	lines := make([]invoicedomain.LineInput, 0, len(templateLines))
	for _, tl := range templateLines {
		lines = append(lines, invoicedomain.LineInput{
			Description: tl.Description,
			Quantity:    tl.Quantity,
			UnitAmount:  tl.UnitAmount,
		})
	}

	invoice, err := g.invoices.CreateInvoice(ctx, invoicedomain.CreateInvoiceRequest{
		ClientID:   tmpl.ClientID,
		Currency:   tmpl.Currency,
		DateBilled: now,
		DateDue:    tmpl.DateNext.AddDate(0, 0, tmpl.DueDays),
		Lines:      lines,
		Deliveries: []invoicedomain.DeliveryMethod{invoicedomain.DeliveryEmail},
		Metadata:   map[string]any{"source": "recurring_template", "template_id": tmpl.ID.String()},
	})
	if err != nil {
		return err
	}

	advanced, err := g.invoiceRepo.AdvanceTemplate(ctx, tx, orgID, tmpl.ID, tmpl.DateNext, next)
	if err != nil {
		return err
	}
	if !advanced {
		g.log.Warn("recurring template already advanced",
			zap.Int64("template_id", int64(tmpl.ID)),
			zap.Int64("invoice_id", int64(invoice.ID)),
		)
	}
	return nil
}

var Module = fx.Module("renewal.generator",
	fx.Provide(New),
)
