package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	auditdomain "github.com/billforge/billforge/internal/audit/domain"
	clientdomain "github.com/billforge/billforge/internal/client/domain"
	clientgroupdomain "github.com/billforge/billforge/internal/clientgroup/domain"
	"github.com/billforge/billforge/internal/clock"
	"github.com/billforge/billforge/internal/config"
	invoicedomain "github.com/billforge/billforge/internal/invoice/domain"
	"github.com/billforge/billforge/internal/notification"
	"github.com/billforge/billforge/internal/orgcontext"
	"github.com/billforge/billforge/internal/payment/domain"
	"github.com/billforge/billforge/internal/payment/gateway"
	pkgdb "github.com/billforge/billforge/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	reminderBatchSize = 200

	// chargeConcurrency bounds parallel gateway calls. The parallelism
	// unit is one client; invoices of a single client are always
	// settled by one goroutine.
	chargeConcurrency = 4
)

const (
	NoticeKindFirst     = "first_notice"
	NoticeKindSecond    = "second_notice"
	NoticeKindThird     = "third_notice"
	NoticeKindAutodebit = "autodebit_notice"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Config      config.Config
	Clock       clock.Clock
	GenID       *snowflake.Node
	Repo        domain.Repository
	InvoiceRepo invoicedomain.Repository
	ClientRepo  clientdomain.Repository
	Groups      clientgroupdomain.Service
	Gateway     gateway.Gateway
	Notify      notification.Service
	Audit       auditdomain.Service
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         config.Config
	clock       clock.Clock
	genID       *snowflake.Node
	repo        domain.Repository
	invoiceRepo invoicedomain.Repository
	clientRepo  clientdomain.Repository
	groups      clientgroupdomain.Service
	gateway     gateway.Gateway
	notify      notification.Service
	audit       auditdomain.Service
}

func New(p Params) domain.Orchestrator {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		cfg:         p.Config,
		clock:       p.Clock,
		genID:       p.GenID,
		repo:        p.Repo,
		invoiceRepo: p.InvoiceRepo,
		clientRepo:  p.ClientRepo,
		groups:      p.Groups,
		gateway:     p.Gateway,
		notify:      p.Notify,
		audit:       p.Audit,
	}
}

// RunAutodebit charges every client with a usable stored account one
// aggregate amount per currency, never per invoice. One client's
// decline stays that client's problem; the error state is fresh for the
// next client.
func (s *Service) RunAutodebit(ctx context.Context, group clientgroupdomain.ClientGroup) (domain.RunStats, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.RunStats{}, domain.ErrInvalidOrganization
	}

	now := s.clock.Now().UTC()
	balances, err := s.invoiceRepo.OpenBalancesByGroup(ctx, s.db, orgID, group.ID, now)
	if err != nil {
		return domain.RunStats{}, err
	}

	byClient := map[snowflake.ID][]invoicedomain.OpenBalance{}
	for _, b := range balances {
		if b.Outstanding <= 0 {
			continue
		}
		byClient[b.ClientID] = append(byClient[b.ClientID], b)
	}

	passphraseAvailable := s.cfg.AutodebitPassphrase != ""

	var (
		mu    sync.Mutex
		stats domain.RunStats
		errs  []error
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(chargeConcurrency)

	for clientID, clientBalances := range byClient {
		eg.Go(func() error {
			clientStats, err := s.chargeClient(egCtx, orgID, clientID, clientBalances, passphraseAvailable, now)
			mu.Lock()
			defer mu.Unlock()
			stats.Add(clientStats)
			if err != nil {
				stats.Failed++
				errs = append(errs, fmt.Errorf("client %d: %w", clientID, err))
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		errs = append(errs, err)
	}

	return stats, errors.Join(errs...)
}

func (s *Service) chargeClient(ctx context.Context, orgID, clientID snowflake.ID, balances []invoicedomain.OpenBalance, passphraseAvailable bool, now time.Time) (domain.RunStats, error) {
	var stats domain.RunStats

	account, err := s.repo.FindAccountByClient(ctx, s.db, orgID, clientID)
	if err != nil {
		return stats, err
	}
	if account == nil {
		stats.Skipped++
		return stats, nil
	}
	if account.RequiresPassphrase && !passphraseAvailable {
		// Without the passphrase the stored data cannot be decrypted;
		// skip the account whole rather than charge with partial data.
		stats.Skipped++
		s.log.Info("autodebit account skipped, passphrase not supplied",
			zap.Int64("client_id", int64(clientID)),
		)
		return stats, nil
	}

	for _, balance := range balances {
		charged, err := s.chargeCurrency(ctx, orgID, account, balance, now)
		if err != nil {
			s.log.Error("autodebit charge failed",
				zap.Int64("client_id", int64(clientID)),
				zap.String("currency", balance.Currency),
				zap.Int64("amount", balance.Outstanding),
				zap.Error(err),
			)
			return stats, err
		}
		if !charged {
			stats.Skipped++
			continue
		}
		stats.Charged++
		s.log.Info("autodebit charge settled",
			zap.Int64("client_id", int64(clientID)),
			zap.String("currency", balance.Currency),
			zap.Int64("amount", balance.Outstanding),
			zap.Int("invoices", balance.Invoices),
		)
	}
	return stats, nil
}

func (s *Service) chargeCurrency(ctx context.Context, orgID snowflake.ID, account *domain.AutodebitAccount, balance invoicedomain.OpenBalance, now time.Time) (bool, error) {
	invoices, err := s.invoiceRepo.ListOpenByClientCurrency(ctx, s.db, orgID, balance.ClientID, balance.Currency)
	if err != nil {
		return false, err
	}

	allocations := make([]gateway.Allocation, 0, len(invoices))
	var total int64
	for _, inv := range invoices {
		outstanding := inv.Outstanding()
		if outstanding <= 0 {
			continue
		}
		allocations = append(allocations, gateway.Allocation{InvoiceID: inv.ID, Amount: outstanding})
		total += outstanding
	}
	if total <= 0 {
		return false, nil
	}

	credit, err := s.repo.CreditByClientCurrency(ctx, s.db, orgID, balance.ClientID, balance.Currency)
	if err != nil {
		return false, err
	}
	if credit >= total {
		// Unapplied payments already cover the balance; the credit pass
		// settles it without a gateway round trip.
		s.log.Info("autodebit skipped, credit covers balance",
			zap.Int64("client_id", int64(balance.ClientID)),
			zap.String("currency", balance.Currency),
			zap.Int64("credit", credit),
			zap.Int64("outstanding", total),
		)
		return false, nil
	}

	receipt, err := s.gateway.Charge(ctx, gateway.ChargeRequest{
		ClientID:    balance.ClientID,
		CustomerRef: account.CustomerRef,
		MethodRef:   account.MethodRef,
		Currency:    balance.Currency,
		Amount:      total,
		Allocations: allocations,
	})
	if err != nil {
		return false, err
	}

	payment := domain.Payment{
		ID:         s.genID.Generate(),
		OrgID:      orgID,
		ClientID:   balance.ClientID,
		Currency:   balance.Currency,
		Amount:     receipt.Amount,
		Gateway:    s.gateway.Name(),
		GatewayRef: receipt.Reference,
		ReceivedAt: now,
		Metadata:   datatypes.JSONMap{"source": "autodebit"},
		CreatedAt:  now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertPayment(ctx, tx, &payment); err != nil {
			return err
		}
		closedAt := now
		for _, alloc := range allocations {
			application := domain.PaymentApplication{
				ID:        s.genID.Generate(),
				OrgID:     orgID,
				PaymentID: payment.ID,
				InvoiceID: alloc.InvoiceID,
				Amount:    alloc.Amount,
				CreatedAt: now,
			}
			if err := s.repo.InsertApplication(ctx, tx, &application); err != nil {
				return err
			}
			if err := s.invoiceRepo.ApplyPaid(ctx, tx, orgID, alloc.InvoiceID, alloc.Amount, &closedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The money moved at the gateway but the local apply failed.
		// Surface loudly so staff reconcile before the next charge.
		s.notify.NotifyStaff(ctx, notification.StaffAlert{
			Subject: "Autodebit settlement not recorded",
			Body:    err.Error(),
			Fields: map[string]string{
				"client_id":   balance.ClientID.String(),
				"currency":    balance.Currency,
				"gateway_ref": receipt.Reference,
			},
		})
		return false, err
	}

	s.recordAudit(ctx, "payment.autodebit_charged", payment.ID, map[string]any{
		"client_id":   balance.ClientID.String(),
		"currency":    balance.Currency,
		"amount":      receipt.Amount,
		"gateway_ref": receipt.Reference,
	})
	return true, nil
}

// ApplyCredits settles open invoices from each client's unapplied
// payment remainder, oldest debt first.
func (s *Service) ApplyCredits(ctx context.Context, group clientgroupdomain.ClientGroup) (domain.RunStats, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.RunStats{}, domain.ErrInvalidOrganization
	}

	settings, err := s.groups.ResolveSettings(ctx, group.ID)
	if err != nil {
		return domain.RunStats{}, err
	}
	if !settings.AutoApplyCredits {
		return domain.RunStats{}, nil
	}

	credits, err := s.repo.CreditsByGroup(ctx, s.db, orgID, group.ID)
	if err != nil {
		return domain.RunStats{}, err
	}

	now := s.clock.Now().UTC()
	var stats domain.RunStats
	var errs []error

	for _, credit := range credits {
		applied, err := s.applyCreditBalance(ctx, orgID, credit, now)
		if err != nil {
			stats.Failed++
			errs = append(errs, fmt.Errorf("client %d %s: %w", credit.ClientID, credit.Currency, err))
			s.log.Error("credit application failed",
				zap.Int64("client_id", int64(credit.ClientID)),
				zap.String("currency", credit.Currency),
				zap.Error(err),
			)
			continue
		}
		stats.Applied += applied
	}

	return stats, errors.Join(errs...)
}

func (s *Service) applyCreditBalance(ctx context.Context, orgID snowflake.ID, credit domain.CreditBalance, now time.Time) (int, error) {
	applied := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoices, err := s.invoiceRepo.ListOpenByClientCurrency(ctx, tx, orgID, credit.ClientID, credit.Currency)
		if err != nil {
			return err
		}
		rooms, err := s.repo.UnappliedPayments(ctx, tx, orgID, credit.ClientID, credit.Currency)
		if err != nil {
			return err
		}

		roomIdx := 0
		for _, inv := range invoices {
			outstanding := inv.Outstanding()
			for outstanding > 0 && roomIdx < len(rooms) {
				room := &rooms[roomIdx]
				if room.Remaining <= 0 {
					roomIdx++
					continue
				}
				amount := outstanding
				if room.Remaining < amount {
					amount = room.Remaining
				}

				application := domain.PaymentApplication{
					ID:        s.genID.Generate(),
					OrgID:     orgID,
					PaymentID: room.PaymentID,
					InvoiceID: inv.ID,
					Amount:    amount,
					CreatedAt: now,
				}
				if err := s.repo.InsertApplication(ctx, tx, &application); err != nil {
					return err
				}
				closedAt := now
				if err := s.invoiceRepo.ApplyPaid(ctx, tx, orgID, inv.ID, amount, &closedAt); err != nil {
					return err
				}

				room.Remaining -= amount
				outstanding -= amount
				applied++
			}
			if roomIdx >= len(rooms) {
				break
			}
		}
		return nil
	})
	return applied, err
}

// SendReminders walks the group's open invoices and fires each
// configured notice at most once per invoice. Offsets compare calendar
// days in company time, so the notice lands on the same set of invoices
// whatever time of day the task runs.
func (s *Service) SendReminders(ctx context.Context, group clientgroupdomain.ClientGroup) (domain.RunStats, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.RunStats{}, domain.ErrInvalidOrganization
	}

	settings, err := s.groups.ResolveSettings(ctx, group.ID)
	if err != nil {
		return domain.RunStats{}, err
	}

	loc := s.cfg.Location()
	now := s.clock.Now()

	offsets := []struct {
		kind     string
		days     int
		template string
	}{
		{NoticeKindFirst, settings.FirstNoticeDays, "invoice_reminder"},
		{NoticeKindSecond, settings.SecondNoticeDays, "invoice_reminder"},
		{NoticeKindThird, settings.ThirdNoticeDays, "invoice_reminder"},
		{NoticeKindAutodebit, settings.AutodebitNoticeDays, "autodebit_upcoming"},
	}

	var stats domain.RunStats
	var errs []error
	var afterID snowflake.ID

	for {
		invoices, err := s.invoiceRepo.ListOpenByGroup(ctx, s.db, orgID, group.ID, afterID, reminderBatchSize)
		if err != nil {
			return stats, errors.Join(append(errs, err)...)
		}
		for _, inv := range invoices {
			afterID = inv.ID
			for _, offset := range offsets {
				fireDay := inv.DateDue.AddDate(0, 0, offset.days)
				if !clock.SameDay(now, fireDay, loc) {
					continue
				}
				sent, err := s.sendOneNotice(ctx, orgID, inv, offset.kind, offset.template, now)
				if err != nil {
					stats.Failed++
					errs = append(errs, fmt.Errorf("invoice %d %s: %w", inv.ID, offset.kind, err))
					s.log.Error("reminder failed",
						zap.Int64("invoice_id", int64(inv.ID)),
						zap.String("kind", offset.kind),
						zap.Error(err),
					)
					continue
				}
				if sent {
					stats.Reminders++
				} else {
					stats.Skipped++
				}
			}
		}
		if len(invoices) < reminderBatchSize {
			break
		}
	}

	return stats, errors.Join(errs...)
}

func (s *Service) sendOneNotice(ctx context.Context, orgID snowflake.ID, inv invoicedomain.Invoice, kind, template string, now time.Time) (bool, error) {
	exists, err := s.invoiceRepo.HasNotice(ctx, s.db, orgID, inv.ID, kind)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	// Clients on autodebit get the pre-debit notice only; the dunning
	// sequence is for clients who must pay by hand.
	account, err := s.repo.FindAccountByClient(ctx, s.db, orgID, inv.ClientID)
	if err != nil {
		return false, err
	}
	if kind == NoticeKindAutodebit && account == nil {
		return false, nil
	}
	if kind != NoticeKindAutodebit && account != nil {
		return false, nil
	}

	client, err := s.clientRepo.FindByID(ctx, s.db, orgID, inv.ClientID)
	if err != nil {
		return false, err
	}
	if client == nil {
		return false, clientdomain.ErrClientNotFound
	}

	// Claim the notice row before sending. The unique key on
	// (invoice_id, kind) is the real guard; a concurrent pass loses the
	// insert and skips.
	notice := invoicedomain.InvoiceNotice{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		InvoiceID: inv.ID,
		Kind:      kind,
		SentAt:    now.UTC(),
		CreatedAt: now.UTC(),
	}
	if err := s.invoiceRepo.InsertNotice(ctx, s.db, &notice); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}

	data := map[string]any{
		"first_name":  client.FirstName,
		"invoice_id":  inv.ID.String(),
		"amount":      formatAmount(inv.Outstanding()),
		"currency":    inv.Currency,
		"date_due":    inv.DateDue.In(s.cfg.Location()).Format("Jan 2, 2006"),
		"charge_date": inv.DateDue.In(s.cfg.Location()).Format("Jan 2, 2006"),
	}
	if err := s.notify.SendClientNotice(ctx, notification.ClientNotice{
		Email:    client.Email,
		Template: template,
		Data:     data,
	}); err != nil {
		return false, err
	}

	s.log.Info("reminder sent",
		zap.Int64("invoice_id", int64(inv.ID)),
		zap.Int64("client_id", int64(client.ID)),
		zap.String("kind", kind),
	)
	return true, nil
}

func formatAmount(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}

func (s *Service) recordAudit(ctx context.Context, action string, target snowflake.ID, metadata map[string]any) {
	entry := auditdomain.Entry{
		ActorType:  "system",
		Action:     action,
		TargetType: "payment",
		TargetID:   target.String(),
		Metadata:   metadata,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.log.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}
