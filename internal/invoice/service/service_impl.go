package service

import (
	"context"
	"strings"

	auditdomain "github.com/billforge/billforge/internal/audit/domain"
	"github.com/billforge/billforge/internal/clock"
	"github.com/billforge/billforge/internal/invoice/domain"
	"github.com/billforge/billforge/internal/orgcontext"
	pkgdb "github.com/billforge/billforge/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
	Audit auditdomain.Service
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
	audit auditdomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		audit: p.Audit,
	}
}

func (s *Service) CreateInvoice(ctx context.Context, req domain.CreateInvoiceRequest) (*domain.Invoice, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, domain.ErrInvalidCurrency
	}
	if len(req.Lines) == 0 {
		return nil, domain.ErrEmptyInvoice
	}

	status := req.Status
	if status == "" {
		status = domain.InvoiceStatusActive
	}

	var subtotal int64
	for _, line := range req.Lines {
		subtotal += line.Quantity * line.UnitAmount
	}

	now := s.clock.Now().UTC()
	metadata := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	invoice := domain.Invoice{
		ID:         s.genID.Generate(),
		OrgID:      orgID,
		ClientID:   req.ClientID,
		Status:     status,
		Currency:   currency,
		Subtotal:   subtotal,
		Total:      subtotal,
		DateBilled: req.DateBilled,
		DateDue:    req.DateDue,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &invoice); err != nil {
			return err
		}
		for _, in := range req.Lines {
			line := domain.InvoiceLine{
				ID:          s.genID.Generate(),
				OrgID:       orgID,
				InvoiceID:   invoice.ID,
				ServiceID:   in.ServiceID,
				Description: in.Description,
				Quantity:    in.Quantity,
				UnitAmount:  in.UnitAmount,
				Amount:      in.Quantity * in.UnitAmount,
				CreatedAt:   now,
			}
			if err := s.repo.InsertLine(ctx, tx, &line); err != nil {
				return err
			}
		}
		for _, method := range req.Deliveries {
			delivery := domain.InvoiceDelivery{
				ID:        s.genID.Generate(),
				OrgID:     orgID,
				InvoiceID: invoice.ID,
				Method:    method,
				CreatedAt: now,
			}
			if err := s.repo.InsertDelivery(ctx, tx, &delivery); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, "invoice.created", invoice.ID, map[string]any{
		"client_id": invoice.ClientID.String(),
		"currency":  invoice.Currency,
		"total":     invoice.Total,
		"status":    string(invoice.Status),
	})

	return &invoice, nil
}

func (s *Service) FindInvoice(ctx context.Context, invoiceID snowflake.ID) (*domain.Invoice, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	return s.repo.FindByID(ctx, s.db, orgID, invoiceID)
}

// ApplyLateFee assesses one fee on the invoice. The marker insert and
// the total bump share a transaction, and the marker's primary key turns
// a repeat call into ErrFeeAlreadyApplied instead of a second charge.
func (s *Service) ApplyLateFee(ctx context.Context, invoiceID snowflake.ID, description string, amount int64) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ErrInvalidOrganization
	}

	now := s.clock.Now().UTC()
	var lineID snowflake.ID

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return domain.ErrInvoiceNotFound
		}
		if !invoice.Open() {
			return domain.ErrInvoiceNotOpen
		}

		line := domain.InvoiceLine{
			ID:          s.genID.Generate(),
			OrgID:       orgID,
			InvoiceID:   invoiceID,
			Description: description,
			Quantity:    1,
			UnitAmount:  amount,
			Amount:      amount,
			CreatedAt:   now,
		}
		if err := s.repo.InsertLine(ctx, tx, &line); err != nil {
			return err
		}
		lineID = line.ID

		marker := domain.LateFeeMarker{
			InvoiceID:     invoiceID,
			OrgID:         orgID,
			InvoiceLineID: line.ID,
			CreatedAt:     now,
		}
		if err := s.repo.InsertMarker(ctx, tx, &marker); err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				return domain.ErrFeeAlreadyApplied
			}
			return err
		}

		return s.repo.AddAmount(ctx, tx, orgID, invoiceID, amount)
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, "invoice.late_fee_applied", invoiceID, map[string]any{
		"line_id": lineID.String(),
		"amount":  amount,
	})

	return nil
}

func (s *Service) VoidInvoice(ctx context.Context, invoiceID snowflake.ID, reason string) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ErrInvalidOrganization
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return domain.ErrInvoiceNotFound
		}
		if invoice.Status == domain.InvoiceStatusVoid {
			return nil
		}
		if err := s.repo.DetachPayments(ctx, tx, orgID, invoiceID); err != nil {
			return err
		}
		return s.repo.MarkVoid(ctx, tx, orgID, invoiceID, reason)
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, "invoice.voided", invoiceID, map[string]any{
		"reason": reason,
	})

	return nil
}

func (s *Service) PendingDeliveries(ctx context.Context, limit int) ([]domain.DeliveryWork, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListPendingDeliveries(ctx, s.db, orgID, limit)
}

func (s *Service) MarkDelivered(ctx context.Context, deliveryID snowflake.ID) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ErrInvalidOrganization
	}
	return s.repo.MarkDelivered(ctx, s.db, orgID, deliveryID, s.clock.Now().UTC())
}

func (s *Service) recordAudit(ctx context.Context, action string, target snowflake.ID, metadata map[string]any) {
	entry := auditdomain.Entry{
		ActorType:  "system",
		Action:     action,
		TargetType: "invoice",
		TargetID:   target.String(),
		Metadata:   metadata,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.log.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}
