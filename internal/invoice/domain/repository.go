package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// OpenBalance is one client/currency bucket of collectible debt.
type OpenBalance struct {
	ClientID    snowflake.ID
	Currency    string
	Outstanding int64
	Invoices    int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	InsertLine(ctx context.Context, db *gorm.DB, line *InvoiceLine) error
	InsertDelivery(ctx context.Context, db *gorm.DB, delivery *InvoiceDelivery) error
	InsertMarker(ctx context.Context, db *gorm.DB, marker *LateFeeMarker) error
	InsertNotice(ctx context.Context, db *gorm.DB, notice *InvoiceNotice) error

	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Invoice, error)

	// AddAmount bumps subtotal and total by delta.
	AddAmount(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, delta int64) error
	// ApplyPaid bumps paid by delta, closing the invoice when it reaches
	// the total.
	ApplyPaid(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, delta int64, closedAt *time.Time) error
	MarkVoid(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, reason string) error
	// DetachPayments deletes the invoice's payment applications and
	// zeroes its paid amount. The freed amounts become client credit.
	DetachPayments(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) error

	// ListPastDueWithoutFee claims open invoices due on or before the
	// cutoff that carry no late fee marker yet. Invoices in exclude are
	// skipped for the rest of the run.
	ListPastDueWithoutFee(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, dueOnOrBefore time.Time, exclude []snowflake.ID, limit int) ([]Invoice, error)
	ListOpenByGroup(ctx context.Context, db *gorm.DB, orgID, groupID, afterID snowflake.ID, limit int) ([]Invoice, error)
	ListOpenByClientCurrency(ctx context.Context, db *gorm.DB, orgID, clientID snowflake.ID, currency string) ([]Invoice, error)
	OpenBalancesByGroup(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, dueOnOrBefore time.Time) ([]OpenBalance, error)
	HasNotice(ctx context.Context, db *gorm.DB, orgID, invoiceID snowflake.ID, kind string) (bool, error)

	ListPendingDeliveries(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]DeliveryWork, error)
	MarkDelivered(ctx context.Context, db *gorm.DB, orgID, deliveryID snowflake.ID, sentAt time.Time) error

	ListDueTemplates(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, dueOnOrBefore time.Time, exclude []snowflake.ID, limit int) ([]RecurringInvoice, error)
	TemplateLines(ctx context.Context, db *gorm.DB, orgID, templateID snowflake.ID) ([]RecurringInvoiceLine, error)
	// AdvanceTemplate moves date_next from the processed date to the
	// next one. The WHERE guard on the processed date keeps concurrent
	// runners from double-advancing.
	AdvanceTemplate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, processed, next time.Time) (bool, error)
}
