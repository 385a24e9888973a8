package repository

import (
	"context"
	"time"

	"github.com/billforge/billforge/internal/invoice/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (id, org_id, client_id, status, currency, subtotal, total,
		                       paid, date_billed, date_due, date_closed, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.OrgID,
		invoice.ClientID,
		invoice.Status,
		invoice.Currency,
		invoice.Subtotal,
		invoice.Total,
		invoice.Paid,
		invoice.DateBilled,
		invoice.DateDue,
		invoice.DateClosed,
		invoice.Metadata,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
}

func (r *repo) InsertLine(ctx context.Context, db *gorm.DB, line *domain.InvoiceLine) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoice_lines (id, org_id, invoice_id, service_id, description,
		                            quantity, unit_amount, amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		line.ID,
		line.OrgID,
		line.InvoiceID,
		line.ServiceID,
		line.Description,
		line.Quantity,
		line.UnitAmount,
		line.Amount,
		line.CreatedAt,
	).Error
}

func (r *repo) InsertDelivery(ctx context.Context, db *gorm.DB, delivery *domain.InvoiceDelivery) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoice_deliveries (id, org_id, invoice_id, method, sent_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		delivery.ID,
		delivery.OrgID,
		delivery.InvoiceID,
		delivery.Method,
		delivery.SentAt,
		delivery.CreatedAt,
	).Error
}

func (r *repo) InsertMarker(ctx context.Context, db *gorm.DB, marker *domain.LateFeeMarker) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO late_fee_markers (invoice_id, org_id, invoice_line_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		marker.InvoiceID,
		marker.OrgID,
		marker.InvoiceLineID,
		marker.CreatedAt,
	).Error
}

func (r *repo) InsertNotice(ctx context.Context, db *gorm.DB, notice *domain.InvoiceNotice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoice_notices (id, org_id, invoice_id, kind, sent_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		notice.ID,
		notice.OrgID,
		notice.InvoiceID,
		notice.Kind,
		notice.SentAt,
		notice.CreatedAt,
	).Error
}

const invoiceColumns = `id, org_id, client_id, status, currency, subtotal, total,
	        paid, date_billed, date_due, date_closed, metadata, created_at, updated_at`

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices WHERE org_id = ? AND id = ?`,
		orgID,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices WHERE org_id = ? AND id = ?
		 FOR UPDATE`,
		orgID,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) AddAmount(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, delta int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET subtotal = subtotal + ?, total = total + ?, updated_at = CURRENT_TIMESTAMP
		 WHERE org_id = ? AND id = ?`,
		delta,
		delta,
		orgID,
		id,
	).Error
}

func (r *repo) ApplyPaid(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, delta int64, closedAt *time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET paid = paid + ?,
		     date_closed = CASE WHEN paid + ? >= total THEN ? ELSE date_closed END,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE org_id = ? AND id = ?`,
		delta,
		delta,
		closedAt,
		orgID,
		id,
	).Error
}

func (r *repo) MarkVoid(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, reason string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, date_closed = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP,
		     metadata = ?
		 WHERE org_id = ? AND id = ?`,
		domain.InvoiceStatusVoid,
		datatypes.JSONMap{"void_reason": reason},
		orgID,
		id,
	).Error
}

func (r *repo) DetachPayments(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) error {
	if err := db.WithContext(ctx).Exec(
		`DELETE FROM payment_applications WHERE org_id = ? AND invoice_id = ?`,
		orgID,
		id,
	).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`UPDATE invoices SET paid = 0, updated_at = CURRENT_TIMESTAMP
		 WHERE org_id = ? AND id = ?`,
		orgID,
		id,
	).Error
}

func (r *repo) ListPastDueWithoutFee(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, dueOnOrBefore time.Time, exclude []snowflake.ID, limit int) ([]domain.Invoice, error) {
	query := `SELECT i.id, i.org_id, i.client_id, i.status, i.currency, i.subtotal, i.total,
	                 i.paid, i.date_billed, i.date_due, i.date_closed, i.metadata, i.created_at, i.updated_at
	          FROM invoices i
	          JOIN clients c ON c.id = i.client_id AND c.org_id = i.org_id
	          WHERE i.org_id = ?
	            AND c.group_id = ?
	            AND i.status IN (?, ?)
	            AND i.date_closed IS NULL
	            AND i.paid < i.total
	            AND i.date_due <= ?
	            AND NOT EXISTS (SELECT 1 FROM late_fee_markers m WHERE m.invoice_id = i.id)`
	args := []any{orgID, groupID, domain.InvoiceStatusActive, domain.InvoiceStatusProforma, dueOnOrBefore}
	if len(exclude) > 0 {
		query += ` AND i.id NOT IN ?`
		args = append(args, exclude)
	}
	query += `
	          ORDER BY i.date_due ASC
	          LIMIT ?
	          FOR UPDATE OF i SKIP LOCKED`
	args = append(args, limit)

	var invoices []domain.Invoice
	err := db.WithContext(ctx).Raw(query, args...).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) ListOpenByGroup(ctx context.Context, db *gorm.DB, orgID, groupID, afterID snowflake.ID, limit int) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT i.id, i.org_id, i.client_id, i.status, i.currency, i.subtotal, i.total,
		        i.paid, i.date_billed, i.date_due, i.date_closed, i.metadata, i.created_at, i.updated_at
		 FROM invoices i
		 JOIN clients c ON c.id = i.client_id AND c.org_id = i.org_id
		 WHERE i.org_id = ?
		   AND c.group_id = ?
		   AND i.status = ?
		   AND i.date_closed IS NULL
		   AND i.paid < i.total
		   AND i.id > ?
		 ORDER BY i.id ASC
		 LIMIT ?`,
		orgID,
		groupID,
		domain.InvoiceStatusActive,
		afterID,
		limit,
	).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) ListOpenByClientCurrency(ctx context.Context, db *gorm.DB, orgID, clientID snowflake.ID, currency string) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE org_id = ?
		   AND client_id = ?
		   AND currency = ?
		   AND status = ?
		   AND date_closed IS NULL
		   AND paid < total
		 ORDER BY date_due ASC, id ASC`,
		orgID,
		clientID,
		currency,
		domain.InvoiceStatusActive,
	).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) OpenBalancesByGroup(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, dueOnOrBefore time.Time) ([]domain.OpenBalance, error) {
	var balances []domain.OpenBalance
	err := db.WithContext(ctx).Raw(
		`SELECT i.client_id AS client_id, i.currency AS currency,
		        SUM(i.total - i.paid) AS outstanding, COUNT(*) AS invoices
		 FROM invoices i
		 JOIN clients c ON c.id = i.client_id AND c.org_id = i.org_id
		 WHERE i.org_id = ?
		   AND c.group_id = ?
		   AND i.status = ?
		   AND i.date_closed IS NULL
		   AND i.paid < i.total
		   AND i.date_due <= ?
		 GROUP BY i.client_id, i.currency
		 ORDER BY i.client_id`,
		orgID,
		groupID,
		domain.InvoiceStatusActive,
		dueOnOrBefore,
	).Scan(&balances).Error
	if err != nil {
		return nil, err
	}
	return balances, nil
}

func (r *repo) HasNotice(ctx context.Context, db *gorm.DB, orgID, invoiceID snowflake.ID, kind string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM invoice_notices
		 WHERE org_id = ? AND invoice_id = ? AND kind = ?`,
		orgID,
		invoiceID,
		kind,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) ListPendingDeliveries(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]domain.DeliveryWork, error) {
	var work []domain.DeliveryWork
	err := db.WithContext(ctx).Raw(
		`SELECT d.id AS delivery_id, d.invoice_id AS invoice_id, i.client_id AS client_id,
		        d.method AS method, i.currency AS currency, i.total AS total, i.date_due AS date_due
		 FROM invoice_deliveries d
		 JOIN invoices i ON i.id = d.invoice_id AND i.org_id = d.org_id
		 WHERE d.org_id = ?
		   AND d.sent_at IS NULL
		   AND i.status = ?
		 ORDER BY d.id ASC
		 LIMIT ?
		 FOR UPDATE OF d SKIP LOCKED`,
		orgID,
		domain.InvoiceStatusActive,
		limit,
	).Scan(&work).Error
	if err != nil {
		return nil, err
	}
	return work, nil
}

func (r *repo) MarkDelivered(ctx context.Context, db *gorm.DB, orgID, deliveryID snowflake.ID, sentAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoice_deliveries SET sent_at = ?
		 WHERE org_id = ? AND id = ? AND sent_at IS NULL`,
		sentAt,
		orgID,
		deliveryID,
	).Error
}

func (r *repo) ListDueTemplates(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, dueOnOrBefore time.Time, exclude []snowflake.ID, limit int) ([]domain.RecurringInvoice, error) {
	query := `SELECT t.id, t.org_id, t.client_id, t.currency, t.term, t.period,
	                 t.date_next, t.due_days, t.enabled, t.created_at, t.updated_at
	          FROM recurring_invoices t
	          JOIN clients c ON c.id = t.client_id AND c.org_id = t.org_id
	          WHERE t.org_id = ?
	            AND c.group_id = ?
	            AND t.enabled = ?
	            AND t.date_next <= ?`
	args := []any{orgID, groupID, true, dueOnOrBefore}
	if len(exclude) > 0 {
		query += ` AND t.id NOT IN ?`
		args = append(args, exclude)
	}
	query += `
	          ORDER BY t.date_next ASC
	          LIMIT ?
	          FOR UPDATE OF t SKIP LOCKED`
	args = append(args, limit)

	var templates []domain.RecurringInvoice
	err := db.WithContext(ctx).Raw(query, args...).Scan(&templates).Error
	if err != nil {
		return nil, err
	}
	return templates, nil
}

func (r *repo) TemplateLines(ctx context.Context, db *gorm.DB, orgID, templateID snowflake.ID) ([]domain.RecurringInvoiceLine, error) {
	var lines []domain.RecurringInvoiceLine
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, recurring_invoice_id, description, quantity, unit_amount, created_at
		 FROM recurring_invoice_lines
		 WHERE org_id = ? AND recurring_invoice_id = ?
		 ORDER BY id ASC`,
		orgID,
		templateID,
	).Scan(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *repo) AdvanceTemplate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, processed, next time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE recurring_invoices
		 SET date_next = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE org_id = ? AND id = ? AND date_next = ?`,
		next,
		orgID,
		id,
		processed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
