package repository

import (
	"context"
	"time"

	invoicedomain "github.com/billforge/billforge/internal/invoice/domain"
	"github.com/billforge/billforge/internal/service/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const serviceColumns = `id, org_id, client_id, parent_service_id, module, name, status,
	        term, period, price, currency, date_renews, date_last_renewed,
	        date_suspended, date_scheduled_cancel, date_canceled, metadata,
	        created_at, updated_at`

const serviceColumnsPrefixed = `s.id, s.org_id, s.client_id, s.parent_service_id, s.module, s.name,
	        s.status, s.term, s.period, s.price, s.currency, s.date_renews,
	        s.date_last_renewed, s.date_suspended, s.date_scheduled_cancel,
	        s.date_canceled, s.metadata, s.created_at, s.updated_at`

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Service, error) {
	var service domain.Service
	err := db.WithContext(ctx).Raw(
		`SELECT `+serviceColumns+`
		 FROM services WHERE org_id = ? AND id = ?`,
		orgID,
		id,
	).Scan(&service).Error
	if err != nil {
		return nil, err
	}
	if service.ID == 0 {
		return nil, nil
	}
	return &service, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, service *domain.Service) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO services (id, org_id, client_id, parent_service_id, module, name,
		                       status, term, period, price, currency, date_renews,
		                       date_last_renewed, date_suspended, date_scheduled_cancel,
		                       date_canceled, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		service.ID,
		service.OrgID,
		service.ClientID,
		service.ParentServiceID,
		service.ModuleKey,
		service.Name,
		service.Status,
		service.Term,
		service.Period,
		service.Price,
		service.Currency,
		service.DateRenews,
		service.DateLastRenewed,
		service.DateSuspended,
		service.DateScheduledCancel,
		service.DateCanceled,
		service.Metadata,
		service.CreatedAt,
		service.UpdatedAt,
	).Error
}

func (r *repo) ListDueForRenewal(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, dueOnOrBefore time.Time, exclude []snowflake.ID, limit int) ([]domain.Service, error) {
	query := `SELECT ` + serviceColumnsPrefixed + `
	          FROM services s
	          JOIN clients c ON c.id = s.client_id AND c.org_id = s.org_id
	          WHERE s.org_id = ?
	            AND c.group_id = ?
	            AND s.status = ?
	            AND s.period <> ?
	            AND s.term > 0
	            AND s.date_renews <= ?`
	args := []any{orgID, groupID, domain.StatusActive, domain.PeriodOnetime, dueOnOrBefore}
	if len(exclude) > 0 {
		query += ` AND s.id NOT IN ?`
		args = append(args, exclude)
	}
	query += `
	          ORDER BY s.client_id ASC, s.date_renews ASC
	          LIMIT ?
	          FOR UPDATE OF s SKIP LOCKED`
	args = append(args, limit)

	var services []domain.Service
	err := db.WithContext(ctx).Raw(query, args...).Scan(&services).Error
	if err != nil {
		return nil, err
	}
	return services, nil
}

// AdvanceRenewal moves date_renews from the processed cycle to the next
// one. date_last_renewed records the cycle that was billed, not the
// wall-clock run time, so a late catch-up run still leaves an accurate
// renewal history.
func (r *repo) AdvanceRenewal(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, processed, next time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE services
		 SET date_renews = ?, date_last_renewed = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE org_id = ? AND id = ? AND date_renews = ?`,
		next,
		processed,
		orgID,
		id,
		processed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListPaidPending(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, createdBefore time.Time, limit int) ([]domain.Service, error) {
	var services []domain.Service
	err := db.WithContext(ctx).Raw(
		`SELECT `+serviceColumnsPrefixed+`
		 FROM services s
		 JOIN clients c ON c.id = s.client_id AND c.org_id = s.org_id
		 WHERE s.org_id = ?
		   AND c.group_id = ?
		   AND s.status = ?
		   AND s.created_at <= ?
		   AND EXISTS (
		       SELECT 1 FROM invoice_lines l
		       JOIN invoices i ON i.id = l.invoice_id
		       WHERE l.service_id = s.id
		         AND i.status = ?
		         AND i.date_closed IS NOT NULL)
		   AND NOT EXISTS (
		       SELECT 1 FROM invoice_lines l
		       JOIN invoices i ON i.id = l.invoice_id
		       WHERE l.service_id = s.id
		         AND i.status = ?
		         AND i.date_closed IS NULL
		         AND i.paid < i.total)
		 ORDER BY s.id ASC
		 LIMIT ?
		 FOR UPDATE OF s SKIP LOCKED`,
		orgID,
		groupID,
		domain.StatusPending,
		createdBefore,
		invoicedomain.InvoiceStatusActive,
		invoicedomain.InvoiceStatusActive,
		limit,
	).Scan(&services).Error
	if err != nil {
		return nil, err
	}
	return services, nil
}

func (r *repo) ListOverdueActive(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, dueOnOrBefore time.Time, limit int) ([]domain.Service, error) {
	var services []domain.Service
	err := db.WithContext(ctx).Raw(
		`SELECT `+serviceColumnsPrefixed+`
		 FROM services s
		 JOIN clients c ON c.id = s.client_id AND c.org_id = s.org_id
		 WHERE s.org_id = ?
		   AND c.group_id = ?
		   AND s.status = ?
		   AND EXISTS (
		       SELECT 1 FROM invoice_lines l
		       JOIN invoices i ON i.id = l.invoice_id
		       WHERE l.service_id = s.id
		         AND i.status = ?
		         AND i.date_closed IS NULL
		         AND i.paid < i.total
		         AND i.date_due <= ?)
		 ORDER BY s.id ASC
		 LIMIT ?
		 FOR UPDATE OF s SKIP LOCKED`,
		orgID,
		groupID,
		domain.StatusActive,
		invoicedomain.InvoiceStatusActive,
		dueOnOrBefore,
		limit,
	).Scan(&services).Error
	if err != nil {
		return nil, err
	}
	return services, nil
}

func (r *repo) ListSuspendedClear(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, limit int) ([]domain.Service, error) {
	var services []domain.Service
	err := db.WithContext(ctx).Raw(
		`SELECT `+serviceColumnsPrefixed+`
		 FROM services s
		 JOIN clients c ON c.id = s.client_id AND c.org_id = s.org_id
		 WHERE s.org_id = ?
		   AND c.group_id = ?
		   AND s.status = ?
		   AND NOT EXISTS (
		       SELECT 1 FROM invoices i
		       WHERE i.client_id = s.client_id
		         AND i.org_id = s.org_id
		         AND i.status = ?
		         AND i.date_closed IS NULL
		         AND i.paid < i.total)
		 ORDER BY s.id ASC
		 LIMIT ?
		 FOR UPDATE OF s SKIP LOCKED`,
		orgID,
		groupID,
		domain.StatusSuspended,
		invoicedomain.InvoiceStatusActive,
		limit,
	).Scan(&services).Error
	if err != nil {
		return nil, err
	}
	return services, nil
}

func (r *repo) ListScheduledCancel(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, onOrBefore time.Time, limit int) ([]domain.Service, error) {
	var services []domain.Service
	err := db.WithContext(ctx).Raw(
		`SELECT `+serviceColumnsPrefixed+`
		 FROM services s
		 JOIN clients c ON c.id = s.client_id AND c.org_id = s.org_id
		 WHERE s.org_id = ?
		   AND c.group_id = ?
		   AND s.status IN (?, ?)
		   AND s.date_scheduled_cancel IS NOT NULL
		   AND s.date_scheduled_cancel <= ?
		 ORDER BY s.id ASC
		 LIMIT ?
		 FOR UPDATE OF s SKIP LOCKED`,
		orgID,
		groupID,
		domain.StatusActive,
		domain.StatusSuspended,
		onOrBefore,
		limit,
	).Scan(&services).Error
	if err != nil {
		return nil, err
	}
	return services, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, from, to domain.ServiceStatus, now time.Time) (bool, error) {
	var suspendedAt, canceledAt any
	if to == domain.StatusSuspended {
		suspendedAt = now
	}
	if to == domain.StatusCanceled {
		canceledAt = now
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE services
		 SET status = ?,
		     date_suspended = ?,
		     date_canceled = COALESCE(?, date_canceled),
		     updated_at = CURRENT_TIMESTAMP
		 WHERE org_id = ? AND id = ? AND status = ?`,
		to,
		suspendedAt,
		canceledAt,
		orgID,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ApplyPlan(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, name string, price int64, term int, period domain.Period) error {
	return db.WithContext(ctx).Exec(
		`UPDATE services
		 SET name = ?, price = ?, term = ?, period = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE org_id = ? AND id = ?`,
		name,
		price,
		term,
		period,
		orgID,
		id,
	).Error
}
