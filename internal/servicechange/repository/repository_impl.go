package repository

import (
	"context"
	"time"

	"github.com/billforge/billforge/internal/servicechange/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, change *domain.ServiceChange) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO service_changes (id, org_id, service_id, invoice_id, status,
		                              new_name, new_price, new_term, new_period,
		                              date_status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		change.ID,
		change.OrgID,
		change.ServiceID,
		change.InvoiceID,
		change.Status,
		change.NewName,
		change.NewPrice,
		change.NewTerm,
		change.NewPeriod,
		change.DateStatus,
		change.Metadata,
		change.CreatedAt,
		change.UpdatedAt,
	).Error
}

func (r *repo) ListPending(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, exclude []snowflake.ID, limit int) ([]domain.ServiceChange, error) {
	query := `SELECT sc.id, sc.org_id, sc.service_id, sc.invoice_id, sc.status,
	                 sc.new_name, sc.new_price, sc.new_term, sc.new_period,
	                 sc.date_status, sc.metadata, sc.created_at, sc.updated_at
	          FROM service_changes sc
	          JOIN services s ON s.id = sc.service_id AND s.org_id = sc.org_id
	          JOIN clients c ON c.id = s.client_id AND c.org_id = s.org_id
	          WHERE sc.org_id = ?
	            AND c.group_id = ?
	            AND sc.status = ?`
	args := []any{orgID, groupID, domain.StatusPending}
	if len(exclude) > 0 {
		query += ` AND sc.id NOT IN ?`
		args = append(args, exclude)
	}
	query += `
	          ORDER BY sc.id ASC
	          LIMIT ?
	          FOR UPDATE OF sc SKIP LOCKED`
	args = append(args, limit)

	var changes []domain.ServiceChange
	err := db.WithContext(ctx).Raw(query, args...).Scan(&changes).Error
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, to domain.ChangeStatus, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE service_changes
		 SET status = ?, date_status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE org_id = ? AND id = ? AND status = ?`,
		to,
		now,
		orgID,
		id,
		domain.StatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) RetagInvoiceLines(ctx context.Context, db *gorm.DB, orgID, invoiceID, serviceID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoice_lines SET service_id = ?
		 WHERE org_id = ? AND invoice_id = ?`,
		serviceID,
		orgID,
		invoiceID,
	).Error
}
