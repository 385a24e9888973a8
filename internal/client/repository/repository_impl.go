package repository

import (
	"context"

	"github.com/billforge/billforge/internal/client/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Client, error) {
	var client domain.Client
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, group_id, status, email, first_name, last_name,
		        company, default_currency, created_at, updated_at
		 FROM clients WHERE org_id = ? AND id = ?`,
		orgID,
		id,
	).Scan(&client).Error
	if err != nil {
		return nil, err
	}
	if client.ID == 0 {
		return nil, nil
	}
	return &client, nil
}

func (r *repo) ListByGroup(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID) ([]domain.Client, error) {
	var clients []domain.Client
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, group_id, status, email, first_name, last_name,
		        company, default_currency, created_at, updated_at
		 FROM clients WHERE org_id = ? AND group_id = ? ORDER BY id`,
		orgID,
		groupID,
	).Scan(&clients).Error
	if err != nil {
		return nil, err
	}
	return clients, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, client *domain.Client) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO clients (id, org_id, group_id, status, email, first_name,
		                      last_name, company, default_currency, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ID,
		client.OrgID,
		client.GroupID,
		client.Status,
		client.Email,
		client.FirstName,
		client.LastName,
		client.Company,
		client.DefaultCurrency,
		client.CreatedAt,
		client.UpdatedAt,
	).Error
}
