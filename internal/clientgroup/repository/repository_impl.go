package repository

import (
	"context"

	"github.com/billforge/billforge/internal/clientgroup/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListGroups(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.ClientGroup, error) {
	var groups []domain.ClientGroup
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, name, default_currency, created_at, updated_at
		 FROM client_groups WHERE org_id = ? ORDER BY id`,
		orgID,
	).Scan(&groups).Error
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *repo) FindGroup(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.ClientGroup, error) {
	var group domain.ClientGroup
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, name, default_currency, created_at, updated_at
		 FROM client_groups WHERE org_id = ? AND id = ?`,
		orgID,
		id,
	).Scan(&group).Error
	if err != nil {
		return nil, err
	}
	if group.ID == 0 {
		return nil, nil
	}
	return &group, nil
}

func (r *repo) FindSettings(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID) (*domain.GroupSettings, error) {
	var settings domain.GroupSettings
	err := db.WithContext(ctx).Raw(
		`SELECT group_id, org_id, grace_days, autosuspend_enabled, suspend_after_days,
		        provision_paid_pending, group_services_on_invoice, auto_apply_credits,
		        auto_process_paid_changes, change_cancel_days, first_notice_days,
		        second_notice_days, third_notice_days, autodebit_notice_days,
		        created_at, updated_at
		 FROM client_group_settings WHERE org_id = ? AND group_id = ?`,
		orgID,
		groupID,
	).Scan(&settings).Error
	if err != nil {
		return nil, err
	}
	if settings.GroupID == 0 {
		return nil, nil
	}
	return &settings, nil
}

func (r *repo) FindLateFee(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, currency string) (*domain.LateFeeSchedule, error) {
	var schedule domain.LateFeeSchedule
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, group_id, currency, enabled, percent, flat_amount,
		        minimum, on_total, created_at, updated_at
		 FROM late_fee_schedules WHERE org_id = ? AND group_id = ? AND currency = ?`,
		orgID,
		groupID,
		currency,
	).Scan(&schedule).Error
	if err != nil {
		return nil, err
	}
	if schedule.ID == 0 {
		return nil, nil
	}
	return &schedule, nil
}

func (r *repo) FindClientSettings(ctx context.Context, db *gorm.DB, orgID, clientID snowflake.ID) (*domain.ClientSettings, error) {
	var settings domain.ClientSettings
	err := db.WithContext(ctx).Raw(
		`SELECT client_id, org_id, autosuspend_enabled, autosuspend_after, created_at, updated_at
		 FROM client_settings WHERE org_id = ? AND client_id = ?`,
		orgID,
		clientID,
	).Scan(&settings).Error
	if err != nil {
		return nil, err
	}
	if settings.ClientID == 0 {
		return nil, nil
	}
	return &settings, nil
}
