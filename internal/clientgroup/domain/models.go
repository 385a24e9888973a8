package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ClientGroup partitions clients for billing automation. Every scheduled
// task walks groups one at a time so a misconfigured group cannot stall
// the rest of the organization.
type ClientGroup struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID           snowflake.ID `gorm:"not null;index" json:"organization_id"`
	Name            string       `gorm:"not null" json:"name"`
	DefaultCurrency string       `gorm:"not null" json:"default_currency"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (ClientGroup) TableName() string { return "client_groups" }

// GroupSettings holds the per-group automation knobs. Tasks resolve the
// whole struct once per run instead of reading individual keys mid-loop,
// so a run always sees one consistent snapshot.
type GroupSettings struct {
	GroupID snowflake.ID `gorm:"primaryKey" json:"group_id"`
	OrgID   snowflake.ID `gorm:"not null;index" json:"organization_id"`

	// Late fee grace. Fees become eligible once the current local day
	// reaches due date plus GraceDays.
	GraceDays int `gorm:"not null;default:0" json:"grace_days"`

	// Suspension.
	AutosuspendEnabled bool `gorm:"not null;default:false" json:"autosuspend_enabled"`
	SuspendAfterDays   int  `gorm:"not null;default:0" json:"suspend_after_days"`

	// Provisioning.
	ProvisionPaidPending bool `gorm:"not null;default:false" json:"provision_paid_pending"`

	// Invoicing. When false, services sharing a parent renew on one
	// invoice; when true every service due in the pass lands on a single
	// invoice per client and currency.
	GroupServicesOnInvoice bool `gorm:"not null;default:false" json:"group_services_on_invoice"`

	// Payments.
	AutoApplyCredits bool `gorm:"not null;default:true" json:"auto_apply_credits"`

	// Service changes. Paid changes are applied automatically when
	// AutoProcessPaidChanges is set; pending changes expire after
	// ChangeCancelDays days past their invoice due date.
	AutoProcessPaidChanges bool `gorm:"not null;default:true" json:"auto_process_paid_changes"`
	ChangeCancelDays       int  `gorm:"not null;default:7" json:"change_cancel_days"`

	// Reminder offsets, in days relative to the due date. Negative means
	// before due, positive after.
	FirstNoticeDays     int `gorm:"not null;default:1" json:"first_notice_days"`
	SecondNoticeDays    int `gorm:"not null;default:7" json:"second_notice_days"`
	ThirdNoticeDays     int `gorm:"not null;default:14" json:"third_notice_days"`
	AutodebitNoticeDays int `gorm:"not null;default:-1" json:"autodebit_notice_days"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (GroupSettings) TableName() string { return "client_group_settings" }

// LateFeeSchedule configures late fees per group and currency. A missing
// or disabled row means no fee for that currency.
type LateFeeSchedule struct {
	ID       snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID    snowflake.ID `gorm:"not null;index" json:"organization_id"`
	GroupID  snowflake.ID `gorm:"not null;uniqueIndex:idx_late_fee_group_currency" json:"group_id"`
	Currency string       `gorm:"not null;uniqueIndex:idx_late_fee_group_currency" json:"currency"`
	Enabled  bool         `gorm:"not null;default:false" json:"enabled"`

	// Percent takes precedence over FlatAmount when non-zero. The
	// computed fee is floored at Minimum. Amounts are minor units.
	Percent    float64 `gorm:"not null;default:0" json:"percent"`
	FlatAmount int64   `gorm:"not null;default:0" json:"flat_amount"`
	Minimum    int64   `gorm:"not null;default:0" json:"minimum"`

	// OnTotal bases percentage fees on the invoice total rather than the
	// outstanding balance.
	OnTotal bool `gorm:"not null;default:false" json:"on_total"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (LateFeeSchedule) TableName() string { return "late_fee_schedules" }

// ClientSettings carries per-client overrides on top of the group
// defaults. Nil pointer fields inherit from the group.
type ClientSettings struct {
	ClientID snowflake.ID `gorm:"primaryKey" json:"client_id"`
	OrgID    snowflake.ID `gorm:"not null;index" json:"organization_id"`

	AutosuspendEnabled *bool `gorm:"" json:"autosuspend_enabled,omitempty"`

	// Services belonging to this client are never autosuspended before
	// this date, regardless of overdue invoices.
	AutosuspendAfter *time.Time `gorm:"" json:"autosuspend_after,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (ClientSettings) TableName() string { return "client_settings" }
