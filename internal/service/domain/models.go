// Package domain contains persistence models for billable services.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ServiceStatus represents service lifecycle states.
type ServiceStatus string

const (
	StatusPending   ServiceStatus = "PENDING"
	StatusActive    ServiceStatus = "ACTIVE"
	StatusSuspended ServiceStatus = "SUSPENDED"
	StatusCanceled  ServiceStatus = "CANCELED"
	// StatusInReview parks a service for manual attention after a
	// provisioning failure. Automation skips it until staff act.
	StatusInReview ServiceStatus = "IN_REVIEW"
)

// Period is the unit of a service's billing term.
type Period string

const (
	PeriodDay     Period = "day"
	PeriodWeek    Period = "week"
	PeriodMonth   Period = "month"
	PeriodYear    Period = "year"
	PeriodOnetime Period = "onetime"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidPeriod       = errors.New("invalid_period")
)

// Service is one billable unit attached to a client. Renewal, late
// fees, suspension, and provisioning all key off its status and dates.
type Service struct {
	ID              snowflake.ID  `gorm:"primaryKey"`
	OrgID           snowflake.ID  `gorm:"not null;index"`
	ClientID        snowflake.ID  `gorm:"not null;index"`
	ParentServiceID *snowflake.ID `gorm:"index"`

	ModuleKey string        `gorm:"column:module;type:text;not null;default:''"`
	Name      string        `gorm:"not null"`
	Status    ServiceStatus `gorm:"type:text;not null;default:'PENDING'"`

	Term     int    `gorm:"not null;default:1"`
	Period   Period `gorm:"type:text;not null"`
	Price    int64  `gorm:"not null;default:0"`
	Currency string `gorm:"type:text;not null"`

	DateRenews          time.Time  `gorm:"not null;index"`
	DateLastRenewed     *time.Time `gorm:""`
	DateSuspended       *time.Time `gorm:""`
	DateScheduledCancel *time.Time `gorm:"index"`
	DateCanceled        *time.Time `gorm:""`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Service) TableName() string { return "services" }

// Recurs reports whether the service renews at all.
func (s Service) Recurs() bool {
	return s.Period != PeriodOnetime && s.Term > 0
}

// NextRenewal advances a renewal date by one billing term. Month and
// year terms use calendar arithmetic, so Jan 31 plus one month lands on
// the calendar-normalized date rather than a fixed hour count.
func NextRenewal(from time.Time, term int, period Period) (time.Time, error) {
	if term <= 0 {
		return time.Time{}, fmt.Errorf("%w: term %d", ErrInvalidPeriod, term)
	}
	switch period {
	case PeriodDay:
		return from.AddDate(0, 0, term), nil
	case PeriodWeek:
		return from.AddDate(0, 0, 7*term), nil
	case PeriodMonth:
		return from.AddDate(0, term, 0), nil
	case PeriodYear:
		return from.AddDate(term, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
}
