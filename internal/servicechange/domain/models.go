// Package domain contains persistence models for service change
// requests.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ChangeStatus represents change request lifecycle states. PENDING is
// the only non-terminal state.
type ChangeStatus string

const (
	StatusPending   ChangeStatus = "PENDING"
	StatusCompleted ChangeStatus = "COMPLETED"
	StatusCanceled  ChangeStatus = "CANCELED"
	StatusError     ChangeStatus = "ERROR"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrChangeNotFound      = errors.New("service_change_not_found")
)

// ServiceChange is a requested plan change gated behind an invoice. It
// stays pending until the invoice is paid, the request expires, or the
// data turns out broken.
type ServiceChange struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	OrgID     snowflake.ID `gorm:"not null;index"`
	ServiceID snowflake.ID `gorm:"not null;index"`
	InvoiceID snowflake.ID `gorm:"not null;index"`

	Status ChangeStatus `gorm:"type:text;not null;default:'PENDING'"`

	NewName   string `gorm:"not null"`
	NewPrice  int64  `gorm:"not null;default:0"`
	NewTerm   int    `gorm:"not null;default:1"`
	NewPeriod string `gorm:"type:text;not null"`

	// DateStatus is when the change last transitioned.
	DateStatus time.Time         `gorm:"not null"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ServiceChange) TableName() string { return "service_changes" }
