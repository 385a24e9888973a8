package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type ClientStatus string

const (
	StatusActive   ClientStatus = "ACTIVE"
	StatusInactive ClientStatus = "INACTIVE"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrClientNotFound      = errors.New("client_not_found")
)

// Client is the billable account. Invoices, payments, and services all
// hang off it; the group decides how automation treats it.
type Client struct {
	ID      snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID   snowflake.ID `gorm:"not null;index" json:"organization_id"`
	GroupID snowflake.ID `gorm:"not null;index" json:"group_id"`
	Status  ClientStatus `gorm:"not null;default:'ACTIVE'" json:"status"`

	Email     string `gorm:"not null" json:"email"`
	FirstName string `gorm:"not null" json:"first_name"`
	LastName  string `gorm:"not null" json:"last_name"`
	Company   string `gorm:"" json:"company,omitempty"`

	// DefaultCurrency wins over the per-service currency when renewal
	// invoices are cut. Empty means follow the service.
	DefaultCurrency string `gorm:"" json:"default_currency,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Client) TableName() string { return "clients" }
