// Package domain contains persistence models for payments and
// autodebit accounts.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AccountType distinguishes stored payment instruments.
type AccountType string

const (
	AccountTypeCard AccountType = "card"
	AccountTypeBank AccountType = "bank"
)

var ErrInvalidOrganization = errors.New("invalid_organization")

// AutodebitAccount is a stored payment instrument authorized for
// scheduled charging. Accounts flagged RequiresPassphrase hold data
// encrypted under an operator passphrase; runs without that passphrase
// skip them entirely rather than attempt a partial charge.
type AutodebitAccount struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	OrgID    snowflake.ID `gorm:"not null;index"`
	ClientID snowflake.ID `gorm:"not null;index"`

	Type     AccountType `gorm:"type:text;not null"`
	Gateway  string      `gorm:"type:text;not null"`
	Enabled  bool        `gorm:"not null;default:true"`

	// CustomerRef and MethodRef identify the customer and instrument at
	// the gateway.
	CustomerRef string `gorm:"not null"`
	MethodRef   string `gorm:"not null"`

	RequiresPassphrase bool `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AutodebitAccount) TableName() string { return "autodebit_accounts" }

// Payment is money received, before it is applied to invoices. The
// unapplied remainder is the client's credit.
type Payment struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	OrgID    snowflake.ID `gorm:"not null;index"`
	ClientID snowflake.ID `gorm:"not null;index"`

	Currency   string `gorm:"type:text;not null"`
	Amount     int64  `gorm:"not null"`
	Gateway    string `gorm:"type:text;not null"`
	GatewayRef string `gorm:"type:text;not null;default:''"`

	ReceivedAt time.Time         `gorm:"not null"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// PaymentApplication allocates part of a payment to one invoice.
type PaymentApplication struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	OrgID     snowflake.ID `gorm:"not null;index"`
	PaymentID snowflake.ID `gorm:"not null;index"`
	InvoiceID snowflake.ID `gorm:"not null;index"`

	Amount    int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentApplication) TableName() string { return "payment_applications" }
