// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	// InvoiceStatusActive is a posted invoice awaiting payment.
	InvoiceStatusActive InvoiceStatus = "ACTIVE"
	// InvoiceStatusProforma is a preview that carries no balance until
	// promoted to active.
	InvoiceStatusProforma InvoiceStatus = "PROFORMA"
	InvoiceStatusVoid     InvoiceStatus = "VOID"
)

// Invoice represents a posted or proforma invoice. Amounts are minor
// currency units.
type Invoice struct {
	ID       snowflake.ID  `gorm:"primaryKey"`
	OrgID    snowflake.ID  `gorm:"not null;index"`
	ClientID snowflake.ID  `gorm:"not null;index"`
	Status   InvoiceStatus `gorm:"type:text;not null;default:'ACTIVE'"`
	Currency string        `gorm:"type:text;not null"`

	Subtotal int64 `gorm:"not null;default:0"`
	Total    int64 `gorm:"not null;default:0"`
	Paid     int64 `gorm:"not null;default:0"`

	DateBilled time.Time  `gorm:"not null"`
	DateDue    time.Time  `gorm:"not null;index"`
	DateClosed *time.Time `gorm:""`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Outstanding is the unpaid remainder.
func (i Invoice) Outstanding() int64 { return i.Total - i.Paid }

// Open reports whether the invoice still carries a collectible balance.
// Proforma invoices count: fees and reminders treat them like active
// ones until they are promoted or voided.
func (i Invoice) Open() bool {
	return (i.Status == InvoiceStatusActive || i.Status == InvoiceStatusProforma) && i.DateClosed == nil
}

// InvoiceLine represents a line on an invoice.
type InvoiceLine struct {
	ID        snowflake.ID  `gorm:"primaryKey"`
	OrgID     snowflake.ID  `gorm:"not null;index"`
	InvoiceID snowflake.ID  `gorm:"not null;index"`
	ServiceID *snowflake.ID `gorm:"index"`

	Description string `gorm:"type:text"`
	Quantity    int64  `gorm:"not null"`
	UnitAmount  int64  `gorm:"not null"`
	Amount      int64  `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceLine) TableName() string { return "invoice_lines" }

// LateFeeMarker records that a late fee was assessed on an invoice. The
// primary key on InvoiceID is the idempotency guard: a second insert for
// the same invoice fails on the key, never double-charging.
type LateFeeMarker struct {
	InvoiceID     snowflake.ID `gorm:"primaryKey"`
	OrgID         snowflake.ID `gorm:"not null;index"`
	InvoiceLineID snowflake.ID `gorm:"not null"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LateFeeMarker) TableName() string { return "late_fee_markers" }

// DeliveryMethod identifies how an invoice copy reaches the client.
type DeliveryMethod string

const (
	DeliveryEmail DeliveryMethod = "email"
	DeliveryPaper DeliveryMethod = "paper"
)

// InvoiceDelivery queues one outbound copy of an invoice. SentAt stays
// nil until the delivery task hands it off.
type InvoiceDelivery struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	OrgID     snowflake.ID   `gorm:"not null;index"`
	InvoiceID snowflake.ID   `gorm:"not null;index"`
	Method    DeliveryMethod `gorm:"type:text;not null"`
	SentAt    *time.Time     `gorm:""`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceDelivery) TableName() string { return "invoice_deliveries" }

// InvoiceNotice records a reminder already sent for an invoice. The
// unique index on (invoice_id, kind) makes each reminder kind fire at
// most once per invoice.
type InvoiceNotice struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	OrgID     snowflake.ID `gorm:"not null;index"`
	InvoiceID snowflake.ID `gorm:"not null;uniqueIndex:ux_invoice_notice_kind"`
	Kind      string       `gorm:"type:text;not null;uniqueIndex:ux_invoice_notice_kind"`
	SentAt    time.Time    `gorm:"not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceNotice) TableName() string { return "invoice_notices" }

// RecurringInvoice is a template the generator instantiates on a fixed
// cadence, independent of any service.
type RecurringInvoice struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	OrgID    snowflake.ID `gorm:"not null;index"`
	ClientID snowflake.ID `gorm:"not null;index"`
	Currency string       `gorm:"type:text;not null"`

	Term     int    `gorm:"not null;default:1"`
	Period   string `gorm:"type:text;not null"`
	DateNext time.Time `gorm:"not null;index"`
	DueDays  int    `gorm:"not null;default:0"`
	Enabled  bool   `gorm:"not null;default:true"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RecurringInvoice) TableName() string { return "recurring_invoices" }

// RecurringInvoiceLine is one template line copied onto each generated
// invoice.
type RecurringInvoiceLine struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	OrgID              snowflake.ID `gorm:"not null;index"`
	RecurringInvoiceID snowflake.ID `gorm:"not null;index"`

	Description string `gorm:"type:text"`
	Quantity    int64  `gorm:"not null"`
	UnitAmount  int64  `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RecurringInvoiceLine) TableName() string { return "recurring_invoice_lines" }
