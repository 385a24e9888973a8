package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrEmptyInvoice        = errors.New("invoice_has_no_lines")
	ErrInvoiceNotOpen      = errors.New("invoice_not_open")
	ErrFeeAlreadyApplied   = errors.New("late_fee_already_applied")
)

// LineInput describes one line of an invoice being created.
type LineInput struct {
	ServiceID   *snowflake.ID
	Description string
	Quantity    int64
	UnitAmount  int64
}

// CreateInvoiceRequest creates an invoice with its lines and queued
// deliveries in one transaction.
type CreateInvoiceRequest struct {
	ClientID   snowflake.ID
	Status     InvoiceStatus
	Currency   string
	DateBilled time.Time
	DateDue    time.Time
	Lines      []LineInput
	Deliveries []DeliveryMethod
	Metadata   map[string]any
}

// DeliveryWork is one queued delivery joined with enough invoice context
// to send it.
type DeliveryWork struct {
	DeliveryID snowflake.ID
	InvoiceID  snowflake.ID
	ClientID   snowflake.ID
	Method     DeliveryMethod
	Currency   string
	Total      int64
	DateDue    time.Time
}

// Service owns invoice mutation. Generators and calculators never touch
// invoice rows directly; they go through here so totals, markers, and
// payment applications stay consistent.
type Service interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error)
	FindInvoice(ctx context.Context, invoiceID snowflake.ID) (*Invoice, error)

	// ApplyLateFee appends a fee line and bumps the totals, guarded by
	// the late fee marker. Returns ErrFeeAlreadyApplied when a marker
	// already exists.
	ApplyLateFee(ctx context.Context, invoiceID snowflake.ID, description string, amount int64) error

	// VoidInvoice marks the invoice void and detaches any applied
	// payments, returning their amounts to the client's credit pool.
	VoidInvoice(ctx context.Context, invoiceID snowflake.ID, reason string) error

	PendingDeliveries(ctx context.Context, limit int) ([]DeliveryWork, error)
	MarkDelivered(ctx context.Context, deliveryID snowflake.ID) error
}
