package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// CreditBalance is a client's unapplied payment remainder in one
// currency.
type CreditBalance struct {
	ClientID snowflake.ID
	Currency string
	Amount   int64
}

type Repository interface {
	FindAccountByClient(ctx context.Context, db *gorm.DB, orgID, clientID snowflake.ID) (*AutodebitAccount, error)
	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	InsertApplication(ctx context.Context, db *gorm.DB, application *PaymentApplication) error
	// CreditByClientCurrency sums payments minus applications.
	CreditByClientCurrency(ctx context.Context, db *gorm.DB, orgID, clientID snowflake.ID, currency string) (int64, error)
	// CreditsByGroup lists every positive credit balance in the group.
	CreditsByGroup(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID) ([]CreditBalance, error)
	// UnappliedPayments lists the client's payments with room left to
	// apply, oldest first.
	UnappliedPayments(ctx context.Context, db *gorm.DB, orgID, clientID snowflake.ID, currency string) ([]PaymentRoom, error)
}

// PaymentRoom is a payment joined with how much of it is not yet
// applied to any invoice.
type PaymentRoom struct {
	PaymentID snowflake.ID
	Remaining int64
}
