package repository

import (
	"context"

	"github.com/billforge/billforge/internal/payment/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindAccountByClient(ctx context.Context, db *gorm.DB, orgID, clientID snowflake.ID) (*domain.AutodebitAccount, error) {
	var account domain.AutodebitAccount
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, client_id, type, gateway, enabled, customer_ref,
		        method_ref, requires_passphrase, created_at, updated_at
		 FROM autodebit_accounts
		 WHERE org_id = ? AND client_id = ? AND enabled = ?
		 ORDER BY id DESC LIMIT 1`,
		orgID,
		clientID,
		true,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (id, org_id, client_id, currency, amount, gateway,
		                       gateway_ref, received_at, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.OrgID,
		payment.ClientID,
		payment.Currency,
		payment.Amount,
		payment.Gateway,
		payment.GatewayRef,
		payment.ReceivedAt,
		payment.Metadata,
		payment.CreatedAt,
	).Error
}

func (r *repo) InsertApplication(ctx context.Context, db *gorm.DB, application *domain.PaymentApplication) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_applications (id, org_id, payment_id, invoice_id, amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		application.ID,
		application.OrgID,
		application.PaymentID,
		application.InvoiceID,
		application.Amount,
		application.CreatedAt,
	).Error
}

func (r *repo) CreditByClientCurrency(ctx context.Context, db *gorm.DB, orgID, clientID snowflake.ID, currency string) (int64, error) {
	var credit int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(p.amount), 0) - COALESCE((
		     SELECT SUM(a.amount) FROM payment_applications a
		     JOIN payments p2 ON p2.id = a.payment_id
		     WHERE a.org_id = ? AND p2.client_id = ? AND p2.currency = ?), 0)
		 FROM payments p
		 WHERE p.org_id = ? AND p.client_id = ? AND p.currency = ?`,
		orgID,
		clientID,
		currency,
		orgID,
		clientID,
		currency,
	).Scan(&credit).Error
	if err != nil {
		return 0, err
	}
	return credit, nil
}

func (r *repo) CreditsByGroup(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID) ([]domain.CreditBalance, error) {
	var balances []domain.CreditBalance
	err := db.WithContext(ctx).Raw(
		`SELECT p.client_id AS client_id, p.currency AS currency,
		        SUM(p.amount) - COALESCE(SUM(applied.total), 0) AS amount
		 FROM payments p
		 JOIN clients c ON c.id = p.client_id AND c.org_id = p.org_id
		 LEFT JOIN (
		     SELECT payment_id, SUM(amount) AS total
		     FROM payment_applications
		     WHERE org_id = ?
		     GROUP BY payment_id
		 ) applied ON applied.payment_id = p.id
		 WHERE p.org_id = ? AND c.group_id = ?
		 GROUP BY p.client_id, p.currency
		 HAVING SUM(p.amount) - COALESCE(SUM(applied.total), 0) > 0
		 ORDER BY p.client_id`,
		orgID,
		orgID,
		groupID,
	).Scan(&balances).Error
	if err != nil {
		return nil, err
	}
	return balances, nil
}

func (r *repo) UnappliedPayments(ctx context.Context, db *gorm.DB, orgID, clientID snowflake.ID, currency string) ([]domain.PaymentRoom, error) {
	var rooms []domain.PaymentRoom
	err := db.WithContext(ctx).Raw(
		`SELECT p.id AS payment_id,
		        p.amount - COALESCE(SUM(a.amount), 0) AS remaining
		 FROM payments p
		 LEFT JOIN payment_applications a ON a.payment_id = p.id
		 WHERE p.org_id = ? AND p.client_id = ? AND p.currency = ?
		 GROUP BY p.id, p.amount
		 HAVING p.amount - COALESCE(SUM(a.amount), 0) > 0
		 ORDER BY p.id ASC`,
		orgID,
		clientID,
		currency,
	).Scan(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}
