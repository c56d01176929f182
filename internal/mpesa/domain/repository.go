package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	SavePayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindPayment(ctx context.Context, db *gorm.DB, reference string) (*Payment, error)
	FindPaymentByGatewayID(ctx context.Context, db *gorm.DB, gatewayID string) (*Payment, error)
	FindPaymentByCheckoutID(ctx context.Context, db *gorm.DB, checkoutRequestID string) (*Payment, error)
	CountIntentAttempts(ctx context.Context, db *gorm.DB, intentID int64) (int64, error)
	LatestIntentAttempt(ctx context.Context, db *gorm.DB, intentID int64) (*Payment, error)
	ListTimedOut(ctx context.Context, db *gorm.DB, limit int) ([]Payment, error)
	MarkReconcileChecked(ctx context.Context, db *gorm.DB, references []string, at time.Time) error
	ListLive(ctx context.Context, db *gorm.DB, after string, limit int) ([]Payment, error)

	SaveTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) error
	FindTransaction(ctx context.Context, db *gorm.DB, receiptNumber string) (*Transaction, error)

	InsertCallback(ctx context.Context, db *gorm.DB, record *CallbackRecord) error
}
