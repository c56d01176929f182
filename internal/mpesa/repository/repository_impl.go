package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) SavePayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	if payment == nil || strings.TrimSpace(payment.PaymentReference) == "" {
		return domain.ErrInvalidReference
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "payment_reference"}},
		UpdateAll: true,
	}).Create(payment).Error
}

func (r *repo) FindPayment(ctx context.Context, db *gorm.DB, reference string) (*domain.Payment, error) {
	return r.findPayment(ctx, db, "payment_reference = ?", strings.TrimSpace(reference))
}

func (r *repo) FindPaymentByGatewayID(ctx context.Context, db *gorm.DB, gatewayID string) (*domain.Payment, error) {
	return r.findPayment(ctx, db, "gateway_id = ?", strings.TrimSpace(gatewayID))
}

func (r *repo) FindPaymentByCheckoutID(ctx context.Context, db *gorm.DB, checkoutRequestID string) (*domain.Payment, error) {
	return r.findPayment(ctx, db, "checkout_request_id = ?", strings.TrimSpace(checkoutRequestID))
}

func (r *repo) findPayment(ctx context.Context, db *gorm.DB, where string, arg string) (*domain.Payment, error) {
	if arg == "" {
		return nil, nil
	}
	var item domain.Payment
	err := db.WithContext(ctx).
		Where(where, arg).
		Order("initiated_at DESC").
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *repo) CountIntentAttempts(ctx context.Context, db *gorm.DB, intentID int64) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("intent_id = ?", intentID).
		Count(&count).Error
	return count, err
}

func (r *repo) LatestIntentAttempt(ctx context.Context, db *gorm.DB, intentID int64) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).
		Where("intent_id = ?", intentID).
		Order("retry_count DESC").
		Order("initiated_at DESC").
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// ListTimedOut returns client-side timeouts that have not yet been
// reconciled. Never-checked rows come first, then the least recently checked.
func (r *repo) ListTimedOut(ctx context.Context, db *gorm.DB, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).
		Where("status = ? AND late_result_at IS NULL AND checkout_request_id <> ''", domain.PaymentStatusTimeout).
		Order("reconcile_checked_at IS NOT NULL").
		Order("reconcile_checked_at ASC").
		Order("completed_at ASC").
		Limit(normalizeLimit(limit)).
		Find(&items).Error
	return items, err
}

func (r *repo) MarkReconcileChecked(ctx context.Context, db *gorm.DB, references []string, at time.Time) error {
	if len(references) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("payment_reference IN ?", references).
		UpdateColumn("reconcile_checked_at", at).Error
}

// ListLive returns PROCESSING payments that carry a checkout id, ordered by
// reference and starting after the given one.
func (r *repo) ListLive(ctx context.Context, db *gorm.DB, after string, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).
		Where("status = ? AND checkout_request_id <> '' AND payment_reference > ?", domain.PaymentStatusProcessing, after).
		Order("payment_reference ASC").
		Limit(normalizeLimit(limit)).
		Find(&items).Error
	return items, err
}

func (r *repo) SaveTransaction(ctx context.Context, db *gorm.DB, txn *domain.Transaction) error {
	if txn == nil || strings.TrimSpace(txn.MpesaReceiptNumber) == "" {
		return domain.ErrInvalidReceipt
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mpesa_receipt_number"}},
		UpdateAll: true,
	}).Create(txn).Error
}

func (r *repo) FindTransaction(ctx context.Context, db *gorm.DB, receiptNumber string) (*domain.Transaction, error) {
	receiptNumber = strings.TrimSpace(receiptNumber)
	if receiptNumber == "" {
		return nil, nil
	}
	var item domain.Transaction
	err := db.WithContext(ctx).
		Where("mpesa_receipt_number = ?", receiptNumber).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *repo) InsertCallback(ctx context.Context, db *gorm.DB, record *domain.CallbackRecord) error {
	if record == nil {
		return domain.ErrInvalidCallback
	}
	return db.WithContext(ctx).Create(record).Error
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
