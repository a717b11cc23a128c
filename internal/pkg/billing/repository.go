package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PaySync/app/models"
)

// MutateFunc edits a row inside the repository's lock. found is false when
// the row does not exist yet; returning nil then creates it. Returning
// ErrSkipWrite leaves the row untouched; any other error aborts.
type MutateFunc[T any] func(row *T, found bool) error

// Repository is the Ledger Store. Every Mutate* call is a single atomic
// read-modify-write keyed by the entity's processor identifier.
type Repository interface {
	FindCustomerByID(ctx context.Context, id uint) (*models.BillingCustomer, error)
	FindCustomerByProviderID(ctx context.Context, providerCustomerID string) (*models.BillingCustomer, error)
	MutateCustomer(ctx context.Context, providerCustomerID string, fn MutateFunc[models.BillingCustomer]) (*models.BillingCustomer, error)

	FindSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*models.BillingSubscription, error)
	FindSubscriptionByID(ctx context.Context, id uint) (*models.BillingSubscription, error)
	MutateSubscription(ctx context.Context, providerSubscriptionID string, fn MutateFunc[models.BillingSubscription]) (*models.BillingSubscription, error)

	MutateInvoice(ctx context.Context, providerInvoiceID string, fn MutateFunc[models.BillingInvoice]) (*models.BillingInvoice, error)

	FindPaymentByProviderID(ctx context.Context, providerPaymentIntentID string) (*models.BillingPayment, error)
	MutatePayment(ctx context.Context, providerPaymentIntentID string, fn MutateFunc[models.BillingPayment]) (*models.BillingPayment, error)
	MutateRefund(ctx context.Context, providerRefundID string, fn MutateFunc[models.BillingRefund]) (*models.BillingRefund, error)

	FindDisputeByID(ctx context.Context, id uint) (*models.BillingDispute, error)
	MutateDispute(ctx context.Context, providerDisputeID string, fn MutateFunc[models.BillingDispute]) (*models.BillingDispute, error)
	CreateDisputeTasks(ctx context.Context, tasks []models.BillingDisputeTask) error
	ListDisputeTasks(ctx context.Context, disputeID uint) ([]models.BillingDisputeTask, error)

	MutatePaymentRetry(ctx context.Context, invoiceID uint, fn MutateFunc[models.BillingPaymentRetry]) (*models.BillingPaymentRetry, error)
	ListExpiredRetries(ctx context.Context, now time.Time, limit int) ([]models.BillingPaymentRetry, error)
	ListPendingPauses(ctx context.Context, now time.Time, limit int) ([]models.BillingPaymentRetry, error)

	FindWebhookEvent(ctx context.Context, provider, providerEventID string) (*models.BillingWebhookEvent, error)
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, error)

	CountSubscriptionsByStatus(ctx context.Context) (map[string]int64, error)
	CountOpenDisputes(ctx context.Context) (int64, error)
	CountFailingInvoices(ctx context.Context) (int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM. The *gorm.DB
// should be opened with TranslateError so unique violations surface as
// gorm.ErrDuplicatedKey.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// mutateRow locks the row with SELECT ... FOR UPDATE, lets fn edit it and
// saves or creates it in the same transaction. Two creators racing on a
// missing row collide on the unique key (or deadlock on the gap lock); the
// loser retries once and then finds the row.
func mutateRow[T any](ctx context.Context, db *gorm.DB, column string, key any, fn MutateFunc[T]) (*T, error) {
	var out *T
	attempt := func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row := new(T)
			found := true
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(column+" = ?", key).Take(row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				found = false
				row = new(T)
			} else if err != nil {
				return err
			}

			if err := fn(row, found); err != nil {
				if found {
					out = row
				}
				return err
			}

			if found {
				err = tx.Save(row).Error
			} else {
				err = tx.Create(row).Error
			}
			if err != nil {
				return err
			}
			out = row
			return nil
		})
	}

	err := attempt()
	if err != nil && isRetryableWrite(err) {
		out = nil
		err = attempt()
	}
	return out, err
}

func isRetryableWrite(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") || strings.Contains(msg, "duplicate entry")
}

func findOne[T any](ctx context.Context, db *gorm.DB, column string, key any) (*T, error) {
	row := new(T)
	err := db.WithContext(ctx).Where(column+" = ?", key).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *gormRepository) FindCustomerByID(ctx context.Context, id uint) (*models.BillingCustomer, error) {
	return findOne[models.BillingCustomer](ctx, r.db, "id", id)
}

func (r *gormRepository) FindCustomerByProviderID(ctx context.Context, providerCustomerID string) (*models.BillingCustomer, error) {
	return findOne[models.BillingCustomer](ctx, r.db, "provider_customer_id", providerCustomerID)
}

func (r *gormRepository) MutateCustomer(ctx context.Context, providerCustomerID string, fn MutateFunc[models.BillingCustomer]) (*models.BillingCustomer, error) {
	return mutateRow(ctx, r.db, "provider_customer_id", providerCustomerID, fn)
}

func (r *gormRepository) FindSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*models.BillingSubscription, error) {
	return findOne[models.BillingSubscription](ctx, r.db, "provider_subscription_id", providerSubscriptionID)
}

func (r *gormRepository) FindSubscriptionByID(ctx context.Context, id uint) (*models.BillingSubscription, error) {
	return findOne[models.BillingSubscription](ctx, r.db, "id", id)
}

func (r *gormRepository) MutateSubscription(ctx context.Context, providerSubscriptionID string, fn MutateFunc[models.BillingSubscription]) (*models.BillingSubscription, error) {
	return mutateRow(ctx, r.db, "provider_subscription_id", providerSubscriptionID, fn)
}

func (r *gormRepository) MutateInvoice(ctx context.Context, providerInvoiceID string, fn MutateFunc[models.BillingInvoice]) (*models.BillingInvoice, error) {
	return mutateRow(ctx, r.db, "provider_invoice_id", providerInvoiceID, fn)
}

func (r *gormRepository) FindPaymentByProviderID(ctx context.Context, providerPaymentIntentID string) (*models.BillingPayment, error) {
	return findOne[models.BillingPayment](ctx, r.db, "provider_payment_intent_id", providerPaymentIntentID)
}

func (r *gormRepository) MutatePayment(ctx context.Context, providerPaymentIntentID string, fn MutateFunc[models.BillingPayment]) (*models.BillingPayment, error) {
	return mutateRow(ctx, r.db, "provider_payment_intent_id", providerPaymentIntentID, fn)
}

func (r *gormRepository) MutateRefund(ctx context.Context, providerRefundID string, fn MutateFunc[models.BillingRefund]) (*models.BillingRefund, error) {
	return mutateRow(ctx, r.db, "provider_refund_id", providerRefundID, fn)
}

func (r *gormRepository) FindDisputeByID(ctx context.Context, id uint) (*models.BillingDispute, error) {
	return findOne[models.BillingDispute](ctx, r.db, "id", id)
}

func (r *gormRepository) MutateDispute(ctx context.Context, providerDisputeID string, fn MutateFunc[models.BillingDispute]) (*models.BillingDispute, error) {
	return mutateRow(ctx, r.db, "provider_dispute_id", providerDisputeID, fn)
}

func (r *gormRepository) CreateDisputeTasks(ctx context.Context, tasks []models.BillingDisputeTask) error {
	if len(tasks) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "dispute_id"},
			{Name: "category"},
		},
		DoNothing: true,
	}).Create(&tasks).Error
}

func (r *gormRepository) ListDisputeTasks(ctx context.Context, disputeID uint) ([]models.BillingDisputeTask, error) {
	var tasks []models.BillingDisputeTask
	err := r.db.WithContext(ctx).Where("dispute_id = ?", disputeID).Order("id asc").Find(&tasks).Error
	return tasks, err
}

func (r *gormRepository) MutatePaymentRetry(ctx context.Context, invoiceID uint, fn MutateFunc[models.BillingPaymentRetry]) (*models.BillingPaymentRetry, error) {
	return mutateRow(ctx, r.db, "invoice_id", invoiceID, fn)
}

// ListExpiredRetries returns failing invoices whose grace period is over,
// oldest deadline first.
func (r *gormRepository) ListExpiredRetries(ctx context.Context, now time.Time, limit int) ([]models.BillingPaymentRetry, error) {
	var rows []models.BillingPaymentRetry
	err := r.db.WithContext(ctx).
		Where("state = ? AND grace_deadline <= ?", models.RetryStateFailed, now).
		Order("grace_deadline asc, id asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ListPendingPauses returns suspensions whose processor pause is unconfirmed
// and due for another attempt. Rows never attempted come first.
func (r *gormRepository) ListPendingPauses(ctx context.Context, now time.Time, limit int) ([]models.BillingPaymentRetry, error) {
	var rows []models.BillingPaymentRetry
	err := r.db.WithContext(ctx).
		Where("state = ? AND pause_confirmed_at IS NULL AND (pause_retry_at IS NULL OR pause_retry_at <= ?)",
			models.RetryStateSuspended, now).
		Order("CASE WHEN pause_retry_at IS NULL THEN 0 ELSE 1 END, pause_retry_at asc, id asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *gormRepository) FindWebhookEvent(ctx context.Context, provider, providerEventID string) (*models.BillingWebhookEvent, error) {
	var ev models.BillingWebhookEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		Take(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) CountSubscriptionsByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.BillingSubscription{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Total
	}
	return out, nil
}

func (r *gormRepository) CountOpenDisputes(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.BillingDispute{}).
		Where("status NOT IN ?", []string{models.DisputeStatusWon, models.DisputeStatusLost, models.DisputeStatusWarningClosed}).
		Count(&n).Error
	return n, err
}

func (r *gormRepository) CountFailingInvoices(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.BillingPaymentRetry{}).
		Where("state IN ?", []string{models.RetryStateFailed, models.RetryStateSuspended}).
		Count(&n).Error
	return n, err
}
