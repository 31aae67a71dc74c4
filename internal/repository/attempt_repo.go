package repository

import (
	"context"
	"errors"
	"time"

	"github.com/carewatch/alert-engine/internal/domain"
	"gorm.io/gorm"
)

type AttemptRepository interface {
	Create(ctx context.Context, a *domain.DeliveryAttempt) error
	ListByAlert(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error)
	LatestForPair(ctx context.Context, alertID string, channel domain.Channel, destination string) (*domain.DeliveryAttempt, error)
	MarkSent(ctx context.Context, id string, providerMessageID *string) (bool, error)
	MarkFailed(ctx context.Context, id string, lastError string, nextRetryAt *time.Time) (bool, error)
	MarkExhausted(ctx context.Context, id string, lastError string) (bool, error)
	CancelUnsettled(ctx context.Context, alertID string) (int64, error)
	DueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryAttempt, error)
	ClearNextRetryAt(ctx context.Context, id string) error
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if a != nil {
		*a = *attemptModelToDomain(model)
	}
	return nil
}

func (r *GormAttemptRepo) ListByAlert(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("alert_id = ?", alertID).
		Order("channel ASC, destination ASC, attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}

func (r *GormAttemptRepo) LatestForPair(ctx context.Context, alertID string, channel domain.Channel, destination string) (*domain.DeliveryAttempt, error) {
	var model DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("alert_id = ? AND channel = ? AND destination = ?", alertID, channel, destination).
		Order("attempt_number DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return attemptModelToDomain(&model), nil
}

// MarkSent settles a pending attempt as sent. The partial unique index on
// sent (alert_id, channel, destination) rows makes the second concurrent
// writer fail; that loss surfaces as ErrConflict so the caller can no-op.
func (r *GormAttemptRepo) MarkSent(ctx context.Context, id string, providerMessageID *string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Where("id = ? AND status = ?", id, domain.AttemptPending).
		Updates(map[string]any{
			"status":              domain.AttemptSent,
			"provider_message_id": providerMessageID,
			"next_retry_at":       nil,
		})
	if result.Error != nil {
		if isUniqueViolationError(result.Error) {
			return false, domain.ErrConflict
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormAttemptRepo) MarkFailed(ctx context.Context, id string, lastError string, nextRetryAt *time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Where("id = ? AND status = ?", id, domain.AttemptPending).
		Updates(map[string]any{
			"status":        domain.AttemptFailed,
			"last_error":    lastError,
			"next_retry_at": nextRetryAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormAttemptRepo) MarkExhausted(ctx context.Context, id string, lastError string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Where("id = ? AND status IN ?", id, []domain.AttemptStatus{domain.AttemptPending, domain.AttemptFailed}).
		Updates(map[string]any{
			"status":        domain.AttemptExhausted,
			"last_error":    lastError,
			"next_retry_at": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CancelUnsettled cancels every attempt of the alert that has not settled
// yet. In-flight attempts stay pending and record their outcome when they
// finish; only rows awaiting a retry are affected.
func (r *GormAttemptRepo) CancelUnsettled(ctx context.Context, alertID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Where("alert_id = ? AND status = ?", alertID, domain.AttemptFailed).
		Updates(map[string]any{
			"status":        domain.AttemptCanceled,
			"next_retry_at": nil,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormAttemptRepo) DueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", domain.AttemptFailed, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}

func (r *GormAttemptRepo) ClearNextRetryAt(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Where("id = ?", id).
		Update("next_retry_at", nil).Error
}
