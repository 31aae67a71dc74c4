package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/carewatch/alert-engine/internal/domain"
	"gorm.io/gorm"
)

type TransitionRepository interface {
	Append(ctx context.Context, tr *domain.AlertTransition) error
	ListByAlert(ctx context.Context, alertID string) ([]domain.AlertTransition, error)
}

type RecipientRepository interface {
	RecipientsFor(ctx context.Context, patientID string, tier domain.Tier) ([]domain.CareRecipient, error)
}

type GormTransitionRepo struct {
	db *gorm.DB
}

func NewGormTransitionRepo(db *gorm.DB) *GormTransitionRepo {
	return &GormTransitionRepo{db: db}
}

func (r *GormTransitionRepo) Append(ctx context.Context, tr *domain.AlertTransition) error {
	model := transitionModelFromDomain(tr)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if tr != nil {
		*tr = *transitionModelToDomain(model)
	}
	return nil
}

func (r *GormTransitionRepo) ListByAlert(ctx context.Context, alertID string) ([]domain.AlertTransition, error) {
	var models []AlertTransitionModel
	err := r.db.WithContext(ctx).
		Where("alert_id = ?", alertID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	transitions := make([]domain.AlertTransition, 0, len(models))
	for i := range models {
		transitions = append(transitions, *transitionModelToDomain(&models[i]))
	}

	return transitions, nil
}

type GormRecipientRepo struct {
	db *gorm.DB
}

func NewGormRecipientRepo(db *gorm.DB) *GormRecipientRepo {
	return &GormRecipientRepo{db: db}
}

func (r *GormRecipientRepo) RecipientsFor(ctx context.Context, patientID string, tier domain.Tier) ([]domain.CareRecipient, error) {
	var models []CareRecipientModel
	err := r.db.WithContext(ctx).
		Where("patient_id = ? AND tier = ?", patientID, tier).
		Order("channel ASC, destination ASC").
		Find(&models).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	recipients := make([]domain.CareRecipient, 0, len(models))
	for i := range models {
		recipients = append(recipients, *recipientModelToDomain(&models[i]))
	}

	return recipients, nil
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
