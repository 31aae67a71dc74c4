package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/carewatch/alert-engine/internal/domain"
	"gorm.io/gorm"
)

type ListParams struct {
	State     *domain.State
	Severity  *domain.Severity
	PatientID *string
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

type AlertRepository interface {
	Create(ctx context.Context, a *domain.Alert) error
	GetByID(ctx context.Context, id string) (*domain.Alert, error)
	FindRecentBySourceEvent(ctx context.Context, patientID, sourceEventKey string, since time.Time) (*domain.Alert, error)
	FindActiveBySourceEvent(ctx context.Context, patientID, sourceEventKey string) (*domain.Alert, error)
	List(ctx context.Context, params ListParams) ([]domain.Alert, int64, error)
	MarkAcknowledged(ctx context.Context, id, principal string, at time.Time) (bool, error)
	MarkResolved(ctx context.Context, id string, kind domain.ResolutionKind, principal string, at time.Time) (bool, error)
	MarkEscalated(ctx context.Context, id string, at time.Time) (bool, error)
	FindEscalationDue(ctx context.Context, openedBefore time.Time, limit int) ([]domain.Alert, error)
}

type GormAlertRepo struct {
	db *gorm.DB
}

func NewGormAlertRepo(db *gorm.DB) *GormAlertRepo {
	return &GormAlertRepo{db: db}
}

func (r *GormAlertRepo) Create(ctx context.Context, a *domain.Alert) error {
	model := alertModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if a != nil {
		*a = *alertModelToDomain(model)
	}
	return nil
}

func (r *GormAlertRepo) GetByID(ctx context.Context, id string) (*domain.Alert, error) {
	var model AlertModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return alertModelToDomain(&model), nil
}

// FindRecentBySourceEvent returns the newest alert for the pair created at
// or after since, regardless of state. Used for the dedup window check.
func (r *GormAlertRepo) FindRecentBySourceEvent(ctx context.Context, patientID, sourceEventKey string, since time.Time) (*domain.Alert, error) {
	var model AlertModel
	err := r.db.WithContext(ctx).
		Where("patient_id = ? AND source_event_key = ? AND created_at >= ?", patientID, sourceEventKey, since).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return alertModelToDomain(&model), nil
}

// FindActiveBySourceEvent returns the non-terminal alert for the pair.
// Used to resolve a lost insert race against the partial unique index.
func (r *GormAlertRepo) FindActiveBySourceEvent(ctx context.Context, patientID, sourceEventKey string) (*domain.Alert, error) {
	var model AlertModel
	err := r.db.WithContext(ctx).
		Where("patient_id = ? AND source_event_key = ? AND state IN ?",
			patientID, sourceEventKey, []domain.State{domain.StateOpen, domain.StateAcknowledged}).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return alertModelToDomain(&model), nil
}

func (r *GormAlertRepo) List(ctx context.Context, params ListParams) ([]domain.Alert, int64, error) {
	query := r.db.WithContext(ctx).Model(&AlertModel{})

	if params.State != nil {
		query = query.Where("state = ?", *params.State)
	}
	if params.Severity != nil {
		query = query.Where("severity = ?", *params.Severity)
	}
	if params.PatientID != nil {
		query = query.Where("patient_id = ?", *params.PatientID)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []AlertModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	alerts := make([]domain.Alert, 0, len(models))
	for i := range models {
		alerts = append(alerts, *alertModelToDomain(&models[i]))
	}

	return alerts, total, nil
}

// MarkAcknowledged moves an open alert to acknowledged. Returns false when
// the alert was not in the open state, leaving the row untouched.
func (r *GormAlertRepo) MarkAcknowledged(ctx context.Context, id, principal string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&AlertModel{}).
		Where("id = ? AND state = ?", id, domain.StateOpen).
		Updates(map[string]any{
			"state":           domain.StateAcknowledged,
			"acknowledged_at": at,
			"acknowledged_by": strings.TrimSpace(principal),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkResolved closes an open or acknowledged alert into the terminal state
// for kind. An unacknowledged alert is acknowledged in the same write.
func (r *GormAlertRepo) MarkResolved(ctx context.Context, id string, kind domain.ResolutionKind, principal string, at time.Time) (bool, error) {
	actor := strings.TrimSpace(principal)
	result := r.db.WithContext(ctx).
		Model(&AlertModel{}).
		Where("id = ? AND state IN ?", id, []domain.State{domain.StateOpen, domain.StateAcknowledged}).
		Updates(map[string]any{
			"state":           kind.TerminalState(),
			"resolution_kind": kind,
			"resolved_at":     at,
			"resolved_by":     actor,
			"acknowledged_at": gorm.Expr("COALESCE(acknowledged_at, ?)", at),
			"acknowledged_by": gorm.Expr("COALESCE(acknowledged_by, ?)", actor),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkEscalated stamps escalated_at once; the alert's visible state stays
// open.
func (r *GormAlertRepo) MarkEscalated(ctx context.Context, id string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&AlertModel{}).
		Where("id = ? AND state = ? AND escalated_at IS NULL", id, domain.StateOpen).
		Update("escalated_at", at)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormAlertRepo) FindEscalationDue(ctx context.Context, openedBefore time.Time, limit int) ([]domain.Alert, error) {
	var models []AlertModel
	err := r.db.WithContext(ctx).
		Where("state = ? AND acknowledged_at IS NULL AND escalated_at IS NULL AND created_at <= ?",
			domain.StateOpen, openedBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	alerts := make([]domain.Alert, 0, len(models))
	for i := range models {
		alerts = append(alerts, *alertModelToDomain(&models[i]))
	}

	return alerts, nil
}
