package repository

import (
	"time"

	"github.com/carewatch/alert-engine/internal/domain"
)

// AlertModel is the persistence model for the alerts table.
type AlertModel struct {
	ID             string                 `gorm:"type:uuid;primaryKey"`
	PatientID      string                 `gorm:"type:varchar(64);not null"`
	RelationshipID string                 `gorm:"type:varchar(64)"`
	SourceType     domain.SourceType      `gorm:"type:varchar(20);not null"`
	SourceEventKey string                 `gorm:"type:varchar(255);not null"`
	Severity       domain.Severity        `gorm:"type:varchar(10);not null"`
	State          domain.State           `gorm:"type:varchar(20);not null"`
	Payload        string                 `gorm:"type:text"`
	OccurredAt     time.Time              `gorm:"type:timestamptz;not null"`
	AcknowledgedAt *time.Time             `gorm:"type:timestamptz"`
	AcknowledgedBy *string                `gorm:"type:varchar(128)"`
	ResolvedAt     *time.Time             `gorm:"type:timestamptz"`
	ResolvedBy     *string                `gorm:"type:varchar(128)"`
	ResolutionKind *domain.ResolutionKind `gorm:"type:varchar(20)"`
	EscalatedAt    *time.Time             `gorm:"type:timestamptz"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (AlertModel) TableName() string {
	return "alerts"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID                string               `gorm:"type:uuid;primaryKey"`
	AlertID           string               `gorm:"type:uuid;not null"`
	Channel           domain.Channel       `gorm:"type:varchar(20);not null"`
	Tier              domain.Tier          `gorm:"type:varchar(10);not null"`
	Destination       string               `gorm:"type:varchar(255);not null"`
	AttemptNumber     int                  `gorm:"not null"`
	Status            domain.AttemptStatus `gorm:"type:varchar(10);not null"`
	LastError         *string              `gorm:"type:text"`
	ProviderMessageID *string              `gorm:"type:varchar(255)"`
	NextRetryAt       *time.Time           `gorm:"type:timestamptz"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// AlertTransitionModel is the persistence model for alert_transitions.
type AlertTransitionModel struct {
	ID        string                `gorm:"type:uuid;primaryKey"`
	AlertID   string                `gorm:"type:uuid;not null"`
	FromState domain.State          `gorm:"type:varchar(20);not null"`
	ToState   domain.State          `gorm:"type:varchar(20);not null"`
	Kind      domain.TransitionKind `gorm:"type:varchar(20);not null"`
	Actor     string                `gorm:"type:varchar(128)"`
	CreatedAt time.Time
}

func (AlertTransitionModel) TableName() string {
	return "alert_transitions"
}

// CareRecipientModel is the persistence model for care_recipients.
// Read-only in this service.
type CareRecipientModel struct {
	ID             string         `gorm:"type:uuid;primaryKey"`
	PatientID      string         `gorm:"type:varchar(64);not null"`
	RelationshipID string         `gorm:"type:varchar(64)"`
	Channel        domain.Channel `gorm:"type:varchar(20);not null"`
	Destination    string         `gorm:"type:varchar(255);not null"`
	Tier           domain.Tier    `gorm:"type:varchar(10);not null"`
	CreatedAt      time.Time
}

func (CareRecipientModel) TableName() string {
	return "care_recipients"
}

func alertModelFromDomain(a *domain.Alert) *AlertModel {
	if a == nil {
		return nil
	}

	return &AlertModel{
		ID:             a.ID,
		PatientID:      a.PatientID,
		RelationshipID: a.RelationshipID,
		SourceType:     a.SourceType,
		SourceEventKey: a.SourceEventKey,
		Severity:       a.Severity,
		State:          a.State,
		Payload:        a.Payload,
		OccurredAt:     a.OccurredAt,
		AcknowledgedAt: a.AcknowledgedAt,
		AcknowledgedBy: a.AcknowledgedBy,
		ResolvedAt:     a.ResolvedAt,
		ResolvedBy:     a.ResolvedBy,
		ResolutionKind: a.ResolutionKind,
		EscalatedAt:    a.EscalatedAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func alertModelToDomain(m *AlertModel) *domain.Alert {
	if m == nil {
		return nil
	}

	return &domain.Alert{
		ID:             m.ID,
		PatientID:      m.PatientID,
		RelationshipID: m.RelationshipID,
		SourceType:     m.SourceType,
		SourceEventKey: m.SourceEventKey,
		Severity:       m.Severity,
		State:          m.State,
		Payload:        m.Payload,
		OccurredAt:     m.OccurredAt,
		AcknowledgedAt: m.AcknowledgedAt,
		AcknowledgedBy: m.AcknowledgedBy,
		ResolvedAt:     m.ResolvedAt,
		ResolvedBy:     m.ResolvedBy,
		ResolutionKind: m.ResolutionKind,
		EscalatedAt:    m.EscalatedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:                a.ID,
		AlertID:           a.AlertID,
		Channel:           a.Channel,
		Tier:              a.Tier,
		Destination:       a.Destination,
		AttemptNumber:     a.AttemptNumber,
		Status:            a.Status,
		LastError:         a.LastError,
		ProviderMessageID: a.ProviderMessageID,
		NextRetryAt:       a.NextRetryAt,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:                m.ID,
		AlertID:           m.AlertID,
		Channel:           m.Channel,
		Tier:              m.Tier,
		Destination:       m.Destination,
		AttemptNumber:     m.AttemptNumber,
		Status:            m.Status,
		LastError:         m.LastError,
		ProviderMessageID: m.ProviderMessageID,
		NextRetryAt:       m.NextRetryAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func transitionModelFromDomain(tr *domain.AlertTransition) *AlertTransitionModel {
	if tr == nil {
		return nil
	}

	return &AlertTransitionModel{
		ID:        tr.ID,
		AlertID:   tr.AlertID,
		FromState: tr.FromState,
		ToState:   tr.ToState,
		Kind:      tr.Kind,
		Actor:     tr.Actor,
		CreatedAt: tr.CreatedAt,
	}
}

func transitionModelToDomain(m *AlertTransitionModel) *domain.AlertTransition {
	if m == nil {
		return nil
	}

	return &domain.AlertTransition{
		ID:        m.ID,
		AlertID:   m.AlertID,
		FromState: m.FromState,
		ToState:   m.ToState,
		Kind:      m.Kind,
		Actor:     m.Actor,
		CreatedAt: m.CreatedAt,
	}
}

func recipientModelToDomain(m *CareRecipientModel) *domain.CareRecipient {
	if m == nil {
		return nil
	}

	return &domain.CareRecipient{
		ID:             m.ID,
		PatientID:      m.PatientID,
		RelationshipID: m.RelationshipID,
		Channel:        m.Channel,
		Destination:    m.Destination,
		Tier:           m.Tier,
		CreatedAt:      m.CreatedAt,
	}
}
