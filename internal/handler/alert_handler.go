package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/carewatch/alert-engine/internal/domain"
	"github.com/carewatch/alert-engine/internal/repository"
	"github.com/carewatch/alert-engine/internal/service"
	"github.com/gofiber/fiber/v2"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100

	principalHeader = "X-Principal"
)

type AlertService interface {
	Acknowledge(ctx context.Context, alertID, principal string) (*domain.Alert, error)
	Resolve(ctx context.Context, alertID string, kind domain.ResolutionKind, principal string) (*domain.Alert, error)
	Get(ctx context.Context, alertID string) (*service.AlertDetail, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Alert, int64, error)
}

type AlertHandler struct {
	service AlertService
}

func NewAlertHandler(service AlertService) (*AlertHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("alert service is required")
	}
	return &AlertHandler{service: service}, nil
}

func RegisterAlertRoutes(router fiber.Router, service AlertService) error {
	h, err := NewAlertHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/alerts/:id/acknowledge", h.AcknowledgeAlert)
	v1.Post("/alerts/:id/resolve", h.ResolveAlert)
	v1.Get("/alerts/:id", h.GetAlert)
	v1.Get("/alerts", h.ListAlerts)

	return nil
}

type resolveAlertRequest struct {
	Kind string `json:"kind"`
}

type alertResponse struct {
	ID             string     `json:"id"`
	PatientID      string     `json:"patientId"`
	RelationshipID string     `json:"relationshipId,omitempty"`
	SourceType     string     `json:"sourceType"`
	SourceEventKey string     `json:"sourceEventKey"`
	Severity       string     `json:"severity"`
	State          string     `json:"state"`
	Payload        string     `json:"payload,omitempty"`
	OccurredAt     time.Time  `json:"occurredAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy *string    `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy     *string    `json:"resolvedBy,omitempty"`
	ResolutionKind *string    `json:"resolutionKind,omitempty"`
	EscalatedAt    *time.Time `json:"escalatedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

type attemptResponse struct {
	ID                string     `json:"id"`
	Channel           string     `json:"channel"`
	Tier              string     `json:"tier"`
	Destination       string     `json:"destination"`
	AttemptNumber     int        `json:"attemptNumber"`
	Status            string     `json:"status"`
	LastError         *string    `json:"lastError,omitempty"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	NextRetryAt       *time.Time `json:"nextRetryAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type transitionResponse struct {
	FromState string    `json:"fromState"`
	ToState   string    `json:"toState"`
	Kind      string    `json:"kind"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"createdAt"`
}

type alertDetailResponse struct {
	Alert       alertResponse        `json:"alert"`
	Attempts    []attemptResponse    `json:"attempts"`
	Transitions []transitionResponse `json:"transitions"`
}

type listAlertsResponse struct {
	Data []alertResponse `json:"data"`
	Meta listMeta        `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *AlertHandler) AcknowledgeAlert(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	principal := strings.TrimSpace(c.Get(principalHeader))

	alert, err := h.service.Acknowledge(c.Context(), id, principal)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toAlertResponse(alert))
}

func (h *AlertHandler) ResolveAlert(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	principal := strings.TrimSpace(c.Get(principalHeader))

	var req resolveAlertRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	kind, err := domain.ParseResolutionKindFromString(req.Kind)
	if err != nil {
		return toHTTPError(err)
	}

	alert, err := h.service.Resolve(c.Context(), id, kind, principal)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toAlertResponse(alert))
}

func (h *AlertHandler) GetAlert(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))

	detail, err := h.service.Get(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	attempts := make([]attemptResponse, 0, len(detail.Attempts))
	for _, attempt := range detail.Attempts {
		attempts = append(attempts, attemptResponse{
			ID:                attempt.ID,
			Channel:           attempt.Channel.String(),
			Tier:              attempt.Tier.String(),
			Destination:       attempt.Destination,
			AttemptNumber:     attempt.AttemptNumber,
			Status:            attempt.Status.String(),
			LastError:         attempt.LastError,
			ProviderMessageID: attempt.ProviderMessageID,
			NextRetryAt:       attempt.NextRetryAt,
			CreatedAt:         attempt.CreatedAt,
			UpdatedAt:         attempt.UpdatedAt,
		})
	}

	transitions := make([]transitionResponse, 0, len(detail.Transitions))
	for _, tr := range detail.Transitions {
		transitions = append(transitions, transitionResponse{
			FromState: tr.FromState.String(),
			ToState:   tr.ToState.String(),
			Kind:      tr.Kind.String(),
			Actor:     tr.Actor,
			CreatedAt: tr.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(alertDetailResponse{
		Alert:       toAlertResponse(detail.Alert),
		Attempts:    attempts,
		Transitions: transitions,
	})
}

func (h *AlertHandler) ListAlerts(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	alerts, total, err := h.service.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]alertResponse, 0, len(alerts))
	for i := range alerts {
		data = append(data, toAlertResponse(&alerts[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listAlertsResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawState := strings.TrimSpace(c.Query("state")); rawState != "" {
		state, err := domain.ParseStateFromString(rawState)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.State = &state
	}

	if rawSeverity := strings.TrimSpace(c.Query("severity")); rawSeverity != "" {
		severity, err := domain.ParseSeverityFromString(rawSeverity)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Severity = &severity
	}

	if patientID := strings.TrimSpace(c.Query("patientId")); patientID != "" {
		params.PatientID = &patientID
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func toAlertResponse(a *domain.Alert) alertResponse {
	resp := alertResponse{
		ID:             a.ID,
		PatientID:      a.PatientID,
		RelationshipID: a.RelationshipID,
		SourceType:     a.SourceType.String(),
		SourceEventKey: a.SourceEventKey,
		Severity:       a.Severity.String(),
		State:          a.State.String(),
		Payload:        a.Payload,
		OccurredAt:     a.OccurredAt,
		AcknowledgedAt: a.AcknowledgedAt,
		AcknowledgedBy: a.AcknowledgedBy,
		ResolvedAt:     a.ResolvedAt,
		ResolvedBy:     a.ResolvedBy,
		EscalatedAt:    a.EscalatedAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
	if a.ResolutionKind != nil {
		kind := a.ResolutionKind.String()
		resp.ResolutionKind = &kind
	}
	return resp
}
