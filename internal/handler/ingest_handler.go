package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carewatch/alert-engine/internal/domain"
	"github.com/carewatch/alert-engine/internal/service"
	"github.com/gofiber/fiber/v2"
)

type IngestService interface {
	Ingest(ctx context.Context, event service.IngestEvent) (*service.IngestResult, error)
}

type IngestHandler struct {
	service IngestService
}

func NewIngestHandler(service IngestService) (*IngestHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("ingest service is required")
	}
	return &IngestHandler{service: service}, nil
}

func RegisterIngestRoutes(router fiber.Router, service IngestService) error {
	h, err := NewIngestHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/events", h.IngestEvent)

	return nil
}

type ingestEventRequest struct {
	PatientID      string     `json:"patientId"`
	RelationshipID string     `json:"relationshipId"`
	SourceType     string     `json:"sourceType"`
	SourceEventKey string     `json:"sourceEventKey"`
	Severity       string     `json:"severity"`
	Payload        string     `json:"payload"`
	OccurredAt     *time.Time `json:"occurredAt"`
}

type ingestEventResponse struct {
	AlertID      string `json:"alertId"`
	State        string `json:"state"`
	Severity     string `json:"severity"`
	Deduplicated bool   `json:"deduplicated"`
}

func (h *IngestHandler) IngestEvent(c *fiber.Ctx) error {
	var req ingestEventRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	event, err := requestToIngestEvent(req, requestCorrelationID(c))
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.Ingest(c.Context(), event)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(ingestEventResponse{
		AlertID:      result.Alert.ID,
		State:        result.Alert.State.String(),
		Severity:     result.Alert.Severity.String(),
		Deduplicated: result.Deduplicated,
	})
}

func requestToIngestEvent(req ingestEventRequest, correlationID string) (service.IngestEvent, error) {
	sourceType, err := domain.ParseSourceTypeFromString(req.SourceType)
	if err != nil {
		return service.IngestEvent{}, err
	}

	var severity domain.Severity
	if strings.TrimSpace(req.Severity) != "" {
		severity, err = domain.ParseSeverityFromString(req.Severity)
		if err != nil {
			return service.IngestEvent{}, err
		}
	}

	event := service.IngestEvent{
		PatientID:      strings.TrimSpace(req.PatientID),
		RelationshipID: strings.TrimSpace(req.RelationshipID),
		SourceType:     sourceType,
		SourceEventKey: strings.TrimSpace(req.SourceEventKey),
		Severity:       severity,
		Payload:        req.Payload,
		CorrelationID:  correlationID,
	}
	if req.OccurredAt != nil {
		event.OccurredAt = *req.OccurredAt
	}

	return event, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
