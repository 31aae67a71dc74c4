package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/carewatch/alert-engine/internal/domain"
	"github.com/carewatch/alert-engine/internal/observability"
	"github.com/carewatch/alert-engine/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// WorkerService consumes dispatch messages and hands them to the
// dispatcher. Several workers can consume the same queue; dispatch passes
// are idempotent so redeliveries and overlap are safe.
type WorkerService struct {
	consumer    queue.Consumer
	dispatcher  *Dispatcher
	logger      *zap.Logger
	concurrency int
}

func NewWorkerService(
	consumer queue.Consumer,
	dispatcher *Dispatcher,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		consumer:    consumer,
		dispatcher:  dispatcher,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil || s.dispatcher == nil {
		return
	}
	s.dispatcher.SetMetrics(metrics)
}

// Start runs the configured number of workers until context cancellation.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("dispatch worker started", zap.Int("workerId", workerID))

			if err := s.consumer.Consume(groupCtx, s.processMessage); err != nil {
				s.logger.Error("dispatch worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("dispatch worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (s *WorkerService) processMessage(ctx context.Context, msg queue.DispatchMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.WithContextLogger(s.logger, ctx)

	report, err := s.dispatcher.Dispatch(ctx, msg.AlertID, msg.Tier)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("alert referenced by dispatch message no longer exists",
				zap.String("alertId", msg.AlertID),
			)
			return nil
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	logger.Info("dispatch pass completed",
		zap.String("alertId", msg.AlertID),
		zap.String("tier", msg.Tier.String()),
		zap.Int("destinations", len(report.Outcomes)),
		zap.Bool("delivered", report.Delivered()),
	)

	return nil
}
