package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-reconciler/internal/metrics"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
)

const reconcileBatchSize = 100

// StartReconciliation периодически пересчитывает статус оплаты незавершённых бронирований.
// Блокируется до отмены контекста.
func (s *Service) StartReconciliation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// ReconcileOnce проходит по всем незавершённым бронированиям и возвращает число исправленных.
func (s *Service) ReconcileOnce(ctx context.Context) (int, error) {
	fixed := 0
	after := uuid.Nil

	for {
		var ids []uuid.UUID
		err := s.run(ctx, "reconcile_list", func(ctx context.Context, _ *events) error {
			var err error
			ids, err = s.repo.ListOpenBookingIDs(ctx, after, reconcileBatchSize)
			return err
		})
		if err != nil {
			return fixed, err
		}
		if len(ids) == 0 {
			return fixed, nil
		}

		for _, id := range ids {
			if ctx.Err() != nil {
				return fixed, ctx.Err()
			}
			changed, err := s.reconcileBooking(ctx, id)
			if err != nil {
				s.logger.Warn("failed to reconcile booking", zap.String("booking_id", id.String()), zap.Error(err))
				continue
			}
			if changed {
				fixed++
			}
		}

		after = ids[len(ids)-1]
		if len(ids) < reconcileBatchSize {
			return fixed, nil
		}
	}
}

func (s *Service) reconcileBooking(ctx context.Context, id uuid.UUID) (bool, error) {
	var (
		before  model.PaymentStatus
		b       *model.Booking
		changed bool
	)
	err := s.run(ctx, "reconcile_booking", func(ctx context.Context, _ *events) error {
		return s.tx(ctx, func(ctx context.Context) error {
			current, err := s.repo.GetBooking(ctx, id)
			if err != nil {
				return err
			}
			before = current.PaymentStatus

			b, changed, err = s.bookings.RecomputePaymentStatus(ctx, id)
			return err
		})
	})
	if err != nil {
		return false, err
	}

	if changed {
		metrics.IncPaymentStatusDrift()
		s.logger.Warn("payment status drift corrected",
			zap.String("booking_id", id.String()),
			zap.String("from", string(before)),
			zap.String("to", string(b.PaymentStatus)),
			zap.Int64("remaining", b.Remaining.Minor),
		)
	}
	return changed, nil
}
