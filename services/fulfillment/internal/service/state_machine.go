package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/common/events"
	"github.com/kyungseok/order-fulfillment-go/common/metrics"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/repository"
)

// StateMachine 주문 상태 전이의 유일한 진입점
type StateMachine interface {
	// RequestTransition from -> to 전이 요청
	//
	// 거절(ILLEGAL_TRANSITION, STALE_STATE 등)은 Kind=REJECTED 결과와 도메인 에러를 함께 반환한다.
	RequestTransition(ctx context.Context, orderID int64, from, to domain.OrderStatus, cause domain.Cause) (*TransitionResult, error)
}

type stateMachine struct {
	ledger repository.Ledger
	audit  AuditSink
	logger *zap.Logger
	now    func() time.Time
}

// NewStateMachine 상태 머신 생성
func NewStateMachine(ledger repository.Ledger, audit AuditSink, logger *zap.Logger) StateMachine {
	return &stateMachine{
		ledger: ledger,
		audit:  audit,
		logger: logger,
		now:    time.Now,
	}
}

func (m *stateMachine) RequestTransition(ctx context.Context, orderID int64, from, to domain.OrderStatus, cause domain.Cause) (*TransitionResult, error) {
	if !cause.Actor.Valid() {
		return rejectedTransition(nil, errors.Newf(errors.ErrCodeInvalidState, "unknown actor %q", cause.Actor))
	}
	if cause.RefID == "" {
		// 참조 없는 수동 요청은 매번 새로운 원인으로 취급
		cause.RefID = "manual:" + uuid.New().String()
	}

	if !domain.CanTransition(from, to) {
		m.record(from, to, "illegal")
		return rejectedTransition(nil, errors.Newf(errors.ErrCodeIllegalTransition, "order cannot move from %s to %s", from, to))
	}

	order, err := m.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	satisfied, err := m.audit.HasCause(ctx, orderID, cause.RefID)
	if err != nil {
		return nil, err
	}
	if satisfied {
		m.record(from, to, "replayed")
		m.logger.Info("transition already applied for cause",
			zap.Int64("orderId", orderID),
			zap.String("causeId", cause.RefID))
		return &TransitionResult{
			Kind:   domain.ResultAlreadySatisfied,
			Reason: "cause already recorded",
			Order:  order,
		}, nil
	}

	if order.Status != from {
		m.record(from, to, "stale")
		return rejectedTransition(order, errors.Newf(errors.ErrCodeStaleState, "order %d is %s, not %s", orderID, order.Status, from))
	}

	now := m.now().UTC()
	record := &domain.TransitionRecord{
		OrderID:    orderID,
		From:       from,
		To:         to,
		Actor:      cause.Actor,
		CauseID:    cause.RefID,
		Note:       cause.Note,
		OccurredAt: now,
	}

	err = m.ledger.Atomic(ctx, func(tx repository.Ledger) error {
		if from == domain.OrderStatusConfirmed && to == domain.OrderStatusCanceled {
			shipped, err := tx.HasShipment(ctx, orderID)
			if err != nil {
				return err
			}
			if shipped {
				return errors.Newf(errors.ErrCodeIllegalTransition, "order %d already has a shipment", orderID)
			}
		}

		if err := tx.UpdateStatus(ctx, orderID, from, to, now); err != nil {
			return err
		}
		if err := m.audit.Append(ctx, tx, record); err != nil {
			return err
		}
		return m.enqueueTransitioned(ctx, tx, record)
	})
	if err != nil {
		switch errors.CodeOf(err) {
		case errors.ErrCodeStaleState:
			m.record(from, to, "stale")
			return rejectedTransition(order, errors.Wrap(errors.ErrCodeStaleState, "order changed concurrently", err))
		case errors.ErrCodeIllegalTransition:
			m.record(from, to, "illegal")
			return rejectedTransition(order, errors.Wrap(errors.ErrCodeIllegalTransition, "transition not allowed", err))
		case errors.ErrCodeDuplicateRequest:
			// 같은 원인이 동시에 기록됨
			m.record(from, to, "replayed")
			current, getErr := m.ledger.GetOrder(ctx, orderID)
			if getErr != nil {
				return nil, getErr
			}
			return &TransitionResult{Kind: domain.ResultAlreadySatisfied, Reason: "cause already recorded", Order: current}, nil
		}
		m.record(from, to, "error")
		return nil, err
	}

	updated := order.Clone()
	updated.ApplyStatus(to, now)
	m.record(from, to, "applied")

	m.logger.Info("order transitioned",
		zap.Int64("orderId", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", string(cause.Actor)),
		zap.String("causeId", cause.RefID),
		zap.Int64("sequence", record.Sequence))

	return &TransitionResult{
		Kind:   domain.ResultApplied,
		Order:  updated,
		Record: record,
	}, nil
}

func (m *stateMachine) enqueueTransitioned(ctx context.Context, tx repository.Ledger, record *domain.TransitionRecord) error {
	eventType, ok := transitionEventType(record.To)
	if !ok {
		return nil
	}

	event := events.OrderTransitionedEvent{
		BaseEvent:  newBaseEvent(eventType, record.OrderID, record.OccurredAt),
		OrderID:    record.OrderID,
		FromStatus: string(record.From),
		ToStatus:   string(record.To),
		Actor:      string(record.Actor),
		CauseID:    record.CauseID,
		Sequence:   record.Sequence,
	}

	outboxEvent, err := newOutboxEvent(aggregateOrder, record.OrderID, eventType, event, record.OccurredAt)
	if err != nil {
		return err
	}
	return tx.EnqueueEvent(ctx, outboxEvent)
}

func (m *stateMachine) record(from, to domain.OrderStatus, result string) {
	metrics.OrderTransitions.WithLabelValues(string(from), string(to), result).Inc()
}

func transitionEventType(to domain.OrderStatus) (events.EventType, bool) {
	switch to {
	case domain.OrderStatusConfirmed:
		return events.EventOrderConfirmed, true
	case domain.OrderStatusCompleted:
		return events.EventOrderCompleted, true
	case domain.OrderStatusCanceled:
		return events.EventOrderCanceled, true
	}
	return "", false
}
