package handler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/common/events"
	"github.com/kyungseok/order-fulfillment-go/common/idempotency"
	"github.com/kyungseok/order-fulfillment-go/common/messaging"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
)

const processedTTL = 24 * time.Hour

// Topics 이벤트 핸들러가 구독하는 토픽
var Topics = []string{
	string(events.EventOrderConfirmed),
	string(events.EventOrderCanceled),
	string(events.EventOrderCompleted),
	string(events.EventReviewRequired),
}

// EventHandler 이벤트 핸들러
type EventHandler struct {
	svc       Services
	idemStore idempotency.Store
	logger    *zap.Logger
}

// NewEventHandler 이벤트 핸들러 생성
func NewEventHandler(svc Services, idemStore idempotency.Store, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		svc:       svc,
		idemStore: idemStore,
		logger:    logger,
	}
}

// HandleMessage 메시지 처리
func (h *EventHandler) HandleMessage(ctx context.Context, msg *messaging.Message) error {
	h.logger.Debug("received message",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset))

	switch events.EventType(msg.Topic) {
	case events.EventOrderConfirmed:
		return h.handleOrderConfirmed(ctx, msg)
	case events.EventOrderCanceled:
		return h.handleOrderCanceled(ctx, msg)
	case events.EventOrderCompleted:
		return h.handleOrderCompleted(ctx, msg)
	case events.EventReviewRequired:
		return h.handleReviewRequired(ctx, msg)
	default:
		h.logger.Warn("unknown event type", zap.String("topic", msg.Topic))
		return nil
	}
}

// handleOrderConfirmed 확정된 주문의 운송장 생성
func (h *EventHandler) handleOrderConfirmed(ctx context.Context, msg *messaging.Message) error {
	var evt events.OrderTransitionedEvent
	if err := decode(msg, &evt); err != nil {
		return err
	}

	return h.once(ctx, evt.EventID, func(ctx context.Context) error {
		result, err := h.svc.Shipments.CreateShipment(ctx, evt.OrderID)
		if err != nil {
			// 주문이 이미 다른 상태로 이동한 경우는 재처리 대상이 아니다
			if errors.IsBusinessError(err) {
				h.logger.Warn("shipment not created for confirmed order",
					zap.Int64("orderId", evt.OrderID),
					zap.Error(err))
				return nil
			}
			return err
		}

		if result.Kind == domain.ResultApplied && h.svc.Scheduler != nil {
			if err := h.svc.Scheduler.TrackShipment(ctx, result.Shipment.ID); err != nil {
				h.logger.Warn("failed to schedule shipment tracking",
					zap.Int64("shipmentId", result.Shipment.ID),
					zap.Error(err))
			}
		}
		return nil
	})
}

// handleOrderCanceled 취소된 주문의 결제 링크와 배송 정리
func (h *EventHandler) handleOrderCanceled(ctx context.Context, msg *messaging.Message) error {
	var evt events.OrderTransitionedEvent
	if err := decode(msg, &evt); err != nil {
		return err
	}

	return h.once(ctx, evt.EventID, func(ctx context.Context) error {
		if err := h.svc.Payments.HandleOrderCanceled(ctx, evt.OrderID); err != nil {
			return err
		}
		return h.svc.Shipments.HandleOrderCanceled(ctx, evt.OrderID)
	})
}

func (h *EventHandler) handleOrderCompleted(_ context.Context, msg *messaging.Message) error {
	var evt events.OrderTransitionedEvent
	if err := decode(msg, &evt); err != nil {
		return err
	}

	h.logger.Info("order completed",
		zap.Int64("orderId", evt.OrderID),
		zap.String("correlationId", evt.CorrelationID))
	return nil
}

func (h *EventHandler) handleReviewRequired(_ context.Context, msg *messaging.Message) error {
	var evt events.ReviewRequiredEvent
	if err := decode(msg, &evt); err != nil {
		return err
	}

	h.logger.Warn("manual review pending",
		zap.Int64("orderId", evt.OrderID),
		zap.String("kind", string(evt.Kind)),
		zap.String("detail", evt.Detail))
	return nil
}

// once 이벤트 ID 기준으로 한 번만 처리 (실패 시 예약 해제 -> 재전달 시 재처리)
func (h *EventHandler) once(ctx context.Context, eventID string, fn func(context.Context) error) error {
	ok, err := h.idemStore.Reserve(ctx, "event:"+eventID, processedTTL)
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Info("event already processed", zap.String("eventId", eventID))
		return nil
	}

	if err := fn(ctx); err != nil {
		if releaseErr := h.idemStore.Release(context.WithoutCancel(ctx), "event:"+eventID); releaseErr != nil {
			h.logger.Warn("failed to release event reservation", zap.String("eventId", eventID), zap.Error(releaseErr))
		}
		return err
	}
	return nil
}

func decode(msg *messaging.Message, v interface{}) error {
	if err := json.Unmarshal(msg.Value, v); err != nil {
		return errors.Wrap(errors.ErrCodeSerializationError, "failed to decode "+msg.Topic, err)
	}
	return nil
}
