package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/common/events"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/repository"
)

const (
	aggregateOrder    = "order"
	aggregatePayment  = "payment"
	aggregateShipment = "shipment"
)

// newBaseEvent 이벤트 공통 필드 (주문 단위 correlation ID)
func newBaseEvent(eventType events.EventType, orderID int64, now time.Time) events.BaseEvent {
	return events.BaseEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		SchemaVersion: 1,
		OccurredAt:    now,
		CorrelationID: correlationID(orderID),
	}
}

func correlationID(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// newOutboxEvent Outbox 행 생성 (aggregateID 는 항상 주문 ID, 파티션 키로 쓰인다)
func newOutboxEvent(aggregateType string, orderID int64, eventType events.EventType, event interface{}, now time.Time) (*repository.OutboxEvent, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerializationError, "failed to marshal event", err)
	}

	return &repository.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   orderID,
		EventType:     string(eventType),
		Payload:       payload,
		Status:        repository.OutboxStatusPending,
		CreatedAt:     now,
	}, nil
}
