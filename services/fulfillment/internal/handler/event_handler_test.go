package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/common/events"
	"github.com/kyungseok/order-fulfillment-go/common/idempotency"
	"github.com/kyungseok/order-fulfillment-go/common/messaging"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/service"
)

func transitionMessage(t *testing.T, eventType events.EventType, eventID string, orderID int64) *messaging.Message {
	t.Helper()

	raw, err := json.Marshal(events.OrderTransitionedEvent{
		BaseEvent: events.BaseEvent{EventID: eventID, EventType: eventType, SchemaVersion: 1},
		OrderID:   orderID,
	})
	require.NoError(t, err)
	return &messaging.Message{Topic: string(eventType), Key: []byte(messaging.OrderKey(orderID)), Value: raw}
}

func newEventFixture(t *testing.T) (*fixture, *EventHandler) {
	f := newFixture(t)
	return f, NewEventHandler(f.svc, idempotency.NewMemoryStore(), zap.NewNop())
}

func TestEventHandler_OrderConfirmedCreatesShipmentOnce(t *testing.T) {
	f, h := newEventFixture(t)
	f.shipments.result = &service.ShipmentResult{
		Kind:     domain.ResultApplied,
		Shipment: &domain.Shipment{ID: 11, OrderID: 1001},
	}

	msg := transitionMessage(t, events.EventOrderConfirmed, "evt-1", 1001)
	require.NoError(t, h.HandleMessage(context.Background(), msg))
	require.NoError(t, h.HandleMessage(context.Background(), msg))

	assert.Equal(t, []int64{1001}, f.shipments.created)
	assert.Equal(t, []int64{11}, f.scheduler.tracked)
}

func TestEventHandler_TransientFailureAllowsRedelivery(t *testing.T) {
	f, h := newEventFixture(t)
	f.shipments.err = errors.New(errors.ErrCodeExternalUnavailable, "carrier unavailable")

	msg := transitionMessage(t, events.EventOrderConfirmed, "evt-2", 1002)
	require.Error(t, h.HandleMessage(context.Background(), msg))

	f.shipments.err = nil
	f.shipments.result = &service.ShipmentResult{Kind: domain.ResultAlreadySatisfied}
	require.NoError(t, h.HandleMessage(context.Background(), msg))

	assert.Equal(t, []int64{1002, 1002}, f.shipments.created)
	assert.Empty(t, f.scheduler.tracked)
}

func TestEventHandler_BusinessRejectionIsAcknowledged(t *testing.T) {
	f, h := newEventFixture(t)
	f.shipments.err = errors.New(errors.ErrCodeInvalidState, "order is not confirmed")

	msg := transitionMessage(t, events.EventOrderConfirmed, "evt-3", 1003)
	require.NoError(t, h.HandleMessage(context.Background(), msg))
	require.NoError(t, h.HandleMessage(context.Background(), msg))

	assert.Len(t, f.shipments.created, 1)
}

func TestEventHandler_OrderCanceledReleasesPaymentLinkAndShipment(t *testing.T) {
	f, h := newEventFixture(t)

	require.NoError(t, h.HandleMessage(context.Background(), transitionMessage(t, events.EventOrderCanceled, "evt-4", 1001)))
	assert.Equal(t, []int64{1001}, f.payments.canceled)
	assert.Equal(t, []int64{1001}, f.shipments.canceled)
}

func TestEventHandler_OrderCanceledRedeliveredWhileBookingInProgress(t *testing.T) {
	f, h := newEventFixture(t)
	f.shipments.cancelErr = errors.New(errors.ErrCodeExternalUnavailable, "shipment booking in progress")

	msg := transitionMessage(t, events.EventOrderCanceled, "evt-6", 1001)
	assert.Error(t, h.HandleMessage(context.Background(), msg))

	f.shipments.cancelErr = nil
	require.NoError(t, h.HandleMessage(context.Background(), msg))
	assert.Equal(t, []int64{1001, 1001}, f.shipments.canceled)
}

func TestEventHandler_MalformedAndUnknown(t *testing.T) {
	_, h := newEventFixture(t)

	err := h.HandleMessage(context.Background(), &messaging.Message{Topic: string(events.EventOrderConfirmed), Value: []byte("{")})
	assert.True(t, errors.Is(err, errors.ErrCodeSerializationError))

	assert.NoError(t, h.HandleMessage(context.Background(), &messaging.Message{Topic: "inventory.reserved.v1", Value: []byte("{}")}))
}

func TestEventHandler_WithLocalBus(t *testing.T) {
	f, h := newEventFixture(t)
	f.shipments.result = &service.ShipmentResult{Kind: domain.ResultAlreadySatisfied}

	bus := messaging.NewLocalBus(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Subscribe(ctx, Topics, h.HandleMessage))

	msg := transitionMessage(t, events.EventOrderConfirmed, "evt-5", 1005)
	require.NoError(t, bus.Publish(ctx, msg.Topic, string(msg.Key), json.RawMessage(msg.Value)))

	assert.Equal(t, []int64{1005}, f.shipments.created)
}
