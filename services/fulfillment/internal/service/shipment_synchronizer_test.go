package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
)

func bookedShipment(t *testing.T, h *harness, orderID int64) *domain.Shipment {
	t.Helper()
	h.seedOrder(t, orderID, 300000, domain.PaymentMethodCash)
	h.confirm(t, orderID)

	result, err := h.shipping.CreateShipment(context.Background(), orderID)
	require.NoError(t, err)
	require.Equal(t, domain.ResultApplied, result.Kind)
	return result.Shipment
}

func TestCreateShipment_BooksOnce(t *testing.T) {
	h := newHarness(t)
	shipment := bookedShipment(t, h, 4001)
	ctx := context.Background()

	assert.Equal(t, "GHN4001", shipment.CarrierCode)
	assert.Equal(t, domain.ShipmentStatusPreparing, shipment.Status)
	assert.Equal(t, int64(33000), shipment.Fee)
	assert.Contains(t, h.eventTypes(), "shipment.booked.v1")

	again, err := h.shipping.CreateShipment(ctx, 4001)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultAlreadySatisfied, again.Kind)
	assert.Equal(t, shipment.ID, again.Shipment.ID)
	assert.Equal(t, 1, h.carrier.createCalls)
}

func TestCreateShipment_RequiresConfirmedOrder(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, 4002, 300000, domain.PaymentMethodPayOS)

	result, err := h.shipping.CreateShipment(context.Background(), 4002)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
	assert.Equal(t, domain.ResultRejected, result.Kind)
	assert.Zero(t, h.carrier.createCalls)
}

func TestCreateShipment_LostResponseIsRecoveredByClientCode(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, 4003, 300000, domain.PaymentMethodCash)
	h.confirm(t, 4003)
	h.carrier.loseResponse = true
	ctx := context.Background()

	_, err := h.shipping.CreateShipment(ctx, 4003)
	assert.Equal(t, errors.ErrCodeExternalUnavailable, errors.CodeOf(err))

	pending, err := h.store.Shipments().FindByOrderID(ctx, 4003)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.True(t, pending.PendingCreation())

	result, err := h.shipping.CreateShipment(ctx, 4003)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultApplied, result.Kind)
	assert.Equal(t, "GHN4003", result.Shipment.CarrierCode)
	assert.Equal(t, pending.ID, result.Shipment.ID)
	assert.Equal(t, 1, h.carrier.createCalls)
}

func TestCreateShipment_OrderCanceledDuringBooking(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, 4004, 300000, domain.PaymentMethodCash)
	h.confirm(t, 4004)
	ctx := context.Background()

	h.carrier.onCreate = func() { cancelBehindGuard(t, h, 4004) }

	result, err := h.shipping.CreateShipment(ctx, 4004)
	require.Error(t, err)
	assert.Equal(t, domain.ResultRejected, result.Kind)
	assert.Equal(t, domain.ShipmentStatusFailed, result.Shipment.Status)
	assert.Equal(t, []string{"GHN4004"}, h.carrier.canceled)
}

// cancelBehindGuard 상태 머신 가드를 지나 이미 커밋된 취소를 흉내낸다
func cancelBehindGuard(t *testing.T, h *harness, orderID int64) {
	t.Helper()
	order, err := h.store.Ledger().GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	order.ApplyStatus(domain.OrderStatusCanceled, order.UpdatedAt)
	h.store.SeedOrder(order)
}

// lostBookingOfCanceledOrder 응답이 유실된 예약 뒤에 주문이 취소된 상태
func lostBookingOfCanceledOrder(t *testing.T, h *harness, orderID int64) {
	t.Helper()
	h.seedOrder(t, orderID, 300000, domain.PaymentMethodCash)
	h.confirm(t, orderID)
	h.carrier.loseResponse = true

	_, err := h.shipping.CreateShipment(context.Background(), orderID)
	require.Equal(t, errors.ErrCodeExternalUnavailable, errors.CodeOf(err))
	cancelBehindGuard(t, h, orderID)
}

func TestCreateShipment_CancelDuringLostBookingClosesMarker(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, 2001, 300000, domain.PaymentMethodCash)
	h.confirm(t, 2001)
	h.carrier.loseResponse = true
	h.carrier.onCreate = func() { cancelBehindGuard(t, h, 2001) }
	ctx := context.Background()

	result, err := h.shipping.CreateShipment(ctx, 2001)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
	assert.Equal(t, domain.ResultRejected, result.Kind)
	assert.Equal(t, domain.ShipmentStatusFailed, result.Shipment.Status)
	assert.Equal(t, []string{"GHN2001"}, h.carrier.canceled)

	pending, err := h.store.Shipments().ListPendingCreation(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// 재시도는 닫힌 배송을 다시 취소하지 않는다
	_, err = h.shipping.CreateShipment(ctx, 2001)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
	assert.Len(t, h.carrier.canceled, 1)
	assert.Equal(t, 1, h.carrier.createCalls)
}

func TestCreateShipment_RetryClosesMarkerOfCanceledOrder(t *testing.T) {
	h := newHarness(t)
	lostBookingOfCanceledOrder(t, h, 2002)
	ctx := context.Background()

	pending, err := h.store.Shipments().ListPendingCreation(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	result, err := h.shipping.CreateShipment(ctx, 2002)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
	assert.Equal(t, domain.ResultRejected, result.Kind)
	assert.Equal(t, domain.ShipmentStatusFailed, result.Shipment.Status)
	assert.Equal(t, []string{"GHN2002"}, h.carrier.canceled)
	assert.Equal(t, 1, h.carrier.createCalls)
}

func TestHandleOrderCanceled_CancelsLostBooking(t *testing.T) {
	h := newHarness(t)
	lostBookingOfCanceledOrder(t, h, 2003)
	ctx := context.Background()

	require.NoError(t, h.shipping.HandleOrderCanceled(ctx, 2003))
	assert.Equal(t, []string{"GHN2003"}, h.carrier.canceled)

	shipment, err := h.store.Shipments().FindByOrderID(ctx, 2003)
	require.NoError(t, err)
	assert.Equal(t, domain.ShipmentStatusFailed, shipment.Status)

	// 재전달은 아무것도 하지 않음
	require.NoError(t, h.shipping.HandleOrderCanceled(ctx, 2003))
	assert.Len(t, h.carrier.canceled, 1)
}

func TestHandleOrderCanceled_WaitsForBookingInProgress(t *testing.T) {
	h := newHarness(t)
	lostBookingOfCanceledOrder(t, h, 2005)
	ctx := context.Background()

	reserved, err := h.locks.Reserve(ctx, shipmentBookingKey(2005), time.Minute)
	require.NoError(t, err)
	require.True(t, reserved)

	err = h.shipping.HandleOrderCanceled(ctx, 2005)
	assert.True(t, errors.IsRetryable(err))
	assert.Empty(t, h.carrier.canceled)

	require.NoError(t, h.locks.Release(ctx, shipmentBookingKey(2005)))
	require.NoError(t, h.shipping.HandleOrderCanceled(ctx, 2005))
	assert.Equal(t, []string{"GHN2005"}, h.carrier.canceled)
}

func TestHandleOrderCanceled_IgnoresLiveOrders(t *testing.T) {
	h := newHarness(t)
	shipment := bookedShipment(t, h, 2004)

	require.NoError(t, h.shipping.HandleOrderCanceled(context.Background(), 2004))
	assert.Empty(t, h.carrier.canceled)

	found, err := h.store.Shipments().FindByID(context.Background(), shipment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ShipmentStatusPreparing, found.Status)
}

func TestSyncTracking_FoldsOutOfOrderEvents(t *testing.T) {
	h := newHarness(t)
	shipment := bookedShipment(t, h, 4010)
	ctx := context.Background()

	h.carrier.push(shipment.CarrierCode, "delivering", "picking", "teleported")

	result, err := h.shipping.SyncTracking(ctx, shipment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultApplied, result.Kind)
	assert.Equal(t, domain.ShipmentStatusShipped, result.Shipment.Status)
	assert.Equal(t, domain.OrderStatusConfirmed, h.status(t, 4010))

	// 같은 이력을 다시 읽어도 변화 없음
	again, err := h.shipping.SyncTracking(ctx, shipment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultNoChange, again.Kind)
	assert.Equal(t, domain.ShipmentStatusShipped, again.Shipment.Status)
}

func TestSyncTracking_DeliveredCompletesOrder(t *testing.T) {
	h := newHarness(t)
	shipment := bookedShipment(t, h, 4011)
	ctx := context.Background()

	h.carrier.push(shipment.CarrierCode, "picking", "delivery_fail", "delivering", "delivered")

	result, err := h.shipping.SyncTracking(ctx, shipment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ShipmentStatusDelivered, result.Shipment.Status)
	assert.Equal(t, domain.OrderStatusCompleted, result.Order.Status)

	records, err := h.orders.ListTransitions(ctx, 4011)
	require.NoError(t, err)
	last := records[len(records)-1]
	assert.Equal(t, domain.ShipmentCause(shipment.ID), last.CauseID)
	assert.Equal(t, domain.ActorCarrierSync, last.Actor)

	// 종료 후에는 운송사를 부르지 않는다
	calls := h.carrier.trackCalls
	again, err := h.shipping.SyncTracking(ctx, shipment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultAlreadySatisfied, again.Kind)
	assert.Equal(t, calls, h.carrier.trackCalls)
}

func TestSyncTracking_FailureNeedsReview(t *testing.T) {
	h := newHarness(t)
	shipment := bookedShipment(t, h, 4012)
	ctx := context.Background()

	h.carrier.push(shipment.CarrierCode, "picking", "lost")

	result, err := h.shipping.SyncTracking(ctx, shipment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ShipmentStatusFailed, result.Shipment.Status)
	assert.Equal(t, domain.OrderStatusConfirmed, h.status(t, 4012))
	assert.Equal(t, []string{"SHIPMENT_FAILED"}, h.reviewKinds(t))

	// FAILED 는 종료 단계
	h.carrier.push(shipment.CarrierCode, "delivered")
	again, err := h.shipping.SyncTracking(ctx, shipment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultAlreadySatisfied, again.Kind)
	assert.Equal(t, domain.ShipmentStatusFailed, again.Shipment.Status)
}

func TestSyncTracking_CarrierUnavailable(t *testing.T) {
	h := newHarness(t)
	shipment := bookedShipment(t, h, 4013)
	h.carrier.trackErr = errors.New(errors.ErrCodeExternalUnavailable, "ghn timeout")

	_, err := h.shipping.SyncTracking(context.Background(), shipment.ID)
	assert.Equal(t, errors.ErrCodeExternalUnavailable, errors.CodeOf(err))

	stored, err := h.store.Shipments().FindByID(context.Background(), shipment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ShipmentStatusPreparing, stored.Status)
}

func TestSyncTracking_RejectsPendingCreation(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, 4014, 300000, domain.PaymentMethodCash)
	h.confirm(t, 4014)
	h.carrier.createErr = errors.New(errors.ErrCodeExternalUnavailable, "ghn down")
	ctx := context.Background()

	_, err := h.shipping.CreateShipment(ctx, 4014)
	require.Error(t, err)
	pending, err := h.store.Shipments().FindByOrderID(ctx, 4014)
	require.NoError(t, err)

	result, err := h.shipping.SyncTracking(ctx, pending.ID)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
	assert.Equal(t, domain.ResultRejected, result.Kind)
}

func TestHandleCarrierWebhook(t *testing.T) {
	h := newHarness(t)
	shipment := bookedShipment(t, h, 4020)
	ctx := context.Background()

	h.carrier.push(shipment.CarrierCode, "picked")
	body := []byte(`{"order_code":"GHN4020","client_order_code":"4020","status":"picked"}`)

	result, err := h.shipping.HandleCarrierWebhook(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, domain.ShipmentStatusShipped, result.Shipment.Status)

	_, err = h.shipping.HandleCarrierWebhook(ctx, []byte(`{"order_code":"GHN-unknown","status":"picked"}`))
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}
