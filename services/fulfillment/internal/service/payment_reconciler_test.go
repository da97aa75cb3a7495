package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
)

func TestInitiatePayment_CreatesLinkOnce(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, 3001, 1000000, domain.PaymentMethodPayOS)
	ctx := context.Background()

	first, err := h.reconciler.InitiatePayment(ctx, 3001)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultApplied, first.Kind)
	assert.Equal(t, "link-3001", first.Attempt.LinkID)
	assert.Equal(t, int64(1000000), first.Attempt.Amount)

	second, err := h.reconciler.InitiatePayment(ctx, 3001)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultAlreadySatisfied, second.Kind)
	assert.Equal(t, first.Attempt.ID, second.Attempt.ID)

	create, _, _ := h.gateway.calls()
	assert.Equal(t, 1, create)
	assert.Contains(t, h.eventTypes(), "payment.link_created.v1")
}

func TestInitiatePayment_ConcurrentCallersShareOneLink(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, 3002, 1000000, domain.PaymentMethodPayOS)
	h.gateway.createDelay = 30 * time.Millisecond
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*PaymentResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.reconciler.InitiatePayment(ctx, 3002)
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "link-3002", results[i].Attempt.LinkID)
		if results[i].Kind == domain.ResultApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)

	create, _, _ := h.gateway.calls()
	assert.Equal(t, 1, create)
}

func TestInitiatePayment_RecoversExistingGatewayLink(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, 3003, 500000, domain.PaymentMethodPayOS)
	h.gateway.seedLink(3003, 500000)

	result, err := h.reconciler.InitiatePayment(context.Background(), 3003)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultApplied, result.Kind)
	assert.Equal(t, "link-3003", result.Attempt.LinkID)

	create, get, _ := h.gateway.calls()
	assert.Equal(t, 1, create)
	assert.Equal(t, 1, get)
}

func TestInitiatePayment_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("cash order", func(t *testing.T) {
		h := newHarness(t)
		h.seedOrder(t, 3004, 100000, domain.PaymentMethodCash)
		result, err := h.reconciler.InitiatePayment(ctx, 3004)
		assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
		assert.Equal(t, domain.ResultRejected, result.Kind)
	})

	t.Run("order not pending", func(t *testing.T) {
		h := newHarness(t)
		h.seedOrder(t, 3005, 100000, domain.PaymentMethodPayOS)
		h.confirm(t, 3005)
		_, err := h.reconciler.InitiatePayment(ctx, 3005)
		assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
	})

	t.Run("gateway down leaves nothing behind", func(t *testing.T) {
		h := newHarness(t)
		h.seedOrder(t, 3006, 100000, domain.PaymentMethodPayOS)
		h.gateway.createErr = errors.New(errors.ErrCodeExternalUnavailable, "payos timeout")

		_, err := h.reconciler.InitiatePayment(ctx, 3006)
		assert.Equal(t, errors.ErrCodeExternalUnavailable, errors.CodeOf(err))

		attempt, err := h.store.PaymentAttempts().FindLatestByOrderID(ctx, 3006)
		require.NoError(t, err)
		assert.Nil(t, attempt)

		// 예약이 풀려서 다시 시도할 수 있다
		h.gateway.createErr = nil
		result, err := h.reconciler.InitiatePayment(ctx, 3006)
		require.NoError(t, err)
		assert.Equal(t, domain.ResultApplied, result.Kind)
	})

	t.Run("gateway reports a different amount", func(t *testing.T) {
		h := newHarness(t)
		h.seedOrder(t, 3007, 100000, domain.PaymentMethodPayOS)
		h.gateway.reportAmount = 90000

		_, err := h.reconciler.InitiatePayment(ctx, 3007)
		assert.Equal(t, errors.ErrCodeAmountMismatch, errors.CodeOf(err))
		assert.Equal(t, []string{"AMOUNT_MISMATCH"}, h.reviewKinds(t))
	})
}

func TestReconcileStatus_PaidConfirmsOnce(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, 3010, 1000000, domain.PaymentMethodPayOS)
	ctx := context.Background()

	_, err := h.reconciler.InitiatePayment(ctx, 3010)
	require.NoError(t, err)
	h.gateway.setStatus(3010, domain.PaymentStatusPaid, 1000000)

	first, err := h.reconciler.ReconcileStatus(ctx, 3010, domain.ActorSystem)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultApplied, first.Kind)
	assert.Equal(t, domain.OrderStatusConfirmed, first.Order.Status)
	assert.Equal(t, domain.PaymentStatusPaid, first.Attempt.Status)

	second, err := h.reconciler.ReconcileStatus(ctx, 3010, domain.ActorGatewayCallback)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultAlreadySatisfied, second.Kind)

	// 확정된 시도는 게이트웨이를 다시 부르지 않는다
	_, get, _ := h.gateway.calls()
	assert.Equal(t, 1, get)

	records, err := h.orders.ListTransitions(ctx, 3010)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "link-3010", records[0].CauseID)
}

func TestReconcileStatus_Outcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("still pending", func(t *testing.T) {
		h := newHarness(t)
		h.seedOrder(t, 3011, 100000, domain.PaymentMethodPayOS)
		_, err := h.reconciler.InitiatePayment(ctx, 3011)
		require.NoError(t, err)

		result, err := h.reconciler.ReconcileStatus(ctx, 3011, domain.ActorSystem)
		require.NoError(t, err)
		assert.Equal(t, domain.ResultNoChange, result.Kind)
		assert.Equal(t, domain.OrderStatusPending, h.status(t, 3011))
	})

	for _, status := range []domain.PaymentStatus{domain.PaymentStatusCanceled, domain.PaymentStatusExpired} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t)
			h.seedOrder(t, 3012, 100000, domain.PaymentMethodPayOS)
			_, err := h.reconciler.InitiatePayment(ctx, 3012)
			require.NoError(t, err)
			h.gateway.setStatus(3012, status, 0)

			result, err := h.reconciler.ReconcileStatus(ctx, 3012, domain.ActorSystem)
			require.NoError(t, err)
			assert.Equal(t, domain.ResultApplied, result.Kind)
			assert.Equal(t, domain.OrderStatusCanceled, h.status(t, 3012))
			assert.Equal(t, status, result.Attempt.Status)
		})
	}

	t.Run("gateway unavailable writes nothing", func(t *testing.T) {
		h := newHarness(t)
		h.seedOrder(t, 3013, 100000, domain.PaymentMethodPayOS)
		_, err := h.reconciler.InitiatePayment(ctx, 3013)
		require.NoError(t, err)
		h.gateway.setStatus(3013, domain.PaymentStatusPaid, 100000)
		h.gateway.getErr = errors.New(errors.ErrCodeExternalUnavailable, "payos timeout")

		_, err = h.reconciler.ReconcileStatus(ctx, 3013, domain.ActorSystem)
		assert.Equal(t, errors.ErrCodeExternalUnavailable, errors.CodeOf(err))
		assert.Equal(t, domain.OrderStatusPending, h.status(t, 3013))

		attempt, err := h.store.PaymentAttempts().FindLatestByOrderID(ctx, 3013)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusPending, attempt.Status)
	})

	t.Run("no link yet", func(t *testing.T) {
		h := newHarness(t)
		h.seedOrder(t, 3014, 100000, domain.PaymentMethodPayOS)

		result, err := h.reconciler.ReconcileStatus(ctx, 3014, domain.ActorSystem)
		require.NoError(t, err)
		assert.Equal(t, domain.ResultNoChange, result.Kind)
	})

	t.Run("cash order pending is rejected", func(t *testing.T) {
		h := newHarness(t)
		h.seedOrder(t, 3015, 100000, domain.PaymentMethodCash)

		result, err := h.reconciler.ReconcileStatus(ctx, 3015, domain.ActorSystem)
		assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
		assert.Equal(t, domain.ResultRejected, result.Kind)
		_, get, _ := h.gateway.calls()
		assert.Zero(t, get)
	})
}

func TestReconcileStatus_PaidAfterManualCancelIsConflict(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, 3020, 100000, domain.PaymentMethodPayOS)
	ctx := context.Background()

	_, err := h.reconciler.InitiatePayment(ctx, 3020)
	require.NoError(t, err)
	_, err = h.machine.RequestTransition(ctx, 3020, domain.OrderStatusPending, domain.OrderStatusCanceled,
		domain.Cause{Actor: domain.ActorManual, RefID: "staff:cancel"})
	require.NoError(t, err)
	h.gateway.setStatus(3020, domain.PaymentStatusPaid, 100000)

	result, err := h.reconciler.ReconcileStatus(ctx, 3020, domain.ActorGatewayCallback)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeReconcileConflict, errors.CodeOf(err))
	assert.Equal(t, domain.ResultRejected, result.Kind)
	assert.Equal(t, domain.OrderStatusCanceled, h.status(t, 3020))

	// 두 번째 대사는 알림을 중복하지 않는다
	_, err = h.reconciler.ReconcileStatus(ctx, 3020, domain.ActorSystem)
	require.Error(t, err)
	assert.Equal(t, []string{"RECONCILE_CONFLICT"}, h.reviewKinds(t))
}

func TestHandleWebhook(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, 3030, 750000, domain.PaymentMethodPayOS)
	ctx := context.Background()

	_, err := h.reconciler.InitiatePayment(ctx, 3030)
	require.NoError(t, err)
	h.gateway.setStatus(3030, domain.PaymentStatusPaid, 750000)

	result, err := h.reconciler.HandleWebhook(ctx, signedPaymentWebhook(t, 3030, 750000, "link-3030"))
	require.NoError(t, err)
	assert.Equal(t, domain.ResultApplied, result.Kind)

	records, err := h.orders.ListTransitions(ctx, 3030)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ActorGatewayCallback, records[0].Actor)
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, 3031, 750000, domain.PaymentMethodPayOS)

	body := signedPaymentWebhook(t, 3031, 750000, "link-3031")
	tampered := []byte(strings.Replace(string(body), `"amount":750000`, `"amount":1`, 1))
	require.NotEqual(t, body, tampered)

	_, err := h.reconciler.HandleWebhook(context.Background(), tampered)
	assert.Equal(t, errors.ErrCodeInvalidSignature, errors.CodeOf(err))
	assert.Equal(t, domain.OrderStatusPending, h.status(t, 3031))
}

func TestHandleWebhook_LinkOfAnotherOrder(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, 3032, 750000, domain.PaymentMethodPayOS)
	h.seedOrder(t, 3033, 750000, domain.PaymentMethodPayOS)
	ctx := context.Background()

	_, err := h.reconciler.InitiatePayment(ctx, 3032)
	require.NoError(t, err)
	_, err = h.reconciler.InitiatePayment(ctx, 3033)
	require.NoError(t, err)
	h.gateway.setStatus(3033, domain.PaymentStatusPaid, 750000)

	// 3033 주문 번호에 3032 의 링크가 서명되어 온 경우
	result, err := h.reconciler.HandleWebhook(ctx, signedPaymentWebhook(t, 3033, 750000, "link-3032"))
	assert.Nil(t, result)
	assert.Equal(t, errors.ErrCodeReconcileConflict, errors.CodeOf(err))
	assert.Equal(t, domain.OrderStatusPending, h.status(t, 3033))

	_, get, _ := h.gateway.calls()
	assert.Zero(t, get)
}

func TestHandleWebhook_UnknownLink(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, 3034, 750000, domain.PaymentMethodPayOS)
	ctx := context.Background()

	_, err := h.reconciler.InitiatePayment(ctx, 3034)
	require.NoError(t, err)
	h.gateway.setStatus(3034, domain.PaymentStatusPaid, 750000)

	_, err = h.reconciler.HandleWebhook(ctx, signedPaymentWebhook(t, 3034, 750000, "link-forged"))
	assert.Equal(t, errors.ErrCodeReconcileConflict, errors.CodeOf(err))
	assert.Equal(t, domain.OrderStatusPending, h.status(t, 3034))
}

func TestHandleOrderCanceled_CancelsPendingLink(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, 3040, 100000, domain.PaymentMethodPayOS)
	ctx := context.Background()

	_, err := h.reconciler.InitiatePayment(ctx, 3040)
	require.NoError(t, err)
	_, err = h.machine.RequestTransition(ctx, 3040, domain.OrderStatusPending, domain.OrderStatusCanceled,
		domain.Cause{Actor: domain.ActorManual, RefID: "staff:cancel"})
	require.NoError(t, err)

	require.NoError(t, h.reconciler.HandleOrderCanceled(ctx, 3040))

	attempt, err := h.store.PaymentAttempts().FindLatestByOrderID(ctx, 3040)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCanceled, attempt.Status)
	_, _, cancel := h.gateway.calls()
	assert.Equal(t, 1, cancel)

	// 이미 정리된 주문은 아무것도 하지 않는다
	require.NoError(t, h.reconciler.HandleOrderCanceled(ctx, 3040))
	_, _, cancel = h.gateway.calls()
	assert.Equal(t, 1, cancel)
}
