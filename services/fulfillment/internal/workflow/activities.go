package workflow

import (
	"context"

	"go.temporal.io/sdk/temporal"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/service"
)

// PollOutcome 액티비티 한 번의 결과
type PollOutcome struct {
	Kind domain.ResultKind `json:"kind"`
	// Done 더 이상 폴링할 필요 없음
	Done bool `json:"done"`
}

// Activities 폴링 워크플로우가 호출하는 액티비티
type Activities struct {
	Payments  service.PaymentReconciler
	Shipments service.ShipmentSynchronizer
}

// ReconcilePayment 결제 상태 대사
func (a *Activities) ReconcilePayment(ctx context.Context, orderID int64) (PollOutcome, error) {
	result, err := a.Payments.ReconcileStatus(ctx, orderID, domain.ActorSystem)
	if err != nil {
		return PollOutcome{}, activityError(err)
	}
	return PollOutcome{
		Kind: result.Kind,
		Done: result.Kind != domain.ResultNoChange,
	}, nil
}

// SyncShipment 배송 추적 동기화
func (a *Activities) SyncShipment(ctx context.Context, shipmentID int64) (PollOutcome, error) {
	result, err := a.Shipments.SyncTracking(ctx, shipmentID)
	if err != nil {
		return PollOutcome{}, activityError(err)
	}
	return PollOutcome{
		Kind: result.Kind,
		Done: trackingFinished(result),
	}, nil
}

func trackingFinished(result *service.ShipmentResult) bool {
	if result.Kind == domain.ResultAlreadySatisfied {
		return true
	}
	if result.Order != nil && result.Order.Status.IsTerminal() {
		return true
	}
	return result.Shipment != nil && result.Shipment.Status == domain.ShipmentStatusFailed
}

// activityError 재시도 불가 에러는 Temporal 재시도 대상에서 제외
func activityError(err error) error {
	if errors.IsRetryable(err) {
		return err
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), string(errors.CodeOf(err)), err)
}
