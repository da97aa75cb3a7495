package service

import (
	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
)

// TransitionResult 상태 전이 요청 결과
//
// 거절된 경우에도 Order 에 현재 상태가 담긴다.
type TransitionResult struct {
	Kind   domain.ResultKind        `json:"kind"`
	Reason string                   `json:"reason,omitempty"`
	Order  *domain.Order            `json:"order,omitempty"`
	Record *domain.TransitionRecord `json:"record,omitempty"`
}

// PaymentResult 결제 링크 생성 / 결제 대사 결과
type PaymentResult struct {
	Kind    domain.ResultKind      `json:"kind"`
	Reason  string                 `json:"reason,omitempty"`
	Order   *domain.Order          `json:"order,omitempty"`
	Attempt *domain.PaymentAttempt `json:"attempt,omitempty"`
}

// ShipmentResult 배송 생성 / 추적 동기화 결과
type ShipmentResult struct {
	Kind     domain.ResultKind `json:"kind"`
	Reason   string            `json:"reason,omitempty"`
	Order    *domain.Order     `json:"order,omitempty"`
	Shipment *domain.Shipment  `json:"shipment,omitempty"`
}

func rejectedTransition(order *domain.Order, err *errors.DomainError) (*TransitionResult, error) {
	return &TransitionResult{Kind: domain.ResultRejected, Reason: err.Message, Order: order}, err
}

func rejectedPayment(order *domain.Order, err *errors.DomainError) (*PaymentResult, error) {
	return &PaymentResult{Kind: domain.ResultRejected, Reason: err.Message, Order: order}, err
}

func rejectedShipment(order *domain.Order, shipment *domain.Shipment, err *errors.DomainError) (*ShipmentResult, error) {
	return &ShipmentResult{Kind: domain.ResultRejected, Reason: err.Message, Order: order, Shipment: shipment}, err
}
