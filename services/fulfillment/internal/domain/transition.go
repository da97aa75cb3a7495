package domain

import "time"

// allowedTransitions 허용된 주문 상태 전이 표
var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusConfirmed,
		OrderStatusCanceled,
	},
	OrderStatusConfirmed: {
		OrderStatusCompleted,
		OrderStatusCanceled, // 배송 생성 전까지만
	},
}

// CanTransition 상태 전이 가능 여부 확인
func CanTransition(from, to OrderStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Actor 상태 전이 주체
type Actor string

const (
	ActorSystem          Actor = "SYSTEM"
	ActorGatewayCallback Actor = "GATEWAY_CALLBACK"
	ActorCarrierSync     Actor = "CARRIER_SYNC"
	ActorManual          Actor = "MANUAL"
)

// Valid 정의된 주체인지 확인
func (a Actor) Valid() bool {
	switch a {
	case ActorSystem, ActorGatewayCallback, ActorCarrierSync, ActorManual:
		return true
	}
	return false
}

// Cause 상태 전이 원인 (RefID 는 주문 단위 멱등성 키)
type Cause struct {
	Actor Actor  `json:"actor"`
	RefID string `json:"refId"`
	Note  string `json:"note,omitempty"`
}

// TransitionRecord 상태 전이 감사 기록 (append-only)
type TransitionRecord struct {
	ID         int64       `json:"id"`
	OrderID    int64       `json:"orderId"`
	Sequence   int64       `json:"sequence"`
	From       OrderStatus `json:"from"`
	To         OrderStatus `json:"to"`
	Actor      Actor       `json:"actor"`
	CauseID    string      `json:"causeId"`
	Note       string      `json:"note,omitempty"`
	OccurredAt time.Time   `json:"occurredAt"`
}

// ResultKind 오케스트레이션 결과 종류
type ResultKind string

const (
	ResultApplied          ResultKind = "APPLIED"
	ResultAlreadySatisfied ResultKind = "ALREADY_SATISFIED"
	ResultNoChange         ResultKind = "NO_CHANGE"
	ResultRejected         ResultKind = "REJECTED"
)

// ShipmentCause 배송 기반 전이의 원인 참조
func ShipmentCause(shipmentID int64) string {
	return "shipment:" + itoa(shipmentID)
}
