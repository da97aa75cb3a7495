package events

import "time"

// EventType 이벤트 타입 정의
type EventType string

const (
	// Order Events
	EventOrderConfirmed EventType = "order.confirmed.v1"
	EventOrderCompleted EventType = "order.completed.v1"
	EventOrderCanceled  EventType = "order.canceled.v1"

	// Payment Events
	EventPaymentLinkCreated EventType = "payment.link_created.v1"

	// Shipment Events
	EventShipmentBooked EventType = "shipment.booked.v1"

	// Manual review
	EventReviewRequired EventType = "fulfillment.review_required.v1"
)

// ReviewKind 수동 검토 사유
type ReviewKind string

const (
	ReviewAmountMismatch    ReviewKind = "AMOUNT_MISMATCH"
	ReviewReconcileConflict ReviewKind = "RECONCILE_CONFLICT"
	ReviewShipmentFailed    ReviewKind = "SHIPMENT_FAILED"
)

// BaseEvent 모든 이벤트의 기본 구조
type BaseEvent struct {
	EventID       string    `json:"eventId"`
	EventType     EventType `json:"eventType"`
	SchemaVersion int       `json:"schemaVersion"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"` // 주문 단위 추적 ID
}

// OrderTransitionedEvent 주문 상태 전이 이벤트 (confirmed / completed / canceled 공통)
type OrderTransitionedEvent struct {
	BaseEvent
	OrderID    int64  `json:"orderId"`
	FromStatus string `json:"fromStatus"`
	ToStatus   string `json:"toStatus"`
	Actor      string `json:"actor"`
	CauseID    string `json:"causeId,omitempty"`
	Sequence   int64  `json:"sequence"`
}

// PaymentLinkCreatedEvent 결제 링크 생성 이벤트
type PaymentLinkCreatedEvent struct {
	BaseEvent
	OrderID     int64  `json:"orderId"`
	LinkID      string `json:"linkId"`
	CheckoutURL string `json:"checkoutUrl"`
	Amount      int64  `json:"amount"`
}

// ShipmentBookedEvent 운송장 생성 이벤트
type ShipmentBookedEvent struct {
	BaseEvent
	OrderID     int64  `json:"orderId"`
	ShipmentID  int64  `json:"shipmentId"`
	CarrierCode string `json:"carrierCode"`
}

// ReviewRequiredEvent 운영자 수동 검토 요청 이벤트
type ReviewRequiredEvent struct {
	BaseEvent
	OrderID int64      `json:"orderId"`
	Kind    ReviewKind `json:"kind"`
	Detail  string     `json:"detail"`
}
