package service

import (
	"context"

	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
)

// PaymentGateway 결제 게이트웨이 포트 (PayOS)
type PaymentGateway interface {
	CreatePaymentLink(ctx context.Context, req domain.PaymentLinkRequest) (*domain.PaymentLink, error)
	GetPaymentLink(ctx context.Context, orderCode int64) (*domain.PaymentLink, error)
	CancelPaymentLink(ctx context.Context, orderCode int64, reason string) error
	VerifyWebhook(body []byte) (*domain.PaymentNotification, error)
}

// Carrier 운송사 포트 (GHN)
type Carrier interface {
	CreateShipmentOrder(ctx context.Context, req domain.CarrierOrderRequest) (*domain.CarrierBooking, error)
	// FindByClientCode 주문 번호로 이미 만들어진 운송장 조회 (없으면 nil)
	FindByClientCode(ctx context.Context, clientOrderCode string) (*domain.CarrierBooking, error)
	GetTrackingEvents(ctx context.Context, orderCode string) ([]domain.TrackingEvent, error)
	CancelShipmentOrder(ctx context.Context, orderCode string, reason string) error
	// MapStatus 운송사 코드 -> 내부 단계 (닫힌 표)
	MapStatus(code string) (domain.ShipmentStatus, bool)
	ParseWebhook(body []byte) (*domain.CarrierNotification, error)
}

// Scheduler 주문별 후속 폴링 등록 (Temporal 워크플로우 또는 티커 워커)
type Scheduler interface {
	WatchPayment(ctx context.Context, orderID int64) error
	TrackShipment(ctx context.Context, shipmentID int64) error
}
