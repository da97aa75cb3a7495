package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
)

// Ledger 주문 원장 인터페이스
//
// UpdateStatus 의 CAS 가 주문 상태의 유일한 직렬화 지점이다.
type Ledger interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, id int64) (*domain.Order, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)
	// UpdateStatus (id, from) 조건부 갱신. 조건 불일치 시 STALE_STATE
	UpdateStatus(ctx context.Context, id int64, from, to domain.OrderStatus, at time.Time) error
	// AppendTransition 주문별 다음 시퀀스를 부여하여 감사 기록 추가
	AppendTransition(ctx context.Context, record *domain.TransitionRecord) error
	HasCause(ctx context.Context, orderID int64, causeID string) (bool, error)
	ListTransitions(ctx context.Context, orderID int64) ([]*domain.TransitionRecord, error)
	HasShipment(ctx context.Context, orderID int64) (bool, error)
	EnqueueEvent(ctx context.Context, event *OutboxEvent) error
	// Atomic fn 내부의 Ledger 호출을 하나의 트랜잭션으로 실행
	Atomic(ctx context.Context, fn func(tx Ledger) error) error
}

// PaymentAttemptRepository 결제 시도 레포지토리 인터페이스
type PaymentAttemptRepository interface {
	Create(ctx context.Context, attempt *domain.PaymentAttempt) error
	FindByLinkID(ctx context.Context, linkID string) (*domain.PaymentAttempt, error)
	// FindActiveByOrderID PENDING 시도 조회 (없으면 nil)
	FindActiveByOrderID(ctx context.Context, orderID int64) (*domain.PaymentAttempt, error)
	// FindLatestByOrderID 가장 최근 시도 조회 (없으면 nil)
	FindLatestByOrderID(ctx context.Context, orderID int64) (*domain.PaymentAttempt, error)
	// Resolve PENDING 시도를 확정 상태로 변경 (이미 확정이면 false)
	Resolve(ctx context.Context, id int64, status domain.PaymentStatus, at time.Time) (bool, error)
	ListPending(ctx context.Context, limit int) ([]*domain.PaymentAttempt, error)
}

// ShipmentRepository 배송 레포지토리 인터페이스
type ShipmentRepository interface {
	// CreatePending 생성 대기 배송 추가 (주문당 1개, 중복 시 DUPLICATE_REQUEST)
	CreatePending(ctx context.Context, shipment *domain.Shipment) error
	FindByID(ctx context.Context, id int64) (*domain.Shipment, error)
	// FindByOrderID 주문의 배송 조회 (없으면 nil)
	FindByOrderID(ctx context.Context, orderID int64) (*domain.Shipment, error)
	FindByCarrierCode(ctx context.Context, carrierCode string) (*domain.Shipment, error)
	// MarkBooked 생성 대기 배송에 운송장 정보 기록 (이미 예약됐으면 false)
	MarkBooked(ctx context.Context, id int64, booking domain.CarrierBooking, at time.Time) (bool, error)
	// UpdateTracking (id, from) 조건부 상태 갱신
	UpdateTracking(ctx context.Context, id int64, from, to domain.ShipmentStatus, rawStatus string, at time.Time) (bool, error)
	ListActive(ctx context.Context, limit int) ([]*domain.Shipment, error)
	ListPendingCreation(ctx context.Context, limit int) ([]*domain.Shipment, error)
}

// OutboxEvent Outbox 이벤트
type OutboxEvent struct {
	ID            int64
	AggregateType string
	AggregateID   int64
	EventType     string
	Payload       json.RawMessage
	Status        string
	CreatedAt     time.Time
	SentAt        *time.Time
}

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
)

// OutboxRepository Outbox 레포지토리 인터페이스
type OutboxRepository interface {
	Insert(ctx context.Context, event *OutboxEvent) error
	FindPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkSent(ctx context.Context, id int64) error
}
