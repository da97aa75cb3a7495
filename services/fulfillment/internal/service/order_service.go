package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/repository"
)

// CreateOrderCommand 주문 생성 커맨드
type CreateOrderCommand struct {
	Customer       domain.Customer
	Recipient      domain.Recipient
	Items          []domain.LineItem
	Discount       int64
	PaymentMethod  domain.PaymentMethod
	IdempotencyKey string
}

// OrderService 주문 원장 서비스 인터페이스
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*domain.Order, error)
	ListTransitions(ctx context.Context, orderID int64) ([]*domain.TransitionRecord, error)
}

type orderService struct {
	ledger repository.Ledger
	logger *zap.Logger
	now    func() time.Time
}

// NewOrderService 주문 서비스 생성
func NewOrderService(ledger repository.Ledger, logger *zap.Logger) OrderService {
	return &orderService{
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}
}

// CreateOrder 주문 생성 (같은 멱등성 키면 기존 주문 반환)
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*domain.Order, error) {
	if cmd.IdempotencyKey != "" {
		existing, err := s.ledger.FindByIdempotencyKey(ctx, cmd.IdempotencyKey)
		if err == nil {
			s.logger.Info("order already exists with idempotency key",
				zap.String("idempotencyKey", cmd.IdempotencyKey),
				zap.Int64("orderId", existing.ID))
			return existing, nil
		}
		if !errors.Is(err, errors.ErrCodeOrderNotFound) {
			return nil, err
		}
	}

	order, err := domain.NewOrder(cmd.Customer, cmd.Recipient, cmd.Items, cmd.Discount, cmd.PaymentMethod, s.now().UTC())
	if err != nil {
		return nil, err
	}
	order.IdempotencyKey = cmd.IdempotencyKey

	if err := s.ledger.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, errors.ErrCodeDuplicateRequest) && cmd.IdempotencyKey != "" {
			// 동시에 같은 키로 생성됨
			return s.ledger.FindByIdempotencyKey(ctx, cmd.IdempotencyKey)
		}
		return nil, err
	}

	s.logger.Info("order created",
		zap.Int64("orderId", order.ID),
		zap.String("paymentMethod", string(order.PaymentMethod)),
		zap.Int64("finalAmount", order.FinalAmount))

	return order, nil
}

// GetOrder 주문 조회
func (s *orderService) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	return s.ledger.GetOrder(ctx, orderID)
}

// ListTransitions 주문 상태 전이 이력 조회
func (s *orderService) ListTransitions(ctx context.Context, orderID int64) ([]*domain.TransitionRecord, error) {
	if _, err := s.ledger.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.ledger.ListTransitions(ctx, orderID)
}
