package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/common/events"
	"github.com/kyungseok/order-fulfillment-go/common/idempotency"
	"github.com/kyungseok/order-fulfillment-go/common/metrics"
	"github.com/kyungseok/order-fulfillment-go/common/retry"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/repository"
)

// maxInsuranceValue GHN 보험 신고 상한
const maxInsuranceValue = 5_000_000

// SynchronizerConfig 배송 동기화 설정
type SynchronizerConfig struct {
	CarrierTimeout time.Duration
	ReservationTTL time.Duration
	Wait           retry.Config
}

// DefaultSynchronizerConfig 기본 배송 동기화 설정
func DefaultSynchronizerConfig() SynchronizerConfig {
	return SynchronizerConfig{
		CarrierTimeout: 10 * time.Second,
		ReservationTTL: time.Minute,
		Wait:           retry.QuickConfig(),
	}
}

// ShipmentSynchronizer 운송장 생성과 추적 상태 동기화
type ShipmentSynchronizer interface {
	CreateShipment(ctx context.Context, orderID int64) (*ShipmentResult, error)
	SyncTracking(ctx context.Context, shipmentID int64) (*ShipmentResult, error)
	// HandleCarrierWebhook 운송사 푸시 -> 해당 배송 동기화
	HandleCarrierWebhook(ctx context.Context, body []byte) (*ShipmentResult, error)
	// HandleOrderCanceled 취소된 주문의 배송 정리 (생성 대기 행, 운송사 예약)
	HandleOrderCanceled(ctx context.Context, orderID int64) error
}

type shipmentSynchronizer struct {
	ledger    repository.Ledger
	shipments repository.ShipmentRepository
	carrier   Carrier
	machine   StateMachine
	notifier  ReviewNotifier
	locks     idempotency.Store
	cfg       SynchronizerConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewShipmentSynchronizer 배송 동기화 서비스 생성
func NewShipmentSynchronizer(
	ledger repository.Ledger,
	shipments repository.ShipmentRepository,
	carrier Carrier,
	machine StateMachine,
	notifier ReviewNotifier,
	locks idempotency.Store,
	cfg SynchronizerConfig,
	logger *zap.Logger,
) ShipmentSynchronizer {
	return &shipmentSynchronizer{
		ledger:    ledger,
		shipments: shipments,
		carrier:   carrier,
		machine:   machine,
		notifier:  notifier,
		locks:     locks,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func shipmentBookingKey(orderID int64) string {
	return fmt.Sprintf("shipment-booking:%d", orderID)
}

// CreateShipment 확정된 주문의 운송장 생성 (주문당 1개)
func (s *shipmentSynchronizer) CreateShipment(ctx context.Context, orderID int64) (*ShipmentResult, error) {
	order, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	existing, err := s.shipments.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == domain.OrderStatusCanceled && existing != nil && !existing.Status.IsTerminal() {
		if err := s.HandleOrderCanceled(ctx, orderID); err != nil {
			return nil, err
		}
		if existing, err = s.shipments.FindByOrderID(ctx, orderID); err != nil {
			return nil, err
		}
		return rejectedShipment(order, existing, errors.Newf(errors.ErrCodeInvalidState, "order %d is CANCELED, its shipment was closed", orderID))
	}
	if existing != nil && !existing.PendingCreation() {
		return &ShipmentResult{Kind: domain.ResultAlreadySatisfied, Reason: "shipment already booked", Order: order, Shipment: existing}, nil
	}
	if order.Status != domain.OrderStatusConfirmed {
		return rejectedShipment(order, existing, errors.Newf(errors.ErrCodeInvalidState, "order %d is %s, shipments need a CONFIRMED order", orderID, order.Status))
	}

	key := shipmentBookingKey(orderID)
	reserved, err := s.locks.Reserve(ctx, key, s.cfg.ReservationTTL)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeExternalUnavailable, "shipment could not be created, please retry", err)
	}
	if !reserved {
		return s.awaitBooking(ctx, order)
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn("failed to release shipment reservation", zap.String("key", key), zap.Error(err))
		}
	}()

	shipment, err := s.ensurePending(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !shipment.PendingCreation() {
		return &ShipmentResult{Kind: domain.ResultAlreadySatisfied, Reason: "shipment already booked", Order: order, Shipment: shipment}, nil
	}

	// 생성 대기 행이 생기기 전에 취소가 끼어들었을 수 있다
	if current, err := s.ledger.GetOrder(ctx, orderID); err != nil {
		return nil, err
	} else if current.Status == domain.OrderStatusCanceled {
		return s.abandonBooking(ctx, current, shipment)
	}

	booking, err := s.book(ctx, order, shipment)
	if err != nil {
		// 운송사 호출 중 커밋된 취소는 예약을 가진 지금 정리한다
		if current, getErr := s.ledger.GetOrder(ctx, orderID); getErr == nil && current.Status == domain.OrderStatusCanceled {
			return s.abandonBooking(ctx, current, shipment)
		}
		return nil, err
	}

	now := s.now().UTC()
	marked, err := s.shipments.MarkBooked(ctx, shipment.ID, *booking, now)
	if err != nil {
		return nil, err
	}
	shipment, err = s.shipments.FindByID(ctx, shipment.ID)
	if err != nil {
		return nil, err
	}
	if !marked {
		return &ShipmentResult{Kind: domain.ResultAlreadySatisfied, Reason: "shipment already booked", Order: order, Shipment: shipment}, nil
	}

	s.enqueueBooked(ctx, shipment, now)
	s.logger.Info("shipment booked",
		zap.Int64("orderId", orderID),
		zap.Int64("shipmentId", shipment.ID),
		zap.String("carrierCode", shipment.CarrierCode),
		zap.Int64("fee", shipment.Fee))

	current, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.OrderStatusCanceled {
		return s.abandonBooking(ctx, current, shipment)
	}

	return &ShipmentResult{Kind: domain.ResultApplied, Order: current, Shipment: shipment}, nil
}

// ensurePending 생성 대기 배송 확보 (동시 생성 시 기존 행 사용)
func (s *shipmentSynchronizer) ensurePending(ctx context.Context, orderID int64) (*domain.Shipment, error) {
	existing, err := s.shipments.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.now().UTC()
	shipment := &domain.Shipment{
		OrderID:   orderID,
		Carrier:   domain.CarrierGHN,
		Status:    domain.ShipmentStatusPreparing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.shipments.CreatePending(ctx, shipment); err != nil {
		if errors.Is(err, errors.ErrCodeDuplicateRequest) {
			return s.shipments.FindByOrderID(ctx, orderID)
		}
		return nil, err
	}
	return shipment, nil
}

// book 운송사에 이미 만들어진 예약이 있으면 재사용, 없으면 새로 생성
func (s *shipmentSynchronizer) book(ctx context.Context, order *domain.Order, shipment *domain.Shipment) (*domain.CarrierBooking, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CarrierTimeout)
	defer cancel()

	clientCode := strconv.FormatInt(order.ID, 10)
	booking, err := s.carrier.FindByClientCode(callCtx, clientCode)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeExternalUnavailable, "shipment could not be created, please retry", err)
	}
	if booking != nil {
		s.logger.Warn("carrier already holds a booking for order, reusing it",
			zap.Int64("orderId", order.ID),
			zap.Int64("shipmentId", shipment.ID),
			zap.String("carrierCode", booking.OrderCode))
		return booking, nil
	}

	req := domain.CarrierOrderRequest{
		ClientOrderCode: clientCode,
		Recipient:       order.Recipient,
		Items:           order.Items,
		InsuranceValue:  min(order.FinalAmount, maxInsuranceValue),
		Note:            fmt.Sprintf("Order #%d", order.ID),
	}
	if order.PaymentMethod == domain.PaymentMethodCash {
		req.CODAmount = order.FinalAmount
	}

	booking, err = s.carrier.CreateShipmentOrder(callCtx, req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeExternalUnavailable, "shipment could not be created, please retry", err)
	}
	return booking, nil
}

// abandonBooking 예약 도중 취소된 주문의 배송을 닫고 거절 결과 반환
func (s *shipmentSynchronizer) abandonBooking(ctx context.Context, order *domain.Order, shipment *domain.Shipment) (*ShipmentResult, error) {
	closed, err := s.closeCanceled(ctx, order, shipment)
	if err != nil {
		return nil, err
	}

	s.logger.Warn("order canceled while booking shipment",
		zap.Int64("orderId", order.ID),
		zap.Int64("shipmentId", shipment.ID))
	return rejectedShipment(order, closed, errors.Newf(errors.ErrCodeInvalidState, "order %d was canceled while booking its shipment", order.ID))
}

// HandleOrderCanceled 주문 취소 이벤트 -> 배송을 FAILED 로 닫고 운송사 예약 취소
func (s *shipmentSynchronizer) HandleOrderCanceled(ctx context.Context, orderID int64) error {
	order, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusCanceled {
		return nil
	}

	key := shipmentBookingKey(orderID)
	reserved, err := s.locks.Reserve(ctx, key, s.cfg.ReservationTTL)
	if err != nil {
		return errors.Wrap(errors.ErrCodeExternalUnavailable, "shipment cleanup could not start, please retry", err)
	}
	if !reserved {
		// 생성 중인 호출자가 끝난 뒤 재전달로 정리
		return errors.Newf(errors.ErrCodeExternalUnavailable, "shipment booking for order %d is in progress", orderID)
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn("failed to release shipment reservation", zap.String("key", key), zap.Error(err))
		}
	}()

	shipment, err := s.shipments.FindByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	if shipment == nil || shipment.Status.IsTerminal() {
		return nil
	}

	closed, err := s.closeCanceled(ctx, order, shipment)
	if err != nil {
		return err
	}
	s.logger.Info("shipment closed for canceled order",
		zap.Int64("orderId", orderID),
		zap.Int64("shipmentId", closed.ID),
		zap.String("carrierCode", closed.CarrierCode))
	return nil
}

// closeCanceled 운송사 예약 취소 후 배송을 FAILED 로
func (s *shipmentSynchronizer) closeCanceled(ctx context.Context, order *domain.Order, shipment *domain.Shipment) (*domain.Shipment, error) {
	carrierCode := shipment.CarrierCode
	if carrierCode == "" {
		// 응답을 잃은 생성 요청이 운송사에 예약을 남겼을 수 있다
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CarrierTimeout)
		booking, err := s.carrier.FindByClientCode(callCtx, strconv.FormatInt(order.ID, 10))
		cancel()
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeExternalUnavailable, "carrier booking lookup failed, please retry", err)
		}
		if booking != nil {
			carrierCode = booking.OrderCode
		}
	}

	if carrierCode != "" {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CarrierTimeout)
		err := s.carrier.CancelShipmentOrder(callCtx, carrierCode, "order canceled")
		cancel()
		if err != nil {
			s.logger.Error("failed to cancel carrier booking of canceled order",
				zap.Int64("orderId", order.ID),
				zap.String("carrierCode", carrierCode),
				zap.Error(err))
			s.notify(ctx, order.ID, events.ReviewShipmentFailed,
				fmt.Sprintf("carrier booking %s could not be canceled after order cancel: %v", carrierCode, err))
		}
	}

	if _, err := s.shipments.UpdateTracking(ctx, shipment.ID, shipment.Status, domain.ShipmentStatusFailed, "cancel", s.now().UTC()); err != nil {
		return nil, err
	}
	return s.shipments.FindByID(ctx, shipment.ID)
}

// awaitBooking 예약을 가진 호출자가 운송장을 만들 때까지 대기
func (s *shipmentSynchronizer) awaitBooking(ctx context.Context, order *domain.Order) (*ShipmentResult, error) {
	shipment, err := retry.DoWithResult(ctx, s.cfg.Wait, s.logger, func() (*domain.Shipment, error) {
		shipment, err := s.shipments.FindByOrderID(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if shipment == nil || shipment.PendingCreation() {
			return nil, errors.Newf(errors.ErrCodeNotFound, "shipment for order %d not booked yet", order.ID)
		}
		return shipment, nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeExternalUnavailable, "shipment booking is still in progress, please retry", err)
	}
	return &ShipmentResult{Kind: domain.ResultAlreadySatisfied, Reason: "shipment booked by a concurrent request", Order: order, Shipment: shipment}, nil
}

func (s *shipmentSynchronizer) enqueueBooked(ctx context.Context, shipment *domain.Shipment, now time.Time) {
	event := events.ShipmentBookedEvent{
		BaseEvent:   newBaseEvent(events.EventShipmentBooked, shipment.OrderID, now),
		OrderID:     shipment.OrderID,
		ShipmentID:  shipment.ID,
		CarrierCode: shipment.CarrierCode,
	}
	outboxEvent, err := newOutboxEvent(aggregateShipment, shipment.OrderID, events.EventShipmentBooked, event, now)
	if err == nil {
		err = s.ledger.EnqueueEvent(ctx, outboxEvent)
	}
	if err != nil {
		s.logger.Warn("failed to enqueue shipment booked event", zap.Int64("shipmentId", shipment.ID), zap.Error(err))
	}
}

// SyncTracking 운송사 추적 이력을 배송 단계에 반영, DELIVERED 면 주문 완료
func (s *shipmentSynchronizer) SyncTracking(ctx context.Context, shipmentID int64) (*ShipmentResult, error) {
	shipment, err := s.shipments.FindByID(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	order, err := s.ledger.GetOrder(ctx, shipment.OrderID)
	if err != nil {
		return nil, err
	}

	if shipment.PendingCreation() {
		return rejectedShipment(order, shipment, errors.Newf(errors.ErrCodeInvalidState, "shipment %d has not been booked yet", shipmentID))
	}

	if shipment.Status == domain.ShipmentStatusDelivered && order.Status == domain.OrderStatusConfirmed {
		// 배송 완료 기록 후 주문 전이 전에 중단된 경우
		return s.complete(ctx, order, shipment, domain.ResultApplied)
	}
	if shipment.Status.IsTerminal() || order.Status.IsTerminal() {
		metrics.SyncRuns.WithLabelValues("shipment", "terminal").Inc()
		return &ShipmentResult{Kind: domain.ResultAlreadySatisfied, Reason: "synchronization finished", Order: order, Shipment: shipment}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CarrierTimeout)
	trackingEvents, err := s.carrier.GetTrackingEvents(callCtx, shipment.CarrierCode)
	cancel()
	if err != nil {
		metrics.SyncRuns.WithLabelValues("shipment", "unavailable").Inc()
		return nil, errors.Wrap(errors.ErrCodeExternalUnavailable, "shipment status could not be refreshed, please retry", err)
	}

	observed := make([]domain.ShipmentStatus, 0, len(trackingEvents))
	raw := shipment.RawStatus
	for _, event := range trackingEvents {
		status, ok := s.carrier.MapStatus(event.Code)
		if !ok {
			metrics.UnknownCarrierCodes.WithLabelValues(shipment.Carrier, event.Code).Inc()
			s.logger.Warn("ignoring unknown carrier status",
				zap.Int64("shipmentId", shipmentID),
				zap.String("carrierCode", shipment.CarrierCode),
				zap.String("code", event.Code))
			continue
		}
		observed = append(observed, status)
		raw = event.Code
	}

	next := domain.FoldShipmentStatus(shipment.Status, observed)
	if next == shipment.Status && raw == shipment.RawStatus {
		metrics.SyncRuns.WithLabelValues("shipment", "no_change").Inc()
		return &ShipmentResult{Kind: domain.ResultNoChange, Order: order, Shipment: shipment}, nil
	}

	now := s.now().UTC()
	updated, err := s.shipments.UpdateTracking(ctx, shipmentID, shipment.Status, next, raw, now)
	if err != nil {
		return nil, err
	}
	if !updated {
		current, err := s.shipments.FindByID(ctx, shipmentID)
		if err != nil {
			return nil, err
		}
		metrics.SyncRuns.WithLabelValues("shipment", "stale").Inc()
		return &ShipmentResult{Kind: domain.ResultAlreadySatisfied, Reason: "shipment updated concurrently", Order: order, Shipment: current}, nil
	}

	previous := shipment.Status
	shipment, err = s.shipments.FindByID(ctx, shipmentID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("shipment status synchronized",
		zap.Int64("shipmentId", shipmentID),
		zap.String("from", string(previous)),
		zap.String("to", string(next)),
		zap.String("raw", raw))

	switch next {
	case domain.ShipmentStatusDelivered:
		return s.complete(ctx, order, shipment, domain.ResultApplied)
	case domain.ShipmentStatusFailed:
		if previous != domain.ShipmentStatusFailed {
			s.notify(ctx, order.ID, events.ReviewShipmentFailed,
				fmt.Sprintf("carrier reported %s for %s", raw, shipment.CarrierCode))
		}
	}

	metrics.SyncRuns.WithLabelValues("shipment", "applied").Inc()
	return &ShipmentResult{Kind: domain.ResultApplied, Order: order, Shipment: shipment}, nil
}

// complete 배송 완료 -> 주문 COMPLETED
func (s *shipmentSynchronizer) complete(ctx context.Context, order *domain.Order, shipment *domain.Shipment, kind domain.ResultKind) (*ShipmentResult, error) {
	transition, err := s.machine.RequestTransition(ctx, order.ID, domain.OrderStatusConfirmed, domain.OrderStatusCompleted, domain.Cause{
		Actor: domain.ActorCarrierSync,
		RefID: domain.ShipmentCause(shipment.ID),
		Note:  "delivered by " + shipment.Carrier,
	})
	if err != nil {
		if !errors.Is(err, errors.ErrCodeStaleState) {
			return nil, err
		}
		current, getErr := s.ledger.GetOrder(ctx, order.ID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == domain.OrderStatusCompleted {
			return &ShipmentResult{Kind: domain.ResultAlreadySatisfied, Reason: "order already COMPLETED", Order: current, Shipment: shipment}, nil
		}
		detail := fmt.Sprintf("shipment %d delivered but order is %s", shipment.ID, current.Status)
		s.notify(ctx, order.ID, events.ReviewReconcileConflict, detail)
		return rejectedShipment(current, shipment, errors.Wrap(errors.ErrCodeReconcileConflict, detail, err))
	}

	metrics.SyncRuns.WithLabelValues("shipment", "completed").Inc()
	if transition.Kind == domain.ResultAlreadySatisfied {
		kind = domain.ResultAlreadySatisfied
	}
	return &ShipmentResult{Kind: kind, Reason: transition.Reason, Order: transition.Order, Shipment: shipment}, nil
}

func (s *shipmentSynchronizer) notify(ctx context.Context, orderID int64, kind events.ReviewKind, detail string) {
	if err := s.notifier.Notify(ctx, orderID, kind, detail); err != nil {
		s.logger.Error("failed to notify manual review", zap.Int64("orderId", orderID), zap.Error(err))
	}
}

// HandleCarrierWebhook 운송사 푸시 처리 (상태는 항상 추적 이력으로 다시 확인)
func (s *shipmentSynchronizer) HandleCarrierWebhook(ctx context.Context, body []byte) (*ShipmentResult, error) {
	notification, err := s.carrier.ParseWebhook(body)
	if err != nil {
		return nil, err
	}

	shipment, err := s.shipments.FindByCarrierCode(ctx, notification.OrderCode)
	if err != nil {
		return nil, err
	}

	s.logger.Info("carrier webhook received",
		zap.Int64("shipmentId", shipment.ID),
		zap.String("carrierCode", notification.OrderCode),
		zap.String("code", notification.Code))

	return s.SyncTracking(ctx, shipment.ID)
}
