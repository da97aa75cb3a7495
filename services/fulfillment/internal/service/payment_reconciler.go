package service

import (
	"context"
	"fmt"
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

// ReconcilerConfig 결제 대사 설정
type ReconcilerConfig struct {
	ReturnURL      string
	CancelURL      string
	GatewayTimeout time.Duration
	ReservationTTL time.Duration
	// Wait 예약 경쟁에서 진 호출자가 승자의 결과를 기다리는 방식
	Wait retry.Config
}

// DefaultReconcilerConfig 기본 결제 대사 설정
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		GatewayTimeout: 10 * time.Second,
		ReservationTTL: time.Minute,
		Wait:           retry.QuickConfig(),
	}
}

// PaymentReconciler 결제 링크 생성과 게이트웨이 상태 대사
type PaymentReconciler interface {
	InitiatePayment(ctx context.Context, orderID int64) (*PaymentResult, error)
	ReconcileStatus(ctx context.Context, orderID int64, actor domain.Actor) (*PaymentResult, error)
	// HandleWebhook 서명 검증 후 해당 주문 대사
	HandleWebhook(ctx context.Context, body []byte) (*PaymentResult, error)
	// HandleOrderCanceled 취소된 주문의 PENDING 결제 링크 정리
	HandleOrderCanceled(ctx context.Context, orderID int64) error
}

type paymentReconciler struct {
	ledger   repository.Ledger
	attempts repository.PaymentAttemptRepository
	gateway  PaymentGateway
	machine  StateMachine
	notifier ReviewNotifier
	locks    idempotency.Store
	cfg      ReconcilerConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewPaymentReconciler 결제 대사 서비스 생성
func NewPaymentReconciler(
	ledger repository.Ledger,
	attempts repository.PaymentAttemptRepository,
	gateway PaymentGateway,
	machine StateMachine,
	notifier ReviewNotifier,
	locks idempotency.Store,
	cfg ReconcilerConfig,
	logger *zap.Logger,
) PaymentReconciler {
	return &paymentReconciler{
		ledger:   ledger,
		attempts: attempts,
		gateway:  gateway,
		machine:  machine,
		notifier: notifier,
		locks:    locks,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func paymentLinkKey(orderID int64) string {
	return fmt.Sprintf("payos-link:%d", orderID)
}

// InitiatePayment PayOS 결제 링크 생성 (주문당 PENDING 링크 1개)
func (r *paymentReconciler) InitiatePayment(ctx context.Context, orderID int64) (*PaymentResult, error) {
	order, err := r.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentMethod != domain.PaymentMethodPayOS {
		return rejectedPayment(order, errors.Newf(errors.ErrCodeInvalidState, "order %d is not paid through PayOS", orderID))
	}
	if order.Status != domain.OrderStatusPending {
		return rejectedPayment(order, errors.Newf(errors.ErrCodeInvalidState, "order %d is %s, payment is only possible while PENDING", orderID, order.Status))
	}

	if existing, err := r.attempts.FindActiveByOrderID(ctx, orderID); err != nil {
		return nil, err
	} else if existing != nil {
		return &PaymentResult{Kind: domain.ResultAlreadySatisfied, Reason: "payment link already exists", Order: order, Attempt: existing}, nil
	}

	key := paymentLinkKey(orderID)
	reserved, err := r.locks.Reserve(ctx, key, r.cfg.ReservationTTL)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeExternalUnavailable, "payment could not be started, please retry", err)
	}
	if !reserved {
		return r.awaitAttempt(ctx, order)
	}
	defer func() {
		if err := r.locks.Release(context.WithoutCancel(ctx), key); err != nil {
			r.logger.Warn("failed to release payment reservation", zap.String("key", key), zap.Error(err))
		}
	}()

	// 예약 직전에 다른 호출자가 끝냈을 수 있다
	if existing, err := r.attempts.FindActiveByOrderID(ctx, orderID); err != nil {
		return nil, err
	} else if existing != nil {
		return &PaymentResult{Kind: domain.ResultAlreadySatisfied, Reason: "payment link already exists", Order: order, Attempt: existing}, nil
	}

	link, err := r.createOrRecoverLink(ctx, order)
	if err != nil {
		return nil, err
	}

	if link.Amount != order.FinalAmount {
		return r.amountMismatch(ctx, order, link.LinkID, link.Amount)
	}

	now := r.now().UTC()
	attempt := &domain.PaymentAttempt{
		OrderID:     orderID,
		Provider:    domain.PaymentProviderPayOS,
		LinkID:      link.LinkID,
		CheckoutURL: link.CheckoutURL,
		Status:      domain.PaymentStatusPending,
		Amount:      link.Amount,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.attempts.Create(ctx, attempt); err != nil {
		if errors.Is(err, errors.ErrCodeDuplicateRequest) {
			existing, findErr := r.attempts.FindActiveByOrderID(ctx, orderID)
			if findErr == nil && existing != nil {
				return &PaymentResult{Kind: domain.ResultAlreadySatisfied, Reason: "payment link already exists", Order: order, Attempt: existing}, nil
			}
		}
		return nil, err
	}

	event := events.PaymentLinkCreatedEvent{
		BaseEvent:   newBaseEvent(events.EventPaymentLinkCreated, orderID, now),
		OrderID:     orderID,
		LinkID:      attempt.LinkID,
		CheckoutURL: attempt.CheckoutURL,
		Amount:      attempt.Amount,
	}
	if outboxEvent, err := newOutboxEvent(aggregatePayment, orderID, events.EventPaymentLinkCreated, event, now); err == nil {
		if err := r.ledger.EnqueueEvent(ctx, outboxEvent); err != nil {
			r.logger.Warn("failed to enqueue payment link event", zap.Int64("orderId", orderID), zap.Error(err))
		}
	}

	r.logger.Info("payment link created",
		zap.Int64("orderId", orderID),
		zap.String("linkId", attempt.LinkID),
		zap.Int64("amount", attempt.Amount))

	return &PaymentResult{Kind: domain.ResultApplied, Order: order, Attempt: attempt}, nil
}

// createOrRecoverLink 링크 생성, 이미 있으면 주문 번호로 다시 조회
func (r *paymentReconciler) createOrRecoverLink(ctx context.Context, order *domain.Order) (*domain.PaymentLink, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.GatewayTimeout)
	defer cancel()

	link, err := r.gateway.CreatePaymentLink(callCtx, domain.PaymentLinkRequest{
		OrderCode:  order.ID,
		Amount:     order.FinalAmount,
		Items:      order.Items,
		BuyerName:  order.Customer.Name,
		BuyerPhone: order.Customer.Phone,
		ReturnURL:  r.cfg.ReturnURL,
		CancelURL:  r.cfg.CancelURL,
	})
	if err == nil {
		return link, nil
	}

	if errors.Is(err, errors.ErrCodeDuplicateRequest) {
		r.logger.Warn("payment link already exists at gateway, recovering",
			zap.Int64("orderId", order.ID))
		link, err = r.gateway.GetPaymentLink(callCtx, order.ID)
		if err == nil {
			return link, nil
		}
	}

	return nil, errors.Wrap(errors.ErrCodeExternalUnavailable, "payment link could not be created, please retry", err)
}

// awaitAttempt 예약을 가진 호출자가 시도를 저장할 때까지 대기
func (r *paymentReconciler) awaitAttempt(ctx context.Context, order *domain.Order) (*PaymentResult, error) {
	attempt, err := retry.DoWithResult(ctx, r.cfg.Wait, r.logger, func() (*domain.PaymentAttempt, error) {
		attempt, err := r.attempts.FindActiveByOrderID(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if attempt == nil {
			return nil, errors.Newf(errors.ErrCodeNotFound, "payment link for order %d not created yet", order.ID)
		}
		return attempt, nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeExternalUnavailable, "payment link creation is still in progress, please retry", err)
	}
	return &PaymentResult{Kind: domain.ResultAlreadySatisfied, Reason: "payment link created by a concurrent request", Order: order, Attempt: attempt}, nil
}

// ReconcileStatus 게이트웨이 상태를 주문 상태에 반영
func (r *paymentReconciler) ReconcileStatus(ctx context.Context, orderID int64, actor domain.Actor) (*PaymentResult, error) {
	order, err := r.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.PaymentMethod == domain.PaymentMethodCash {
		if order.Status != domain.OrderStatusPending {
			return &PaymentResult{Kind: domain.ResultAlreadySatisfied, Reason: "cash order already settled", Order: order}, nil
		}
		return rejectedPayment(order, errors.Newf(errors.ErrCodeInvalidState, "cash order %d must be confirmed by staff", orderID))
	}

	attempt, err := r.attempts.FindLatestByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		if order.Status != domain.OrderStatusPending {
			return &PaymentResult{Kind: domain.ResultAlreadySatisfied, Reason: "order already left PENDING", Order: order}, nil
		}
		return &PaymentResult{Kind: domain.ResultNoChange, Reason: "no payment link yet", Order: order}, nil
	}

	status := attempt.Status
	reported := attempt.Amount
	if !status.IsFinal() {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.GatewayTimeout)
		link, err := r.gateway.GetPaymentLink(callCtx, orderID)
		cancel()
		if err != nil {
			metrics.SyncRuns.WithLabelValues("payment", "unavailable").Inc()
			return nil, errors.Wrap(errors.ErrCodeExternalUnavailable, "payment could not be confirmed, please retry", err)
		}
		status = link.Status
		reported = link.ReportedAmount()
	}

	var target domain.OrderStatus
	switch status {
	case domain.PaymentStatusPaid:
		if reported != order.FinalAmount {
			return r.amountMismatch(ctx, order, attempt.LinkID, reported)
		}
		target = domain.OrderStatusConfirmed
	case domain.PaymentStatusCanceled, domain.PaymentStatusExpired:
		target = domain.OrderStatusCanceled
	default:
		metrics.SyncRuns.WithLabelValues("payment", "no_change").Inc()
		return &PaymentResult{Kind: domain.ResultNoChange, Reason: "payment still pending", Order: order, Attempt: attempt}, nil
	}

	transition, err := r.machine.RequestTransition(ctx, orderID, domain.OrderStatusPending, target, domain.Cause{
		Actor: actor,
		RefID: attempt.LinkID,
		Note:  "payment " + string(status),
	})

	result := &PaymentResult{Attempt: attempt}
	switch {
	case err == nil:
		result.Kind = transition.Kind
		result.Reason = transition.Reason
		result.Order = transition.Order
	case errors.Is(err, errors.ErrCodeStaleState):
		current, getErr := r.ledger.GetOrder(ctx, orderID)
		if getErr != nil {
			return nil, getErr
		}
		if !reachedTarget(current.Status, target) {
			return r.reconcileConflict(ctx, current, attempt, status, err)
		}
		result.Kind = domain.ResultAlreadySatisfied
		result.Reason = "order already " + string(current.Status)
		result.Order = current
	default:
		return nil, err
	}

	if err := r.resolve(ctx, attempt, status); err != nil {
		return nil, err
	}
	metrics.SyncRuns.WithLabelValues("payment", string(result.Kind)).Inc()
	return result, nil
}

// reachedTarget 주문이 목표 상태이거나 그 이후 단계인지
func reachedTarget(current, target domain.OrderStatus) bool {
	if current == target {
		return true
	}
	return target == domain.OrderStatusConfirmed && current == domain.OrderStatusCompleted
}

func (r *paymentReconciler) resolve(ctx context.Context, attempt *domain.PaymentAttempt, status domain.PaymentStatus) error {
	if attempt.Status.IsFinal() {
		return nil
	}

	now := r.now().UTC()
	resolved, err := r.attempts.Resolve(ctx, attempt.ID, status, now)
	if err != nil {
		return err
	}
	if resolved {
		attempt.Status = status
		attempt.UpdatedAt = now
		attempt.ResolvedAt = &now
	}
	return nil
}

func (r *paymentReconciler) amountMismatch(ctx context.Context, order *domain.Order, linkID string, reported int64) (*PaymentResult, error) {
	metrics.AmountMismatches.Inc()
	detail := fmt.Sprintf("gateway reported %d for link %s, order total is %d", reported, linkID, order.FinalAmount)

	r.notifyOnce(ctx, order.ID, events.ReviewAmountMismatch, "amount-mismatch:"+linkID, detail)
	return rejectedPayment(order, errors.Newf(errors.ErrCodeAmountMismatch, "payment amount does not match order %d: %s", order.ID, detail))
}

func (r *paymentReconciler) reconcileConflict(ctx context.Context, order *domain.Order, attempt *domain.PaymentAttempt, status domain.PaymentStatus, cause error) (*PaymentResult, error) {
	detail := fmt.Sprintf("gateway reports %s for link %s but order is %s", status, attempt.LinkID, order.Status)
	r.notifyOnce(ctx, order.ID, events.ReviewReconcileConflict, "reconcile-conflict:"+attempt.LinkID, detail)

	// 다음 폴링에서 다시 게이트웨이를 부르지 않도록 확정
	if err := r.resolve(ctx, attempt, status); err != nil {
		r.logger.Warn("failed to resolve conflicting payment attempt", zap.Int64("orderId", order.ID), zap.Error(err))
	}

	result, err := rejectedPayment(order, errors.Wrap(errors.ErrCodeReconcileConflict, detail, cause))
	result.Attempt = attempt
	return result, err
}

// notifyOnce 같은 사유의 검토 알림은 한 번만 보낸다
func (r *paymentReconciler) notifyOnce(ctx context.Context, orderID int64, kind events.ReviewKind, key, detail string) {
	first, err := r.locks.Reserve(ctx, "review:"+key, 24*time.Hour)
	if err != nil {
		r.logger.Warn("failed to reserve review notification", zap.String("key", key), zap.Error(err))
		first = true
	}
	if !first {
		return
	}
	if err := r.notifier.Notify(ctx, orderID, kind, detail); err != nil {
		r.logger.Error("failed to notify manual review", zap.Int64("orderId", orderID), zap.Error(err))
	}
}

// HandleWebhook PayOS 웹훅 처리
func (r *paymentReconciler) HandleWebhook(ctx context.Context, body []byte) (*PaymentResult, error) {
	notification, err := r.gateway.VerifyWebhook(body)
	if err != nil {
		r.logger.Warn("rejected payment webhook", zap.Error(err))
		return nil, err
	}

	r.logger.Info("payment webhook received",
		zap.Int64("orderId", notification.OrderCode),
		zap.String("linkId", notification.LinkID),
		zap.Int64("amount", notification.Amount),
		zap.Bool("success", notification.Success))

	if err := r.matchNotification(ctx, notification); err != nil {
		return nil, err
	}
	return r.ReconcileStatus(ctx, notification.OrderCode, domain.ActorGatewayCallback)
}

// matchNotification 서명된 링크 ID 가 해당 주문의 결제 시도인지 확인
// 종료된 주문은 대사가 no-op 이므로 검사하지 않는다
func (r *paymentReconciler) matchNotification(ctx context.Context, notification *domain.PaymentNotification) error {
	order, err := r.ledger.GetOrder(ctx, notification.OrderCode)
	if err != nil {
		return err
	}
	if order.Status.IsTerminal() {
		return nil
	}

	attempt, err := r.attempts.FindByLinkID(ctx, notification.LinkID)
	if errors.Is(err, errors.ErrCodeNotFound) {
		r.logger.Warn("payment webhook for unknown link",
			zap.Int64("orderId", notification.OrderCode),
			zap.String("linkId", notification.LinkID))
		return errors.Newf(errors.ErrCodeReconcileConflict, "payment link %s is not known for order %d", notification.LinkID, notification.OrderCode)
	}
	if err != nil {
		return err
	}

	if attempt.OrderID != notification.OrderCode {
		r.logger.Error("payment webhook link belongs to another order",
			zap.Int64("orderId", notification.OrderCode),
			zap.Int64("linkOrderId", attempt.OrderID),
			zap.String("linkId", notification.LinkID))
		return errors.Newf(errors.ErrCodeReconcileConflict, "payment link %s belongs to order %d, not %d", notification.LinkID, attempt.OrderID, notification.OrderCode)
	}
	if notification.Amount != attempt.Amount {
		// 금액 판단은 게이트웨이 조회 결과로 한다
		r.logger.Warn("payment webhook amount differs from attempt",
			zap.Int64("orderId", attempt.OrderID),
			zap.Int64("webhookAmount", notification.Amount),
			zap.Int64("attemptAmount", attempt.Amount))
	}
	return nil
}

// HandleOrderCanceled 취소된 주문의 결제 링크 취소 (best effort)
func (r *paymentReconciler) HandleOrderCanceled(ctx context.Context, orderID int64) error {
	attempt, err := r.attempts.FindActiveByOrderID(ctx, orderID)
	if err != nil || attempt == nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.GatewayTimeout)
	defer cancel()

	if err := r.gateway.CancelPaymentLink(callCtx, orderID, "order canceled"); err != nil {
		// 이미 결제된 링크일 수 있다. 다음 대사에서 충돌로 드러난다
		r.logger.Warn("failed to cancel payment link",
			zap.Int64("orderId", orderID),
			zap.String("linkId", attempt.LinkID),
			zap.Error(err))
		return nil
	}

	if err := r.resolve(ctx, attempt, domain.PaymentStatusCanceled); err != nil {
		return err
	}

	r.logger.Info("payment link canceled", zap.Int64("orderId", orderID), zap.String("linkId", attempt.LinkID))
	return nil
}
