package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/events"
	"github.com/kyungseok/order-fulfillment-go/common/metrics"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/repository"
)

// AuditSink 상태 전이 감사 로그 (멱등성 판단 기준)
type AuditSink interface {
	// Append tx 안에서 기록 추가 (Sequence 가 채워진다)
	Append(ctx context.Context, tx repository.Ledger, record *domain.TransitionRecord) error
	HasCause(ctx context.Context, orderID int64, causeID string) (bool, error)
}

type auditSink struct {
	ledger repository.Ledger
	logger *zap.Logger
}

// NewAuditSink 감사 로그 생성
func NewAuditSink(ledger repository.Ledger, logger *zap.Logger) AuditSink {
	return &auditSink{ledger: ledger, logger: logger}
}

func (a *auditSink) Append(ctx context.Context, tx repository.Ledger, record *domain.TransitionRecord) error {
	if err := tx.AppendTransition(ctx, record); err != nil {
		return err
	}

	a.logger.Debug("transition recorded",
		zap.Int64("orderId", record.OrderID),
		zap.Int64("sequence", record.Sequence),
		zap.String("causeId", record.CauseID))
	return nil
}

func (a *auditSink) HasCause(ctx context.Context, orderID int64, causeID string) (bool, error) {
	if causeID == "" {
		return false, nil
	}
	return a.ledger.HasCause(ctx, orderID, causeID)
}

// ReviewNotifier 운영자 수동 검토 알림
type ReviewNotifier interface {
	Notify(ctx context.Context, orderID int64, kind events.ReviewKind, detail string) error
}

type outboxReviewNotifier struct {
	ledger repository.Ledger
	logger *zap.Logger
	now    func() time.Time
}

// NewReviewNotifier Outbox 로 fulfillment.review_required.v1 을 발행하는 알림 생성
func NewReviewNotifier(ledger repository.Ledger, logger *zap.Logger) ReviewNotifier {
	return &outboxReviewNotifier{ledger: ledger, logger: logger, now: time.Now}
}

func (n *outboxReviewNotifier) Notify(ctx context.Context, orderID int64, kind events.ReviewKind, detail string) error {
	now := n.now()

	n.logger.Error("manual review required",
		zap.Int64("orderId", orderID),
		zap.String("kind", string(kind)),
		zap.String("detail", detail))
	metrics.ReviewNotifications.WithLabelValues(string(kind)).Inc()

	event := events.ReviewRequiredEvent{
		BaseEvent: newBaseEvent(events.EventReviewRequired, orderID, now),
		OrderID:   orderID,
		Kind:      kind,
		Detail:    detail,
	}

	outboxEvent, err := newOutboxEvent(aggregateOrder, orderID, events.EventReviewRequired, event, now)
	if err != nil {
		return err
	}
	return n.ledger.EnqueueEvent(ctx, outboxEvent)
}
