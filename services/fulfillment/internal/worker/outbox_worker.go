package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/messaging"
	"github.com/kyungseok/order-fulfillment-go/common/metrics"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/repository"
)

const outboxBatchSize = 100

// OutboxWorker Outbox 패턴 워커
//
// 커밋된 이벤트를 순서대로 발행한다. 발행 실패 시 같은 배치의 나머지는 다음 주기로 미룬다
// (주문 단위 순서 보장).
type OutboxWorker struct {
	outboxRepo repository.OutboxRepository
	publisher  messaging.Publisher
	logger     *zap.Logger
	interval   time.Duration
}

// NewOutboxWorker Outbox 워커 생성
func NewOutboxWorker(
	outboxRepo repository.OutboxRepository,
	publisher messaging.Publisher,
	logger *zap.Logger,
	interval time.Duration,
) *OutboxWorker {
	return &OutboxWorker{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		logger:     logger,
		interval:   interval,
	}
}

// Start 워커 시작 (ctx 종료 시 반환)
func (w *OutboxWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("outbox worker started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
			if _, err := w.Process(ctx); err != nil {
				w.logger.Error("failed to process outbox events", zap.Error(err))
			}
		}
	}
}

// Process 대기 중인 이벤트 한 배치 발행 (발행 건수 반환)
func (w *OutboxWorker) Process(ctx context.Context) (int, error) {
	events, err := w.outboxRepo.FindPending(ctx, outboxBatchSize)
	if err != nil {
		return 0, err
	}

	if len(events) == 0 {
		return 0, nil
	}

	w.logger.Debug("processing outbox events", zap.Int("count", len(events)))

	// 발행 실패한 주문의 후속 이벤트는 건너뛴다
	blocked := make(map[int64]bool)
	sent := 0

	for _, event := range events {
		if blocked[event.AggregateID] {
			continue
		}

		if err := w.publishEvent(ctx, event); err != nil {
			blocked[event.AggregateID] = true
			metrics.OutboxPublished.WithLabelValues(event.EventType, "error").Inc()
			w.logger.Error("failed to publish event",
				zap.Int64("eventId", event.ID),
				zap.String("eventType", event.EventType),
				zap.Int64("orderId", event.AggregateID),
				zap.Error(err))
			continue
		}

		// 전송 완료 표시 (실패 시 재발행 -> 컨슈머가 eventId 로 중복 제거)
		if err := w.outboxRepo.MarkSent(ctx, event.ID); err != nil {
			w.logger.Error("failed to mark event as sent",
				zap.Int64("eventId", event.ID),
				zap.Error(err))
		}
		metrics.OutboxPublished.WithLabelValues(event.EventType, "sent").Inc()
		sent++
	}

	return sent, nil
}

func (w *OutboxWorker) publishEvent(ctx context.Context, event *repository.OutboxEvent) error {
	return w.publisher.Publish(ctx, event.EventType, messaging.OrderKey(event.AggregateID), json.RawMessage(event.Payload))
}
