package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/common/metrics"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/repository"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/service"
)

// SyncConfig 주기 동기화 설정
type SyncConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	// CallTimeout 항목 하나의 처리 제한 시간
	CallTimeout time.Duration
}

// DefaultSyncConfig 기본 설정
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Interval:    30 * time.Second,
		BatchSize:   50,
		Concurrency: 4,
		CallTimeout: 20 * time.Second,
	}
}

// SyncWorker 결제 대사 / 운송장 생성 / 배송 추적을 주기적으로 다시 맞추는 워커
//
// Temporal 미설정 시 service.Scheduler 구현으로도 쓰인다. 이 경우 WatchPayment /
// TrackShipment 는 다음 주기를 앞당기기만 한다.
type SyncWorker struct {
	attempts  repository.PaymentAttemptRepository
	shipments repository.ShipmentRepository
	payments  service.PaymentReconciler
	shipping  service.ShipmentSynchronizer
	cfg       SyncConfig
	logger    *zap.Logger
	kick      chan struct{}
}

// NewSyncWorker 동기화 워커 생성
func NewSyncWorker(
	attempts repository.PaymentAttemptRepository,
	shipments repository.ShipmentRepository,
	payments service.PaymentReconciler,
	shipping service.ShipmentSynchronizer,
	cfg SyncConfig,
	logger *zap.Logger,
) *SyncWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSyncConfig().BatchSize
	}
	return &SyncWorker{
		attempts:  attempts,
		shipments: shipments,
		payments:  payments,
		shipping:  shipping,
		cfg:       cfg,
		logger:    logger,
		kick:      make(chan struct{}, 1),
	}
}

// WatchPayment 다음 동기화 주기를 앞당긴다
func (w *SyncWorker) WatchPayment(_ context.Context, _ int64) error {
	w.trigger()
	return nil
}

// TrackShipment 다음 동기화 주기를 앞당긴다
func (w *SyncWorker) TrackShipment(_ context.Context, _ int64) error {
	w.trigger()
	return nil
}

func (w *SyncWorker) trigger() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Start 워커 시작 (ctx 종료 시 반환)
func (w *SyncWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("sync worker started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("concurrency", w.cfg.Concurrency))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sync worker stopped")
			return
		case <-ticker.C:
		case <-w.kick:
		}
		w.RunOnce(ctx)
	}
}

// RunOnce 한 주기 실행: 결제 대사 -> 운송장 생성 재시도 -> 배송 추적
func (w *SyncWorker) RunOnce(ctx context.Context) {
	if attempts, err := w.attempts.ListPending(ctx, w.cfg.BatchSize); err != nil {
		w.logger.Error("failed to list pending payment attempts", zap.Error(err))
	} else {
		w.each(ctx, len(attempts), func(ctx context.Context, i int) {
			orderID := attempts[i].OrderID
			result, err := w.payments.ReconcileStatus(ctx, orderID, domain.ActorSystem)
			w.record("payment", kindOf(result), err, zap.Int64("orderId", orderID))
		})
	}

	if pending, err := w.shipments.ListPendingCreation(ctx, w.cfg.BatchSize); err != nil {
		w.logger.Error("failed to list shipments pending creation", zap.Error(err))
	} else {
		w.each(ctx, len(pending), func(ctx context.Context, i int) {
			orderID := pending[i].OrderID
			result, err := w.shipping.CreateShipment(ctx, orderID)
			w.record("shipment_create", shipmentKindOf(result), err, zap.Int64("orderId", orderID))
		})
	}

	if active, err := w.shipments.ListActive(ctx, w.cfg.BatchSize); err != nil {
		w.logger.Error("failed to list active shipments", zap.Error(err))
	} else {
		w.each(ctx, len(active), func(ctx context.Context, i int) {
			shipmentID := active[i].ID
			result, err := w.shipping.SyncTracking(ctx, shipmentID)
			w.record("shipment_sync", shipmentKindOf(result), err, zap.Int64("shipmentId", shipmentID))
		})
	}
}

// each n 개 항목을 최대 Concurrency 개씩 병렬 처리
func (w *SyncWorker) each(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			callCtx := ctx
			if w.cfg.CallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, w.cfg.CallTimeout)
				defer cancel()
			}
			fn(callCtx, i)
		}(i)
	}
	wg.Wait()
}

func (w *SyncWorker) record(kind string, result domain.ResultKind, err error, field zap.Field) {
	switch {
	case err == nil:
		metrics.SyncRuns.WithLabelValues(kind, string(result)).Inc()
	case errors.IsRetryable(err):
		metrics.SyncRuns.WithLabelValues(kind, "retry").Inc()
		w.logger.Warn("sync deferred to next run", zap.String("kind", kind), field, zap.Error(err))
	default:
		metrics.SyncRuns.WithLabelValues(kind, "rejected").Inc()
		w.logger.Info("sync rejected", zap.String("kind", kind), field, zap.Error(err))
	}
}

func kindOf(result *service.PaymentResult) domain.ResultKind {
	if result == nil {
		return ""
	}
	return result.Kind
}

func shipmentKindOf(result *service.ShipmentResult) domain.ResultKind {
	if result == nil {
		return ""
	}
	return result.Kind
}
