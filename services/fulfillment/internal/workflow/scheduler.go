package workflow

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
)

// Scheduler Temporal 기반 service.Scheduler 구현
//
// 워크플로우 ID 는 리소스 단위로 고정된다. 이미 실행 중이면 기존 실행을 그대로 사용한다.
type Scheduler struct {
	client    client.Client
	taskQueue string
	interval  time.Duration
	logger    *zap.Logger
}

// NewScheduler Temporal 스케줄러 생성
func NewScheduler(c client.Client, taskQueue string, interval time.Duration, logger *zap.Logger) *Scheduler {
	if taskQueue == "" {
		taskQueue = TaskQueue
	}
	return &Scheduler{
		client:    c,
		taskQueue: taskQueue,
		interval:  interval,
		logger:    logger,
	}
}

// PaymentWorkflowID 결제 폴링 워크플로우 ID
func PaymentWorkflowID(orderID int64) string {
	return fmt.Sprintf("payment-polling-%d", orderID)
}

// ShipmentWorkflowID 배송 추적 워크플로우 ID
func ShipmentWorkflowID(shipmentID int64) string {
	return fmt.Sprintf("shipment-tracking-%d", shipmentID)
}

// WatchPayment 결제 폴링 워크플로우 시작
func (s *Scheduler) WatchPayment(ctx context.Context, orderID int64) error {
	return s.start(ctx, PaymentWorkflowID(orderID), PaymentPollingWorkflow, orderID)
}

// TrackShipment 배송 추적 워크플로우 시작
func (s *Scheduler) TrackShipment(ctx context.Context, shipmentID int64) error {
	return s.start(ctx, ShipmentWorkflowID(shipmentID), ShipmentTrackingWorkflow, shipmentID)
}

func (s *Scheduler) start(ctx context.Context, workflowID string, wf interface{}, id int64) error {
	run, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: s.taskQueue,
	}, wf, PollParams{ID: id, Interval: s.interval})
	if err != nil {
		return fmt.Errorf("failed to start workflow %s: %w", workflowID, err)
	}

	s.logger.Info("polling workflow started",
		zap.String("workflowId", run.GetID()),
		zap.String("runId", run.GetRunID()))
	return nil
}

// Register 워커에 워크플로우와 액티비티 등록
func Register(w worker.Registry, activities *Activities) {
	w.RegisterWorkflow(PaymentPollingWorkflow)
	w.RegisterWorkflow(ShipmentTrackingWorkflow)
	w.RegisterActivity(activities)
}
