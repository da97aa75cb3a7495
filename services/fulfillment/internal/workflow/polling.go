package workflow

import (
	stderrors "errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	// TaskQueue 기본 태스크 큐
	TaskQueue = "fulfillment-polling"

	defaultPollInterval = 30 * time.Second
	defaultMaxPolls     = 100
	defaultMaxRuns      = 10
)

// PollParams 폴링 워크플로우 입력 (ContinueAsNew 시 Run 증가)
type PollParams struct {
	ID       int64         `json:"id"`
	Interval time.Duration `json:"interval"`
	// MaxPolls 한 실행(run) 안에서의 최대 폴링 횟수
	MaxPolls int `json:"maxPolls"`
	// MaxRuns 넘으면 주기 워커에 맡기고 종료
	MaxRuns int `json:"maxRuns"`
	Run     int `json:"run"`
}

func (p PollParams) withDefaults() PollParams {
	if p.Interval <= 0 {
		p.Interval = defaultPollInterval
	}
	if p.MaxPolls <= 0 {
		p.MaxPolls = defaultMaxPolls
	}
	if p.MaxRuns <= 0 {
		p.MaxRuns = defaultMaxRuns
	}
	return p
}

func activityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	}
}

// PaymentPollingWorkflow 결제가 확정/취소/만료될 때까지 주문의 결제 상태를 대사
func PaymentPollingWorkflow(ctx workflow.Context, params PollParams) error {
	var a *Activities
	return poll(ctx, params, "payment", a.ReconcilePayment, PaymentPollingWorkflow)
}

// ShipmentTrackingWorkflow 배송이 종료될 때까지 운송사 추적 상태를 동기화
func ShipmentTrackingWorkflow(ctx workflow.Context, params PollParams) error {
	var a *Activities
	return poll(ctx, params, "shipment", a.SyncShipment, ShipmentTrackingWorkflow)
}

func poll(ctx workflow.Context, params PollParams, kind string, activity interface{}, self interface{}) error {
	params = params.withDefaults()
	logger := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, activityOptions())

	for i := 0; i < params.MaxPolls; i++ {
		var outcome PollOutcome
		err := workflow.ExecuteActivity(ctx, activity, params.ID).Get(ctx, &outcome)
		if err != nil {
			var appErr *temporal.ApplicationError
			if stderrors.As(err, &appErr) && appErr.NonRetryable() {
				logger.Warn("polling stopped on rejection", "kind", kind, "id", params.ID, "code", appErr.Type())
				return nil
			}
			logger.Warn("poll failed, will retry", "kind", kind, "id", params.ID, "error", err)
		} else if outcome.Done {
			logger.Info("polling finished", "kind", kind, "id", params.ID, "result", string(outcome.Kind))
			return nil
		}

		if err := workflow.Sleep(ctx, params.Interval); err != nil {
			return err
		}
	}

	if params.Run+1 >= params.MaxRuns {
		logger.Warn("polling budget exhausted, periodic sync takes over", "kind", kind, "id", params.ID)
		return nil
	}

	params.Run++
	return workflow.NewContinueAsNewError(ctx, self, params)
}
