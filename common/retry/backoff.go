package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config 재시도 설정
type Config struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	MaxInterval        time.Duration
	BackoffCoefficient float64
	MaxElapsedTime     time.Duration
	// RetryIf 가 false 를 반환하면 즉시 중단 (nil 이면 모든 에러 재시도)
	RetryIf func(err error) bool
}

// QuickConfig 짧은 조회 재시도용 설정 (외부 API GET, 예약 대기)
func QuickConfig() Config {
	return Config{
		MaxAttempts:        3,
		InitialInterval:    200 * time.Millisecond,
		MaxInterval:        2 * time.Second,
		BackoffCoefficient: 2.0,
		MaxElapsedTime:     10 * time.Second,
	}
}

// DoWithResult 재시도 실행 (결과 반환)
func DoWithResult[T any](ctx context.Context, config Config, logger *zap.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	interval := config.InitialInterval
	startTime := time.Now()

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		// 컨텍스트 취소 확인
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		// 최대 경과 시간 확인
		if config.MaxElapsedTime > 0 && lastErr != nil && time.Since(startTime) > config.MaxElapsedTime {
			return zero, fmt.Errorf("max elapsed time exceeded: %w", lastErr)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err
		if config.RetryIf != nil && !config.RetryIf(err) {
			return zero, err
		}

		logger.Warn("retry attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", config.MaxAttempts),
			zap.Error(err))

		// 마지막 시도이면 재시도 안함
		if attempt == config.MaxAttempts {
			break
		}

		// 백오프 대기
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(interval):
		}

		// 다음 인터벌 계산 (exponential backoff)
		interval = time.Duration(float64(interval) * config.BackoffCoefficient)
		if config.MaxInterval > 0 && interval > config.MaxInterval {
			interval = config.MaxInterval
		}
	}

	return zero, fmt.Errorf("max attempts reached: %w", lastErr)
}
