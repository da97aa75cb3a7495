package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/metrics"
)

// Settings 서킷 브레이커 설정
type Settings struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// MinRequests 이상 호출되고 실패율이 FailureRatio 이상이면 open
	MinRequests  uint32
	FailureRatio float64
	// IsSuccessful 가 true 를 반환한 에러는 실패로 세지 않는다 (예: 4xx 비즈니스 응답)
	IsSuccessful func(err error) bool
}

// DefaultSettings 기본 설정
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:  3,
		Interval:     15 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.6,
	}
}

// Breaker gobreaker 래퍼 (상태 전이 로그 + 메트릭)
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	name    string
	service string
}

// NewBreaker 서킷 브레이커 생성
func NewBreaker(name, service string, settings Settings, logger *zap.Logger) *Breaker {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(cbName string, from gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(service, cbName).Set(stateValue(to))
			logger.Warn("circuit breaker state changed",
				zap.String("circuit", cbName),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	if settings.IsSuccessful != nil {
		st.IsSuccessful = func(err error) bool {
			return err == nil || settings.IsSuccessful(err)
		}
	}

	metrics.CircuitBreakerState.WithLabelValues(service, name).Set(0)

	return &Breaker{
		cb:      gobreaker.NewCircuitBreaker(st),
		name:    name,
		service: service,
	}
}

// Name 브레이커 이름
func (b *Breaker) Name() string {
	return b.name
}

// State 현재 상태
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Execute 브레이커를 통해 함수 실행
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues(b.service, b.name).Inc()
	}
	typed, _ := result.(T)
	return typed, err
}

// IsOpen 브레이커가 호출을 거절한 에러인지 확인
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
