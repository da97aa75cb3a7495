package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal HTTP 요청 수
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "endpoint", "status"},
	)

	// RequestDuration HTTP 요청 처리 시간
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "endpoint"},
	)

	// CircuitBreakerState 서킷 브레이커 상태 (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "circuit_name"},
	)

	// CircuitBreakerFailures 서킷 브레이커를 통과한 호출 실패 수
	CircuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of circuit breaker failures",
		},
		[]string{"service", "circuit_name"},
	)

	// ExternalCalls 외부 API 호출 수 (payos / ghn)
	ExternalCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "external_calls_total",
			Help: "Total number of calls to payment gateway and carrier APIs",
		},
		[]string{"provider", "operation", "outcome"},
	)

	// ExternalCallDuration 외부 API 호출 시간
	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "external_call_duration_seconds",
			Help:    "Payment gateway and carrier API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// OrderTransitions 주문 상태 전이 요청 결과
	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Order status transition requests by outcome",
		},
		[]string{"from", "to", "result"},
	)

	// AmountMismatches 결제 금액 불일치 수
	AmountMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_amount_mismatch_total",
			Help: "Gateway amounts that did not match the order final amount",
		},
	)

	// UnknownCarrierCodes 매핑 테이블에 없는 운송사 상태 코드
	UnknownCarrierCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carrier_unknown_status_total",
			Help: "Carrier status codes missing from the mapping table",
		},
		[]string{"carrier", "code"},
	)

	// ReviewNotifications 수동 검토 요청 수
	ReviewNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_review_required_total",
			Help: "Manual review notifications by kind",
		},
		[]string{"kind"},
	)

	// OutboxPublished Outbox 이벤트 발행 결과
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events handed to the message bus",
		},
		[]string{"event_type", "result"},
	)

	// SyncRuns 스케줄러 동기화 실행 결과
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_sync_runs_total",
			Help: "Scheduled payment and shipment synchronizations by outcome",
		},
		[]string{"kind", "result"},
	)
)

// Middleware chi 라우터용 HTTP 메트릭 미들웨어
func Middleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			endpoint := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				endpoint = rctx.RoutePattern()
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			RequestsTotal.WithLabelValues(serviceName, r.Method, endpoint, strconv.Itoa(status)).Inc()
			RequestDuration.WithLabelValues(serviceName, r.Method, endpoint).Observe(time.Since(start).Seconds())
		})
	}
}
