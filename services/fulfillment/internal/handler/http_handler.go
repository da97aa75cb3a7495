package handler

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/common/metrics"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/service"
)

const maxWebhookBody = 1 << 20

// Services HTTP / gRPC / 이벤트 핸들러가 공유하는 서비스 묶음
type Services struct {
	Orders    service.OrderService
	Machine   service.StateMachine
	Payments  service.PaymentReconciler
	Shipments service.ShipmentSynchronizer
	// Scheduler nil 이면 후속 폴링은 주기 워커에만 맡긴다
	Scheduler service.Scheduler
}

// HTTPHandler HTTP 핸들러
type HTTPHandler struct {
	svc    Services
	logger *zap.Logger
}

// NewHTTPHandler HTTP 핸들러 생성
func NewHTTPHandler(svc Services, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		svc:    svc,
		logger: logger,
	}
}

// Routes chi 라우터 구성
func (h *HTTPHandler) Routes(serviceName string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware(serviceName))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/{orderID}", h.GetOrder)
		r.Get("/{orderID}/transitions", h.ListTransitions)
		r.Post("/{orderID}/transitions", h.RequestTransition)
		r.Post("/{orderID}/payment-link", h.InitiatePayment)
		r.Post("/{orderID}/payment/reconcile", h.ReconcilePayment)
		r.Post("/{orderID}/shipment", h.CreateShipment)
	})
	r.Post("/shipments/{shipmentID}/sync", h.SyncShipment)

	r.Post("/webhooks/payos", h.PaymentWebhook)
	r.Post("/webhooks/ghn", h.CarrierWebhook)

	return r
}

// CreateOrderRequest 주문 생성 요청
type CreateOrderRequest struct {
	Customer       domain.Customer      `json:"customer"`
	Recipient      domain.Recipient     `json:"recipient"`
	Items          []domain.LineItem    `json:"items"`
	Discount       int64                `json:"discount"`
	PaymentMethod  domain.PaymentMethod `json:"paymentMethod"`
	IdempotencyKey string               `json:"idempotencyKey,omitempty"`
}

// TransitionRequest 수동 상태 전이 요청
type TransitionRequest struct {
	From  domain.OrderStatus `json:"from"`
	To    domain.OrderStatus `json:"to"`
	Actor domain.Actor       `json:"actor,omitempty"`
	RefID string             `json:"refId,omitempty"`
	Note  string             `json:"note,omitempty"`
}

// ErrorResponse 에러 응답
type ErrorResponse struct {
	Error  string      `json:"error"`
	Code   string      `json:"code,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

// CreateOrder 주문 생성 API
func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	order, err := h.svc.Orders.CreateOrder(r.Context(), service.CreateOrderCommand{
		Customer:       req.Customer,
		Recipient:      req.Recipient,
		Items:          req.Items,
		Discount:       req.Discount,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.fail(w, "failed to create order", err, nil)
		return
	}

	h.respondJSON(w, http.StatusCreated, order)
}

// GetOrder 주문 조회 API
func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.pathID(w, r, "orderID")
	if !ok {
		return
	}

	order, err := h.svc.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		h.fail(w, "failed to get order", err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, order)
}

// ListTransitions 주문 상태 전이 이력 API
func (h *HTTPHandler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.pathID(w, r, "orderID")
	if !ok {
		return
	}

	records, err := h.svc.Orders.ListTransitions(r.Context(), orderID)
	if err != nil {
		h.fail(w, "failed to list transitions", err, nil)
		return
	}
	if records == nil {
		records = []*domain.TransitionRecord{}
	}
	h.respondJSON(w, http.StatusOK, records)
}

// RequestTransition 직원 상태 전이 API (현금 주문 확인, 취소)
func (h *HTTPHandler) RequestTransition(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.pathID(w, r, "orderID")
	if !ok {
		return
	}

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.Actor == "" {
		req.Actor = domain.ActorManual
	}

	result, err := h.svc.Machine.RequestTransition(r.Context(), orderID, req.From, req.To, domain.Cause{
		Actor: req.Actor,
		RefID: req.RefID,
		Note:  req.Note,
	})
	if err != nil {
		h.fail(w, "transition rejected", err, result)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// InitiatePayment PayOS 결제 링크 생성 API
func (h *HTTPHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.pathID(w, r, "orderID")
	if !ok {
		return
	}

	result, err := h.svc.Payments.InitiatePayment(r.Context(), orderID)
	if err != nil {
		h.fail(w, "failed to initiate payment", err, result)
		return
	}

	if result.Kind == domain.ResultApplied && h.svc.Scheduler != nil {
		if err := h.svc.Scheduler.WatchPayment(r.Context(), orderID); err != nil {
			h.logger.Warn("failed to schedule payment polling", zap.Int64("orderId", orderID), zap.Error(err))
		}
	}

	status := http.StatusOK
	if result.Kind == domain.ResultApplied {
		status = http.StatusCreated
	}
	h.respondJSON(w, status, result)
}

// ReconcilePayment 결제 상태 대사 API
func (h *HTTPHandler) ReconcilePayment(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.pathID(w, r, "orderID")
	if !ok {
		return
	}

	result, err := h.svc.Payments.ReconcileStatus(r.Context(), orderID, domain.ActorManual)
	if err != nil {
		h.fail(w, "failed to reconcile payment", err, result)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// CreateShipment 운송장 생성 API
func (h *HTTPHandler) CreateShipment(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.pathID(w, r, "orderID")
	if !ok {
		return
	}

	result, err := h.svc.Shipments.CreateShipment(r.Context(), orderID)
	if err != nil {
		h.fail(w, "failed to create shipment", err, result)
		return
	}

	if result.Kind == domain.ResultApplied && h.svc.Scheduler != nil {
		if err := h.svc.Scheduler.TrackShipment(r.Context(), result.Shipment.ID); err != nil {
			h.logger.Warn("failed to schedule shipment tracking", zap.Int64("shipmentId", result.Shipment.ID), zap.Error(err))
		}
	}

	status := http.StatusOK
	if result.Kind == domain.ResultApplied {
		status = http.StatusCreated
	}
	h.respondJSON(w, status, result)
}

// SyncShipment 배송 추적 동기화 API
func (h *HTTPHandler) SyncShipment(w http.ResponseWriter, r *http.Request) {
	shipmentID, ok := h.pathID(w, r, "shipmentID")
	if !ok {
		return
	}

	result, err := h.svc.Shipments.SyncTracking(r.Context(), shipmentID)
	if err != nil {
		h.fail(w, "failed to sync shipment", err, result)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// PaymentWebhook PayOS 웹훅
//
// 비즈니스 거절도 200 으로 응답한다. 재전송이 의미 있는 경우(일시 장애)만 5xx.
func (h *HTTPHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	result, err := h.svc.Payments.HandleWebhook(r.Context(), body)
	h.respondWebhook(w, "payment webhook failed", err, result)
}

// CarrierWebhook GHN 웹훅
func (h *HTTPHandler) CarrierWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	result, err := h.svc.Shipments.HandleCarrierWebhook(r.Context(), body)
	h.respondWebhook(w, "carrier webhook failed", err, result)
}

// HealthCheck 헬스 체크 API
func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (h *HTTPHandler) respondWebhook(w http.ResponseWriter, message string, err error, result interface{}) {
	if err == nil {
		h.respondJSON(w, http.StatusOK, result)
		return
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidSignature, errors.ErrCodeSerializationError,
		errors.ErrCodeExternalUnavailable, errors.ErrCodeDatabaseError, "":
		h.fail(w, message, err, nil)
	default:
		h.logger.Warn(message, zap.Error(err))
		h.respondJSON(w, http.StatusOK, ErrorResponse{Error: userMessage(err), Code: string(errors.CodeOf(err)), Result: result})
	}
}

func (h *HTTPHandler) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "invalid "+param, "")
		return 0, false
	}
	return id, true
}

// fail 도메인 에러를 HTTP 상태로 변환하여 응답
func (h *HTTPHandler) fail(w http.ResponseWriter, message string, err error, result interface{}) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Warn(message, zap.Error(err))
	}
	h.respondJSON(w, status, ErrorResponse{
		Error:  userMessage(err),
		Code:   string(errors.CodeOf(err)),
		Result: result,
	})
}

func (h *HTTPHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *HTTPHandler) respondError(w http.ResponseWriter, status int, message string, code string) {
	h.respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func httpStatus(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidOrder, errors.ErrCodeSerializationError:
		return http.StatusBadRequest
	case errors.ErrCodeInvalidSignature:
		return http.StatusUnauthorized
	case errors.ErrCodeOrderNotFound, errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeIllegalTransition, errors.ErrCodeStaleState, errors.ErrCodeInvalidState,
		errors.ErrCodeReconcileConflict, errors.ErrCodeDuplicateRequest:
		return http.StatusConflict
	case errors.ErrCodeAmountMismatch, errors.ErrCodeUnknownCarrierCode:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeExternalUnavailable, errors.ErrCodeNetworkError, errors.ErrCodeTimeoutError:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// userMessage 기술 에러의 내부 정보는 노출하지 않는다
func userMessage(err error) string {
	var domainErr *errors.DomainError
	if !stderrors.As(err, &domainErr) {
		return "internal error, please retry"
	}
	switch domainErr.Code {
	case errors.ErrCodeDatabaseError, errors.ErrCodeUnknownError:
		return "internal error, please retry"
	}
	return domainErr.Message
}
