package ghn

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/common/metrics"
	"github.com/kyungseok/order-fulfillment-go/common/resilience"
	"github.com/kyungseok/order-fulfillment-go/common/retry"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
)

const (
	provider = "ghn"

	basePath = "/shiip/public-api/v2/shipping-order"

	// requiredNote 상품 확인 후 수령 불가
	requiredNote = "KHONGCHOXEMHANG"
	// paymentTypeShop 배송비 판매자 부담
	paymentTypeShop = 1
	// serviceTypeStandard 표준 배송
	serviceTypeStandard = 2
)

// Config GHN 설정
type Config struct {
	BaseURL      string
	Token        string
	ShopID       int
	FromDistrict int
	FromWard     string
	Timeout      time.Duration
}

// Client GHN REST 클라이언트
type Client struct {
	http    *resty.Client
	cfg     Config
	breaker *resilience.Breaker
	retry   retry.Config
	logger  *zap.Logger
}

// NewClient GHN 클라이언트 생성
func NewClient(cfg Config, logger *zap.Logger) *Client {
	settings := resilience.DefaultSettings()
	settings.IsSuccessful = isAPIError

	retryCfg := retry.QuickConfig()
	retryCfg.RetryIf = errors.IsRetryable

	return &Client{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetRetryCount(0).
			SetHeader("Content-Type", "application/json").
			SetHeader("Token", cfg.Token).
			SetHeader("ShopId", strconv.Itoa(cfg.ShopID)),
		cfg:     cfg,
		breaker: resilience.NewBreaker("ghn", "fulfillment", settings, logger),
		retry:   retryCfg,
		logger:  logger,
	}
}

// APIError GHN 이 비즈니스 코드로 거절한 응답
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ghn returned code %d (status %d): %s", e.Code, e.Status, e.Message)
}

func isAPIError(err error) bool {
	var apiErr *APIError
	return stderrors.As(err, &apiErr)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type orderItem struct {
	Name     string `json:"name"`
	Code     string `json:"code,omitempty"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
	Weight   int    `json:"weight,omitempty"`
}

type createOrderRequest struct {
	PaymentTypeID   int         `json:"payment_type_id"`
	RequiredNote    string      `json:"required_note"`
	ServiceTypeID   int         `json:"service_type_id"`
	FromDistrictID  int         `json:"from_district_id,omitempty"`
	FromWardCode    string      `json:"from_ward_code,omitempty"`
	ToName          string      `json:"to_name"`
	ToPhone         string      `json:"to_phone"`
	ToAddress       string      `json:"to_address"`
	ToDistrictID    int         `json:"to_district_id"`
	ToWardCode      string      `json:"to_ward_code"`
	Weight          int         `json:"weight"`
	Length          int         `json:"length"`
	Width           int         `json:"width"`
	Height          int         `json:"height"`
	InsuranceValue  int64       `json:"insurance_value"`
	CODAmount       int64       `json:"cod_amount"`
	Note            string      `json:"note,omitempty"`
	ClientOrderCode string      `json:"client_order_code"`
	Items           []orderItem `json:"items"`
}

type createOrderData struct {
	OrderCode            string `json:"order_code"`
	ExpectedDeliveryTime string `json:"expected_delivery_time"`
	TotalFee             int64  `json:"total_fee"`
}

type orderDetailData struct {
	OrderCode            string `json:"order_code"`
	ClientOrderCode      string `json:"client_order_code"`
	Status               string `json:"status"`
	ExpectedDeliveryTime string `json:"expected_delivery_time"`
	TotalFee             int64  `json:"total_fee"`
}

type trackingData struct {
	OrderCode string          `json:"order_code"`
	Status    string          `json:"status"`
	Tracking  []trackingEvent `json:"tracking"`
}

type trackingEvent struct {
	Time        string `json:"time"`
	Status      string `json:"status"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

// CreateShipmentOrder 운송장 생성
func (c *Client) CreateShipmentOrder(ctx context.Context, req domain.CarrierOrderRequest) (*domain.CarrierBooking, error) {
	weight := req.WeightGram
	if weight <= 0 {
		weight = defaultWeightGram(req.Items)
	}

	body := createOrderRequest{
		PaymentTypeID:   paymentTypeShop,
		RequiredNote:    requiredNote,
		ServiceTypeID:   serviceTypeStandard,
		FromDistrictID:  c.cfg.FromDistrict,
		FromWardCode:    c.cfg.FromWard,
		ToName:          req.Recipient.Name,
		ToPhone:         req.Recipient.Phone,
		ToAddress:       req.Recipient.Address,
		ToDistrictID:    req.Recipient.DistrictID,
		ToWardCode:      req.Recipient.WardCode,
		Weight:          weight,
		Length:          20,
		Width:           20,
		Height:          10,
		InsuranceValue:  req.InsuranceValue,
		CODAmount:       req.CODAmount,
		Note:            req.Note,
		ClientOrderCode: req.ClientOrderCode,
	}
	for _, item := range req.Items {
		body.Items = append(body.Items, orderItem{
			Name:     item.Name,
			Code:     strconv.FormatInt(item.ProductID, 10),
			Quantity: item.Quantity,
			Price:    item.UnitPrice,
		})
	}

	var data createOrderData
	err := c.call(ctx, "create_order", func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetBody(body).Post(basePath + "/create")
	}, &data)
	if err != nil {
		return nil, err
	}

	c.logger.Info("ghn shipping order created",
		zap.String("clientOrderCode", req.ClientOrderCode),
		zap.String("orderCode", data.OrderCode),
		zap.Int64("fee", data.TotalFee))

	return &domain.CarrierBooking{
		OrderCode:        data.OrderCode,
		ClientOrderCode:  req.ClientOrderCode,
		Status:           "ready_to_pick",
		Fee:              data.TotalFee,
		ExpectedDelivery: parseTime(data.ExpectedDeliveryTime),
	}, nil
}

// FindByClientCode 주문 번호로 기존 운송장 조회 (없으면 nil)
func (c *Client) FindByClientCode(ctx context.Context, clientOrderCode string) (*domain.CarrierBooking, error) {
	return retry.DoWithResult(ctx, c.retry, c.logger, func() (*domain.CarrierBooking, error) {
		var data orderDetailData
		err := c.call(ctx, "detail_by_client_code", func() (*resty.Response, error) {
			return c.http.R().
				SetContext(ctx).
				SetBody(map[string]string{"client_order_code": clientOrderCode}).
				Post(basePath + "/detail-by-client-code")
		}, &data)
		if err != nil {
			var apiErr *APIError
			if stderrors.As(err, &apiErr) && (apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if data.OrderCode == "" {
			return nil, nil
		}

		return &domain.CarrierBooking{
			OrderCode:        data.OrderCode,
			ClientOrderCode:  data.ClientOrderCode,
			Status:           data.Status,
			Fee:              data.TotalFee,
			ExpectedDelivery: parseTime(data.ExpectedDeliveryTime),
		}, nil
	})
}

// GetTrackingEvents 추적 이력 조회
func (c *Client) GetTrackingEvents(ctx context.Context, orderCode string) ([]domain.TrackingEvent, error) {
	return retry.DoWithResult(ctx, c.retry, c.logger, func() ([]domain.TrackingEvent, error) {
		var data trackingData
		err := c.call(ctx, "tracking", func() (*resty.Response, error) {
			return c.http.R().
				SetContext(ctx).
				SetQueryParam("order_code", orderCode).
				Get(basePath + "/tracking")
		}, &data)
		if err != nil {
			return nil, err
		}

		events := make([]domain.TrackingEvent, 0, len(data.Tracking)+1)
		for _, e := range data.Tracking {
			event := domain.TrackingEvent{
				Code:        e.Status,
				Description: e.Description,
				Location:    e.Location,
			}
			if at := parseTime(e.Time); at != nil {
				event.At = *at
			}
			events = append(events, event)
		}
		// 현재 상태가 이력에 아직 없으면 마지막 이벤트로 취급
		if data.Status != "" && (len(events) == 0 || events[len(events)-1].Code != data.Status) {
			events = append(events, domain.TrackingEvent{Code: data.Status})
		}
		return events, nil
	})
}

// CancelShipmentOrder 운송장 취소
func (c *Client) CancelShipmentOrder(ctx context.Context, orderCode string, reason string) error {
	body := map[string]string{"order_code": orderCode}
	if reason != "" {
		body["reason"] = reason
	}
	return c.call(ctx, "cancel_order", func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetBody(body).Post(basePath + "/cancel")
	}, nil)
}

// call 브레이커 + 메트릭 + 응답 envelope 해석
func (c *Client) call(ctx context.Context, operation string, send func() (*resty.Response, error), out interface{}) error {
	start := time.Now()
	_, err := resilience.Execute(c.breaker, func() (struct{}, error) {
		resp, httpErr := send()
		if httpErr != nil {
			return struct{}{}, fmt.Errorf("HTTP error: %w", httpErr)
		}

		if resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests {
			return struct{}{}, fmt.Errorf("ghn returned status %d: %s", resp.StatusCode(), resp.String())
		}

		var env envelope
		if err := json.Unmarshal(resp.Body(), &env); err != nil {
			return struct{}{}, fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode(), err)
		}
		if env.Code != http.StatusOK {
			return struct{}{}, &APIError{Status: resp.StatusCode(), Code: env.Code, Message: env.Message}
		}
		if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return struct{}{}, fmt.Errorf("failed to parse response data: %w", err)
			}
		}
		return struct{}{}, nil
	})

	metrics.ExternalCallDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())

	if err != nil {
		outcome := "error"
		if isAPIError(err) {
			outcome = "rejected"
		}
		metrics.ExternalCalls.WithLabelValues(provider, operation, outcome).Inc()

		c.logger.Warn("ghn call failed",
			zap.String("operation", operation),
			zap.Error(err))

		if isAPIError(err) {
			return errors.Wrap(errors.ErrCodeInvalidState, "carrier rejected the request", err)
		}
		return errors.Wrap(errors.ErrCodeExternalUnavailable, "carrier call failed", err)
	}

	metrics.ExternalCalls.WithLabelValues(provider, operation, "ok").Inc()
	return nil
}

func defaultWeightGram(items []domain.LineItem) int {
	total := 0
	for _, item := range items {
		total += item.Quantity * 200
	}
	if total == 0 {
		total = 200
	}
	return total
}

func parseTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	return &t
}
