package payos

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
	provider = "payos"

	codeSuccess    = "00"
	codeLinkExists = "231"

	maxDescriptionLength = 25
)

// Config PayOS 설정
type Config struct {
	BaseURL     string
	ClientID    string
	APIKey      string
	ChecksumKey string
	Timeout     time.Duration
}

// Client PayOS REST 클라이언트
type Client struct {
	http    *resty.Client
	cfg     Config
	breaker *resilience.Breaker
	retry   retry.Config
	logger  *zap.Logger
}

// NewClient PayOS 클라이언트 생성
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
			SetHeader("x-client-id", cfg.ClientID).
			SetHeader("x-api-key", cfg.APIKey),
		cfg:     cfg,
		breaker: resilience.NewBreaker("payos", "fulfillment", settings, logger),
		retry:   retryCfg,
		logger:  logger,
	}
}

// APIError PayOS 가 비즈니스 코드로 거절한 응답
type APIError struct {
	Code string
	Desc string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payos returned code %s: %s", e.Code, e.Desc)
}

func isAPIError(err error) bool {
	var apiErr *APIError
	return stderrors.As(err, &apiErr)
}

type envelope struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature,omitempty"`
}

type createRequest struct {
	OrderCode   int64         `json:"orderCode"`
	Amount      int64         `json:"amount"`
	Description string        `json:"description"`
	BuyerName   string        `json:"buyerName,omitempty"`
	BuyerPhone  string        `json:"buyerPhone,omitempty"`
	BuyerEmail  string        `json:"buyerEmail,omitempty"`
	Items       []requestItem `json:"items,omitempty"`
	CancelURL   string        `json:"cancelUrl"`
	ReturnURL   string        `json:"returnUrl"`
	Signature   string        `json:"signature"`
}

type requestItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

type createData struct {
	PaymentLinkID string `json:"paymentLinkId"`
	OrderCode     int64  `json:"orderCode"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	CheckoutURL   string `json:"checkoutUrl"`
}

type linkData struct {
	ID              string `json:"id"`
	OrderCode       int64  `json:"orderCode"`
	Amount          int64  `json:"amount"`
	AmountPaid      int64  `json:"amountPaid"`
	AmountRemaining int64  `json:"amountRemaining"`
	Status          string `json:"status"`
}

// CreatePaymentLink 결제 링크 생성 (이미 존재하면 DUPLICATE_REQUEST)
func (c *Client) CreatePaymentLink(ctx context.Context, req domain.PaymentLinkRequest) (*domain.PaymentLink, error) {
	description := req.Description
	if description == "" {
		description = "DH" + strconv.FormatInt(req.OrderCode, 10)
	}
	if len(description) > maxDescriptionLength {
		description = description[:maxDescriptionLength]
	}

	body := createRequest{
		OrderCode:   req.OrderCode,
		Amount:      req.Amount,
		Description: description,
		BuyerName:   req.BuyerName,
		BuyerPhone:  req.BuyerPhone,
		BuyerEmail:  req.BuyerEmail,
		CancelURL:   req.CancelURL,
		ReturnURL:   req.ReturnURL,
	}
	for _, item := range req.Items {
		body.Items = append(body.Items, requestItem{Name: item.Name, Quantity: item.Quantity, Price: item.UnitPrice})
	}
	body.Signature = SignPaymentRequest(c.cfg.ChecksumKey, body.Amount, body.CancelURL, body.Description, body.OrderCode, body.ReturnURL)

	var data createData
	err := c.call(ctx, "create_link", func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetBody(body).Post("/v2/payment-requests")
	}, &data)
	if err != nil {
		var apiErr *APIError
		if stderrors.As(err, &apiErr) && apiErr.Code == codeLinkExists {
			return nil, errors.Wrap(errors.ErrCodeDuplicateRequest, "payment link already exists", err)
		}
		return nil, err
	}

	c.logger.Info("payos payment link created",
		zap.Int64("orderCode", data.OrderCode),
		zap.String("paymentLinkId", data.PaymentLinkID))

	return &domain.PaymentLink{
		LinkID:      data.PaymentLinkID,
		OrderCode:   data.OrderCode,
		CheckoutURL: data.CheckoutURL,
		Status:      mapStatus(data.Status),
		Amount:      data.Amount,
	}, nil
}

// GetPaymentLink 주문 코드로 결제 링크 상태 조회
func (c *Client) GetPaymentLink(ctx context.Context, orderCode int64) (*domain.PaymentLink, error) {
	return retry.DoWithResult(ctx, c.retry, c.logger, func() (*domain.PaymentLink, error) {
		var data linkData
		err := c.call(ctx, "get_link", func() (*resty.Response, error) {
			return c.http.R().SetContext(ctx).Get("/v2/payment-requests/" + strconv.FormatInt(orderCode, 10))
		}, &data)
		if err != nil {
			return nil, err
		}

		return &domain.PaymentLink{
			LinkID:     data.ID,
			OrderCode:  data.OrderCode,
			Status:     mapStatus(data.Status),
			Amount:     data.Amount,
			AmountPaid: data.AmountPaid,
		}, nil
	})
}

// CancelPaymentLink 결제 링크 취소
func (c *Client) CancelPaymentLink(ctx context.Context, orderCode int64, reason string) error {
	var data linkData
	return c.call(ctx, "cancel_link", func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBody(map[string]string{"cancellationReason": reason}).
			Post("/v2/payment-requests/" + strconv.FormatInt(orderCode, 10) + "/cancel")
	}, &data)
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
			return struct{}{}, fmt.Errorf("payos returned status %d: %s", resp.StatusCode(), resp.String())
		}

		var env envelope
		if err := json.Unmarshal(resp.Body(), &env); err != nil {
			return struct{}{}, fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode(), err)
		}
		if env.Code != codeSuccess {
			return struct{}{}, &APIError{Code: env.Code, Desc: env.Desc}
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

		c.logger.Warn("payos call failed",
			zap.String("operation", operation),
			zap.Error(err))

		if isAPIError(err) {
			return errors.Wrap(errors.ErrCodeInvalidState, "payment gateway rejected the request", err)
		}
		if ctx.Err() != nil || resilience.IsOpen(err) {
			return errors.Wrap(errors.ErrCodeExternalUnavailable, "payment gateway unavailable", err)
		}
		return errors.Wrap(errors.ErrCodeExternalUnavailable, "payment gateway call failed", err)
	}

	metrics.ExternalCalls.WithLabelValues(provider, operation, "ok").Inc()
	return nil
}

// mapStatus PayOS 상태 -> 내부 결제 상태 (PROCESSING, UNDERPAID 는 미확정)
func mapStatus(status string) domain.PaymentStatus {
	switch status {
	case "PAID":
		return domain.PaymentStatusPaid
	case "CANCELLED", "CANCELED":
		return domain.PaymentStatusCanceled
	case "EXPIRED":
		return domain.PaymentStatusExpired
	}
	return domain.PaymentStatusPending
}
