package ghn

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
)

type webhookPayload struct {
	OrderCode       string `json:"OrderCode"`
	ClientOrderCode string `json:"ClientOrderCode"`
	Status          string `json:"Status"`
	Description     string `json:"Description"`
	Time            string `json:"Time"`
}

type webhookPayloadSnake struct {
	OrderCode       string `json:"order_code"`
	ClientOrderCode string `json:"client_order_code"`
	Status          string `json:"status"`
	Note            string `json:"note"`
	UpdatedAt       string `json:"updated_at"`
}

// ParseWebhook GHN 상태 변경 콜백 해석 (PascalCase / snake_case 둘 다 허용)
func ParseWebhook(body []byte) (*domain.CarrierNotification, error) {
	var snake webhookPayloadSnake
	if err := json.Unmarshal(body, &snake); err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerializationError, "invalid carrier webhook body", err)
	}

	n := &domain.CarrierNotification{
		OrderCode:       snake.OrderCode,
		ClientOrderCode: snake.ClientOrderCode,
		Code:            snake.Status,
		Note:            snake.Note,
	}
	updatedAt := snake.UpdatedAt

	if n.OrderCode == "" {
		var pascal webhookPayload
		if err := json.Unmarshal(body, &pascal); err != nil {
			return nil, errors.Wrap(errors.ErrCodeSerializationError, "invalid carrier webhook body", err)
		}
		n.OrderCode = pascal.OrderCode
		n.ClientOrderCode = pascal.ClientOrderCode
		n.Code = pascal.Status
		n.Note = pascal.Description
		updatedAt = pascal.Time
	}

	n.Code = strings.ToLower(strings.TrimSpace(n.Code))
	if n.OrderCode == "" || n.Code == "" {
		return nil, errors.New(errors.ErrCodeInvalidState, "carrier webhook missing order code or status")
	}
	if at := parseTime(updatedAt); at != nil {
		n.At = *at
	} else {
		n.At = time.Now().UTC()
	}
	return n, nil
}

// ParseWebhook 클라이언트 메서드 형태 (service.Carrier 구현)
func (c *Client) ParseWebhook(body []byte) (*domain.CarrierNotification, error) {
	return ParseWebhook(body)
}
