package payos

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
)

// SignPaymentRequest 결제 링크 생성 요청 서명
func SignPaymentRequest(checksumKey string, amount int64, cancelURL, description string, orderCode int64, returnURL string) string {
	payload := fmt.Sprintf("amount=%d&cancelUrl=%s&description=%s&orderCode=%d&returnUrl=%s",
		amount, cancelURL, description, orderCode, returnURL)
	return hmacHex(checksumKey, payload)
}

// SignData 웹훅 data 객체 서명 (키 정렬 후 key=value 를 & 로 연결)
func SignData(checksumKey string, data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(data[k]))
	}
	return hmacHex(checksumKey, strings.Join(parts, "&"))
}

type webhookBody struct {
	Code      string                 `json:"code"`
	Desc      string                 `json:"desc"`
	Success   bool                   `json:"success"`
	Data      map[string]interface{} `json:"data"`
	Signature string                 `json:"signature"`
}

// VerifyWebhook 웹훅 서명 검증 후 알림 반환
func (c *Client) VerifyWebhook(body []byte) (*domain.PaymentNotification, error) {
	return VerifyWebhook(c.cfg.ChecksumKey, body)
}

// VerifyWebhook 웹훅 서명 검증 후 알림 반환
func VerifyWebhook(checksumKey string, body []byte) (*domain.PaymentNotification, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var hook webhookBody
	if err := decoder.Decode(&hook); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidSignature, "malformed webhook body", err)
	}
	if hook.Data == nil || hook.Signature == "" {
		return nil, errors.New(errors.ErrCodeInvalidSignature, "webhook is missing data or signature")
	}

	expected := SignData(checksumKey, hook.Data)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(hook.Signature))) {
		return nil, errors.New(errors.ErrCodeInvalidSignature, "webhook signature mismatch")
	}

	orderCode, err := int64Field(hook.Data, "orderCode")
	if err != nil {
		return nil, err
	}
	amount, err := int64Field(hook.Data, "amount")
	if err != nil {
		return nil, err
	}

	notification := &domain.PaymentNotification{
		OrderCode: orderCode,
		Amount:    amount,
		Code:      hook.Code,
		Success:   hook.Success,
	}
	if v, ok := hook.Data["paymentLinkId"].(string); ok {
		notification.LinkID = v
	}
	if v, ok := hook.Data["reference"].(string); ok {
		notification.Reference = v
	}
	return notification, nil
}

func int64Field(data map[string]interface{}, key string) (int64, error) {
	switch v := data[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, errors.Wrap(errors.ErrCodeInvalidSignature, "invalid "+key, err)
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errors.Wrap(errors.ErrCodeInvalidSignature, "invalid "+key, err)
		}
		return n, nil
	}
	return 0, errors.New(errors.ErrCodeInvalidSignature, "webhook data is missing "+key)
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		if val == "null" || val == "undefined" {
			return ""
		}
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

func hmacHex(key, payload string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
