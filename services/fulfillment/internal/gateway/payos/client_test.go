package payos

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
)

const checksumKey = "test-checksum"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(Config{
		BaseURL:     server.URL,
		ClientID:    "client-id",
		APIKey:      "api-key",
		ChecksumKey: checksumKey,
		Timeout:     time.Second,
	}, zap.NewNop())
	client.retry.InitialInterval = time.Millisecond
	client.retry.MaxInterval = time.Millisecond
	return client
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCreatePaymentLink(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/payment-requests", r.URL.Path)
		assert.Equal(t, "client-id", r.Header.Get("x-client-id"))
		assert.Equal(t, "api-key", r.Header.Get("x-api-key"))

		var body createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(1001), body.OrderCode)
		assert.Equal(t, int64(1000000), body.Amount)
		assert.Equal(t, "DH1001", body.Description)
		assert.Equal(t, SignPaymentRequest(checksumKey, 1000000, "https://shop/cancel", "DH1001", 1001, "https://shop/return"), body.Signature)

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"code": "00",
			"desc": "success",
			"data": map[string]interface{}{
				"paymentLinkId": "link-1001",
				"orderCode":     1001,
				"amount":        1000000,
				"status":        "PENDING",
				"checkoutUrl":   "https://pay.payos.vn/web/link-1001",
			},
		})
	})

	link, err := client.CreatePaymentLink(context.Background(), domain.PaymentLinkRequest{
		OrderCode: 1001,
		Amount:    1000000,
		ReturnURL: "https://shop/return",
		CancelURL: "https://shop/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "link-1001", link.LinkID)
	assert.Equal(t, domain.PaymentStatusPending, link.Status)
	assert.Equal(t, int64(1000000), link.Amount)
}

func TestCreatePaymentLink_AlreadyExists(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"code": "231", "desc": "Đơn thanh toán đã tồn tại"})
	})

	_, err := client.CreatePaymentLink(context.Background(), domain.PaymentLinkRequest{OrderCode: 1001, Amount: 1})
	assert.True(t, errors.Is(err, errors.ErrCodeDuplicateRequest))
	assert.False(t, errors.IsRetryable(err))
}

func TestGetPaymentLink_RetriesServerErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/payment-requests/1003", r.URL.Path)
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"code": "00",
			"data": map[string]interface{}{
				"id":         "link-1003",
				"orderCode":  1003,
				"amount":     1000000,
				"amountPaid": 900000,
				"status":     "PAID",
			},
		})
	})

	link, err := client.GetPaymentLink(context.Background(), 1003)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, domain.PaymentStatusPaid, link.Status)
	assert.Equal(t, int64(900000), link.ReportedAmount())
}

func TestGetPaymentLink_Timeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	client.http.SetTimeout(20 * time.Millisecond)
	client.retry.MaxAttempts = 1

	_, err := client.GetPaymentLink(context.Background(), 1)
	assert.True(t, errors.Is(err, errors.ErrCodeExternalUnavailable))
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, domain.PaymentStatusCanceled, mapStatus("CANCELLED"))
	assert.Equal(t, domain.PaymentStatusExpired, mapStatus("EXPIRED"))
	assert.Equal(t, domain.PaymentStatusPending, mapStatus("PROCESSING"))
	assert.Equal(t, domain.PaymentStatusPending, mapStatus("UNDERPAID"))
}

func signedWebhook(t *testing.T, data map[string]interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)

	// 서명은 UseNumber 디코딩 결과 기준
	var decoded map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&decoded))

	body, err := json.Marshal(map[string]interface{}{
		"code":      "00",
		"desc":      "success",
		"success":   true,
		"data":      json.RawMessage(raw),
		"signature": SignData(checksumKey, decoded),
	})
	require.NoError(t, err)
	return body
}

func TestVerifyWebhook(t *testing.T) {
	body := signedWebhook(t, map[string]interface{}{
		"orderCode":          1001,
		"amount":             1000000,
		"description":        "DH1001",
		"paymentLinkId":      "link-1001",
		"reference":          "FT123",
		"currency":           "VND",
		"counterAccountName": nil,
	})

	notification, err := VerifyWebhook(checksumKey, body)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), notification.OrderCode)
	assert.Equal(t, int64(1000000), notification.Amount)
	assert.Equal(t, "link-1001", notification.LinkID)
	assert.True(t, notification.Success)
}

func TestVerifyWebhook_Tampered(t *testing.T) {
	body := signedWebhook(t, map[string]interface{}{"orderCode": 1001, "amount": 1000000})

	var hook map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &hook))
	hook["data"].(map[string]interface{})["amount"] = 1
	tampered, err := json.Marshal(hook)
	require.NoError(t, err)

	_, err = VerifyWebhook(checksumKey, tampered)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidSignature))

	_, err = VerifyWebhook("other-key", body)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidSignature))
}

func TestSignData_SortsKeysAndBlanksNulls(t *testing.T) {
	got := SignData("k", map[string]interface{}{"b": "2", "a": json.Number("1"), "c": nil})
	assert.Equal(t, hmacHex("k", "a=1&b=2&c="), got)
}
