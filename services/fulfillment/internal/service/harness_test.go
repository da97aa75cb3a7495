package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/common/idempotency"
	"github.com/kyungseok/order-fulfillment-go/common/retry"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/carrier/ghn"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/gateway/payos"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/repository/memory"
)

const testChecksumKey = "test-checksum"

// fakeGateway PayOS 동작을 흉내내는 게이트웨이
type fakeGateway struct {
	mu          sync.Mutex
	links       map[int64]*domain.PaymentLink
	createCalls int
	getCalls    int
	cancelCalls int
	createErr   error
	getErr      error
	createDelay time.Duration
	// reportAmount 0 이 아니면 생성된 링크가 이 금액을 보고한다
	reportAmount int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{links: make(map[int64]*domain.PaymentLink)}
}

func (g *fakeGateway) CreatePaymentLink(_ context.Context, req domain.PaymentLinkRequest) (*domain.PaymentLink, error) {
	g.mu.Lock()
	g.createCalls++
	delay := g.createDelay
	if g.createErr != nil {
		err := g.createErr
		g.mu.Unlock()
		return nil, err
	}
	if _, ok := g.links[req.OrderCode]; ok {
		g.mu.Unlock()
		return nil, errors.New(errors.ErrCodeDuplicateRequest, "payment link already exists")
	}
	amount := req.Amount
	if g.reportAmount != 0 {
		amount = g.reportAmount
	}
	link := &domain.PaymentLink{
		LinkID:      fmt.Sprintf("link-%d", req.OrderCode),
		OrderCode:   req.OrderCode,
		CheckoutURL: fmt.Sprintf("https://pay.payos.vn/web/link-%d", req.OrderCode),
		Status:      domain.PaymentStatusPending,
		Amount:      amount,
	}
	g.links[req.OrderCode] = link
	g.mu.Unlock()

	time.Sleep(delay)
	copied := *link
	return &copied, nil
}

func (g *fakeGateway) GetPaymentLink(_ context.Context, orderCode int64) (*domain.PaymentLink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.getCalls++
	if g.getErr != nil {
		return nil, g.getErr
	}
	link, ok := g.links[orderCode]
	if !ok {
		return nil, errors.New(errors.ErrCodeInvalidState, "payment link not found")
	}
	copied := *link
	return &copied, nil
}

func (g *fakeGateway) CancelPaymentLink(_ context.Context, orderCode int64, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cancelCalls++
	link, ok := g.links[orderCode]
	if !ok {
		return errors.New(errors.ErrCodeInvalidState, "payment link not found")
	}
	if link.Status == domain.PaymentStatusPaid {
		return errors.New(errors.ErrCodeInvalidState, "payment link already paid")
	}
	link.Status = domain.PaymentStatusCanceled
	return nil
}

func (g *fakeGateway) VerifyWebhook(body []byte) (*domain.PaymentNotification, error) {
	return payos.VerifyWebhook(testChecksumKey, body)
}

// seedLink 게이트웨이에만 존재하는 링크 (이전 생성 응답이 유실된 경우)
func (g *fakeGateway) seedLink(orderCode, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.links[orderCode] = &domain.PaymentLink{
		LinkID:    fmt.Sprintf("link-%d", orderCode),
		OrderCode: orderCode,
		Status:    domain.PaymentStatusPending,
		Amount:    amount,
	}
}

func (g *fakeGateway) setStatus(orderCode int64, status domain.PaymentStatus, amountPaid int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	link := g.links[orderCode]
	link.Status = status
	link.AmountPaid = amountPaid
}

func (g *fakeGateway) calls() (create, get, cancel int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls, g.getCalls, g.cancelCalls
}

// fakeCarrier GHN 동작을 흉내내는 운송사 (매핑 표는 실제 GHN 표 사용)
type fakeCarrier struct {
	mu          sync.Mutex
	bookings    map[string]*domain.CarrierBooking
	tracking    map[string][]domain.TrackingEvent
	createCalls int
	findCalls   int
	trackCalls  int
	canceled    []string
	createErr   error
	trackErr    error
	// loseResponse true 면 예약은 만들어지지만 응답은 실패로 돌아간다
	loseResponse bool
	onCreate     func()
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{
		bookings: make(map[string]*domain.CarrierBooking),
		tracking: make(map[string][]domain.TrackingEvent),
	}
}

func (c *fakeCarrier) CreateShipmentOrder(_ context.Context, req domain.CarrierOrderRequest) (*domain.CarrierBooking, error) {
	c.mu.Lock()
	c.createCalls++
	if c.createErr != nil {
		err := c.createErr
		c.mu.Unlock()
		return nil, err
	}
	booking := &domain.CarrierBooking{
		OrderCode:       "GHN" + req.ClientOrderCode,
		ClientOrderCode: req.ClientOrderCode,
		Status:          "ready_to_pick",
		Fee:             33000,
	}
	c.bookings[req.ClientOrderCode] = booking
	lose := c.loseResponse
	c.loseResponse = false
	hook := c.onCreate
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	if lose {
		return nil, errors.New(errors.ErrCodeExternalUnavailable, "carrier timeout")
	}
	copied := *booking
	return &copied, nil
}

func (c *fakeCarrier) FindByClientCode(_ context.Context, clientOrderCode string) (*domain.CarrierBooking, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.findCalls++
	booking, ok := c.bookings[clientOrderCode]
	if !ok {
		return nil, nil
	}
	copied := *booking
	return &copied, nil
}

func (c *fakeCarrier) GetTrackingEvents(_ context.Context, orderCode string) ([]domain.TrackingEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trackCalls++
	if c.trackErr != nil {
		return nil, c.trackErr
	}
	return append([]domain.TrackingEvent(nil), c.tracking[orderCode]...), nil
}

func (c *fakeCarrier) CancelShipmentOrder(_ context.Context, orderCode string, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = append(c.canceled, orderCode)
	return nil
}

func (c *fakeCarrier) MapStatus(code string) (domain.ShipmentStatus, bool) {
	return ghn.MapStatus(code)
}

func (c *fakeCarrier) ParseWebhook(body []byte) (*domain.CarrierNotification, error) {
	return ghn.ParseWebhook(body)
}

func (c *fakeCarrier) push(orderCode string, codes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, code := range codes {
		c.tracking[orderCode] = append(c.tracking[orderCode], domain.TrackingEvent{Code: code, At: time.Now()})
	}
}

type harness struct {
	store      *memory.Store
	locks      *idempotency.MemoryStore
	gateway    *fakeGateway
	carrier    *fakeCarrier
	machine    StateMachine
	orders     OrderService
	reconciler PaymentReconciler
	shipping   ShipmentSynchronizer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := zap.NewNop()
	store := memory.NewStore()
	locks := idempotency.NewMemoryStore()
	gateway := newFakeGateway()
	carrier := newFakeCarrier()

	wait := retry.Config{
		MaxAttempts:        50,
		InitialInterval:    5 * time.Millisecond,
		MaxInterval:        20 * time.Millisecond,
		BackoffCoefficient: 1.5,
		MaxElapsedTime:     5 * time.Second,
	}

	ledger := store.Ledger()
	machine := NewStateMachine(ledger, NewAuditSink(ledger, logger), logger)
	notifier := NewReviewNotifier(ledger, logger)

	reconcilerCfg := DefaultReconcilerConfig()
	reconcilerCfg.Wait = wait
	syncCfg := DefaultSynchronizerConfig()
	syncCfg.Wait = wait

	return &harness{
		store:      store,
		locks:      locks,
		gateway:    gateway,
		carrier:    carrier,
		machine:    machine,
		orders:     NewOrderService(ledger, logger),
		reconciler: NewPaymentReconciler(ledger, store.PaymentAttempts(), gateway, machine, notifier, locks, reconcilerCfg, logger),
		shipping:   NewShipmentSynchronizer(ledger, store.Shipments(), carrier, machine, notifier, locks, syncCfg, logger),
	}
}

// seedOrder 지정 ID 의 PENDING 주문 저장
func (h *harness) seedOrder(t *testing.T, id int64, amount int64, method domain.PaymentMethod) *domain.Order {
	t.Helper()

	order, err := domain.NewOrder(
		domain.Customer{Name: "Nguyen Van A", Phone: "0901234567"},
		domain.Recipient{Name: "Nguyen Van A", Phone: "0901234567", Address: "12 Nguyen Hue", DistrictID: 1442, WardCode: "20109"},
		[]domain.LineItem{{ProductID: 1, Name: "Ao thun", UnitPrice: amount, Quantity: 1}},
		0,
		method,
		time.Now().UTC(),
	)
	require.NoError(t, err)
	order.ID = id
	h.store.SeedOrder(order)
	return order
}

func (h *harness) status(t *testing.T, id int64) domain.OrderStatus {
	t.Helper()
	order, err := h.store.Ledger().GetOrder(context.Background(), id)
	require.NoError(t, err)
	return order.Status
}

// confirm 주문을 CONFIRMED 로 (직원 확인)
func (h *harness) confirm(t *testing.T, id int64) {
	t.Helper()
	_, err := h.machine.RequestTransition(context.Background(), id, domain.OrderStatusPending, domain.OrderStatusConfirmed,
		domain.Cause{Actor: domain.ActorManual, RefID: "staff:confirm:" + strconv.FormatInt(id, 10)})
	require.NoError(t, err)
}

func (h *harness) eventTypes() []string {
	var types []string
	for _, e := range h.store.OutboxEvents() {
		types = append(types, e.EventType)
	}
	return types
}

func (h *harness) reviewKinds(t *testing.T) []string {
	t.Helper()
	var kinds []string
	for _, e := range h.store.OutboxEvents() {
		if e.EventType != "fulfillment.review_required.v1" {
			continue
		}
		var payload struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, json.Unmarshal(e.Payload, &payload))
		kinds = append(kinds, payload.Kind)
	}
	return kinds
}

// signedPaymentWebhook 서명된 PayOS 웹훅 본문
func signedPaymentWebhook(t *testing.T, orderCode, amount int64, linkID string) []byte {
	t.Helper()

	raw, err := json.Marshal(map[string]interface{}{
		"orderCode":     orderCode,
		"amount":        amount,
		"paymentLinkId": linkID,
		"code":          "00",
		"desc":          "success",
		"reference":     "FT" + strconv.FormatInt(orderCode, 10),
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&decoded))

	body, err := json.Marshal(map[string]interface{}{
		"code":      "00",
		"desc":      "success",
		"success":   true,
		"data":      json.RawMessage(raw),
		"signature": payos.SignData(testChecksumKey, decoded),
	})
	require.NoError(t, err)
	return body
}
