// Package memory 단일 프로세스용 저장소 구현 (DB_DSN 미설정 시, 테스트용)
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/repository"
)

// Store 모든 테이블을 담는 메모리 저장소
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex

	orders      map[int64]*domain.Order
	transitions map[int64][]*domain.TransitionRecord
	attempts    map[int64]*domain.PaymentAttempt
	shipments   map[int64]*domain.Shipment
	outbox      []*repository.OutboxEvent

	nextOrderID      int64
	nextTransitionID int64
	nextAttemptID    int64
	nextShipmentID   int64
	nextOutboxID     int64
}

// NewStore 메모리 저장소 생성
func NewStore() *Store {
	return &Store{
		orders:      make(map[int64]*domain.Order),
		transitions: make(map[int64][]*domain.TransitionRecord),
		attempts:    make(map[int64]*domain.PaymentAttempt),
		shipments:   make(map[int64]*domain.Shipment),
		nextOrderID: 1000,
	}
}

// Ledger 주문 원장 뷰
func (s *Store) Ledger() repository.Ledger {
	return &ledger{s: s}
}

// PaymentAttempts 결제 시도 뷰
func (s *Store) PaymentAttempts() repository.PaymentAttemptRepository {
	return &paymentAttempts{s: s}
}

// Shipments 배송 뷰
func (s *Store) Shipments() repository.ShipmentRepository {
	return &shipments{s: s}
}

// Outbox Outbox 뷰
func (s *Store) Outbox() repository.OutboxRepository {
	return &outbox{s: s}
}

// SeedOrder 지정한 ID로 주문 저장 (테스트 시나리오용)
func (s *Store) SeedOrder(order *domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := order.Clone()
	s.orders[stored.ID] = stored
	if stored.ID > s.nextOrderID {
		s.nextOrderID = stored.ID
	}
}

// OutboxEvents 저장된 Outbox 이벤트 스냅샷
func (s *Store) OutboxEvents() []*repository.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]*repository.OutboxEvent, 0, len(s.outbox))
	for _, event := range s.outbox {
		copied := *event
		events = append(events, &copied)
	}
	return events
}

// ledger 메모리 주문 원장 (undo 가 있으면 트랜잭션 내부)
type ledger struct {
	s    *Store
	undo *[]func()
}

func (l *ledger) record(fn func()) {
	if l.undo != nil {
		*l.undo = append(*l.undo, fn)
	}
}

func (l *ledger) CreateOrder(_ context.Context, order *domain.Order) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if order.IdempotencyKey != "" {
		for _, existing := range l.s.orders {
			if existing.IdempotencyKey == order.IdempotencyKey {
				return errors.New(errors.ErrCodeDuplicateRequest, "duplicate idempotency key")
			}
		}
	}

	l.s.nextOrderID++
	order.ID = l.s.nextOrderID
	order.Version = 0
	l.s.orders[order.ID] = order.Clone()

	id := order.ID
	l.record(func() { delete(l.s.orders, id) })
	return nil
}

func (l *ledger) GetOrder(_ context.Context, id int64) (*domain.Order, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	order, ok := l.s.orders[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeOrderNotFound, "order not found: %d", id)
	}
	return order.Clone(), nil
}

func (l *ledger) FindByIdempotencyKey(_ context.Context, key string) (*domain.Order, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	for _, order := range l.s.orders {
		if key != "" && order.IdempotencyKey == key {
			return order.Clone(), nil
		}
	}
	return nil, errors.Newf(errors.ErrCodeOrderNotFound, "order not found with idempotency key: %s", key)
}

func (l *ledger) UpdateStatus(_ context.Context, id int64, from, to domain.OrderStatus, at time.Time) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	order, ok := l.s.orders[id]
	if !ok || order.Status != from {
		return errors.Newf(errors.ErrCodeStaleState, "order %d is no longer %s", id, from)
	}

	previous := order.Clone()
	order.ApplyStatus(to, at)
	l.record(func() { l.s.orders[id] = previous })
	return nil
}

func (l *ledger) AppendTransition(_ context.Context, record *domain.TransitionRecord) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	existing := l.s.transitions[record.OrderID]
	for _, r := range existing {
		if r.CauseID == record.CauseID {
			return errors.New(errors.ErrCodeDuplicateRequest, "transition cause already recorded")
		}
	}

	l.s.nextTransitionID++
	record.ID = l.s.nextTransitionID
	record.Sequence = int64(len(existing)) + 1

	copied := *record
	l.s.transitions[record.OrderID] = append(existing, &copied)

	orderID := record.OrderID
	l.record(func() {
		list := l.s.transitions[orderID]
		l.s.transitions[orderID] = list[:len(list)-1]
	})
	return nil
}

func (l *ledger) HasCause(_ context.Context, orderID int64, causeID string) (bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	for _, r := range l.s.transitions[orderID] {
		if r.CauseID == causeID {
			return true, nil
		}
	}
	return false, nil
}

func (l *ledger) ListTransitions(_ context.Context, orderID int64) ([]*domain.TransitionRecord, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	records := make([]*domain.TransitionRecord, 0, len(l.s.transitions[orderID]))
	for _, r := range l.s.transitions[orderID] {
		copied := *r
		records = append(records, &copied)
	}
	return records, nil
}

func (l *ledger) HasShipment(_ context.Context, orderID int64) (bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	for _, shipment := range l.s.shipments {
		if shipment.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (l *ledger) EnqueueEvent(_ context.Context, event *repository.OutboxEvent) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	l.s.insertOutboxLocked(event)
	id := event.ID
	l.record(func() {
		for i, e := range l.s.outbox {
			if e.ID == id {
				l.s.outbox = append(l.s.outbox[:i], l.s.outbox[i+1:]...)
				return
			}
		}
	})
	return nil
}

// Atomic 에러 시 undo 로그를 역순 적용
func (l *ledger) Atomic(_ context.Context, fn func(tx repository.Ledger) error) error {
	if l.undo != nil {
		return fn(l)
	}

	l.s.txMu.Lock()
	defer l.s.txMu.Unlock()

	var undo []func()
	if err := fn(&ledger{s: l.s, undo: &undo}); err != nil {
		l.s.mu.Lock()
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		l.s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) insertOutboxLocked(event *repository.OutboxEvent) {
	s.nextOutboxID++
	event.ID = s.nextOutboxID
	if event.Status == "" {
		event.Status = repository.OutboxStatusPending
	}
	copied := *event
	copied.Payload = append([]byte(nil), event.Payload...)
	s.outbox = append(s.outbox, &copied)
}

type paymentAttempts struct {
	s *Store
}

func (r *paymentAttempts) Create(_ context.Context, attempt *domain.PaymentAttempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.attempts {
		if existing.LinkID == attempt.LinkID {
			return errors.New(errors.ErrCodeDuplicateRequest, "payment attempt already exists")
		}
		if attempt.Status == domain.PaymentStatusPending && existing.OrderID == attempt.OrderID && existing.Status == domain.PaymentStatusPending {
			return errors.New(errors.ErrCodeDuplicateRequest, "pending payment attempt already exists")
		}
	}

	r.s.nextAttemptID++
	attempt.ID = r.s.nextAttemptID
	copied := *attempt
	r.s.attempts[attempt.ID] = &copied
	return nil
}

func (r *paymentAttempts) FindByLinkID(_ context.Context, linkID string) (*domain.PaymentAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, attempt := range r.s.attempts {
		if attempt.LinkID == linkID {
			return copyAttempt(attempt), nil
		}
	}
	return nil, errors.Newf(errors.ErrCodeNotFound, "payment attempt not found: %s", linkID)
}

func (r *paymentAttempts) FindActiveByOrderID(_ context.Context, orderID int64) (*domain.PaymentAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, attempt := range r.s.attempts {
		if attempt.OrderID == orderID && attempt.Status == domain.PaymentStatusPending {
			return copyAttempt(attempt), nil
		}
	}
	return nil, nil
}

func (r *paymentAttempts) FindLatestByOrderID(_ context.Context, orderID int64) (*domain.PaymentAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var latest *domain.PaymentAttempt
	for _, attempt := range r.s.attempts {
		if attempt.OrderID != orderID {
			continue
		}
		if latest == nil || attempt.ID > latest.ID {
			latest = attempt
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyAttempt(latest), nil
}

func (r *paymentAttempts) Resolve(_ context.Context, id int64, status domain.PaymentStatus, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	attempt, ok := r.s.attempts[id]
	if !ok || attempt.Status != domain.PaymentStatusPending {
		return false, nil
	}
	attempt.Status = status
	attempt.UpdatedAt = at
	resolvedAt := at
	attempt.ResolvedAt = &resolvedAt
	return true, nil
}

func (r *paymentAttempts) ListPending(_ context.Context, limit int) ([]*domain.PaymentAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var pending []*domain.PaymentAttempt
	for _, attempt := range r.s.attempts {
		if attempt.Status == domain.PaymentStatusPending {
			pending = append(pending, copyAttempt(attempt))
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func copyAttempt(attempt *domain.PaymentAttempt) *domain.PaymentAttempt {
	copied := *attempt
	if attempt.ResolvedAt != nil {
		t := *attempt.ResolvedAt
		copied.ResolvedAt = &t
	}
	return &copied
}

type shipments struct {
	s *Store
}

func (r *shipments) CreatePending(_ context.Context, shipment *domain.Shipment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.shipments {
		if existing.OrderID == shipment.OrderID {
			return errors.New(errors.ErrCodeDuplicateRequest, "shipment already exists for order")
		}
	}

	r.s.nextShipmentID++
	shipment.ID = r.s.nextShipmentID
	shipment.CarrierCode = ""
	r.s.shipments[shipment.ID] = copyShipment(shipment)
	return nil
}

func (r *shipments) FindByID(_ context.Context, id int64) (*domain.Shipment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	shipment, ok := r.s.shipments[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "shipment not found: %d", id)
	}
	return copyShipment(shipment), nil
}

func (r *shipments) FindByOrderID(_ context.Context, orderID int64) (*domain.Shipment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, shipment := range r.s.shipments {
		if shipment.OrderID == orderID {
			return copyShipment(shipment), nil
		}
	}
	return nil, nil
}

func (r *shipments) FindByCarrierCode(_ context.Context, carrierCode string) (*domain.Shipment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, shipment := range r.s.shipments {
		if carrierCode != "" && shipment.CarrierCode == carrierCode {
			return copyShipment(shipment), nil
		}
	}
	return nil, errors.Newf(errors.ErrCodeNotFound, "shipment not found for carrier code: %s", carrierCode)
}

func (r *shipments) MarkBooked(_ context.Context, id int64, booking domain.CarrierBooking, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	shipment, ok := r.s.shipments[id]
	if !ok || shipment.CarrierCode != "" {
		return false, nil
	}
	shipment.CarrierCode = booking.OrderCode
	shipment.RawStatus = booking.Status
	shipment.Fee = booking.Fee
	if booking.ExpectedDelivery != nil {
		t := *booking.ExpectedDelivery
		shipment.ExpectedDelivery = &t
	}
	synced := at
	shipment.LastSyncedAt = &synced
	shipment.UpdatedAt = at
	return true, nil
}

func (r *shipments) UpdateTracking(_ context.Context, id int64, from, to domain.ShipmentStatus, rawStatus string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	shipment, ok := r.s.shipments[id]
	if !ok || shipment.Status != from {
		return false, nil
	}
	shipment.Status = to
	shipment.RawStatus = rawStatus
	synced := at
	shipment.LastSyncedAt = &synced
	shipment.UpdatedAt = at
	return true, nil
}

func (r *shipments) ListActive(_ context.Context, limit int) ([]*domain.Shipment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var active []*domain.Shipment
	for _, shipment := range r.s.shipments {
		if shipment.PendingCreation() {
			continue
		}
		order, ok := r.s.orders[shipment.OrderID]
		if !ok || order.Status.IsTerminal() {
			continue
		}
		deliveredUnsettled := shipment.Status == domain.ShipmentStatusDelivered && order.Status == domain.OrderStatusConfirmed
		if shipment.Status.IsTerminal() && !deliveredUnsettled {
			continue
		}
		active = append(active, copyShipment(shipment))
	}
	return limitShipments(active, limit), nil
}

func (r *shipments) ListPendingCreation(_ context.Context, limit int) ([]*domain.Shipment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var pending []*domain.Shipment
	for _, shipment := range r.s.shipments {
		if !shipment.PendingCreation() || shipment.Status == domain.ShipmentStatusFailed {
			continue
		}
		order, ok := r.s.orders[shipment.OrderID]
		if !ok || order.Status.IsTerminal() {
			continue
		}
		pending = append(pending, copyShipment(shipment))
	}
	return limitShipments(pending, limit), nil
}

func limitShipments(list []*domain.Shipment, limit int) []*domain.Shipment {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

func copyShipment(shipment *domain.Shipment) *domain.Shipment {
	copied := *shipment
	if shipment.ExpectedDelivery != nil {
		t := *shipment.ExpectedDelivery
		copied.ExpectedDelivery = &t
	}
	if shipment.LastSyncedAt != nil {
		t := *shipment.LastSyncedAt
		copied.LastSyncedAt = &t
	}
	return &copied
}

type outbox struct {
	s *Store
}

func (r *outbox) Insert(_ context.Context, event *repository.OutboxEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.insertOutboxLocked(event)
	return nil
}

func (r *outbox) FindPending(_ context.Context, limit int) ([]*repository.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var pending []*repository.OutboxEvent
	for _, event := range r.s.outbox {
		if event.Status != repository.OutboxStatusPending {
			continue
		}
		copied := *event
		pending = append(pending, &copied)
		if limit > 0 && len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (r *outbox) MarkSent(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, event := range r.s.outbox {
		if event.ID == id {
			event.Status = repository.OutboxStatusSent
			now := time.Now()
			event.SentAt = &now
			return nil
		}
	}
	return errors.Newf(errors.ErrCodeNotFound, "outbox event not found: %d", id)
}
