package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
)

type ledger struct {
	db *sql.DB
	q  queryer
}

// NewLedger PostgreSQL 기반 주문 원장 생성
func NewLedger(db *sql.DB) Ledger {
	return &ledger{db: db, q: db}
}

const orderColumns = `
	id, customer_id, customer_name, customer_phone, customer_address,
	recipient_name, recipient_phone, recipient_address, recipient_district, recipient_ward,
	subtotal, discount, final_amount, payment_method, status, version, COALESCE(idempotency_key, ''),
	created_at, updated_at, confirmed_at, completed_at, canceled_at`

// statusTimestampColumns 상태별 시각 컬럼
var statusTimestampColumns = map[domain.OrderStatus]string{
	domain.OrderStatusConfirmed: "confirmed_at",
	domain.OrderStatusCompleted: "completed_at",
	domain.OrderStatusCanceled:  "canceled_at",
}

// CreateOrder 주문과 라인 아이템 스냅샷 저장
func (r *ledger) CreateOrder(ctx context.Context, order *domain.Order) error {
	query := `
		INSERT INTO orders (
			customer_id, customer_name, customer_phone, customer_address,
			recipient_name, recipient_phone, recipient_address, recipient_district, recipient_ward,
			subtotal, discount, final_amount, payment_method, status, idempotency_key, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id, version
	`

	var idempotencyKey sql.NullString
	if order.IdempotencyKey != "" {
		idempotencyKey = sql.NullString{String: order.IdempotencyKey, Valid: true}
	}

	err := r.q.QueryRowContext(
		ctx,
		query,
		nullInt64(order.Customer.CustomerID),
		order.Customer.Name,
		order.Customer.Phone,
		order.Customer.Address,
		order.Recipient.Name,
		order.Recipient.Phone,
		order.Recipient.Address,
		order.Recipient.DistrictID,
		order.Recipient.WardCode,
		order.Subtotal,
		order.Discount,
		order.FinalAmount,
		order.PaymentMethod,
		order.Status,
		idempotencyKey,
		order.CreatedAt,
		order.UpdatedAt,
	).Scan(&order.ID, &order.Version)

	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(errors.ErrCodeDuplicateRequest, "duplicate idempotency key", err)
		}
		return dbError("failed to create order", err)
	}

	itemQuery := `
		INSERT INTO order_items (order_id, line_no, product_id, name, unit_price, quantity)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for i, item := range order.Items {
		if _, err := r.q.ExecContext(ctx, itemQuery, order.ID, i+1, item.ProductID, item.Name, item.UnitPrice, item.Quantity); err != nil {
			return dbError("failed to create order item", err)
		}
	}

	return nil
}

// GetOrder ID로 주문 조회
func (r *ledger) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	order, err := r.scanOrder(r.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrCodeOrderNotFound, "order not found: %d", id)
	}
	if err != nil {
		return nil, dbError("failed to find order", err)
	}

	if err := r.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// FindByIdempotencyKey 멱등성 키로 주문 조회
func (r *ledger) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	order, err := r.scanOrder(r.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key))
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrCodeOrderNotFound, "order not found with idempotency key: %s", key)
	}
	if err != nil {
		return nil, dbError("failed to find order", err)
	}

	if err := r.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// UpdateStatus 상태 기반 Optimistic Lock 업데이트
func (r *ledger) UpdateStatus(ctx context.Context, id int64, from, to domain.OrderStatus, at time.Time) error {
	column, ok := statusTimestampColumns[to]
	if !ok {
		return errors.Newf(errors.ErrCodeIllegalTransition, "no transition into %s", to)
	}

	query := fmt.Sprintf(`
		UPDATE orders
		SET status = $1, version = version + 1, updated_at = $2, %s = $2
		WHERE id = $3 AND status = $4
	`, column)

	result, err := r.q.ExecContext(ctx, query, to, at, id, from)
	if err != nil {
		return dbError("failed to update order status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return dbError("failed to get rows affected", err)
	}

	if rowsAffected == 0 {
		return errors.Newf(errors.ErrCodeStaleState, "order %d is no longer %s", id, from)
	}
	return nil
}

// AppendTransition 감사 기록 추가 (시퀀스는 주문별 최대값 + 1)
func (r *ledger) AppendTransition(ctx context.Context, record *domain.TransitionRecord) error {
	query := `
		INSERT INTO order_transitions (order_id, sequence, from_status, to_status, actor, cause_id, note, occurred_at)
		SELECT $1, COALESCE(MAX(sequence), 0) + 1, $2, $3, $4, $5, $6, $7
		FROM order_transitions
		WHERE order_id = $1
		RETURNING id, sequence
	`

	err := r.q.QueryRowContext(
		ctx,
		query,
		record.OrderID,
		record.From,
		record.To,
		record.Actor,
		record.CauseID,
		record.Note,
		record.OccurredAt,
	).Scan(&record.ID, &record.Sequence)

	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(errors.ErrCodeDuplicateRequest, "transition cause already recorded", err)
		}
		return dbError("failed to append transition", err)
	}
	return nil
}

// HasCause 원인 참조가 이미 기록됐는지 확인
func (r *ledger) HasCause(ctx context.Context, orderID int64, causeID string) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM order_transitions WHERE order_id = $1 AND cause_id = $2)`,
		orderID, causeID,
	).Scan(&exists)
	if err != nil {
		return false, dbError("failed to check transition cause", err)
	}
	return exists, nil
}

// ListTransitions 주문 상태 전이 이력
func (r *ledger) ListTransitions(ctx context.Context, orderID int64) ([]*domain.TransitionRecord, error) {
	query := `
		SELECT id, order_id, sequence, from_status, to_status, actor, cause_id, note, occurred_at
		FROM order_transitions
		WHERE order_id = $1
		ORDER BY sequence ASC
	`

	rows, err := r.q.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, dbError("failed to list transitions", err)
	}
	defer rows.Close()

	var records []*domain.TransitionRecord
	for rows.Next() {
		record := &domain.TransitionRecord{}
		if err := rows.Scan(
			&record.ID,
			&record.OrderID,
			&record.Sequence,
			&record.From,
			&record.To,
			&record.Actor,
			&record.CauseID,
			&record.Note,
			&record.OccurredAt,
		); err != nil {
			return nil, dbError("failed to scan transition", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, dbError("failed to list transitions", err)
	}
	return records, nil
}

// HasShipment 배송 레코드 존재 여부 (생성 대기 포함)
func (r *ledger) HasShipment(ctx context.Context, orderID int64) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM shipments WHERE order_id = $1)`,
		orderID,
	).Scan(&exists)
	if err != nil {
		return false, dbError("failed to check shipment", err)
	}
	return exists, nil
}

// EnqueueEvent 같은 트랜잭션에 Outbox 이벤트 저장
func (r *ledger) EnqueueEvent(ctx context.Context, event *OutboxEvent) error {
	return insertOutbox(ctx, r.q, event)
}

// Atomic 트랜잭션 실행 (이미 트랜잭션 안이면 그대로 실행)
func (r *ledger) Atomic(ctx context.Context, fn func(tx Ledger) error) error {
	if r.db == nil {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&ledger{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return dbError("failed to commit transaction", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *ledger) scanOrder(row rowScanner) (*domain.Order, error) {
	order := &domain.Order{}
	var customerID sql.NullInt64

	err := row.Scan(
		&order.ID,
		&customerID,
		&order.Customer.Name,
		&order.Customer.Phone,
		&order.Customer.Address,
		&order.Recipient.Name,
		&order.Recipient.Phone,
		&order.Recipient.Address,
		&order.Recipient.DistrictID,
		&order.Recipient.WardCode,
		&order.Subtotal,
		&order.Discount,
		&order.FinalAmount,
		&order.PaymentMethod,
		&order.Status,
		&order.Version,
		&order.IdempotencyKey,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.ConfirmedAt,
		&order.CompletedAt,
		&order.CanceledAt,
	)
	if err != nil {
		return nil, err
	}

	if customerID.Valid {
		id := customerID.Int64
		order.Customer.CustomerID = &id
	}
	return order, nil
}

func (r *ledger) loadItems(ctx context.Context, order *domain.Order) error {
	rows, err := r.q.QueryContext(ctx, `
		SELECT product_id, name, unit_price, quantity
		FROM order_items
		WHERE order_id = $1
		ORDER BY line_no ASC
	`, order.ID)
	if err != nil {
		return dbError("failed to load order items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ProductID, &item.Name, &item.UnitPrice, &item.Quantity); err != nil {
			return dbError("failed to scan order item", err)
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return dbError("failed to load order items", err)
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func isNoRows(err error) bool {
	return stderrors.Is(err, sql.ErrNoRows)
}
