package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
)

type paymentAttemptRepository struct {
	db *sql.DB
}

// NewPaymentAttemptRepository 결제 시도 레포지토리 생성
func NewPaymentAttemptRepository(db *sql.DB) PaymentAttemptRepository {
	return &paymentAttemptRepository{db: db}
}

const attemptColumns = `id, order_id, provider, link_id, checkout_url, status, amount, created_at, updated_at, resolved_at`

// Create 결제 시도 생성 (주문당 PENDING 1개 제약)
func (r *paymentAttemptRepository) Create(ctx context.Context, attempt *domain.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (order_id, provider, link_id, checkout_url, status, amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	err := r.db.QueryRowContext(
		ctx,
		query,
		attempt.OrderID,
		attempt.Provider,
		attempt.LinkID,
		attempt.CheckoutURL,
		attempt.Status,
		attempt.Amount,
		attempt.CreatedAt,
		attempt.UpdatedAt,
	).Scan(&attempt.ID)

	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(errors.ErrCodeDuplicateRequest, "payment attempt already exists", err)
		}
		return dbError("failed to create payment attempt", err)
	}
	return nil
}

// FindByLinkID 링크 ID로 조회
func (r *paymentAttemptRepository) FindByLinkID(ctx context.Context, linkID string) (*domain.PaymentAttempt, error) {
	attempt, err := scanAttempt(r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE link_id = $1`, linkID))
	if isNoRows(err) {
		return nil, errors.Newf(errors.ErrCodeNotFound, "payment attempt not found: %s", linkID)
	}
	if err != nil {
		return nil, dbError("failed to find payment attempt", err)
	}
	return attempt, nil
}

// FindActiveByOrderID PENDING 시도 조회
func (r *paymentAttemptRepository) FindActiveByOrderID(ctx context.Context, orderID int64) (*domain.PaymentAttempt, error) {
	attempt, err := scanAttempt(r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE order_id = $1 AND status = 'PENDING'`, orderID))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("failed to find payment attempt", err)
	}
	return attempt, nil
}

// FindLatestByOrderID 가장 최근 시도 조회
func (r *paymentAttemptRepository) FindLatestByOrderID(ctx context.Context, orderID int64) (*domain.PaymentAttempt, error) {
	attempt, err := scanAttempt(r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE order_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, orderID))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("failed to find payment attempt", err)
	}
	return attempt, nil
}

// Resolve PENDING -> 확정 상태 (한 번만)
func (r *paymentAttemptRepository) Resolve(ctx context.Context, id int64, status domain.PaymentStatus, at time.Time) (bool, error) {
	query := `
		UPDATE payment_attempts
		SET status = $1, updated_at = $2, resolved_at = $2
		WHERE id = $3 AND status = 'PENDING'
	`

	result, err := r.db.ExecContext(ctx, query, status, at, id)
	if err != nil {
		return false, dbError("failed to resolve payment attempt", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, dbError("failed to get rows affected", err)
	}
	return rowsAffected > 0, nil
}

// ListPending 미확정 시도 목록 (폴링 대상)
func (r *paymentAttemptRepository) ListPending(ctx context.Context, limit int) ([]*domain.PaymentAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE status = 'PENDING' ORDER BY updated_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, dbError("failed to list pending payment attempts", err)
	}
	defer rows.Close()

	var attempts []*domain.PaymentAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, dbError("failed to scan payment attempt", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("failed to list pending payment attempts", err)
	}
	return attempts, nil
}

func scanAttempt(row rowScanner) (*domain.PaymentAttempt, error) {
	attempt := &domain.PaymentAttempt{}
	err := row.Scan(
		&attempt.ID,
		&attempt.OrderID,
		&attempt.Provider,
		&attempt.LinkID,
		&attempt.CheckoutURL,
		&attempt.Status,
		&attempt.Amount,
		&attempt.CreatedAt,
		&attempt.UpdatedAt,
		&attempt.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return attempt, nil
}
