package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
)

type shipmentRepository struct {
	db *sql.DB
}

// NewShipmentRepository 배송 레포지토리 생성
func NewShipmentRepository(db *sql.DB) ShipmentRepository {
	return &shipmentRepository{db: db}
}

const shipmentColumns = `id, order_id, carrier, carrier_code, status, raw_status, fee, expected_delivery, last_synced_at, created_at, updated_at`

// CreatePending 운송사 호출 전 생성 대기 레코드 저장
func (r *shipmentRepository) CreatePending(ctx context.Context, shipment *domain.Shipment) error {
	query := `
		INSERT INTO shipments (order_id, carrier, carrier_code, status, created_at, updated_at)
		VALUES ($1, $2, '', $3, $4, $5)
		RETURNING id
	`

	err := r.db.QueryRowContext(
		ctx,
		query,
		shipment.OrderID,
		shipment.Carrier,
		shipment.Status,
		shipment.CreatedAt,
		shipment.UpdatedAt,
	).Scan(&shipment.ID)

	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(errors.ErrCodeDuplicateRequest, "shipment already exists for order", err)
		}
		return dbError("failed to create shipment", err)
	}
	return nil
}

// FindByID ID로 조회
func (r *shipmentRepository) FindByID(ctx context.Context, id int64) (*domain.Shipment, error) {
	shipment, err := scanShipment(r.db.QueryRowContext(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, errors.Newf(errors.ErrCodeNotFound, "shipment not found: %d", id)
	}
	if err != nil {
		return nil, dbError("failed to find shipment", err)
	}
	return shipment, nil
}

// FindByOrderID 주문으로 조회
func (r *shipmentRepository) FindByOrderID(ctx context.Context, orderID int64) (*domain.Shipment, error) {
	shipment, err := scanShipment(r.db.QueryRowContext(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE order_id = $1`, orderID))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("failed to find shipment", err)
	}
	return shipment, nil
}

// FindByCarrierCode 운송장 번호로 조회
func (r *shipmentRepository) FindByCarrierCode(ctx context.Context, carrierCode string) (*domain.Shipment, error) {
	shipment, err := scanShipment(r.db.QueryRowContext(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE carrier_code = $1 AND carrier_code <> ''`, carrierCode))
	if isNoRows(err) {
		return nil, errors.Newf(errors.ErrCodeNotFound, "shipment not found for carrier code: %s", carrierCode)
	}
	if err != nil {
		return nil, dbError("failed to find shipment", err)
	}
	return shipment, nil
}

// MarkBooked 생성 대기 -> 예약 완료
func (r *shipmentRepository) MarkBooked(ctx context.Context, id int64, booking domain.CarrierBooking, at time.Time) (bool, error) {
	query := `
		UPDATE shipments
		SET carrier_code = $1, raw_status = $2, fee = $3, expected_delivery = $4, last_synced_at = $5, updated_at = $5
		WHERE id = $6 AND carrier_code = ''
	`

	result, err := r.db.ExecContext(ctx, query, booking.OrderCode, booking.Status, booking.Fee, booking.ExpectedDelivery, at, id)
	if err != nil {
		if isUniqueViolation(err) {
			return false, errors.Wrap(errors.ErrCodeDuplicateRequest, "carrier code already assigned", err)
		}
		return false, dbError("failed to mark shipment booked", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, dbError("failed to get rows affected", err)
	}
	return rowsAffected > 0, nil
}

// UpdateTracking 상태 기반 Optimistic Lock 업데이트
func (r *shipmentRepository) UpdateTracking(ctx context.Context, id int64, from, to domain.ShipmentStatus, rawStatus string, at time.Time) (bool, error) {
	query := `
		UPDATE shipments
		SET status = $1, raw_status = $2, last_synced_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5
	`

	result, err := r.db.ExecContext(ctx, query, to, rawStatus, at, id, from)
	if err != nil {
		return false, dbError("failed to update shipment tracking", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, dbError("failed to get rows affected", err)
	}
	return rowsAffected > 0, nil
}

// ListActive 동기화 대상 배송 (예약 완료, 종료 단계 제외, 주문 미종료)
func (r *shipmentRepository) ListActive(ctx context.Context, limit int) ([]*domain.Shipment, error) {
	return r.list(ctx, `
		SELECT s.id, s.order_id, s.carrier, s.carrier_code, s.status, s.raw_status, s.fee,
		       s.expected_delivery, s.last_synced_at, s.created_at, s.updated_at
		FROM shipments s
		JOIN orders o ON o.id = s.order_id
		WHERE s.carrier_code <> ''
		  AND (s.status IN ('PREPARING', 'SHIPPED') OR (s.status = 'DELIVERED' AND o.status = 'CONFIRMED'))
		  AND o.status NOT IN ('COMPLETED', 'CANCELED')
		ORDER BY s.last_synced_at ASC NULLS FIRST
		LIMIT $1
	`, limit)
}

// ListPendingCreation 운송장 생성이 끝나지 않은 배송 (주문 미종료)
func (r *shipmentRepository) ListPendingCreation(ctx context.Context, limit int) ([]*domain.Shipment, error) {
	return r.list(ctx, `
		SELECT s.id, s.order_id, s.carrier, s.carrier_code, s.status, s.raw_status, s.fee,
		       s.expected_delivery, s.last_synced_at, s.created_at, s.updated_at
		FROM shipments s
		JOIN orders o ON o.id = s.order_id
		WHERE s.carrier_code = '' AND s.status <> 'FAILED'
		  AND o.status NOT IN ('COMPLETED', 'CANCELED')
		ORDER BY s.created_at ASC
		LIMIT $1
	`, limit)
}

func (r *shipmentRepository) list(ctx context.Context, query string, limit int) ([]*domain.Shipment, error) {
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, dbError("failed to list shipments", err)
	}
	defer rows.Close()

	var shipments []*domain.Shipment
	for rows.Next() {
		shipment, err := scanShipment(rows)
		if err != nil {
			return nil, dbError("failed to scan shipment", err)
		}
		shipments = append(shipments, shipment)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("failed to list shipments", err)
	}
	return shipments, nil
}

func scanShipment(row rowScanner) (*domain.Shipment, error) {
	shipment := &domain.Shipment{}
	err := row.Scan(
		&shipment.ID,
		&shipment.OrderID,
		&shipment.Carrier,
		&shipment.CarrierCode,
		&shipment.Status,
		&shipment.RawStatus,
		&shipment.Fee,
		&shipment.ExpectedDelivery,
		&shipment.LastSyncedAt,
		&shipment.CreatedAt,
		&shipment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return shipment, nil
}
