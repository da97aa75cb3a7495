package domain

import (
	"strconv"
	"time"
)

// ShipmentStatus 내부 배송 단계
type ShipmentStatus string

const (
	ShipmentStatusPreparing ShipmentStatus = "PREPARING"
	ShipmentStatusShipped   ShipmentStatus = "SHIPPED"
	ShipmentStatusDelivered ShipmentStatus = "DELIVERED"
	ShipmentStatusFailed    ShipmentStatus = "FAILED"
)

// Rank 진행 순서 (FAILED 는 정상 경로 밖)
func (s ShipmentStatus) Rank() int {
	switch s {
	case ShipmentStatusPreparing:
		return 1
	case ShipmentStatusShipped:
		return 2
	case ShipmentStatusDelivered:
		return 3
	}
	return 0
}

// IsTerminal 더 이상 동기화하지 않는 단계
func (s ShipmentStatus) IsTerminal() bool {
	return s == ShipmentStatusDelivered || s == ShipmentStatusFailed
}

// CarrierGHN 운송사 식별자
const CarrierGHN = "GHN"

// Shipment 배송 (주문과 1:1, CarrierCode 가 비어 있으면 생성 대기)
type Shipment struct {
	ID               int64          `json:"id"`
	OrderID          int64          `json:"orderId"`
	Carrier          string         `json:"carrier"`
	CarrierCode      string         `json:"carrierCode,omitempty"`
	Status           ShipmentStatus `json:"status"`
	RawStatus        string         `json:"rawStatus,omitempty"`
	Fee              int64          `json:"fee"`
	ExpectedDelivery *time.Time     `json:"expectedDelivery,omitempty"`
	LastSyncedAt     *time.Time     `json:"lastSyncedAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// PendingCreation 운송장 생성 대기 여부
func (s *Shipment) PendingCreation() bool {
	return s.CarrierCode == ""
}

// CarrierOrderRequest 운송장 생성 요청
type CarrierOrderRequest struct {
	ClientOrderCode string
	Recipient       Recipient
	Items           []LineItem
	CODAmount       int64
	InsuranceValue  int64
	WeightGram      int
	Note            string
}

// CarrierBooking 운송사 예약 결과
type CarrierBooking struct {
	OrderCode        string
	ClientOrderCode  string
	Status           string
	Fee              int64
	ExpectedDelivery *time.Time
}

// TrackingEvent 운송사 추적 이벤트 (원본 코드 그대로)
type TrackingEvent struct {
	Code        string    `json:"code"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	At          time.Time `json:"at"`
}

// CarrierNotification 운송사 웹훅 알림
type CarrierNotification struct {
	OrderCode       string
	ClientOrderCode string
	Code            string
	Note            string
	At              time.Time
}

// FoldShipmentStatus 관측된 단계들을 현재 단계에 반영
//
// DELIVERED 가 관측되면 실패 코드보다 우선한다. 그 외 실패 코드가 하나라도 있으면 FAILED,
// 아니면 현재 단계와 관측 단계 중 가장 높은 단계. 종료 단계는 바뀌지 않는다.
func FoldShipmentStatus(current ShipmentStatus, observed []ShipmentStatus) ShipmentStatus {
	if current.IsTerminal() {
		return current
	}

	next := current
	failed := false
	for _, status := range observed {
		switch status {
		case ShipmentStatusDelivered:
			return ShipmentStatusDelivered
		case ShipmentStatusFailed:
			failed = true
		default:
			if status.Rank() > next.Rank() {
				next = status
			}
		}
	}

	if failed {
		return ShipmentStatusFailed
	}
	return next
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
