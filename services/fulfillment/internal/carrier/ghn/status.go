package ghn

import "github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"

// statusTable GHN 상태 코드 -> 내부 배송 단계 (닫힌 표, 없는 코드는 무시)
var statusTable = map[string]domain.ShipmentStatus{
	"ready_to_pick":         domain.ShipmentStatusPreparing,
	"picking":               domain.ShipmentStatusPreparing,
	"money_collect_picking": domain.ShipmentStatusPreparing,

	"picked":                   domain.ShipmentStatusShipped,
	"storing":                  domain.ShipmentStatusShipped,
	"transporting":             domain.ShipmentStatusShipped,
	"sorting":                  domain.ShipmentStatusShipped,
	"delivering":               domain.ShipmentStatusShipped,
	"money_collect_delivering": domain.ShipmentStatusShipped,

	"delivered": domain.ShipmentStatusDelivered,

	"delivery_fail":       domain.ShipmentStatusFailed,
	"exception":           domain.ShipmentStatusFailed,
	"lost":                domain.ShipmentStatusFailed,
	"damage":              domain.ShipmentStatusFailed,
	"cancel":              domain.ShipmentStatusFailed,
	"waiting_to_return":   domain.ShipmentStatusFailed,
	"return":              domain.ShipmentStatusFailed,
	"return_transporting": domain.ShipmentStatusFailed,
	"return_sorting":      domain.ShipmentStatusFailed,
	"returning":           domain.ShipmentStatusFailed,
	"return_fail":         domain.ShipmentStatusFailed,
	"returned":            domain.ShipmentStatusFailed,
}

// MapStatus GHN 상태 코드를 내부 단계로 변환
func MapStatus(code string) (domain.ShipmentStatus, bool) {
	status, ok := statusTable[code]
	return status, ok
}

// MapStatus 클라이언트 메서드 형태 (service.Carrier 구현)
func (c *Client) MapStatus(code string) (domain.ShipmentStatus, bool) {
	return MapStatus(code)
}
