package domain

import (
	"time"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
)

// OrderStatus 주문 상태
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCanceled  OrderStatus = "CANCELED"
)

// IsTerminal 종료 상태 여부 (COMPLETED, CANCELED 이후 동기화 중단)
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCanceled
}

// Valid 정의된 상태인지 확인
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusCompleted, OrderStatusCanceled:
		return true
	}
	return false
}

// PaymentMethod 결제 수단
type PaymentMethod string

const (
	PaymentMethodCash  PaymentMethod = "CASH"
	PaymentMethodPayOS PaymentMethod = "PAYOS"
)

// Customer 고객 참조 (회원 ID 또는 비회원 스냅샷)
type Customer struct {
	CustomerID *int64 `json:"customerId,omitempty"`
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Address    string `json:"address,omitempty"`
}

// Recipient 배송지 (GHN 지역 코드 포함)
type Recipient struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	DistrictID int    `json:"districtId"`
	WardCode   string `json:"wardCode"`
}

// LineItem 주문 시점의 상품 스냅샷 (생성 후 변경 불가)
type LineItem struct {
	ProductID int64  `json:"productId"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
}

// Total 라인 합계
func (li LineItem) Total() int64 {
	return li.UnitPrice * int64(li.Quantity)
}

// Order 주문 도메인 모델 (금액 단위: VND)
type Order struct {
	ID             int64         `json:"id"`
	Customer       Customer      `json:"customer"`
	Recipient      Recipient     `json:"recipient"`
	Items          []LineItem    `json:"items"`
	Subtotal       int64         `json:"subtotal"`
	Discount       int64         `json:"discount"`
	FinalAmount    int64         `json:"finalAmount"`
	PaymentMethod  PaymentMethod `json:"paymentMethod"`
	Status         OrderStatus   `json:"status"`
	Version        int64         `json:"version"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	ConfirmedAt    *time.Time    `json:"confirmedAt,omitempty"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
	CanceledAt     *time.Time    `json:"canceledAt,omitempty"`
}

// NewOrder 라인 아이템과 할인으로 PENDING 주문 생성
func NewOrder(customer Customer, recipient Recipient, items []LineItem, discount int64, method PaymentMethod, now time.Time) (*Order, error) {
	order := &Order{
		Customer:      customer,
		Recipient:     recipient,
		Items:         append([]LineItem(nil), items...),
		Discount:      discount,
		PaymentMethod: method,
		Status:        OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, item := range items {
		order.Subtotal += item.Total()
	}
	order.FinalAmount = order.Subtotal - order.Discount

	if err := order.Validate(); err != nil {
		return nil, err
	}
	return order, nil
}

// Validate 금액 불변식 검증
func (o *Order) Validate() error {
	if len(o.Items) == 0 {
		return errors.New(errors.ErrCodeInvalidOrder, "order must contain at least one item")
	}

	var subtotal int64
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			return errors.Newf(errors.ErrCodeInvalidOrder, "quantity must be positive for product %d", item.ProductID)
		}
		if item.UnitPrice < 0 {
			return errors.Newf(errors.ErrCodeInvalidOrder, "unit price must not be negative for product %d", item.ProductID)
		}
		subtotal += item.Total()
	}

	if o.Subtotal != subtotal {
		return errors.Newf(errors.ErrCodeInvalidOrder, "subtotal %d does not match line items %d", o.Subtotal, subtotal)
	}
	if o.Discount < 0 || o.Discount > o.Subtotal {
		return errors.Newf(errors.ErrCodeInvalidOrder, "discount %d must be between 0 and subtotal %d", o.Discount, o.Subtotal)
	}
	if o.FinalAmount != o.Subtotal-o.Discount {
		return errors.Newf(errors.ErrCodeInvalidOrder, "final amount %d must equal subtotal - discount", o.FinalAmount)
	}

	switch o.PaymentMethod {
	case PaymentMethodCash, PaymentMethodPayOS:
	default:
		return errors.Newf(errors.ErrCodeInvalidOrder, "unsupported payment method %q", o.PaymentMethod)
	}

	return nil
}

// ApplyStatus 상태와 해당 시각 필드 반영 (저장소에서 CAS 성공 후 호출)
func (o *Order) ApplyStatus(to OrderStatus, at time.Time) {
	o.Status = to
	o.UpdatedAt = at
	o.Version++

	stamp := at
	switch to {
	case OrderStatusConfirmed:
		o.ConfirmedAt = &stamp
	case OrderStatusCompleted:
		o.CompletedAt = &stamp
	case OrderStatusCanceled:
		o.CanceledAt = &stamp
	}
}

// Clone 깊은 복사
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	if o.Customer.CustomerID != nil {
		id := *o.Customer.CustomerID
		c.Customer.CustomerID = &id
	}
	c.ConfirmedAt = cloneTime(o.ConfirmedAt)
	c.CompletedAt = cloneTime(o.CompletedAt)
	c.CanceledAt = cloneTime(o.CanceledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
