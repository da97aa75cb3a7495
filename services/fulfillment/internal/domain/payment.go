package domain

import "time"

// PaymentProvider 결제 게이트웨이
type PaymentProvider string

const (
	PaymentProviderPayOS PaymentProvider = "PAYOS"
)

// PaymentStatus 게이트웨이 측 결제 상태
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusCanceled PaymentStatus = "CANCELED"
	PaymentStatusExpired  PaymentStatus = "EXPIRED"
)

// IsFinal 확정 상태 여부 (확정 후 변경 불가)
func (s PaymentStatus) IsFinal() bool {
	return s == PaymentStatusPaid || s == PaymentStatusCanceled || s == PaymentStatusExpired
}

// PaymentAttempt 결제 시도 (주문당 PENDING 시도는 최대 1개)
type PaymentAttempt struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"orderId"`
	Provider    PaymentProvider `json:"provider"`
	LinkID      string          `json:"linkId"`
	CheckoutURL string          `json:"checkoutUrl"`
	Status      PaymentStatus   `json:"status"`
	Amount      int64           `json:"amount"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	ResolvedAt  *time.Time      `json:"resolvedAt,omitempty"`
}

// PaymentLinkRequest 결제 링크 생성 요청
type PaymentLinkRequest struct {
	OrderCode   int64
	Amount      int64
	Description string
	Items       []LineItem
	BuyerName   string
	BuyerPhone  string
	BuyerEmail  string
	ReturnURL   string
	CancelURL   string
}

// PaymentLink 게이트웨이가 보고한 결제 링크 상태
type PaymentLink struct {
	LinkID      string
	OrderCode   int64
	CheckoutURL string
	Status      PaymentStatus
	Amount      int64
	AmountPaid  int64
}

// ReportedAmount 금액 검증 기준 (결제 완료면 실제 결제 금액)
func (l *PaymentLink) ReportedAmount() int64 {
	if l.Status == PaymentStatusPaid && l.AmountPaid > 0 {
		return l.AmountPaid
	}
	return l.Amount
}

// PaymentNotification 서명 검증을 통과한 게이트웨이 웹훅
type PaymentNotification struct {
	OrderCode int64
	Amount    int64
	LinkID    string
	Reference string
	Code      string
	Success   bool
}
