package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderBkash  Provider = "bkash"
)

func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderStripe, ProviderBkash:
		return p, nil
	}
	return "", Validationf("unsupported payment provider %q", s)
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSuccess    PaymentStatus = "success"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

const DefaultCurrency = "BDT"

type Payment struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID        uuid.UUID       `gorm:"type:uuid;uniqueIndex;not null" json:"order_id"`
	Order          *Order          `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Provider       Provider        `gorm:"type:varchar(20);not null" json:"provider"`
	TransactionID  string          `gorm:"size:255;uniqueIndex;not null" json:"transaction_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	RefundedAmount decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"refunded_amount"`
	Currency       string          `gorm:"size:3;not null;default:'BDT'" json:"currency"`
	Status         PaymentStatus   `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	PaymentMethod  string          `gorm:"size:50" json:"payment_method,omitempty"`
	RawResponse    map[string]any  `gorm:"type:jsonb;serializer:json" json:"raw_response,omitempty"`
	Metadata       map[string]any  `gorm:"type:jsonb;serializer:json" json:"metadata,omitempty"`
	ErrorMessage   string          `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ProvisionalTransactionID is stored until the provider assigns a real id.
func ProvisionalTransactionID() string { return "pending_" + uuid.NewString() }

func (p *Payment) HasProviderTransaction() bool {
	return p.TransactionID != "" && !strings.HasPrefix(p.TransactionID, "pending_")
}

func (p *Payment) IsSuccessful() bool { return p.Status == PaymentSuccess }

func (p *Payment) CanBeRefunded() bool { return p.Status == PaymentSuccess }

// MarkSuccess reports false when the payment already succeeded.
func (p *Payment) MarkSuccess(now time.Time) (bool, error) {
	switch p.Status {
	case PaymentSuccess:
		return false, nil
	case PaymentRefunded:
		return false, fmt.Errorf("%w: payment %s was refunded", ErrPaymentState, p.ID)
	}
	t := now
	p.Status = PaymentSuccess
	p.CompletedAt = &t
	p.ErrorMessage = ""
	return true, nil
}

// MarkFailed reports false when the payment is already failed or can no longer
// fail (success, refunded).
func (p *Payment) MarkFailed(reason string) bool {
	switch p.Status {
	case PaymentPending, PaymentProcessing:
		p.Status = PaymentFailed
		p.ErrorMessage = reason
		return true
	}
	return false
}

// Refundable is what is left of the captured amount after earlier refunds,
// including refunds still waiting on the provider.
func (p *Payment) Refundable() decimal.Decimal {
	left := p.Amount.Sub(p.RefundedAmount)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// ReserveRefund books amount against the payment before the provider is
// asked to send it back. A nil amount reserves everything that is left.
// full reports whether the reservation exhausts the payment.
func (p *Payment) ReserveRefund(amount *decimal.Decimal) (reserved decimal.Decimal, full bool, err error) {
	if !p.CanBeRefunded() {
		return decimal.Zero, false, fmt.Errorf("%w: cannot refund a %s payment", ErrPaymentState, p.Status)
	}
	left := p.Refundable()
	if !left.IsPositive() {
		return decimal.Zero, false, fmt.Errorf("%w: payment %s is already fully refunded", ErrPaymentState, p.ID)
	}
	reserved = left
	if amount != nil {
		reserved = amount.Round(2)
	}
	if !reserved.IsPositive() || reserved.GreaterThan(left) {
		return decimal.Zero, false, NewValidationError("invalid refund amount", map[string]string{
			"amount": fmt.Sprintf("must be in (0, %s]", left.StringFixed(2)),
		})
	}
	p.RefundedAmount = p.RefundedAmount.Add(reserved)
	return reserved, p.RefundedAmount.Equal(p.Amount), nil
}

// ReleaseRefund gives back a reservation the provider did not honour.
func (p *Payment) ReleaseRefund(amount decimal.Decimal) {
	p.RefundedAmount = p.RefundedAmount.Sub(amount)
	if p.RefundedAmount.IsNegative() {
		p.RefundedAmount = decimal.Zero
	}
}

// MarkRefunded closes a payment whose whole amount went back to the customer.
func (p *Payment) MarkRefunded() error {
	if !p.CanBeRefunded() {
		return fmt.Errorf("%w: cannot refund a %s payment", ErrPaymentState, p.Status)
	}
	if p.RefundedAmount.LessThan(p.Amount) {
		return fmt.Errorf("%w: payment %s has %s left to refund", ErrPaymentState, p.ID, p.Refundable().StringFixed(2))
	}
	p.Status = PaymentRefunded
	return nil
}

// ResetForRetry prepares a failed payment for a new intent.
func (p *Payment) ResetForRetry(amount decimal.Decimal) error {
	if p.Status != PaymentFailed {
		return fmt.Errorf("%w: only failed payments can be retried, status %s", ErrPaymentState, p.Status)
	}
	p.Status = PaymentPending
	p.Amount = amount
	p.RefundedAmount = decimal.Zero
	p.ErrorMessage = ""
	p.TransactionID = ProvisionalTransactionID()
	p.CompletedAt = nil
	return nil
}

type PaymentEvent string

const (
	PaymentEventInitiated  PaymentEvent = "initiated"
	PaymentEventProcessing PaymentEvent = "processing"
	PaymentEventSuccess    PaymentEvent = "success"
	PaymentEventFailed     PaymentEvent = "failed"
	PaymentEventWebhook    PaymentEvent = "webhook"
	PaymentEventRefund     PaymentEvent = "refund"
	PaymentEventError      PaymentEvent = "error"
)

type PaymentLog struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	PaymentID uuid.UUID      `gorm:"type:uuid;not null;index" json:"payment_id"`
	Payment   *Payment       `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	EventType PaymentEvent   `gorm:"type:varchar(20);not null" json:"event_type"`
	Message   string         `gorm:"type:text" json:"message"`
	Data      map[string]any `gorm:"type:jsonb;serializer:json" json:"data,omitempty"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
}

func NewPaymentLog(paymentID uuid.UUID, ev PaymentEvent, msg string, data map[string]any, now time.Time) *PaymentLog {
	return &PaymentLog{ID: uuid.New(), PaymentID: paymentID, EventType: ev, Message: msg, Data: data, CreatedAt: now}
}

// GatewayStatus is the provider neutral outcome of a gateway call.
type GatewayStatus string

const (
	GatewaySucceeded GatewayStatus = "succeeded"
	GatewayPending   GatewayStatus = "pending"
	GatewayFailed    GatewayStatus = "failed"
)

type IntentRequest struct {
	PaymentID   uuid.UUID
	OrderID     uuid.UUID
	OrderNumber string
	Amount      decimal.Decimal
	Currency    string
}

type IntentResult struct {
	TransactionID string
	RedirectURL   string
	ClientSecret  string
	Raw           map[string]any
}

type ExecuteRequest struct {
	TransactionID string
	Data          map[string]string
}

type GatewayResult struct {
	TransactionID string
	Status        GatewayStatus
	Message       string
	PaymentMethod string
	Metadata      map[string]any
	Raw           map[string]any
}

type RefundRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Metadata      map[string]any
	Reason        string
}

type WebhookEvent struct {
	Type          string
	TransactionID string
	Status        GatewayStatus
	Message       string
	Raw           map[string]any
}
