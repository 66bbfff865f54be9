package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderPaid       OrderStatus = "paid"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCanceled   OrderStatus = "canceled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderPaid, OrderCanceled},
	OrderPaid:       {OrderProcessing, OrderCanceled},
	OrderProcessing: {OrderShipped, OrderCanceled},
	OrderShipped:    {OrderDelivered},
	OrderDelivered:  {},
	OrderCanceled:   {},
}

func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	for _, t := range orderTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from s in one step.
func (s OrderStatus) AllowedTransitions() []OrderStatus {
	out := make([]OrderStatus, len(orderTransitions[s]))
	copy(out, orderTransitions[s])
	return out
}

// TaxRate is the flat sales tax applied to the items subtotal.
var TaxRate = decimal.RequireFromString("0.05")

const OrderNumberPrefix = "ORD"

type Order struct {
	ID                 uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OrderNumber        string          `gorm:"size:20;uniqueIndex;not null" json:"order_number"`
	CustomerID         uuid.UUID       `gorm:"type:uuid;index;not null" json:"customer_id"`
	Status             OrderStatus     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Subtotal           decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"subtotal"`
	Tax                decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"tax"`
	ShippingCost       decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"shipping_cost"`
	Discount           decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"discount"`
	TotalAmount        decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"total_amount"`
	ShippingAddress    string          `gorm:"type:text" json:"shipping_address"`
	ShippingCity       string          `gorm:"size:100" json:"shipping_city"`
	ShippingPostalCode string          `gorm:"size:20" json:"shipping_postal_code"`
	ShippingPhone      string          `gorm:"size:20" json:"shipping_phone"`
	Notes              string          `gorm:"type:text" json:"notes"`
	Items              []OrderItem     `gorm:"constraint:OnDelete:CASCADE" json:"items"`
	CreatedAt          time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	PaidAt             *time.Time      `json:"paid_at,omitempty"`
	ShippedAt          *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt        *time.Time      `json:"delivered_at,omitempty"`
	CanceledAt         *time.Time      `json:"canceled_at,omitempty"`
}

// OrderItem snapshots the product name and price when the line is added.
// StockReduced marks lines whose quantity left the shelf on payment.
type OrderItem struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID      uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_order_items_order_product" json:"order_id"`
	ProductID    uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_order_items_order_product;index" json:"product_id"`
	Product      *Product        `gorm:"constraint:OnDelete:RESTRICT" json:"-"`
	ProductName  string          `gorm:"size:200" json:"product_name"`
	Quantity     int             `gorm:"not null" json:"quantity"`
	Price        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	StockReduced bool            `gorm:"not null;default:false" json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (it OrderItem) Subtotal() decimal.Decimal {
	return it.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// CalculateTotals recomputes every money field from the items and the order
// level shipping and discount.
func (o *Order) CalculateTotals() {
	sub := decimal.Zero
	for _, it := range o.Items {
		sub = sub.Add(it.Subtotal())
	}
	o.Subtotal = sub.Round(2)
	o.Tax = o.Subtotal.Mul(TaxRate).Round(2)
	o.ShippingCost = o.ShippingCost.Round(2)
	o.Discount = o.Discount.Round(2)
	o.TotalAmount = o.Subtotal.Add(o.Tax).Add(o.ShippingCost).Sub(o.Discount)
}

func (o *Order) ItemCount() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

func (o *Order) IsPaid() bool {
	return o.Status == OrderPaid || o.Status == OrderProcessing || o.Status == OrderShipped || o.Status == OrderDelivered
}

func (o *Order) CanBeCanceled() bool {
	return o.Status != OrderDelivered && o.Status != OrderCanceled
}

func (o *Order) Item(productID uuid.UUID) (int, bool) {
	for i := range o.Items {
		if o.Items[i].ProductID == productID {
			return i, true
		}
	}
	return -1, false
}

// AddItem puts qty units of p on the order, merging into an existing line.
// The merged line keeps its original price.
func (o *Order) AddItem(p *Product, qty int) (*OrderItem, error) {
	if o.Status != OrderPending {
		return nil, ErrOrderNotEditable
	}
	if qty < 1 {
		return nil, Validationf("quantity must be at least 1, got %d", qty)
	}
	want := qty
	i, merged := o.Item(p.ID)
	if merged {
		want += o.Items[i].Quantity
	}
	if err := p.CheckAvailable(want); err != nil {
		return nil, err
	}
	if merged {
		o.Items[i].Quantity = want
	} else {
		o.Items = append(o.Items, OrderItem{
			ID:          uuid.New(),
			OrderID:     o.ID,
			ProductID:   p.ID,
			ProductName: p.Name,
			Quantity:    qty,
			Price:       p.Price.Round(2),
		})
		i = len(o.Items) - 1
	}
	o.CalculateTotals()
	return &o.Items[i], nil
}

// UpdateItemQuantity sets the quantity of the line for p. A quantity of zero
// or less removes the line; removed reports that case.
func (o *Order) UpdateItemQuantity(p *Product, qty int) (item *OrderItem, removed bool, err error) {
	if o.Status != OrderPending {
		return nil, false, ErrOrderNotEditable
	}
	i, ok := o.Item(p.ID)
	if !ok {
		return nil, false, fmt.Errorf("%w: product %s is not on order %s", ErrNotFound, p.ID, o.OrderNumber)
	}
	if qty <= 0 {
		o.Items = append(o.Items[:i], o.Items[i+1:]...)
		o.CalculateTotals()
		return nil, true, nil
	}
	if qty > o.Items[i].Quantity {
		if err := p.CheckAvailable(qty); err != nil {
			return nil, false, err
		}
	}
	o.Items[i].Quantity = qty
	o.CalculateTotals()
	return &o.Items[i], false, nil
}

func (o *Order) RemoveItem(productID uuid.UUID) (*OrderItem, error) {
	if o.Status != OrderPending {
		return nil, ErrOrderNotEditable
	}
	i, ok := o.Item(productID)
	if !ok {
		return nil, fmt.Errorf("%w: product %s is not on order %s", ErrNotFound, productID, o.OrderNumber)
	}
	removed := o.Items[i]
	o.Items = append(o.Items[:i], o.Items[i+1:]...)
	o.CalculateTotals()
	return &removed, nil
}

func (o *Order) SetAdjustments(shipping, discount decimal.Decimal) error {
	if o.Status != OrderPending {
		return ErrOrderNotEditable
	}
	if shipping.IsNegative() || discount.IsNegative() {
		return Validationf("shipping cost and discount must not be negative")
	}
	prevShip, prevDisc := o.ShippingCost, o.Discount
	o.ShippingCost, o.Discount = shipping, discount
	o.CalculateTotals()
	if o.TotalAmount.IsNegative() {
		o.ShippingCost, o.Discount = prevShip, prevDisc
		o.CalculateTotals()
		return Validationf("discount %s exceeds order value", discount.StringFixed(2))
	}
	return nil
}

// ApplyStatus moves the order along the transition graph and stamps the
// matching timestamp. Cancel bypasses the graph and is checked by Cancel.
func (o *Order) ApplyStatus(to OrderStatus, now time.Time) error {
	if !o.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.setStatus(to, now)
	return nil
}

func (o *Order) Cancel(now time.Time) error {
	if !o.CanBeCanceled() {
		return fmt.Errorf("%w: status %s", ErrNotCancelable, o.Status)
	}
	o.setStatus(OrderCanceled, now)
	return nil
}

func (o *Order) setStatus(to OrderStatus, now time.Time) {
	t := now
	switch to {
	case OrderPaid:
		o.PaidAt = &t
	case OrderShipped:
		o.ShippedAt = &t
	case OrderDelivered:
		o.DeliveredAt = &t
	case OrderCanceled:
		o.CanceledAt = &t
	}
	o.Status = to
}

// OrderDay is the date part used in order numbers.
func OrderDay(t time.Time) string { return t.Format("20060102") }

func FormatOrderNumber(day string, seq int) string {
	return fmt.Sprintf("%s-%s-%05d", OrderNumberPrefix, day, seq)
}

func OrderNumberDayPrefix(day string) string {
	return OrderNumberPrefix + "-" + day + "-"
}

// ParseOrderSequence extracts the trailing sequence of an order number.
func ParseOrderSequence(number string) (int, bool) {
	parts := strings.Split(number, "-")
	if len(parts) != 3 || parts[0] != OrderNumberPrefix || len(parts[1]) != 8 {
		return 0, false
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

type OrderFilter struct {
	CustomerID *uuid.UUID
	Status     OrderStatus
	From, To   time.Time
	Page       int
	PageSize   int
}

type OrderSummary struct {
	TotalOrders       int64           `json:"total_orders"`
	PendingOrders     int64           `json:"pending_orders"`
	PaidOrders        int64           `json:"paid_orders"`
	TotalRevenue      decimal.Decimal `json:"total_revenue"`
	AverageOrderValue decimal.Decimal `json:"average_order_value"`
}

// RevenueStatuses are counted in OrderSummary.TotalRevenue.
var RevenueStatuses = []OrderStatus{OrderPaid, OrderProcessing, OrderShipped, OrderDelivered}
