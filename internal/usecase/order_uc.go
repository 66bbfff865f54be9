package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/phenrril/ecomcore/internal/domain"
	"github.com/phenrril/ecomcore/internal/validate"
)

type OrderItemInput struct {
	ProductID uuid.UUID `json:"product_id" validate:"uuid_required"`
	Quantity  int       `json:"quantity" validate:"gte=1"`
}

type CreateOrderInput struct {
	Items              []OrderItemInput `json:"items" validate:"required,min=1,dive"`
	ShippingAddress    string           `json:"shipping_address" validate:"required"`
	ShippingCity       string           `json:"shipping_city" validate:"required,max=100"`
	ShippingPostalCode string           `json:"shipping_postal_code" validate:"max=20"`
	ShippingPhone      string           `json:"shipping_phone" validate:"required,max=20"`
	Notes              string           `json:"notes"`
	ShippingCost       decimal.Decimal  `json:"shipping_cost" validate:"money"`
	Discount           decimal.Decimal  `json:"discount" validate:"money"`
}

type AdjustmentsInput struct {
	ShippingCost decimal.Decimal `json:"shipping_cost" validate:"money"`
	Discount     decimal.Decimal `json:"discount" validate:"money"`
}

type StatusInput struct {
	Status domain.OrderStatus `json:"status" validate:"required,oneof=pending paid processing shipped delivered canceled"`
	Notes  string             `json:"notes"`
}

type OrderPage struct {
	Items    []domain.Order `json:"items"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

type OrderUC struct {
	Orders    domain.OrderRepo
	History   domain.HistoryRepo
	Customers domain.CustomerRepo
	Payments  domain.PaymentRepo
	Catalog   *ProductUC
	Tx        domain.Transactor
	Events    domain.EventPublisher
	Now       func() time.Time
}

func (uc *OrderUC) now() time.Time {
	if uc.Now != nil {
		return uc.Now().UTC()
	}
	return time.Now().UTC()
}

// transition collects what has to happen once the transaction commits.
type transition struct {
	events []domain.Event
	slugs  []string
}

func (t *transition) merge(o transition) {
	t.events = append(t.events, o.events...)
	t.slugs = append(t.slugs, o.slugs...)
}

func (uc *OrderUC) afterCommit(ctx context.Context, t transition) {
	if len(t.slugs) > 0 {
		uc.Catalog.invalidate(ctx, t.slugs...)
	}
	publish(ctx, uc.Events, t.events...)
}

func (uc *OrderUC) Create(ctx context.Context, actor domain.Actor, in CreateOrderInput) (*domain.Order, error) {
	if actor.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: orders need an identified customer", domain.ErrForbidden)
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	var out *domain.Order
	err := withRetry(ctx, "create_order", func() error {
		return uc.Tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := uc.ensureCustomer(ctx, actor); err != nil {
				return err
			}
			now := uc.now()
			day := domain.OrderDay(now)
			seq, err := uc.Orders.NextSequence(ctx, day)
			if err != nil {
				return err
			}
			o := &domain.Order{
				ID:                 uuid.New(),
				OrderNumber:        domain.FormatOrderNumber(day, seq),
				CustomerID:         actor.ID,
				Status:             domain.OrderPending,
				ShippingAddress:    strings.TrimSpace(in.ShippingAddress),
				ShippingCity:       strings.TrimSpace(in.ShippingCity),
				ShippingPostalCode: strings.TrimSpace(in.ShippingPostalCode),
				ShippingPhone:      strings.TrimSpace(in.ShippingPhone),
				Notes:              in.Notes,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			for _, it := range in.Items {
				p, err := uc.Catalog.Products.FindByID(ctx, it.ProductID)
				if err != nil {
					return fmt.Errorf("product %s: %w", it.ProductID, err)
				}
				if _, err := o.AddItem(p, it.Quantity); err != nil {
					return err
				}
			}
			if err := o.SetAdjustments(in.ShippingCost, in.Discount); err != nil {
				return err
			}
			if err := uc.Orders.Create(ctx, o); err != nil {
				return err
			}
			for i := range o.Items {
				o.Items[i].CreatedAt = now
				if err := uc.Orders.SaveItem(ctx, &o.Items[i]); err != nil {
					return err
				}
			}
			out = o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("order", out.OrderNumber).Str("customer", actor.Email).
		Str("total", out.TotalAmount.StringFixed(2)).Int("items", out.ItemCount()).Msg("order created")
	return out, nil
}

func (uc *OrderUC) ensureCustomer(ctx context.Context, actor domain.Actor) error {
	c, err := uc.Customers.FindByID(ctx, actor.ID)
	switch {
	case domain.IsKind(err, domain.KindNotFound):
		return uc.Customers.Save(ctx, &domain.Customer{ID: actor.ID, Email: actor.Email, Name: actor.Name})
	case err != nil:
		return err
	}
	if actor.Email != "" && !strings.EqualFold(c.Email, actor.Email) || actor.Name != "" && c.Name != actor.Name {
		if actor.Email != "" {
			c.Email = actor.Email
		}
		if actor.Name != "" {
			c.Name = actor.Name
		}
		return uc.Customers.Save(ctx, c)
	}
	return nil
}

func (uc *OrderUC) Get(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Order, error) {
	o, err := uc.Orders.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(o.CustomerID) {
		return nil, fmt.Errorf("%w: order %s", domain.ErrForbidden, o.OrderNumber)
	}
	return o, nil
}

// List shows customers their own orders only; admins may filter freely.
func (uc *OrderUC) List(ctx context.Context, actor domain.Actor, f domain.OrderFilter) (*OrderPage, error) {
	if !actor.IsAdmin() {
		id := actor.ID
		f.CustomerID = &id
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, domain.Validationf("unknown order status %q", f.Status)
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	list, total, err := uc.Orders.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []domain.Order{}
	}
	return &OrderPage{Items: list, Total: total, Page: f.Page, PageSize: f.PageSize}, nil
}

func (uc *OrderUC) Summary(ctx context.Context, actor domain.Actor) (domain.OrderSummary, error) {
	if err := requireAdmin(actor); err != nil {
		return domain.OrderSummary{}, err
	}
	return uc.Orders.Summary(ctx)
}

func (uc *OrderUC) StatusHistory(ctx context.Context, actor domain.Actor, orderID uuid.UUID) ([]domain.OrderStatusHistory, error) {
	if _, err := uc.Get(ctx, actor, orderID); err != nil {
		return nil, err
	}
	return uc.History.ListByOrder(ctx, orderID)
}

// editLocked loads the order under lock and runs fn when the actor may edit it.
// Once a payment was sent to the provider the order is frozen; a payment that
// was not initiated yet follows the new total.
func (uc *OrderUC) editLocked(ctx context.Context, actor domain.Actor, orderID uuid.UUID, fn func(ctx context.Context, o *domain.Order) error) (*domain.Order, error) {
	var out *domain.Order
	err := withRetry(ctx, "edit_order", func() error {
		return uc.Tx.WithinTx(ctx, func(ctx context.Context) error {
			o, err := uc.Orders.FindByIDForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			if !actor.IsAdmin() && !actor.Owns(o.CustomerID) {
				return fmt.Errorf("%w: order %s", domain.ErrForbidden, o.OrderNumber)
			}
			if o.Status != domain.OrderPending {
				return fmt.Errorf("%w: status %s", domain.ErrOrderNotEditable, o.Status)
			}
			pay, err := uc.openPayment(ctx, o.ID)
			if err != nil {
				return err
			}
			if pay != nil && pay.Status == domain.PaymentProcessing {
				return fmt.Errorf("%w: payment %s is in progress", domain.ErrOrderNotEditable, pay.ID)
			}
			if err := fn(ctx, o); err != nil {
				return err
			}
			o.UpdatedAt = uc.now()
			if err := uc.Orders.Save(ctx, o); err != nil {
				return err
			}
			if pay != nil && !pay.Amount.Equal(o.TotalAmount) {
				pay.Amount = o.TotalAmount
				if err := uc.Payments.Save(ctx, pay); err != nil {
					return err
				}
			}
			out = o
			return nil
		})
	})
	return out, err
}

// openPayment returns the order's payment while it is pending or processing.
func (uc *OrderUC) openPayment(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	if uc.Payments == nil {
		return nil, nil
	}
	p, err := uc.Payments.FindByOrderID(ctx, orderID)
	if domain.IsKind(err, domain.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Status != domain.PaymentPending && p.Status != domain.PaymentProcessing {
		return nil, nil
	}
	return p, nil
}

func (uc *OrderUC) AddItem(ctx context.Context, actor domain.Actor, orderID uuid.UUID, in OrderItemInput) (*domain.Order, error) {
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	return uc.editLocked(ctx, actor, orderID, func(ctx context.Context, o *domain.Order) error {
		p, err := uc.Catalog.Products.FindByID(ctx, in.ProductID)
		if err != nil {
			return fmt.Errorf("product %s: %w", in.ProductID, err)
		}
		it, err := o.AddItem(p, in.Quantity)
		if err != nil {
			return err
		}
		return uc.Orders.SaveItem(ctx, it)
	})
}

// UpdateItem sets the quantity of a line; zero or less removes it.
func (uc *OrderUC) UpdateItem(ctx context.Context, actor domain.Actor, orderID, productID uuid.UUID, qty int) (*domain.Order, error) {
	return uc.editLocked(ctx, actor, orderID, func(ctx context.Context, o *domain.Order) error {
		i, ok := o.Item(productID)
		if !ok {
			return fmt.Errorf("%w: product %s is not on order %s", domain.ErrNotFound, productID, o.OrderNumber)
		}
		lineID := o.Items[i].ID
		p, err := uc.Catalog.Products.FindByID(ctx, productID)
		if err != nil {
			return fmt.Errorf("product %s: %w", productID, err)
		}
		it, removed, err := o.UpdateItemQuantity(p, qty)
		if err != nil {
			return err
		}
		if removed {
			return uc.Orders.DeleteItem(ctx, lineID)
		}
		return uc.Orders.SaveItem(ctx, it)
	})
}

func (uc *OrderUC) RemoveItem(ctx context.Context, actor domain.Actor, orderID, productID uuid.UUID) (*domain.Order, error) {
	return uc.editLocked(ctx, actor, orderID, func(ctx context.Context, o *domain.Order) error {
		it, err := o.RemoveItem(productID)
		if err != nil {
			return err
		}
		return uc.Orders.DeleteItem(ctx, it.ID)
	})
}

func (uc *OrderUC) SetAdjustments(ctx context.Context, actor domain.Actor, orderID uuid.UUID, in AdjustmentsInput) (*domain.Order, error) {
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	return uc.editLocked(ctx, actor, orderID, func(_ context.Context, o *domain.Order) error {
		return o.SetAdjustments(in.ShippingCost, in.Discount)
	})
}

// TransitionStatus is the admin status change. A move to canceled goes
// through Cancel so stock is restored.
func (uc *OrderUC) TransitionStatus(ctx context.Context, actor domain.Actor, orderID uuid.UUID, in StatusInput) (*domain.Order, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	if in.Status == domain.OrderCanceled {
		return uc.Cancel(ctx, actor, orderID, in.Notes)
	}
	var (
		out *domain.Order
		t   transition
	)
	err := withRetry(ctx, "transition_order", func() error {
		t = transition{}
		return uc.Tx.WithinTx(ctx, func(ctx context.Context) error {
			o, err := uc.Orders.FindByIDForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			res, err := uc.transitionLocked(ctx, o, in.Status, actor, in.Notes)
			if err != nil {
				return err
			}
			t = res
			out = o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	uc.afterCommit(ctx, t)
	return out, nil
}

// transitionLocked moves an order the caller already locked. History is
// appended before the order row is written; both share the caller's
// transaction.
func (uc *OrderUC) transitionLocked(ctx context.Context, o *domain.Order, to domain.OrderStatus, actor domain.Actor, notes string) (transition, error) {
	if to == domain.OrderCanceled {
		return uc.cancelLocked(ctx, o, actor, notes)
	}
	now := uc.now()
	from := o.Status
	if err := o.ApplyStatus(to, now); err != nil {
		return transition{}, err
	}
	if err := uc.History.Append(ctx, domain.NewHistoryEntry(o, from, to, actor, notes, now)); err != nil {
		return transition{}, err
	}
	var t transition
	if to == domain.OrderPaid {
		res, err := uc.reduceOrderStock(ctx, o)
		if err != nil {
			return transition{}, err
		}
		t.merge(res)
	}
	o.UpdatedAt = now
	if err := uc.Orders.Save(ctx, o); err != nil {
		return transition{}, err
	}
	t.events = append(t.events, statusEvent(o, from, to, actor))
	log.Info().Str("order", o.OrderNumber).Str("from", string(from)).Str("to", string(to)).Str("actor", actor.Email).Msg("order status changed")
	return t, nil
}

// reduceOrderStock takes every line off the shelf. Stock shortages do not
// undo the payment: they are logged and published for follow up. Storage
// errors abort the transaction.
func (uc *OrderUC) reduceOrderStock(ctx context.Context, o *domain.Order) (transition, error) {
	var t transition
	for i := range o.Items {
		it := &o.Items[i]
		if it.StockReduced {
			continue
		}
		p, err := uc.Catalog.reduceLocked(ctx, it.ProductID, it.Quantity)
		if err != nil {
			if !isStockShortage(err) {
				return transition{}, err
			}
			log.Error().Err(err).Str("order", o.OrderNumber).Str("product_id", it.ProductID.String()).
				Int("quantity", it.Quantity).Msg("stock reduction failed for paid order")
			if p == nil {
				p = &domain.Product{ID: it.ProductID, Name: it.ProductName}
			}
			t.events = append(t.events, outOfStockEvent(p, o, err.Error()))
			continue
		}
		it.StockReduced = true
		if err := uc.Orders.SaveItem(ctx, it); err != nil {
			return transition{}, err
		}
		t.slugs = append(t.slugs, p.Slug)
		if p.Stock == 0 {
			t.events = append(t.events, outOfStockEvent(p, o, "sold out"))
		}
	}
	return t, nil
}

func isStockShortage(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindState, domain.KindNotFound, domain.KindValidation:
		return true
	}
	return false
}

// Cancel applies the cancellation rules for the actor: customers may cancel
// their own pending orders, admins and the system any cancelable order.
func (uc *OrderUC) Cancel(ctx context.Context, actor domain.Actor, orderID uuid.UUID, notes string) (*domain.Order, error) {
	var (
		out *domain.Order
		t   transition
	)
	err := withRetry(ctx, "cancel_order", func() error {
		t = transition{}
		return uc.Tx.WithinTx(ctx, func(ctx context.Context) error {
			o, err := uc.Orders.FindByIDForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			if !actor.IsAdmin() && !actor.IsSystem() {
				if !actor.Owns(o.CustomerID) {
					return fmt.Errorf("%w: order %s", domain.ErrForbidden, o.OrderNumber)
				}
				if o.Status != domain.OrderPending {
					return fmt.Errorf("%w: customers can only cancel pending orders", domain.ErrForbidden)
				}
			}
			res, err := uc.cancelLocked(ctx, o, actor, notes)
			if err != nil {
				return err
			}
			t = res
			out = o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	uc.afterCommit(ctx, t)
	return out, nil
}

func (uc *OrderUC) cancelLocked(ctx context.Context, o *domain.Order, actor domain.Actor, notes string) (transition, error) {
	now := uc.now()
	from := o.Status
	if err := o.Cancel(now); err != nil {
		return transition{}, err
	}
	if notes == "" {
		notes = "Order canceled"
	}
	if err := uc.History.Append(ctx, domain.NewHistoryEntry(o, from, domain.OrderCanceled, actor, notes, now)); err != nil {
		return transition{}, err
	}
	var t transition
	restocked := 0
	for i := range o.Items {
		it := &o.Items[i]
		if !it.StockReduced {
			continue
		}
		p, err := uc.Catalog.increaseLocked(ctx, it.ProductID, it.Quantity)
		if domain.IsKind(err, domain.KindNotFound) {
			log.Error().Str("order", o.OrderNumber).Str("product_id", it.ProductID.String()).Msg("cannot restore stock of missing product")
			continue
		}
		if err != nil {
			return transition{}, err
		}
		it.StockReduced = false
		if err := uc.Orders.SaveItem(ctx, it); err != nil {
			return transition{}, err
		}
		t.slugs = append(t.slugs, p.Slug)
		restocked++
	}
	o.UpdatedAt = now
	if err := uc.Orders.Save(ctx, o); err != nil {
		return transition{}, err
	}
	t.events = append(t.events, statusEvent(o, from, domain.OrderCanceled, actor))
	log.Info().Str("order", o.OrderNumber).Str("from", string(from)).Int("restocked_lines", restocked).Msg("order canceled")
	return t, nil
}

func statusEvent(o *domain.Order, from, to domain.OrderStatus, actor domain.Actor) domain.Event {
	return domain.Event{
		Topic: domain.TopicOrderStatusUpdated,
		Key:   o.ID.String(),
		Payload: map[string]any{
			"order_id":     o.ID,
			"order_number": o.OrderNumber,
			"from":         from,
			"to":           to,
			"actor":        actor.Email,
		},
	}
}
