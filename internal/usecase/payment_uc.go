package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/phenrril/ecomcore/internal/domain"
	"github.com/phenrril/ecomcore/internal/validate"
)

type CreatePaymentInput struct {
	OrderID  uuid.UUID `json:"order_id" validate:"uuid_required"`
	Provider string    `json:"provider" validate:"required"`
	Currency string    `json:"currency" validate:"omitempty,len=3,alpha"`
}

type RefundInput struct {
	Amount *decimal.Decimal `json:"amount" validate:"omitempty,money"`
	Reason string           `json:"reason" validate:"max=255"`
}

// PaymentIntent is what the client needs to complete the payment with the
// provider: a redirect for wallets, a client secret for card processors.
type PaymentIntent struct {
	Payment      *domain.Payment `json:"payment"`
	RedirectURL  string          `json:"redirect_url,omitempty"`
	ClientSecret string          `json:"client_secret,omitempty"`
}

type PaymentUC struct {
	Payments        domain.PaymentRepo
	Orders          *OrderUC
	Providers       map[domain.Provider]domain.PaymentProvider
	Tx              domain.Transactor
	Events          domain.EventPublisher
	Timeout         time.Duration
	DefaultCurrency string
	Now             func() time.Time
}

func (uc *PaymentUC) now() time.Time {
	if uc.Now != nil {
		return uc.Now().UTC()
	}
	return time.Now().UTC()
}

// provider is the single place a provider kind turns into an implementation.
func (uc *PaymentUC) provider(kind domain.Provider) (domain.PaymentProvider, error) {
	p, ok := uc.Providers[kind]
	if !ok || p == nil {
		return nil, domain.Validationf("payment provider %s is not configured", kind)
	}
	return p, nil
}

func (uc *PaymentUC) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if uc.Timeout <= 0 {
		return context.WithTimeout(ctx, 15*time.Second)
	}
	return context.WithTimeout(ctx, uc.Timeout)
}

func (uc *PaymentUC) accessible(ctx context.Context, actor domain.Actor, p *domain.Payment) (*domain.Order, error) {
	o, err := uc.Orders.Orders.FindByID(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(o.CustomerID) {
		return nil, fmt.Errorf("%w: payment %s", domain.ErrForbidden, p.ID)
	}
	return o, nil
}

func (uc *PaymentUC) Get(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Payment, error) {
	p, err := uc.Payments.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := uc.accessible(ctx, actor, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (uc *PaymentUC) Logs(ctx context.Context, actor domain.Actor, id uuid.UUID) ([]domain.PaymentLog, error) {
	if _, err := uc.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return uc.Payments.ListLogs(ctx, id)
}

// CreatePayment opens the single payment of a pending order. An open payment
// is returned as is and a failed one is reset for another attempt.
func (uc *PaymentUC) CreatePayment(ctx context.Context, actor domain.Actor, in CreatePaymentInput) (*domain.Payment, error) {
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	kind, err := domain.ParseProvider(in.Provider)
	if err != nil {
		return nil, err
	}
	if _, err := uc.provider(kind); err != nil {
		return nil, err
	}
	currency := strings.ToUpper(in.Currency)
	if currency == "" {
		currency = uc.DefaultCurrency
	}
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	var out *domain.Payment
	err = withRetry(ctx, "create_payment", func() error {
		return uc.Tx.WithinTx(ctx, func(ctx context.Context) error {
			o, err := uc.Orders.Orders.FindByIDForUpdate(ctx, in.OrderID)
			if err != nil {
				return err
			}
			if !actor.IsAdmin() && !actor.Owns(o.CustomerID) {
				return fmt.Errorf("%w: order %s", domain.ErrForbidden, o.OrderNumber)
			}
			if o.Status != domain.OrderPending {
				return fmt.Errorf("%w: order %s is %s", domain.ErrPaymentState, o.OrderNumber, o.Status)
			}
			if len(o.Items) == 0 || !o.TotalAmount.IsPositive() {
				return domain.Validationf("order %s has nothing to pay", o.OrderNumber)
			}
			existing, err := uc.Payments.FindByOrderID(ctx, o.ID)
			switch {
			case domain.IsKind(err, domain.KindNotFound):
				p := &domain.Payment{
					ID:            uuid.New(),
					OrderID:       o.ID,
					Provider:      kind,
					TransactionID: domain.ProvisionalTransactionID(),
					Amount:        o.TotalAmount,
					Currency:      currency,
					Status:        domain.PaymentPending,
					Metadata:      map[string]any{"order_number": o.OrderNumber},
				}
				if err := uc.Payments.Create(ctx, p); err != nil {
					return err
				}
				out = p
				return nil
			case err != nil:
				return err
			}
			switch existing.Status {
			case domain.PaymentPending:
				if !existing.Amount.Equal(o.TotalAmount) {
					existing.Amount = o.TotalAmount
					if err := uc.Payments.Save(ctx, existing); err != nil {
						return err
					}
				}
				out = existing
				return nil
			case domain.PaymentProcessing:
				out = existing
				return nil
			case domain.PaymentFailed:
				if err := existing.ResetForRetry(o.TotalAmount); err != nil {
					return err
				}
				existing.Provider = kind
				existing.Currency = currency
				if err := uc.Payments.Save(ctx, existing); err != nil {
					return err
				}
				out = existing
				return nil
			}
			return fmt.Errorf("%w: order %s already has a %s payment", domain.ErrPaymentState, o.OrderNumber, existing.Status)
		})
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("payment_id", out.ID.String()).Str("provider", string(out.Provider)).Str("status", string(out.Status)).Msg("payment ready")
	return out, nil
}

// Initiate asks the provider for an intent. The provider call runs outside
// any transaction.
func (uc *PaymentUC) Initiate(ctx context.Context, actor domain.Actor, id uuid.UUID) (*PaymentIntent, error) {
	p, err := uc.Payments.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	o, err := uc.accessible(ctx, actor, p)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.PaymentPending {
		return nil, fmt.Errorf("%w: payment is %s", domain.ErrPaymentState, p.Status)
	}
	gw, err := uc.provider(p.Provider)
	if err != nil {
		return nil, err
	}
	cctx, cancel := uc.callCtx(ctx)
	res, callErr := gw.CreateIntent(cctx, domain.IntentRequest{
		PaymentID:   p.ID,
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		Amount:      p.Amount,
		Currency:    p.Currency,
	})
	cancel()
	if callErr != nil {
		perr := providerErr(p.Provider, callErr)
		if _, err := uc.markFailed(ctx, p.ID, perr.Error(), domain.PaymentEventError); err != nil {
			log.Error().Err(err).Str("payment_id", p.ID.String()).Msg("record failed intent")
		}
		return nil, perr
	}

	var out *domain.Payment
	err = uc.Tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := uc.Payments.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if locked.Status != domain.PaymentPending {
			return fmt.Errorf("%w: payment moved to %s during initiation", domain.ErrPaymentState, locked.Status)
		}
		locked.TransactionID = res.TransactionID
		locked.RawResponse = res.Raw
		locked.Status = domain.PaymentProcessing
		if err := uc.Payments.Save(ctx, locked); err != nil {
			return err
		}
		data := map[string]any{"transaction_id": res.TransactionID}
		if res.RedirectURL != "" {
			data["redirect_url"] = res.RedirectURL
		}
		if err := uc.Payments.AppendLog(ctx, domain.NewPaymentLog(locked.ID, domain.PaymentEventInitiated,
			"payment intent created", data, uc.now())); err != nil {
			return err
		}
		out = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("payment_id", out.ID.String()).Str("transaction_id", out.TransactionID).Msg("payment initiated")
	return &PaymentIntent{Payment: out, RedirectURL: res.RedirectURL, ClientSecret: res.ClientSecret}, nil
}

// Execute confirms the payment with the provider using the data the client
// brought back.
func (uc *PaymentUC) Execute(ctx context.Context, actor domain.Actor, id uuid.UUID, data map[string]string) (*domain.Payment, error) {
	p, err := uc.Payments.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := uc.accessible(ctx, actor, p); err != nil {
		return nil, err
	}
	if p.IsSuccessful() {
		return p, nil
	}
	if p.Status != domain.PaymentProcessing || !p.HasProviderTransaction() {
		return nil, fmt.Errorf("%w: payment is %s", domain.ErrPaymentState, p.Status)
	}
	gw, err := uc.provider(p.Provider)
	if err != nil {
		return nil, err
	}
	cctx, cancel := uc.callCtx(ctx)
	res, callErr := gw.Execute(cctx, domain.ExecuteRequest{TransactionID: p.TransactionID, Data: data})
	cancel()
	if callErr != nil {
		perr := providerErr(p.Provider, callErr)
		if _, err := uc.markFailed(ctx, p.ID, perr.Error(), domain.PaymentEventError); err != nil {
			log.Error().Err(err).Str("payment_id", p.ID.String()).Msg("record failed execution")
		}
		return nil, perr
	}
	return uc.applyResult(ctx, p.ID, actor, res)
}

func (uc *PaymentUC) applyResult(ctx context.Context, id uuid.UUID, actor domain.Actor, res domain.GatewayResult) (*domain.Payment, error) {
	switch res.Status {
	case domain.GatewaySucceeded:
		return uc.MarkSuccess(ctx, id, actor, &res)
	case domain.GatewayFailed:
		reason := res.Message
		if reason == "" {
			reason = "payment declined"
		}
		return uc.markFailed(ctx, id, reason, domain.PaymentEventFailed)
	}
	if err := uc.Payments.AppendLog(ctx, domain.NewPaymentLog(id, domain.PaymentEventProcessing, "payment still processing", res.Raw, uc.now())); err != nil {
		return nil, err
	}
	return uc.Payments.FindByID(ctx, id)
}

// Verify asks the provider for the current state and settles a completed
// payment locally. It reports whether the payment is successful now.
func (uc *PaymentUC) Verify(ctx context.Context, actor domain.Actor, id uuid.UUID) (bool, *domain.Payment, error) {
	p, err := uc.Payments.FindByID(ctx, id)
	if err != nil {
		return false, nil, err
	}
	if _, err := uc.accessible(ctx, actor, p); err != nil {
		return false, nil, err
	}
	if p.IsSuccessful() || !p.HasProviderTransaction() {
		return p.IsSuccessful(), p, nil
	}
	gw, err := uc.provider(p.Provider)
	if err != nil {
		return false, nil, err
	}
	cctx, cancel := uc.callCtx(ctx)
	res, err := gw.Query(cctx, p.TransactionID)
	cancel()
	if err != nil {
		return false, nil, providerErr(p.Provider, err)
	}
	if res.Status == domain.GatewaySucceeded && p.Status != domain.PaymentSuccess {
		p, err = uc.MarkSuccess(ctx, id, actor, &res)
		if err != nil {
			return false, nil, err
		}
	}
	return p.IsSuccessful(), p, nil
}

// HandleWebhook applies a provider notification. Unknown transactions and
// events without a final outcome are acknowledged and ignored. A reported
// outcome is only applied after the provider confirms it through Query, so a
// forged notification cannot settle a payment.
func (uc *PaymentUC) HandleWebhook(ctx context.Context, providerName string, payload []byte, signature string) error {
	kind, err := domain.ParseProvider(providerName)
	if err != nil {
		return err
	}
	gw, err := uc.provider(kind)
	if err != nil {
		return err
	}
	ev, err := gw.ParseWebhook(ctx, payload, signature)
	if err != nil {
		if domain.KindOf(err) != domain.KindUnknown {
			return err
		}
		return providerErr(kind, err)
	}
	if ev.TransactionID == "" {
		log.Warn().Str("provider", string(kind)).Str("type", ev.Type).Msg("webhook without transaction id ignored")
		return nil
	}
	p, err := uc.Payments.FindByTransactionID(ctx, kind, ev.TransactionID)
	if domain.IsKind(err, domain.KindNotFound) {
		log.Warn().Str("provider", string(kind)).Str("transaction_id", ev.TransactionID).Msg("webhook for unknown payment ignored")
		return nil
	}
	if err != nil {
		return err
	}
	if err := uc.Payments.AppendLog(ctx, domain.NewPaymentLog(p.ID, domain.PaymentEventWebhook,
		"webhook "+ev.Type, ev.Raw, uc.now())); err != nil {
		return err
	}
	if ev.Status != domain.GatewaySucceeded && ev.Status != domain.GatewayFailed {
		log.Debug().Str("type", ev.Type).Str("payment_id", p.ID.String()).Msg("webhook event ignored")
		return nil
	}
	if p.Status != domain.PaymentPending && p.Status != domain.PaymentProcessing {
		log.Debug().Str("type", ev.Type).Str("payment_id", p.ID.String()).Str("status", string(p.Status)).Msg("webhook for settled payment ignored")
		return nil
	}

	cctx, cancel := uc.callCtx(ctx)
	res, err := gw.Query(cctx, p.TransactionID)
	cancel()
	if err != nil {
		return providerErr(kind, err)
	}
	if res.Status != ev.Status {
		log.Warn().Str("payment_id", p.ID.String()).Str("type", ev.Type).Str("reported", string(ev.Status)).
			Str("confirmed", string(res.Status)).Msg("webhook outcome not confirmed by provider, ignored")
		return nil
	}
	if res.Status == domain.GatewayFailed && res.Message == "" {
		res.Message = ev.Message
		if res.Message == "" {
			res.Message = ev.Type
		}
	}
	_, err = uc.applyResult(ctx, p.ID, domain.SystemActor, res)
	return err
}

// MarkSuccess settles the payment and moves its order to paid in one
// transaction. A second call is a no-op. When the captured amount differs
// from the order total the order stays pending and the mismatch is logged
// on the payment for an admin to resolve.
func (uc *PaymentUC) MarkSuccess(ctx context.Context, id uuid.UUID, actor domain.Actor, res *domain.GatewayResult) (*domain.Payment, error) {
	var (
		out     *domain.Payment
		changed bool
		t       transition
	)
	err := withRetry(ctx, "mark_payment_success", func() error {
		t = transition{}
		changed = false
		return uc.Tx.WithinTx(ctx, func(ctx context.Context) error {
			p, err := uc.Payments.FindByIDForUpdate(ctx, id)
			if err != nil {
				return err
			}
			out = p
			now := uc.now()
			ok, err := p.MarkSuccess(now)
			if err != nil || !ok {
				return err
			}
			if res != nil {
				if res.PaymentMethod != "" {
					p.PaymentMethod = res.PaymentMethod
				}
				if res.Raw != nil {
					p.RawResponse = res.Raw
				}
				if len(res.Metadata) > 0 {
					if p.Metadata == nil {
						p.Metadata = map[string]any{}
					}
					for k, v := range res.Metadata {
						p.Metadata[k] = v
					}
				}
			}
			if err := uc.Payments.Save(ctx, p); err != nil {
				return err
			}
			if err := uc.Payments.AppendLog(ctx, domain.NewPaymentLog(p.ID, domain.PaymentEventSuccess,
				"payment completed", map[string]any{"transaction_id": p.TransactionID}, now)); err != nil {
				return err
			}
			o, err := uc.Orders.Orders.FindByIDForUpdate(ctx, p.OrderID)
			if err != nil {
				return err
			}
			switch {
			case o.Status == domain.OrderPending && !p.Amount.Equal(o.TotalAmount):
				msg := fmt.Sprintf("captured %s but order %s totals %s", p.Amount.StringFixed(2), o.OrderNumber, o.TotalAmount.StringFixed(2))
				if err := uc.Payments.AppendLog(ctx, domain.NewPaymentLog(p.ID, domain.PaymentEventError,
					"amount mismatch: "+msg, nil, now)); err != nil {
					return err
				}
				log.Error().Str("payment_id", p.ID.String()).Str("order", o.OrderNumber).Msg("payment amount mismatch, order left pending: " + msg)
			case o.Status == domain.OrderPending:
				paid, err := uc.Orders.transitionLocked(ctx, o, domain.OrderPaid, actor, "Payment received via "+string(p.Provider))
				if err != nil {
					return err
				}
				t.merge(paid)
			default:
				log.Warn().Str("order", o.OrderNumber).Str("status", string(o.Status)).Msg("payment succeeded for an order that is no longer pending")
			}
			t.events = append(t.events, paymentEvent(domain.TopicPaymentProcessed, p, ""))
			changed = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if changed {
		uc.Orders.afterCommit(ctx, t)
		log.Info().Str("payment_id", out.ID.String()).Str("order_id", out.OrderID.String()).Msg("payment succeeded")
	}
	return out, nil
}

// MarkFailed records a failed attempt. It is a no-op for payments that are
// already failed or settled.
func (uc *PaymentUC) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*domain.Payment, error) {
	return uc.markFailed(ctx, id, reason, domain.PaymentEventFailed)
}

func (uc *PaymentUC) markFailed(ctx context.Context, id uuid.UUID, reason string, ev domain.PaymentEvent) (*domain.Payment, error) {
	var (
		out     *domain.Payment
		changed bool
	)
	err := uc.Tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := uc.Payments.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out = p
		if !p.MarkFailed(reason) {
			return nil
		}
		changed = true
		if err := uc.Payments.Save(ctx, p); err != nil {
			return err
		}
		return uc.Payments.AppendLog(ctx, domain.NewPaymentLog(p.ID, ev, reason, nil, uc.now()))
	})
	if err != nil {
		return nil, err
	}
	if changed {
		log.Warn().Str("payment_id", out.ID.String()).Str("reason", reason).Msg("payment failed")
		publish(ctx, uc.Events, paymentEvent(domain.TopicPaymentFailed, out, reason))
	}
	return out, nil
}

// Refund returns money to the customer. The amount is reserved on the locked
// payment before the provider is called, so refunds can never add up to more
// than was captured. Once the reservations reach the payment amount the
// payment is refunded and the order canceled with its stock put back; smaller
// refunds are only logged.
func (uc *PaymentUC) Refund(ctx context.Context, actor domain.Actor, id uuid.UUID, in RefundInput) (*domain.Payment, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	p, err := uc.Payments.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	gw, err := uc.provider(p.Provider)
	if err != nil {
		return nil, err
	}
	var (
		amount decimal.Decimal
		full   bool
	)
	err = withRetry(ctx, "reserve_refund", func() error {
		return uc.Tx.WithinTx(ctx, func(ctx context.Context) error {
			locked, err := uc.Payments.FindByIDForUpdate(ctx, id)
			if err != nil {
				return err
			}
			amount, full, err = locked.ReserveRefund(in.Amount)
			if err != nil {
				return err
			}
			if err := uc.Payments.Save(ctx, locked); err != nil {
				return err
			}
			p = locked
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	cctx, cancel := uc.callCtx(ctx)
	res, callErr := gw.Refund(cctx, domain.RefundRequest{
		TransactionID: p.TransactionID,
		Amount:        amount,
		Currency:      p.Currency,
		Metadata:      p.Metadata,
		Reason:        in.Reason,
	})
	cancel()
	if callErr == nil && res.Status == domain.GatewayFailed {
		callErr = errors.New(res.Message)
	}
	if callErr != nil {
		perr := providerErr(p.Provider, callErr)
		uc.releaseRefund(ctx, id, amount, "refund failed: "+perr.Error())
		return nil, perr
	}

	data := map[string]any{"amount": amount.StringFixed(2), "refund_id": res.TransactionID, "full": full}
	if !full {
		if err := uc.Payments.AppendLog(ctx, domain.NewPaymentLog(p.ID, domain.PaymentEventRefund,
			"partial refund", data, uc.now())); err != nil {
			return nil, err
		}
		log.Info().Str("payment_id", p.ID.String()).Str("amount", amount.StringFixed(2)).
			Str("refundable", p.Refundable().StringFixed(2)).Msg("partial refund")
		return uc.Payments.FindByID(ctx, id)
	}

	var (
		out *domain.Payment
		t   transition
	)
	err = withRetry(ctx, "refund_payment", func() error {
		t = transition{}
		return uc.Tx.WithinTx(ctx, func(ctx context.Context) error {
			locked, err := uc.Payments.FindByIDForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if err := locked.MarkRefunded(); err != nil {
				return err
			}
			if err := uc.Payments.Save(ctx, locked); err != nil {
				return err
			}
			if err := uc.Payments.AppendLog(ctx, domain.NewPaymentLog(locked.ID, domain.PaymentEventRefund,
				"payment refunded", data, uc.now())); err != nil {
				return err
			}
			o, err := uc.Orders.Orders.FindByIDForUpdate(ctx, locked.OrderID)
			if err != nil {
				return err
			}
			if o.CanBeCanceled() {
				canceled, err := uc.Orders.cancelLocked(ctx, o, actor, "Payment refunded")
				if err != nil {
					return err
				}
				t = canceled
			} else {
				log.Warn().Str("order", o.OrderNumber).Str("status", string(o.Status)).Msg("refunded order cannot be canceled")
			}
			out = locked
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	uc.Orders.afterCommit(ctx, t)
	log.Info().Str("payment_id", out.ID.String()).Msg("payment refunded")
	return out, nil
}

// releaseRefund hands a reservation back after the provider refused it.
func (uc *PaymentUC) releaseRefund(ctx context.Context, id uuid.UUID, amount decimal.Decimal, reason string) {
	err := uc.Tx.WithinTx(context.WithoutCancel(ctx), func(ctx context.Context) error {
		p, err := uc.Payments.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		p.ReleaseRefund(amount)
		if err := uc.Payments.Save(ctx, p); err != nil {
			return err
		}
		return uc.Payments.AppendLog(ctx, domain.NewPaymentLog(p.ID, domain.PaymentEventError, reason, nil, uc.now()))
	})
	if err != nil {
		log.Error().Err(err).Str("payment_id", id.String()).Str("amount", amount.StringFixed(2)).Msg("release refund reservation")
	}
}

func providerErr(kind domain.Provider, err error) error {
	if domain.IsKind(err, domain.KindProvider) {
		return err
	}
	return domain.ProviderError(kind, err)
}

func paymentEvent(topic string, p *domain.Payment, reason string) domain.Event {
	payload := map[string]any{
		"payment_id":     p.ID,
		"order_id":       p.OrderID,
		"provider":       p.Provider,
		"transaction_id": p.TransactionID,
		"amount":         p.Amount.StringFixed(2),
		"currency":       p.Currency,
		"status":         p.Status,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return domain.Event{Topic: topic, Key: p.OrderID.String(), Payload: payload}
}
