package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenrril/ecomcore/internal/domain"
)

// pendingPayment returns an initiated stripe payment for a 2 x 10.00 order.
func pendingPayment(t *testing.T, f *fixture) (*domain.Product, *domain.Order, *domain.Payment) {
	t.Helper()
	ctx := context.Background()
	p := f.seedProduct("Headphones", "10.00", 5)
	o, err := f.orders.Create(ctx, customer, orderInput(p.ID, 2))
	require.NoError(t, err)

	pay, err := f.payments.CreatePayment(ctx, customer, CreatePaymentInput{OrderID: o.ID, Provider: "stripe"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, pay.Status)
	assert.Equal(t, "21.00", pay.Amount.StringFixed(2))
	assert.Equal(t, "BDT", pay.Currency)
	assert.False(t, pay.HasProviderTransaction())

	f.provider.intent = domain.IntentResult{TransactionID: "pi_123", ClientSecret: "pi_123_secret", Raw: map[string]any{"id": "pi_123"}}
	intent, err := f.payments.Initiate(ctx, customer, pay.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_123_secret", intent.ClientSecret)
	assert.Equal(t, domain.PaymentProcessing, intent.Payment.Status)
	assert.Equal(t, "pi_123", intent.Payment.TransactionID)
	return p, o, intent.Payment
}

func TestPaymentSuccessPaysOrderOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, o, pay := pendingPayment(t, f)

	f.provider.execute = domain.GatewayResult{Status: domain.GatewaySucceeded, PaymentMethod: "card"}
	got, err := f.payments.Execute(ctx, customer, pay.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSuccess, got.Status)
	assert.Equal(t, "card", got.PaymentMethod)
	require.NotNil(t, got.CompletedAt)

	order, err := f.orders.Get(ctx, admin, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaid, order.Status)
	assert.Equal(t, 3, f.store.stockOf(p.ID))

	// a late webhook and a second direct call change nothing
	f.provider.webhook = domain.WebhookEvent{Type: "payment_intent.succeeded", TransactionID: "pi_123", Status: domain.GatewaySucceeded}
	require.NoError(t, f.payments.HandleWebhook(ctx, "stripe", []byte(`{}`), "sig"))
	_, err = f.payments.MarkSuccess(ctx, pay.ID, domain.SystemActor, nil)
	require.NoError(t, err)

	assert.Len(t, f.store.historyFor(o.ID), 1)
	assert.Equal(t, 3, f.store.stockOf(p.ID))
	assert.Equal(t, 1, f.events.count(domain.TopicPaymentProcessed))
	assert.Equal(t, []domain.PaymentEvent{
		domain.PaymentEventInitiated, domain.PaymentEventSuccess, domain.PaymentEventWebhook,
	}, f.store.logEvents(pay.ID))
}

func TestInitiateFailureMarksPaymentFailed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := f.seedProduct("Speaker", "10.00", 5)
	o, err := f.orders.Create(ctx, customer, orderInput(p.ID, 1))
	require.NoError(t, err)
	pay, err := f.payments.CreatePayment(ctx, customer, CreatePaymentInput{OrderID: o.ID, Provider: "stripe"})
	require.NoError(t, err)

	f.provider.intentErr = errors.New("card network down")
	_, err = f.payments.Initiate(ctx, customer, pay.ID)
	require.Error(t, err)
	assert.Equal(t, domain.KindProvider, domain.KindOf(err))
	assert.Contains(t, err.Error(), "stripe provider error: card network down")

	failed, err := f.payments.Get(ctx, customer, pay.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, failed.Status)
	assert.NotEmpty(t, failed.ErrorMessage)
	assert.Equal(t, []domain.PaymentEvent{domain.PaymentEventError}, f.store.logEvents(pay.ID))
	assert.Equal(t, 1, f.events.count(domain.TopicPaymentFailed))

	order, err := f.orders.Get(ctx, customer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, order.Status, "provider failures never touch the order")

	// retry resets the same payment with a fresh provisional id
	retried, err := f.payments.CreatePayment(ctx, customer, CreatePaymentInput{OrderID: o.ID, Provider: "stripe"})
	require.NoError(t, err)
	assert.Equal(t, pay.ID, retried.ID)
	assert.Equal(t, domain.PaymentPending, retried.Status)
	assert.NotEqual(t, pay.TransactionID, retried.TransactionID)
	assert.Empty(t, retried.ErrorMessage)
}

func TestExecuteDeclined(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, o, pay := pendingPayment(t, f)

	f.provider.execute = domain.GatewayResult{Status: domain.GatewayFailed, Message: "insufficient funds"}
	got, err := f.payments.Execute(ctx, customer, pay.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, got.Status)
	assert.Equal(t, "insufficient funds", got.ErrorMessage)

	order, err := f.orders.Get(ctx, customer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, order.Status)
}

func TestExecuteTransportError(t *testing.T) {
	f := newFixture()
	_, _, pay := pendingPayment(t, f)

	f.provider.execErr = context.DeadlineExceeded
	_, err := f.payments.Execute(context.Background(), customer, pay.ID, nil)
	assert.Equal(t, domain.KindProvider, domain.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.PaymentFailed, f.store.payments[pay.ID].Status)
}

func TestVerifySettlesCompletedPayment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, o, pay := pendingPayment(t, f)

	f.provider.query = domain.GatewayResult{Status: domain.GatewayPending}
	ok, _, err := f.payments.Verify(ctx, customer, pay.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	f.provider.query = domain.GatewayResult{Status: domain.GatewaySucceeded}
	ok, got, err := f.payments.Verify(ctx, customer, pay.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.PaymentSuccess, got.Status)
	order, err := f.orders.Get(ctx, customer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaid, order.Status)
}

func TestWebhookFailureAndUnknownTransactions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, _, pay := pendingPayment(t, f)

	f.provider.webhook = domain.WebhookEvent{Type: "payment_intent.succeeded", TransactionID: "pi_unknown", Status: domain.GatewaySucceeded}
	require.NoError(t, f.payments.HandleWebhook(ctx, "stripe", nil, ""))

	f.provider.webhook = domain.WebhookEvent{Type: "payment_intent.created", TransactionID: "pi_123", Status: domain.GatewayPending}
	require.NoError(t, f.payments.HandleWebhook(ctx, "stripe", nil, ""))
	assert.Equal(t, domain.PaymentProcessing, f.store.payments[pay.ID].Status)

	f.provider.webhook = domain.WebhookEvent{Type: "payment_intent.payment_failed", TransactionID: "pi_123", Status: domain.GatewayFailed}
	f.provider.query = domain.GatewayResult{Status: domain.GatewayFailed, Message: "card declined"}
	require.NoError(t, f.payments.HandleWebhook(ctx, "stripe", nil, ""))
	assert.Equal(t, domain.PaymentFailed, f.store.payments[pay.ID].Status)
	assert.Equal(t, "card declined", f.store.payments[pay.ID].ErrorMessage)

	f.provider.hookErr = domain.Validationf("invalid webhook signature")
	err := f.payments.HandleWebhook(ctx, "stripe", nil, "bad")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	err = f.payments.HandleWebhook(ctx, "paypal", nil, "")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	err = f.payments.HandleWebhook(ctx, "bkash", nil, "")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err), "provider not configured")
}

func TestWebhookOutcomeMustMatchProvider(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, o, pay := pendingPayment(t, f)

	f.provider.webhook = domain.WebhookEvent{Type: "payment_intent.succeeded", TransactionID: "pi_123", Status: domain.GatewaySucceeded}
	f.provider.query = domain.GatewayResult{Status: domain.GatewayPending}
	require.NoError(t, f.payments.HandleWebhook(ctx, "stripe", []byte(`{}`), ""))

	assert.Equal(t, domain.PaymentProcessing, f.store.payments[pay.ID].Status)
	assert.Equal(t, domain.OrderPending, f.store.orders[o.ID].Status)
	assert.Equal(t, 5, f.store.stockOf(p.ID))
	assert.Zero(t, f.events.count(domain.TopicPaymentProcessed))

	f.provider.query = domain.GatewayResult{Status: domain.GatewaySucceeded}
	require.NoError(t, f.payments.HandleWebhook(ctx, "stripe", []byte(`{}`), ""))
	assert.Equal(t, domain.PaymentSuccess, f.store.payments[pay.ID].Status)
	assert.Equal(t, domain.OrderPaid, f.store.orders[o.ID].Status)
	assert.Equal(t, 3, f.store.stockOf(p.ID))
}

func TestPaymentAmountMismatchLeavesOrderPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, o, pay := pendingPayment(t, f)
	stale := f.store.payments[pay.ID]
	stale.Amount = decimal.RequireFromString("1.00")
	f.store.payments[pay.ID] = stale

	f.provider.execute = domain.GatewayResult{Status: domain.GatewaySucceeded}
	got, err := f.payments.Execute(ctx, customer, pay.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSuccess, got.Status)

	assert.Equal(t, domain.OrderPending, f.store.orders[o.ID].Status)
	assert.Equal(t, 5, f.store.stockOf(p.ID))
	assert.Empty(t, f.store.historyFor(o.ID))
	assert.Contains(t, f.store.logEvents(pay.ID), domain.PaymentEventError)
}

func TestRefund(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, o, pay := pendingPayment(t, f)
	f.provider.execute = domain.GatewayResult{Status: domain.GatewaySucceeded}
	_, err := f.payments.Execute(ctx, customer, pay.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 3, f.store.stockOf(p.ID))

	_, err = f.payments.Refund(ctx, customer, pay.ID, RefundInput{})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	tooMuch := decimal.RequireFromString("21.01")
	_, err = f.payments.Refund(ctx, admin, pay.ID, RefundInput{Amount: &tooMuch})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Empty(t, f.provider.refunds, "rejected before the provider is called")

	f.provider.refund = domain.GatewayResult{TransactionID: "re_1", Status: domain.GatewaySucceeded}
	part := decimal.RequireFromString("5.00")
	got, err := f.payments.Refund(ctx, admin, pay.ID, RefundInput{Amount: &part, Reason: "damaged box"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSuccess, got.Status, "partial refunds keep the payment settled")
	assert.Equal(t, "5.00", got.RefundedAmount.StringFixed(2))
	assert.Equal(t, domain.OrderPaid, f.store.orders[o.ID].Status)

	over := decimal.RequireFromString("16.01")
	_, err = f.payments.Refund(ctx, admin, pay.ID, RefundInput{Amount: &over})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	require.Len(t, f.provider.refunds, 1)

	got, err = f.payments.Refund(ctx, admin, pay.ID, RefundInput{Reason: "returned"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, got.Status)
	assert.Equal(t, domain.OrderCanceled, f.store.orders[o.ID].Status)
	assert.Equal(t, 5, f.store.stockOf(p.ID))
	require.Len(t, f.provider.refunds, 2)
	assert.Equal(t, "16.00", f.provider.refunds[1].Amount.StringFixed(2))

	_, err = f.payments.Refund(ctx, admin, pay.ID, RefundInput{})
	assert.ErrorIs(t, err, domain.ErrPaymentState)
	assert.Len(t, f.provider.refunds, 2)
}

func TestRefundPartialsAddUpToFull(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, o, pay := pendingPayment(t, f)
	f.provider.execute = domain.GatewayResult{Status: domain.GatewaySucceeded}
	_, err := f.payments.Execute(ctx, customer, pay.ID, nil)
	require.NoError(t, err)

	f.provider.refund = domain.GatewayResult{Status: domain.GatewaySucceeded}
	seven := decimal.RequireFromString("7.00")
	for i := 0; i < 2; i++ {
		got, err := f.payments.Refund(ctx, admin, pay.ID, RefundInput{Amount: &seven})
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentSuccess, got.Status)
	}
	got, err := f.payments.Refund(ctx, admin, pay.ID, RefundInput{Amount: &seven})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, got.Status)
	assert.Equal(t, "21.00", got.RefundedAmount.StringFixed(2))
	assert.Equal(t, domain.OrderCanceled, f.store.orders[o.ID].Status)
	assert.Equal(t, 5, f.store.stockOf(p.ID))

	_, err = f.payments.Refund(ctx, admin, pay.ID, RefundInput{Amount: &seven})
	assert.ErrorIs(t, err, domain.ErrPaymentState)
	assert.Len(t, f.provider.refunds, 3)
}

func TestRefundProviderFailureReleasesReservation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, o, pay := pendingPayment(t, f)
	f.provider.execute = domain.GatewayResult{Status: domain.GatewaySucceeded}
	_, err := f.payments.Execute(ctx, customer, pay.ID, nil)
	require.NoError(t, err)

	f.provider.refundErr = errors.New("gateway timeout")
	_, err = f.payments.Refund(ctx, admin, pay.ID, RefundInput{})
	assert.Equal(t, domain.KindProvider, domain.KindOf(err))
	assert.True(t, f.store.payments[pay.ID].RefundedAmount.IsZero())
	assert.Equal(t, domain.PaymentSuccess, f.store.payments[pay.ID].Status)
	assert.Equal(t, domain.OrderPaid, f.store.orders[o.ID].Status)

	f.provider.refundErr = nil
	f.provider.refund = domain.GatewayResult{Status: domain.GatewayFailed, Message: "insufficient balance"}
	_, err = f.payments.Refund(ctx, admin, pay.ID, RefundInput{})
	assert.Equal(t, domain.KindProvider, domain.KindOf(err))
	assert.True(t, f.store.payments[pay.ID].RefundedAmount.IsZero())

	f.provider.refund = domain.GatewayResult{Status: domain.GatewaySucceeded}
	got, err := f.payments.Refund(ctx, admin, pay.ID, RefundInput{})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, got.Status)
	assert.Equal(t, "21.00", f.provider.refunds[2].Amount.StringFixed(2))
}

func TestCreatePaymentRules(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, o, pay := pendingPayment(t, f)

	again, err := f.payments.CreatePayment(ctx, customer, CreatePaymentInput{OrderID: o.ID, Provider: "stripe"})
	require.NoError(t, err)
	assert.Equal(t, pay.ID, again.ID, "open payment is reused")

	_, err = f.payments.CreatePayment(ctx, stranger, CreatePaymentInput{OrderID: o.ID, Provider: "stripe"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.payments.CreatePayment(ctx, customer, CreatePaymentInput{OrderID: o.ID, Provider: "paypal"})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	_, err = f.payments.CreatePayment(ctx, customer, CreatePaymentInput{OrderID: uuid.New(), Provider: "stripe"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.provider.execute = domain.GatewayResult{Status: domain.GatewaySucceeded}
	_, err = f.payments.Execute(ctx, customer, pay.ID, nil)
	require.NoError(t, err)
	_, err = f.payments.CreatePayment(ctx, customer, CreatePaymentInput{OrderID: o.ID, Provider: "stripe"})
	assert.ErrorIs(t, err, domain.ErrPaymentState)

	logs, err := f.payments.Logs(ctx, customer, pay.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentEventSuccess, logs[0].EventType)
}
