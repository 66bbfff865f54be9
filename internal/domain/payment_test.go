package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentStateMachine(t *testing.T) {
	now := time.Now()
	p := &Payment{Status: PaymentProcessing, TransactionID: ProvisionalTransactionID(), Amount: dec("21.00")}
	assert.False(t, p.HasProviderTransaction())

	changed, err := p.MarkSuccess(now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, now, *p.CompletedAt)

	changed, err = p.MarkSuccess(now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, now, *p.CompletedAt)

	assert.False(t, p.MarkFailed("late failure"))
	assert.Equal(t, PaymentSuccess, p.Status)

	assert.ErrorIs(t, p.MarkRefunded(), ErrPaymentState, "nothing was refunded yet")
	_, full, err := p.ReserveRefund(nil)
	require.NoError(t, err)
	assert.True(t, full)
	require.NoError(t, p.MarkRefunded())
	assert.Equal(t, PaymentRefunded, p.Status)
	assert.ErrorIs(t, p.MarkRefunded(), ErrPaymentState)

	_, err = p.MarkSuccess(now)
	assert.ErrorIs(t, err, ErrPaymentState)
}

func TestRefundReservations(t *testing.T) {
	p := &Payment{Status: PaymentSuccess, Amount: dec("21.00")}

	got, full, err := p.ReserveRefund(decPtr("5.00"))
	require.NoError(t, err)
	assert.False(t, full)
	assert.Equal(t, "5.00", got.StringFixed(2))
	assert.Equal(t, "16.00", p.Refundable().StringFixed(2))

	_, _, err = p.ReserveRefund(decPtr("16.01"))
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, map[string]string{"amount": "must be in (0, 16.00]"}, DetailsOf(err))
	_, _, err = p.ReserveRefund(decPtr("0"))
	assert.Equal(t, KindValidation, KindOf(err))

	p.ReleaseRefund(got)
	assert.Equal(t, "21.00", p.Refundable().StringFixed(2))

	got, full, err = p.ReserveRefund(nil)
	require.NoError(t, err)
	assert.True(t, full)
	assert.Equal(t, "21.00", got.StringFixed(2))

	_, _, err = p.ReserveRefund(nil)
	assert.ErrorIs(t, err, ErrPaymentState)

	pending := &Payment{Status: PaymentProcessing, Amount: dec("21.00")}
	_, _, err = pending.ReserveRefund(nil)
	assert.ErrorIs(t, err, ErrPaymentState)
}

func TestPaymentRetryAfterFailure(t *testing.T) {
	p := &Payment{Status: PaymentPending, TransactionID: "pi_1"}
	assert.True(t, p.MarkFailed("card declined"))
	assert.False(t, p.MarkFailed("again"))
	assert.Equal(t, "card declined", p.ErrorMessage)

	require.NoError(t, p.ResetForRetry(dec("21.00")))
	assert.Equal(t, PaymentPending, p.Status)
	assert.Empty(t, p.ErrorMessage)
	assert.False(t, p.HasProviderTransaction())

	assert.ErrorIs(t, p.ResetForRetry(dec("21.00")), ErrPaymentState)
}

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider(" Stripe ")
	require.NoError(t, err)
	assert.Equal(t, ProviderStripe, p)

	_, err = ParseProvider("paypal")
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestErrorKinds(t *testing.T) {
	wrapped := fmt.Errorf("%w: order 1", ErrInvalidTransition)
	assert.ErrorIs(t, wrapped, ErrInvalidTransition)
	assert.Equal(t, KindState, KindOf(wrapped))

	perr := ProviderError(ProviderBkash, errors.New("timeout"))
	assert.Equal(t, KindProvider, KindOf(perr))
	assert.EqualError(t, perr, "bkash provider error: timeout")

	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.True(t, IsKind(ConcurrencyError(errors.New("dup")), KindConcurrency))

	verr := NewValidationError("invalid input", map[string]string{"qty": "min"})
	assert.Equal(t, map[string]string{"qty": "min"}, DetailsOf(verr))
}
