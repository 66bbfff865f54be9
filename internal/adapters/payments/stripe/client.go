package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"

	"github.com/phenrril/ecomcore/internal/domain"
)

const signatureTolerance = 5 * time.Minute

type Config struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
}

// Client talks to the Stripe REST API with form-encoded requests.
type Client struct {
	baseURL       string
	webhookSecret string
	httpClient    *http.Client
	now           func() time.Time
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.stripe.com"
	}
	hc := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.SecretKey,
		TokenType:   "Bearer",
	}))
	hc.Timeout = timeout
	return &Client{baseURL: base, webhookSecret: cfg.WebhookSecret, httpClient: hc, now: time.Now}
}

func (c *Client) Kind() domain.Provider { return domain.ProviderStripe }

type paymentIntent struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	ClientSecret       string            `json:"client_secret"`
	PaymentMethodTypes []string          `json:"payment_method_types"`
	Metadata           map[string]string `json:"metadata"`
	LastPaymentError   *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (c *Client) CreateIntent(ctx context.Context, req domain.IntentRequest) (domain.IntentResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(minorUnits(req.Amount), 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("description", "Order "+req.OrderNumber)
	form.Set("metadata[order_id]", req.OrderID.String())
	form.Set("metadata[order_number]", req.OrderNumber)
	form.Set("metadata[payment_id]", req.PaymentID.String())

	var pi paymentIntent
	raw, err := c.do(ctx, http.MethodPost, "/v1/payment_intents", form, &pi)
	if err != nil {
		return domain.IntentResult{}, err
	}
	log.Info().Str("intent_id", pi.ID).Msg("stripe payment intent created")
	return domain.IntentResult{TransactionID: pi.ID, ClientSecret: pi.ClientSecret, Raw: raw}, nil
}

// Execute retrieves the intent, confirming it first when the client sent a
// payment method.
func (c *Client) Execute(ctx context.Context, req domain.ExecuteRequest) (domain.GatewayResult, error) {
	id := req.TransactionID
	if v := req.Data["payment_intent_id"]; v != "" {
		id = v
	}
	if pm := req.Data["payment_method"]; pm != "" {
		form := url.Values{"payment_method": {pm}}
		var pi paymentIntent
		raw, err := c.do(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(id)+"/confirm", form, &pi)
		if err != nil {
			return domain.GatewayResult{}, err
		}
		return intentResult(pi, raw), nil
	}
	return c.Query(ctx, id)
}

func (c *Client) Query(ctx context.Context, transactionID string) (domain.GatewayResult, error) {
	var pi paymentIntent
	raw, err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(transactionID), nil, &pi)
	if err != nil {
		return domain.GatewayResult{}, err
	}
	return intentResult(pi, raw), nil
}

func (c *Client) Refund(ctx context.Context, req domain.RefundRequest) (domain.GatewayResult, error) {
	form := url.Values{}
	form.Set("payment_intent", req.TransactionID)
	form.Set("amount", strconv.FormatInt(minorUnits(req.Amount), 10))
	if req.Reason != "" {
		form.Set("metadata[reason]", req.Reason)
	}
	var r refund
	raw, err := c.do(ctx, http.MethodPost, "/v1/refunds", form, &r)
	if err != nil {
		return domain.GatewayResult{}, err
	}
	res := domain.GatewayResult{TransactionID: r.ID, Raw: raw}
	switch r.Status {
	case "succeeded":
		res.Status = domain.GatewaySucceeded
	case "pending":
		res.Status = domain.GatewayPending
	default:
		res.Status = domain.GatewayFailed
		res.Message = "refund " + r.Status
	}
	return res, nil
}

type webhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseWebhook checks the Stripe-Signature header and maps payment_intent
// events to a neutral status. Without a webhook secret nothing is accepted.
func (c *Client) ParseWebhook(_ context.Context, payload []byte, signature string) (domain.WebhookEvent, error) {
	if c.webhookSecret == "" {
		return domain.WebhookEvent{}, domain.Validationf("stripe webhooks are disabled: no webhook secret configured")
	}
	if err := verifySignature(payload, signature, c.webhookSecret, c.now()); err != nil {
		return domain.WebhookEvent{}, domain.Validationf("invalid stripe signature: %v", err)
	}
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return domain.WebhookEvent{}, domain.Validationf("malformed stripe webhook: %v", err)
	}
	var raw map[string]any
	_ = json.Unmarshal(payload, &raw)
	ev := domain.WebhookEvent{Type: env.Type, Status: domain.GatewayPending, Raw: raw}
	if !strings.HasPrefix(env.Type, "payment_intent.") {
		return ev, nil
	}
	var pi paymentIntent
	if err := json.Unmarshal(env.Data.Object, &pi); err != nil {
		return domain.WebhookEvent{}, domain.Validationf("malformed payment intent: %v", err)
	}
	ev.TransactionID = pi.ID
	switch env.Type {
	case "payment_intent.succeeded":
		ev.Status = domain.GatewaySucceeded
	case "payment_intent.payment_failed":
		ev.Status = domain.GatewayFailed
		ev.Message = "Payment failed"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Message != "" {
			ev.Message = pi.LastPaymentError.Message
		}
	}
	return ev, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, dst any) (map[string]any, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stripe request %s: %w", path, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
				Code    string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("stripe %d: %s", res.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("stripe %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return nil, fmt.Errorf("decode stripe response: %w", err)
	}
	var raw map[string]any
	_ = json.Unmarshal(b, &raw)
	return raw, nil
}

func intentResult(pi paymentIntent, raw map[string]any) domain.GatewayResult {
	res := domain.GatewayResult{TransactionID: pi.ID, Raw: raw, PaymentMethod: "card"}
	if len(pi.PaymentMethodTypes) > 0 {
		res.PaymentMethod = pi.PaymentMethodTypes[0]
	}
	switch pi.Status {
	case "succeeded":
		res.Status = domain.GatewaySucceeded
	case "canceled", "requires_payment_method":
		res.Status = domain.GatewayFailed
		res.Message = "Payment status: " + pi.Status
		if pi.LastPaymentError != nil && pi.LastPaymentError.Message != "" {
			res.Message = pi.LastPaymentError.Message
		}
	default:
		res.Status = domain.GatewayPending
		res.Message = "Payment status: " + pi.Status
	}
	return res
}

func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// verifySignature checks a "t=<unix>,v1=<hex>" header against
// HMAC-SHA256(secret, "<t>.<payload>").
func verifySignature(payload []byte, header, secret string, now time.Time) error {
	var (
		ts   int64
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("bad timestamp: %w", err)
			}
			ts = n
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return errors.New("missing timestamp or signature")
	}
	if d := now.Sub(time.Unix(ts, 0)); d > signatureTolerance || d < -signatureTolerance {
		return errors.New("timestamp outside tolerance")
	}
	expected := sign(payload, secret, ts)
	for _, s := range sigs {
		if hmac.Equal([]byte(s), []byte(expected)) {
			return nil
		}
	}
	return errors.New("no matching signature")
}

func sign(payload []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
