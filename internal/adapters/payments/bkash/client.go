package bkash

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/phenrril/ecomcore/internal/domain"
)

const statusOK = "0000"

type Config struct {
	BaseURL   string
	AppKey    string
	AppSecret string
	Username  string
	Password  string
	Timeout   time.Duration
}

// Client implements the bKash tokenized checkout. The grant token is cached
// and refreshed when it expires.
type Client struct {
	baseURL    string
	appKey     string
	httpClient *http.Client
	grant      *grantSource

	mu  sync.Mutex
	tok *oauth2.Token
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		baseURL:    base,
		appKey:     cfg.AppKey,
		httpClient: hc,
		grant:      &grantSource{cfg: cfg, baseURL: base, hc: hc, now: time.Now},
	}
}

// token returns the cached grant token or requests a new one bound to ctx.
// Concurrent callers wait for a single grant request.
func (c *Client) token(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok.Valid() {
		return c.tok, nil
	}
	tok, err := c.grant.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.tok = tok
	return tok, nil
}

func (c *Client) Kind() domain.Provider { return domain.ProviderBkash }

type grantSource struct {
	cfg     Config
	baseURL string
	hc      *http.Client
	now     func() time.Time
}

// fetch requests a fresh id_token from the grant endpoint.
func (g *grantSource) fetch(ctx context.Context) (*oauth2.Token, error) {
	body, _ := json.Marshal(map[string]string{"app_key": g.cfg.AppKey, "app_secret": g.cfg.AppSecret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/checkout/token/grant", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("username", g.cfg.Username)
	req.Header.Set("password", g.cfg.Password)
	res, err := g.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bkash token grant: %w", err)
	}
	defer res.Body.Close()
	var out struct {
		IDToken       string `json:"id_token"`
		RefreshToken  string `json:"refresh_token"`
		ExpiresIn     int64  `json:"expires_in"`
		StatusMessage string `json:"statusMessage"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bkash token grant: decode: %w", err)
	}
	if res.StatusCode >= 300 || out.IDToken == "" {
		msg := out.StatusMessage
		if msg == "" {
			msg = res.Status
		}
		return nil, fmt.Errorf("bkash token grant failed: %s", msg)
	}
	tok := &oauth2.Token{AccessToken: out.IDToken, RefreshToken: out.RefreshToken}
	if out.ExpiresIn > 0 {
		tok.Expiry = g.now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	log.Debug().Int64("expires_in", out.ExpiresIn).Msg("bkash token obtained")
	return tok, nil
}

type response struct {
	StatusCode        string `json:"statusCode"`
	StatusMessage     string `json:"statusMessage"`
	PaymentID         string `json:"paymentID"`
	BkashURL          string `json:"bkashURL"`
	TrxID             string `json:"trxID"`
	TransactionStatus string `json:"transactionStatus"`
	RefundTrxID       string `json:"refundTrxID"`
}

func (r response) ok() bool { return r.StatusCode == statusOK }

func (r response) message(fallback string) string {
	if r.StatusMessage != "" {
		return r.StatusMessage
	}
	return fallback
}

func (c *Client) CreateIntent(ctx context.Context, req domain.IntentRequest) (domain.IntentResult, error) {
	currency := req.Currency
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	var out response
	raw, err := c.call(ctx, http.MethodPost, "/checkout/payment/create", map[string]string{
		"amount":                req.Amount.StringFixed(2),
		"currency":              currency,
		"intent":                "sale",
		"merchantInvoiceNumber": req.OrderNumber,
	}, &out)
	if err != nil {
		return domain.IntentResult{}, err
	}
	if !out.ok() {
		return domain.IntentResult{}, errors.New(out.message("Payment creation failed"))
	}
	log.Info().Str("bkash_payment_id", out.PaymentID).Msg("bkash payment created")
	return domain.IntentResult{TransactionID: out.PaymentID, RedirectURL: out.BkashURL, Raw: raw}, nil
}

func (c *Client) Execute(ctx context.Context, req domain.ExecuteRequest) (domain.GatewayResult, error) {
	id := req.TransactionID
	if v := req.Data["paymentID"]; v != "" {
		id = v
	}
	var out response
	raw, err := c.call(ctx, http.MethodPost, "/checkout/payment/execute/"+url.PathEscape(id), nil, &out)
	if err != nil {
		return domain.GatewayResult{}, err
	}
	res := domain.GatewayResult{TransactionID: id, PaymentMethod: "bKash", Raw: raw}
	if !out.ok() {
		res.Status = domain.GatewayFailed
		res.Message = out.message("Execution failed")
		return res, nil
	}
	res.Status = domain.GatewaySucceeded
	res.Metadata = map[string]any{"trx_id": out.TrxID}
	return res, nil
}

func (c *Client) Query(ctx context.Context, transactionID string) (domain.GatewayResult, error) {
	var out response
	raw, err := c.call(ctx, http.MethodGet, "/checkout/payment/query/"+url.PathEscape(transactionID), nil, &out)
	if err != nil {
		return domain.GatewayResult{}, err
	}
	res := domain.GatewayResult{TransactionID: transactionID, Status: transactionStatus(out.TransactionStatus), Raw: raw}
	if out.TrxID != "" {
		res.Metadata = map[string]any{"trx_id": out.TrxID}
	}
	res.Message = out.TransactionStatus
	return res, nil
}

func (c *Client) Refund(ctx context.Context, req domain.RefundRequest) (domain.GatewayResult, error) {
	trxID, _ := req.Metadata["trx_id"].(string)
	reason := req.Reason
	if reason == "" {
		reason = "Order canceled"
	}
	var out response
	raw, err := c.call(ctx, http.MethodPost, "/checkout/payment/refund", map[string]string{
		"paymentID": req.TransactionID,
		"amount":    req.Amount.StringFixed(2),
		"trxID":     trxID,
		"sku":       "refund",
		"reason":    reason,
	}, &out)
	if err != nil {
		return domain.GatewayResult{}, err
	}
	if !out.ok() {
		return domain.GatewayResult{Status: domain.GatewayFailed, Message: out.message("Refund failed"), Raw: raw}, nil
	}
	return domain.GatewayResult{TransactionID: out.RefundTrxID, Status: domain.GatewaySucceeded, Raw: raw}, nil
}

// ParseWebhook reads a bKash payment notification. bKash does not sign its
// callbacks, so the signature is ignored.
func (c *Client) ParseWebhook(_ context.Context, payload []byte, _ string) (domain.WebhookEvent, error) {
	var out response
	if err := json.Unmarshal(payload, &out); err != nil {
		return domain.WebhookEvent{}, domain.Validationf("malformed bkash webhook: %v", err)
	}
	var raw map[string]any
	_ = json.Unmarshal(payload, &raw)
	return domain.WebhookEvent{
		Type:          "payment." + strings.ToLower(out.TransactionStatus),
		TransactionID: out.PaymentID,
		Status:        transactionStatus(out.TransactionStatus),
		Message:       out.message(out.TransactionStatus),
		Raw:           raw,
	}, nil
}

func transactionStatus(s string) domain.GatewayStatus {
	switch s {
	case "Completed":
		return domain.GatewaySucceeded
	case "Failed", "Cancelled", "Expired":
		return domain.GatewayFailed
	}
	return domain.GatewayPending
}

func (c *Client) call(ctx context.Context, method, path string, body any, dst *response) (map[string]any, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", tok.AccessToken)
	req.Header.Set("X-APP-Key", c.appKey)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bkash request %s: %w", path, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("bkash %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return nil, fmt.Errorf("decode bkash response: %w", err)
	}
	var raw map[string]any
	_ = json.Unmarshal(b, &raw)
	return raw, nil
}
