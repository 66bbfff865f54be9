package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type CategoryRepo interface {
	Create(ctx context.Context, c *Category) error
	Save(ctx context.Context, c *Category) error
	FindByID(ctx context.Context, id uuid.UUID) (*Category, error)
	FindBySlug(ctx context.Context, slug string) (*Category, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*Category, error)
	// ListAll returns every category ordered by name, then id.
	ListAll(ctx context.Context) ([]Category, error)
	DeleteMany(ctx context.Context, ids []uuid.UUID) error
}

type ProductRepo interface {
	Create(ctx context.Context, p *Product) error
	Save(ctx context.Context, p *Product) error
	FindByID(ctx context.Context, id uuid.UUID) (*Product, error)
	FindBySlug(ctx context.Context, slug string) (*Product, error)
	// FindByIDForUpdate locks the row until the surrounding transaction ends.
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*Product, error)
	List(ctx context.Context, f ProductFilter) ([]Product, int64, error)
	ListByCategoryIDs(ctx context.Context, ids []uuid.UUID, activeOnly bool) ([]Product, error)
	ListLowStock(ctx context.Context, threshold int) ([]Product, error)
	UpdateStock(ctx context.Context, p *Product) error
	ClearCategory(ctx context.Context, categoryIDs []uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type OrderRepo interface {
	Create(ctx context.Context, o *Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*Order, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*Order, error)
	List(ctx context.Context, f OrderFilter) ([]Order, int64, error)
	// Save persists the order row only, items are written separately.
	Save(ctx context.Context, o *Order) error
	SaveItem(ctx context.Context, it *OrderItem) error
	DeleteItem(ctx context.Context, id uuid.UUID) error
	// NextSequence returns the next order sequence for day (YYYYMMDD).
	NextSequence(ctx context.Context, day string) (int, error)
	CountItemsForProduct(ctx context.Context, productID uuid.UUID) (int64, error)
	Summary(ctx context.Context) (OrderSummary, error)
}

type HistoryRepo interface {
	Append(ctx context.Context, h *OrderStatusHistory) error
	// ListByOrder returns the most recent entry first.
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]OrderStatusHistory, error)
}

type PaymentRepo interface {
	Create(ctx context.Context, p *Payment) error
	Save(ctx context.Context, p *Payment) error
	FindByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*Payment, error)
	FindByOrderID(ctx context.Context, orderID uuid.UUID) (*Payment, error)
	FindByTransactionID(ctx context.Context, provider Provider, txID string) (*Payment, error)
	AppendLog(ctx context.Context, l *PaymentLog) error
	ListLogs(ctx context.Context, paymentID uuid.UUID) ([]PaymentLog, error)
}

type CustomerRepo interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Customer, error)
	FindByEmail(ctx context.Context, email string) (*Customer, error)
	Save(ctx context.Context, c *Customer) error
}

// Transactor runs fn inside a database transaction. Repositories pick the
// transaction up from the context passed to fn.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Cache interface {
	// Get decodes the cached value into dst and reports whether it was found.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
}

type Event struct {
	Topic   string
	Key     string
	Payload any
}

type EventPublisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// PaymentProvider is the capability set every gateway implements. Results
// are provider neutral; transport failures come back as errors.
type PaymentProvider interface {
	Kind() Provider
	CreateIntent(ctx context.Context, req IntentRequest) (IntentResult, error)
	Execute(ctx context.Context, req ExecuteRequest) (GatewayResult, error)
	Query(ctx context.Context, transactionID string) (GatewayResult, error)
	ParseWebhook(ctx context.Context, payload []byte, signature string) (WebhookEvent, error)
	Refund(ctx context.Context, req RefundRequest) (GatewayResult, error)
}

const (
	TopicOrderStatusUpdated  = "order-status-updated"
	TopicPaymentProcessed    = "payment-processed"
	TopicPaymentFailed       = "payment-failed"
	TopicInventoryOutOfStock = "inventory-out-of-stock"
)
