package usecase

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/phenrril/ecomcore/internal/domain"
)

var testNow = time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

type txCtxKey struct{}

// memStore is an in-memory stand-in for every repository. WithinTx holds the
// store mutex for the whole callback, which serializes transactions the way
// row locks would, and restores a snapshot when the callback fails.
type memStore struct {
	mu         sync.Mutex
	categories map[uuid.UUID]domain.Category
	products   map[uuid.UUID]domain.Product
	orders     map[uuid.UUID]domain.Order
	items      []domain.OrderItem
	history    []domain.OrderStatusHistory
	payments   map[uuid.UUID]domain.Payment
	logs       []domain.PaymentLog
	customers  map[uuid.UUID]domain.Customer
	seqs       map[string]int

	// nextSeqErrs are returned by NextSequence before it succeeds.
	nextSeqErrs []error
	// updateStockErr is returned by every UpdateStock call when set.
	updateStockErr error
}

func newMemStore() *memStore {
	return &memStore{
		categories: map[uuid.UUID]domain.Category{},
		products:   map[uuid.UUID]domain.Product{},
		orders:     map[uuid.UUID]domain.Order{},
		payments:   map[uuid.UUID]domain.Payment{},
		customers:  map[uuid.UUID]domain.Customer{},
		seqs:       map[string]int{},
	}
}

func (s *memStore) lock(ctx context.Context) func() {
	if ctx.Value(txCtxKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type snapshot struct {
	categories map[uuid.UUID]domain.Category
	products   map[uuid.UUID]domain.Product
	orders     map[uuid.UUID]domain.Order
	items      []domain.OrderItem
	history    []domain.OrderStatusHistory
	payments   map[uuid.UUID]domain.Payment
	logs       []domain.PaymentLog
	customers  map[uuid.UUID]domain.Customer
	seqs       map[string]int
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memStore) snapshot() snapshot {
	return snapshot{
		categories: cloneMap(s.categories),
		products:   cloneMap(s.products),
		orders:     cloneMap(s.orders),
		items:      append([]domain.OrderItem(nil), s.items...),
		history:    append([]domain.OrderStatusHistory(nil), s.history...),
		payments:   cloneMap(s.payments),
		logs:       append([]domain.PaymentLog(nil), s.logs...),
		customers:  cloneMap(s.customers),
		seqs:       cloneMap(s.seqs),
	}
}

func (s *memStore) restore(sn snapshot) {
	s.categories, s.products, s.orders = sn.categories, sn.products, sn.orders
	s.items, s.history = sn.items, sn.history
	s.payments, s.logs = sn.payments, sn.logs
	s.customers, s.seqs = sn.customers, sn.seqs
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txCtxKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sn := s.snapshot()
	if err := fn(context.WithValue(ctx, txCtxKey{}, true)); err != nil {
		s.restore(sn)
		return err
	}
	return nil
}

// categories

type memCategories struct{ *memStore }

func (r memCategories) Create(ctx context.Context, c *domain.Category) error {
	defer r.lock(ctx)()
	for _, other := range r.categories {
		if other.Name == c.Name || other.Slug == c.Slug {
			return domain.Validationf("category name or slug already exists")
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	r.categories[c.ID] = *c
	return nil
}

func (r memCategories) Save(ctx context.Context, c *domain.Category) error {
	defer r.lock(ctx)()
	r.categories[c.ID] = *c
	return nil
}

func (r memCategories) FindByID(ctx context.Context, id uuid.UUID) (*domain.Category, error) {
	defer r.lock(ctx)()
	c, ok := r.categories[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (r memCategories) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Category, error) {
	return r.FindByID(ctx, id)
}

func (r memCategories) FindBySlug(ctx context.Context, slug string) (*domain.Category, error) {
	defer r.lock(ctx)()
	for _, c := range r.categories {
		if c.Slug == slug {
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r memCategories) ListAll(ctx context.Context) ([]domain.Category, error) {
	defer r.lock(ctx)()
	out := make([]domain.Category, 0, len(r.categories))
	for _, c := range r.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r memCategories) DeleteMany(ctx context.Context, ids []uuid.UUID) error {
	defer r.lock(ctx)()
	for _, id := range ids {
		delete(r.categories, id)
	}
	return nil
}

// products

type memProducts struct{ *memStore }

func (r memProducts) Create(ctx context.Context, p *domain.Product) error {
	defer r.lock(ctx)()
	for _, other := range r.products {
		if other.SKU == p.SKU || other.Slug == p.Slug {
			return domain.Validationf("product sku or slug already exists")
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.NormalizeStatus()
	r.products[p.ID] = *p
	return nil
}

func (r memProducts) Save(ctx context.Context, p *domain.Product) error {
	defer r.lock(ctx)()
	p.NormalizeStatus()
	r.products[p.ID] = *p
	return nil
}

func (r memProducts) FindByID(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	defer r.lock(ctx)()
	p, ok := r.products[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (r memProducts) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	return r.FindByID(ctx, id)
}

func (r memProducts) FindBySlug(ctx context.Context, slug string) (*domain.Product, error) {
	defer r.lock(ctx)()
	for _, p := range r.products {
		if p.Slug == slug {
			return &p, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r memProducts) sorted() []domain.Product {
	out := make([]domain.Product, 0, len(r.products))
	for _, p := range r.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r memProducts) List(ctx context.Context, f domain.ProductFilter) ([]domain.Product, int64, error) {
	defer r.lock(ctx)()
	var out []domain.Product
	q := strings.ToLower(f.Query)
	for _, p := range r.sorted() {
		if q != "" && !strings.Contains(strings.ToLower(p.Name+" "+p.SKU+" "+p.Description), q) {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, p)
	}
	return out, int64(len(out)), nil
}

func (r memProducts) ListByCategoryIDs(ctx context.Context, ids []uuid.UUID, activeOnly bool) ([]domain.Product, error) {
	defer r.lock(ctx)()
	out := []domain.Product{}
	for _, p := range r.sorted() {
		if p.CategoryID == nil || (activeOnly && p.Status != domain.ProductActive) {
			continue
		}
		for _, id := range ids {
			if *p.CategoryID == id {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

func (r memProducts) ListLowStock(ctx context.Context, threshold int) ([]domain.Product, error) {
	defer r.lock(ctx)()
	var out []domain.Product
	for _, p := range r.sorted() {
		if p.IsLowStock(threshold) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r memProducts) UpdateStock(ctx context.Context, p *domain.Product) error {
	defer r.lock(ctx)()
	if r.updateStockErr != nil {
		return r.updateStockErr
	}
	cur, ok := r.products[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	p.NormalizeStatus()
	cur.Stock, cur.Status = p.Stock, p.Status
	r.products[p.ID] = cur
	return nil
}

func (r memProducts) ClearCategory(ctx context.Context, ids []uuid.UUID) error {
	defer r.lock(ctx)()
	for id, p := range r.products {
		if p.CategoryID == nil {
			continue
		}
		for _, c := range ids {
			if *p.CategoryID == c {
				p.CategoryID = nil
				r.products[id] = p
				break
			}
		}
	}
	return nil
}

func (r memProducts) Delete(ctx context.Context, id uuid.UUID) error {
	defer r.lock(ctx)()
	if _, ok := r.products[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.products, id)
	return nil
}

// orders

type memOrders struct{ *memStore }

func (r memOrders) Create(ctx context.Context, o *domain.Order) error {
	defer r.lock(ctx)()
	for _, other := range r.orders {
		if other.OrderNumber == o.OrderNumber {
			return domain.ConcurrencyError(nil)
		}
	}
	row := *o
	row.Items = nil
	r.orders[o.ID] = row
	return nil
}

func (r memOrders) load(id uuid.UUID) (*domain.Order, error) {
	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	o.Items = []domain.OrderItem{}
	for _, it := range r.items {
		if it.OrderID == id {
			o.Items = append(o.Items, it)
		}
	}
	return &o, nil
}

func (r memOrders) FindByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	defer r.lock(ctx)()
	return r.load(id)
}

func (r memOrders) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return r.FindByID(ctx, id)
}

func (r memOrders) List(ctx context.Context, f domain.OrderFilter) ([]domain.Order, int64, error) {
	defer r.lock(ctx)()
	var out []domain.Order
	for id, o := range r.orders {
		if f.CustomerID != nil && o.CustomerID != *f.CustomerID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		full, _ := r.load(id)
		out = append(out, *full)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNumber > out[j].OrderNumber })
	return out, int64(len(out)), nil
}

func (r memOrders) Save(ctx context.Context, o *domain.Order) error {
	defer r.lock(ctx)()
	if _, ok := r.orders[o.ID]; !ok {
		return domain.ErrNotFound
	}
	row := *o
	row.Items = nil
	r.orders[o.ID] = row
	return nil
}

func (r memOrders) SaveItem(ctx context.Context, it *domain.OrderItem) error {
	defer r.lock(ctx)()
	for i := range r.items {
		if r.items[i].ID == it.ID {
			r.items[i] = *it
			return nil
		}
	}
	r.items = append(r.items, *it)
	return nil
}

func (r memOrders) DeleteItem(ctx context.Context, id uuid.UUID) error {
	defer r.lock(ctx)()
	for i := range r.items {
		if r.items[i].ID == id {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r memOrders) NextSequence(ctx context.Context, day string) (int, error) {
	defer r.lock(ctx)()
	if len(r.nextSeqErrs) > 0 {
		err := r.nextSeqErrs[0]
		r.nextSeqErrs = r.nextSeqErrs[1:]
		return 0, err
	}
	r.seqs[day]++
	return r.seqs[day], nil
}

func (r memOrders) CountItemsForProduct(ctx context.Context, productID uuid.UUID) (int64, error) {
	defer r.lock(ctx)()
	var n int64
	for _, it := range r.items {
		if it.ProductID == productID {
			n++
		}
	}
	return n, nil
}

func (r memOrders) Summary(ctx context.Context) (domain.OrderSummary, error) {
	defer r.lock(ctx)()
	s := domain.OrderSummary{TotalRevenue: decimal.Zero, AverageOrderValue: decimal.Zero}
	sum := decimal.Zero
	for _, o := range r.orders {
		s.TotalOrders++
		sum = sum.Add(o.TotalAmount)
		switch o.Status {
		case domain.OrderPending:
			s.PendingOrders++
		case domain.OrderPaid:
			s.PaidOrders++
		}
		for _, st := range domain.RevenueStatuses {
			if o.Status == st {
				s.TotalRevenue = s.TotalRevenue.Add(o.TotalAmount)
			}
		}
	}
	if s.TotalOrders > 0 {
		s.AverageOrderValue = sum.Div(decimal.NewFromInt(s.TotalOrders)).Round(2)
	}
	return s, nil
}

// history

type memHistory struct{ *memStore }

func (r memHistory) Append(ctx context.Context, h *domain.OrderStatusHistory) error {
	defer r.lock(ctx)()
	r.history = append(r.history, *h)
	return nil
}

func (r memHistory) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.OrderStatusHistory, error) {
	defer r.lock(ctx)()
	out := []domain.OrderStatusHistory{}
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].OrderID == orderID {
			out = append(out, r.history[i])
		}
	}
	return out, nil
}

func (s *memStore) historyFor(orderID uuid.UUID) []domain.OrderStatusHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderStatusHistory
	for _, h := range s.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out
}

func (s *memStore) stockOf(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id].Stock
}

// payments

type memPayments struct{ *memStore }

func (r memPayments) Create(ctx context.Context, p *domain.Payment) error {
	defer r.lock(ctx)()
	for _, other := range r.payments {
		if other.OrderID == p.OrderID || other.TransactionID == p.TransactionID {
			return domain.Validationf("order already has a payment or transaction id is taken")
		}
	}
	r.payments[p.ID] = *p
	return nil
}

func (r memPayments) Save(ctx context.Context, p *domain.Payment) error {
	defer r.lock(ctx)()
	r.payments[p.ID] = *p
	return nil
}

func (r memPayments) FindByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	defer r.lock(ctx)()
	p, ok := r.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (r memPayments) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return r.FindByID(ctx, id)
}

func (r memPayments) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	defer r.lock(ctx)()
	for _, p := range r.payments {
		if p.OrderID == orderID {
			return &p, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r memPayments) FindByTransactionID(ctx context.Context, provider domain.Provider, txID string) (*domain.Payment, error) {
	defer r.lock(ctx)()
	for _, p := range r.payments {
		if p.Provider == provider && p.TransactionID == txID {
			return &p, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r memPayments) AppendLog(ctx context.Context, l *domain.PaymentLog) error {
	defer r.lock(ctx)()
	r.logs = append(r.logs, *l)
	return nil
}

func (r memPayments) ListLogs(ctx context.Context, paymentID uuid.UUID) ([]domain.PaymentLog, error) {
	defer r.lock(ctx)()
	out := []domain.PaymentLog{}
	for i := len(r.logs) - 1; i >= 0; i-- {
		if r.logs[i].PaymentID == paymentID {
			out = append(out, r.logs[i])
		}
	}
	return out, nil
}

func (s *memStore) logEvents(paymentID uuid.UUID) []domain.PaymentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PaymentEvent
	for _, l := range s.logs {
		if l.PaymentID == paymentID {
			out = append(out, l.EventType)
		}
	}
	return out
}

// customers

type memCustomers struct{ *memStore }

func (r memCustomers) FindByID(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	defer r.lock(ctx)()
	c, ok := r.customers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (r memCustomers) FindByEmail(ctx context.Context, email string) (*domain.Customer, error) {
	defer r.lock(ctx)()
	for _, c := range r.customers {
		if strings.EqualFold(c.Email, email) {
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r memCustomers) Save(ctx context.Context, c *domain.Customer) error {
	defer r.lock(ctx)()
	r.customers[c.ID] = *c
	return nil
}

// memCache keeps JSON encoded values like the Redis adapter does.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) Get(_ context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	b, ok := c.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dst)
}

func (c *memCache) Set(_ context.Context, key string, v any, _ time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = b
	return nil
}

func (c *memCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *memCache) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	if b, ok := c.data[key]; ok {
		_ = json.Unmarshal(b, &n)
	}
	n++
	b, _ := json.Marshal(n)
	c.data[key] = b
	return n, nil
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, events ...domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Topic)
	}
	return out
}

func (p *recordingPublisher) count(topic string) int {
	n := 0
	for _, t := range p.topics() {
		if t == topic {
			n++
		}
	}
	return n
}

// fixture wires every use case over one memStore.
type fixture struct {
	store    *memStore
	cache    *memCache
	events   *recordingPublisher
	category *CategoryUC
	catalog  *ProductUC
	orders   *OrderUC
	payments *PaymentUC
	provider *fakeProvider
}

func newFixture() *fixture {
	s := newMemStore()
	c := newMemCache()
	ev := &recordingPublisher{}
	catalog := &ProductUC{
		Products:          memProducts{s},
		Categories:        memCategories{s},
		Orders:            memOrders{s},
		Tx:                s,
		Cache:             c,
		Events:            ev,
		CacheTTL:          time.Minute,
		LowStockThreshold: 10,
	}
	orders := &OrderUC{
		Orders:    memOrders{s},
		History:   memHistory{s},
		Customers: memCustomers{s},
		Payments:  memPayments{s},
		Catalog:   catalog,
		Tx:        s,
		Events:    ev,
		Now:       fixedNow,
	}
	prov := &fakeProvider{kind: domain.ProviderStripe}
	return &fixture{
		store:  s,
		cache:  c,
		events: ev,
		category: &CategoryUC{
			Categories: memCategories{s},
			Products:   memProducts{s},
			Tx:         s,
			Cache:      c,
			CacheTTL:   time.Minute,
		},
		catalog: catalog,
		orders:  orders,
		payments: &PaymentUC{
			Payments:        memPayments{s},
			Orders:          orders,
			Providers:       map[domain.Provider]domain.PaymentProvider{domain.ProviderStripe: prov},
			Tx:              s,
			Events:          ev,
			Timeout:         time.Second,
			DefaultCurrency: "BDT",
			Now:             fixedNow,
		},
		provider: prov,
	}
}

var (
	admin    = domain.Actor{ID: uuid.New(), Email: "admin@shop.test", Role: domain.RoleAdmin}
	customer = domain.Actor{ID: uuid.New(), Email: "ana@shop.test", Name: "Ana", Role: domain.RoleCustomer}
	stranger = domain.Actor{ID: uuid.New(), Email: "eve@shop.test", Role: domain.RoleCustomer}
)

func (f *fixture) seedProduct(name string, price string, stock int) *domain.Product {
	p := &domain.Product{
		ID:     uuid.New(),
		Name:   name,
		Slug:   domain.Slugify(name),
		SKU:    strings.ToUpper(domain.Slugify(name)),
		Price:  decimal.RequireFromString(price),
		Stock:  stock,
		Status: domain.ProductActive,
	}
	p.NormalizeStatus()
	f.store.products[p.ID] = *p
	return p
}

func (f *fixture) seedCategory(name string, parent *domain.Category, active bool) *domain.Category {
	c := &domain.Category{ID: uuid.New(), Name: name, Slug: domain.Slugify(name), Active: active}
	if parent != nil {
		pid := parent.ID
		c.ParentID = &pid
	}
	f.store.categories[c.ID] = *c
	return c
}

type fakeProvider struct {
	mu   sync.Mutex
	kind domain.Provider

	intent    domain.IntentResult
	intentErr error
	execute   domain.GatewayResult
	execErr   error
	query     domain.GatewayResult
	webhook   domain.WebhookEvent
	hookErr   error
	refund    domain.GatewayResult
	refundErr error

	refunds []domain.RefundRequest
}

func (p *fakeProvider) Kind() domain.Provider { return p.kind }

func (p *fakeProvider) CreateIntent(ctx context.Context, req domain.IntentRequest) (domain.IntentResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		panic("provider call without deadline")
	}
	return p.intent, p.intentErr
}

func (p *fakeProvider) Execute(_ context.Context, req domain.ExecuteRequest) (domain.GatewayResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := p.execute
	if res.TransactionID == "" {
		res.TransactionID = req.TransactionID
	}
	return res, p.execErr
}

func (p *fakeProvider) Query(_ context.Context, txID string) (domain.GatewayResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := p.query
	res.TransactionID = txID
	return res, nil
}

func (p *fakeProvider) ParseWebhook(_ context.Context, _ []byte, _ string) (domain.WebhookEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.webhook, p.hookErr
}

func (p *fakeProvider) Refund(_ context.Context, req domain.RefundRequest) (domain.GatewayResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, req)
	return p.refund, p.refundErr
}
