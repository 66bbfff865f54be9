package httpserver

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/phenrril/ecomcore/internal/adapters/report"
	"github.com/phenrril/ecomcore/internal/domain"
	"github.com/phenrril/ecomcore/internal/usecase"
)

const reportPageSize = 100

type Server struct {
	mux        *http.ServeMux
	categories *usecase.CategoryUC
	products   *usecase.ProductUC
	orders     *usecase.OrderUC
	payments   *usecase.PaymentUC
	auth       *Authenticator
	now        func() time.Time
}

func New(c *usecase.CategoryUC, p *usecase.ProductUC, o *usecase.OrderUC, pay *usecase.PaymentUC, auth *Authenticator) http.Handler {
	s := &Server{categories: c, products: p, orders: o, payments: pay, auth: auth, now: time.Now, mux: http.NewServeMux()}
	s.routes()
	return Chain(s.mux,
		RequestID,
		Recovery,
		Logging,
		auth.Middleware,
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.mux.HandleFunc("GET /api/categories/tree", s.categoryTree)
	s.mux.HandleFunc("GET /api/categories/roots", s.categoryRoots)
	s.mux.HandleFunc("GET /api/categories/{slug}", s.categoryDetail)
	s.mux.HandleFunc("GET /api/categories/{slug}/descendants", s.categoryDescendants)
	s.mux.HandleFunc("GET /api/categories/{slug}/products", s.categoryProducts)
	s.mux.HandleFunc("POST /api/categories", s.authed(s.categoryCreate))
	s.mux.HandleFunc("PATCH /api/categories/{slug}", s.authed(s.categoryUpdate))
	s.mux.HandleFunc("DELETE /api/categories/{slug}", s.authed(s.categoryDelete))

	s.mux.HandleFunc("GET /api/products", s.productList)
	s.mux.HandleFunc("GET /api/products/low-stock", s.authed(s.productLowStock))
	s.mux.HandleFunc("GET /api/products/{slug}", s.productDetail)
	s.mux.HandleFunc("GET /api/products/{slug}/related", s.productRelated)
	s.mux.HandleFunc("POST /api/products", s.authed(s.productCreate))
	s.mux.HandleFunc("PATCH /api/products/{slug}", s.authed(s.productUpdate))
	s.mux.HandleFunc("POST /api/products/{slug}/stock", s.authed(s.productStock))
	s.mux.HandleFunc("DELETE /api/products/{slug}", s.authed(s.productDelete))

	s.mux.HandleFunc("GET /api/orders", s.authed(s.orderList))
	s.mux.HandleFunc("POST /api/orders", s.authed(s.orderCreate))
	s.mux.HandleFunc("GET /api/orders/summary", s.authed(s.orderSummary))
	s.mux.HandleFunc("GET /api/orders/{id}", s.authed(s.orderDetail))
	s.mux.HandleFunc("POST /api/orders/{id}/items", s.authed(s.orderAddItem))
	s.mux.HandleFunc("PATCH /api/orders/{id}/items/{productID}", s.authed(s.orderUpdateItem))
	s.mux.HandleFunc("DELETE /api/orders/{id}/items/{productID}", s.authed(s.orderRemoveItem))
	s.mux.HandleFunc("PATCH /api/orders/{id}/adjustments", s.authed(s.orderAdjustments))
	s.mux.HandleFunc("POST /api/orders/{id}/status", s.authed(s.orderStatus))
	s.mux.HandleFunc("POST /api/orders/{id}/cancel", s.authed(s.orderCancel))
	s.mux.HandleFunc("GET /api/orders/{id}/history", s.authed(s.orderHistory))

	s.mux.HandleFunc("POST /api/payments", s.authed(s.paymentCreate))
	s.mux.HandleFunc("GET /api/payments/{id}", s.authed(s.paymentDetail))
	s.mux.HandleFunc("POST /api/payments/{id}/initiate", s.authed(s.paymentInitiate))
	s.mux.HandleFunc("POST /api/payments/{id}/execute", s.authed(s.paymentExecute))
	s.mux.HandleFunc("POST /api/payments/{id}/verify", s.authed(s.paymentVerify))
	s.mux.HandleFunc("POST /api/payments/{id}/refund", s.authed(s.paymentRefund))
	s.mux.HandleFunc("GET /api/payments/{id}/logs", s.authed(s.paymentLogs))

	s.mux.HandleFunc("POST /webhooks/{provider}", s.webhook)

	s.mux.HandleFunc("GET /admin/reports/orders.xlsx", s.authed(s.ordersReport))
}

type actorHandler func(w http.ResponseWriter, r *http.Request, actor domain.Actor)

// authed rejects anonymous requests before calling h.
func (s *Server) authed(h actorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(r.Context())
		if !ok {
			writeErrorMessage(w, http.StatusUnauthorized, "authentication required", nil)
			return
		}
		h(w, r, actor)
	}
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, domain.Validationf("invalid %s %q", name, r.PathValue(name))
	}
	return id, nil
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

// categories

func (s *Server) categoryTree(w http.ResponseWriter, r *http.Request) {
	tree, err := s.categories.Tree(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) categoryRoots(w http.ResponseWriter, r *http.Request) {
	roots, err := s.categories.Roots(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roots)
}

func (s *Server) categoryDetail(w http.ResponseWriter, r *http.Request) {
	v, err := s.categories.GetBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) categoryDescendants(w http.ResponseWriter, r *http.Request) {
	list, err := s.categories.Descendants(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) categoryProducts(w http.ResponseWriter, r *http.Request) {
	list, err := s.categories.AllProducts(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) categoryCreate(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	var in usecase.CategoryInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.categories.Create(r.Context(), actor, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) categoryUpdate(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	v, err := s.categories.GetBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var patch usecase.CategoryPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.categories.Update(r.Context(), actor, v.ID, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) categoryDelete(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	v, err := s.categories.GetBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.categories.Delete(r.Context(), actor, v.ID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// products

func (s *Server) productFilter(r *http.Request) (domain.ProductFilter, error) {
	q := r.URL.Query()
	f := domain.ProductFilter{
		Query:    strings.TrimSpace(q.Get("q")),
		Status:   domain.ProductStatus(q.Get("status")),
		Sort:     q.Get("sort"),
		Page:     queryInt(r, "page"),
		PageSize: queryInt(r, "page_size"),
	}
	for key, dst := range map[string]**decimal.Decimal{"min_price": &f.MinPrice, "max_price": &f.MaxPrice} {
		if v := q.Get(key); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return f, domain.NewValidationError("invalid price filter", map[string]string{key: "must be a number"})
			}
			*dst = &d
		}
	}
	if v := q.Get("in_stock"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, domain.NewValidationError("invalid stock filter", map[string]string{"in_stock": "must be a boolean"})
		}
		f.InStock = &b
	}
	if slug := q.Get("category"); slug != "" {
		v, err := s.categories.GetBySlug(r.Context(), slug)
		if err != nil {
			return f, err
		}
		desc, err := s.categories.Descendants(r.Context(), slug)
		if err != nil {
			return f, err
		}
		f.CategoryIDs = append(f.CategoryIDs, v.ID)
		for _, d := range desc {
			f.CategoryIDs = append(f.CategoryIDs, d.ID)
		}
	}
	return f, nil
}

func (s *Server) productList(w http.ResponseWriter, r *http.Request) {
	f, err := s.productFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := s.products.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) productLowStock(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	if !actor.IsAdmin() {
		writeError(w, r, domain.ErrForbidden)
		return
	}
	list, err := s.products.LowStock(r.Context(), queryInt(r, "threshold"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) productDetail(w http.ResponseWriter, r *http.Request) {
	p, err := s.products.GetBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) productRelated(w http.ResponseWriter, r *http.Request) {
	list, err := s.products.Related(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) productCreate(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	var in usecase.ProductInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.products.Create(r.Context(), actor, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) productUpdate(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	cur, err := s.products.GetBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var patch usecase.ProductPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.products.Update(r.Context(), actor, cur.ID, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) productStock(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	cur, err := s.products.GetBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var adj usecase.StockAdjustment
	if err := decodeJSON(r, &adj); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.products.AdjustStock(r.Context(), actor, cur.ID, adj)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) productDelete(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	cur, err := s.products.GetBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.products.Delete(r.Context(), actor, cur.ID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// orders

type orderView struct {
	*domain.Order
	ItemCount int  `json:"item_count"`
	IsPaid    bool `json:"is_paid"`
}

func viewOrder(o *domain.Order) orderView {
	return orderView{Order: o, ItemCount: o.ItemCount(), IsPaid: o.IsPaid()}
}

func (s *Server) orderList(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	q := r.URL.Query()
	f := domain.OrderFilter{
		Status:   domain.OrderStatus(q.Get("status")),
		Page:     queryInt(r, "page"),
		PageSize: queryInt(r, "page_size"),
	}
	if v := q.Get("customer_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, domain.NewValidationError("invalid filter", map[string]string{"customer_id": "must be a uuid"}))
			return
		}
		f.CustomerID = &id
	}
	page, err := s.orders.List(r.Context(), actor, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) orderCreate(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	var in usecase.CreateOrderInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := s.orders.Create(r.Context(), actor, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOrder(o))
}

func (s *Server) orderSummary(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	sum, err := s.orders.Summary(r.Context(), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) orderDetail(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := s.orders.Get(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOrder(o))
}

// orderEdit decodes an optional body into in and runs fn against the order
// named in the path.
func orderEdit[T any](s *Server, w http.ResponseWriter, r *http.Request, in *T, fn func(id uuid.UUID) (*domain.Order, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if in != nil {
		if err := decodeJSON(r, in); err != nil {
			writeError(w, r, err)
			return
		}
	}
	o, err := fn(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOrder(o))
}

func (s *Server) orderAddItem(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	var in usecase.OrderItemInput
	orderEdit(s, w, r, &in, func(id uuid.UUID) (*domain.Order, error) {
		return s.orders.AddItem(r.Context(), actor, id, in)
	})
}

func (s *Server) orderUpdateItem(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	productID, err := pathID(r, "productID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in struct {
		Quantity int `json:"quantity"`
	}
	orderEdit(s, w, r, &in, func(id uuid.UUID) (*domain.Order, error) {
		return s.orders.UpdateItem(r.Context(), actor, id, productID, in.Quantity)
	})
}

func (s *Server) orderRemoveItem(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	productID, err := pathID(r, "productID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	orderEdit[struct{}](s, w, r, nil, func(id uuid.UUID) (*domain.Order, error) {
		return s.orders.RemoveItem(r.Context(), actor, id, productID)
	})
}

func (s *Server) orderAdjustments(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	var in usecase.AdjustmentsInput
	orderEdit(s, w, r, &in, func(id uuid.UUID) (*domain.Order, error) {
		return s.orders.SetAdjustments(r.Context(), actor, id, in)
	})
}

func (s *Server) orderStatus(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	var in usecase.StatusInput
	orderEdit(s, w, r, &in, func(id uuid.UUID) (*domain.Order, error) {
		return s.orders.TransitionStatus(r.Context(), actor, id, in)
	})
}

func (s *Server) orderCancel(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	var in struct {
		Notes string `json:"notes"`
	}
	orderEdit(s, w, r, &in, func(id uuid.UUID) (*domain.Order, error) {
		return s.orders.Cancel(r.Context(), actor, id, in.Notes)
	})
}

func (s *Server) orderHistory(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := s.orders.StatusHistory(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// payments

func (s *Server) paymentCreate(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	var in usecase.CreatePaymentInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.payments.CreatePayment(r.Context(), actor, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) paymentDetail(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.payments.Get(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) paymentInitiate(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	intent, err := s.payments.Initiate(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) paymentExecute(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	data := map[string]string{}
	if err := decodeJSON(r, &data); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.payments.Execute(r.Context(), actor, id, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) paymentVerify(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok, p, err := s.payments.Verify(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": ok, "payment": p})
}

func (s *Server) paymentRefund(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in usecase.RefundInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.payments.Refund(r.Context(), actor, id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) paymentLogs(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	logs, err := s.payments.Logs(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "cannot read body", nil)
		return
	}
	provider := r.PathValue("provider")
	if err := s.payments.HandleWebhook(r.Context(), provider, body, r.Header.Get("Stripe-Signature")); err != nil {
		log.Warn().Err(err).Str("provider", provider).Msg("webhook rejected")
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// reports

func (s *Server) ordersReport(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	ctx := r.Context()
	sum, err := s.orders.Summary(ctx, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var orders []domain.Order
	for page := 1; ; page++ {
		res, err := s.orders.List(ctx, actor, domain.OrderFilter{Page: page, PageSize: reportPageSize})
		if err != nil {
			writeError(w, r, err)
			return
		}
		orders = append(orders, res.Items...)
		if len(res.Items) < reportPageSize || int64(len(orders)) >= res.Total {
			break
		}
	}
	tree, err := s.categories.Tree(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	now := s.now()
	if err := report.WriteOrders(&buf, report.OrderReport{Orders: orders, Summary: sum, Categories: tree, GeneratedAt: now}); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="orders-`+now.Format("20060102")+`.xlsx"`)
	_, _ = w.Write(buf.Bytes())
}
