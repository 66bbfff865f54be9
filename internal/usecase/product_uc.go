package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/phenrril/ecomcore/internal/domain"
	"github.com/phenrril/ecomcore/internal/validate"
)

const relatedLimit = 5

type ProductInput struct {
	Name        string               `json:"name" validate:"required,max=200"`
	SKU         string               `json:"sku" validate:"required,max=100"`
	Description string               `json:"description"`
	CategoryID  *uuid.UUID           `json:"category_id"`
	Price       decimal.Decimal      `json:"price" validate:"money"`
	Stock       int                  `json:"stock" validate:"gte=0"`
	Status      domain.ProductStatus `json:"status" validate:"omitempty,oneof=active inactive out_of_stock"`
}

type ProductPatch struct {
	Name          *string               `json:"name" validate:"omitempty,min=1,max=200"`
	SKU           *string               `json:"sku" validate:"omitempty,min=1,max=100"`
	Description   *string               `json:"description"`
	CategoryID    *uuid.UUID            `json:"category_id"`
	ClearCategory bool                  `json:"clear_category"`
	Price         *decimal.Decimal      `json:"price" validate:"omitempty,money"`
	Status        *domain.ProductStatus `json:"status" validate:"omitempty,oneof=active inactive out_of_stock"`
}

type StockAdjustment struct {
	Action   domain.StockAction `json:"action" validate:"required,oneof=set add subtract"`
	Quantity int                `json:"quantity" validate:"gte=0"`
}

type ProductPage struct {
	Items    []domain.Product `json:"items"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

type ProductUC struct {
	Products          domain.ProductRepo
	Categories        domain.CategoryRepo
	Orders            domain.OrderRepo
	Tx                domain.Transactor
	Cache             domain.Cache
	Events            domain.EventPublisher
	CacheTTL          time.Duration
	LowStockThreshold int
}

func (uc *ProductUC) cache() readThrough { return readThrough{c: uc.Cache, ttl: uc.CacheTTL} }

func (uc *ProductUC) List(ctx context.Context, f domain.ProductFilter) (*ProductPage, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	key, err := uc.searchKey(ctx, f)
	if err != nil {
		return nil, err
	}
	var page ProductPage
	if uc.cache().get(ctx, key, &page) {
		return &page, nil
	}
	items, total, err := uc.Products.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Product{}
	}
	page = ProductPage{Items: items, Total: total, Page: f.Page, PageSize: f.PageSize}
	uc.cache().set(ctx, key, page, uc.CacheTTL/2)
	return &page, nil
}

// searchKey hashes the filter together with the search generation, so a bump
// of the generation orphans every cached result page.
func (uc *ProductUC) searchKey(ctx context.Context, f domain.ProductFilter) (string, error) {
	var gen int64
	uc.cache().get(ctx, keyProductSearchGen, &gen)
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(b, []byte(fmt.Sprintf("|%d", gen))...))
	return keyProductSearch + hex.EncodeToString(sum[:12]), nil
}

func (uc *ProductUC) GetBySlug(ctx context.Context, slug string) (*domain.Product, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, domain.Validationf("slug is empty")
	}
	var p domain.Product
	if uc.cache().get(ctx, keyProductDetail+slug, &p) {
		return &p, nil
	}
	found, err := uc.Products.FindBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	uc.cache().set(ctx, keyProductDetail+slug, found, uc.CacheTTL)
	return found, nil
}

// Related returns up to five active products of the same category, topped up
// from the parent category.
func (uc *ProductUC) Related(ctx context.Context, slug string) ([]domain.Product, error) {
	out := []domain.Product{}
	if uc.cache().get(ctx, keyProductRelated+slug, &out) {
		return out, nil
	}
	p, err := uc.Products.FindBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if p.CategoryID == nil {
		return out, nil
	}
	same, err := uc.Products.ListByCategoryIDs(ctx, []uuid.UUID{*p.CategoryID}, true)
	if err != nil {
		return nil, err
	}
	out = appendRelated(out, same, p.ID)
	if len(out) < relatedLimit {
		cat, err := uc.Categories.FindByID(ctx, *p.CategoryID)
		if err != nil && !domain.IsKind(err, domain.KindNotFound) {
			return nil, err
		}
		if cat != nil && cat.ParentID != nil {
			parent, err := uc.Products.ListByCategoryIDs(ctx, []uuid.UUID{*cat.ParentID}, true)
			if err != nil {
				return nil, err
			}
			out = appendRelated(out, parent, p.ID)
		}
	}
	uc.cache().set(ctx, keyProductRelated+slug, out, uc.CacheTTL)
	return out, nil
}

func appendRelated(out, candidates []domain.Product, self uuid.UUID) []domain.Product {
	for _, c := range candidates {
		if len(out) >= relatedLimit {
			break
		}
		if c.ID == self {
			continue
		}
		dup := false
		for _, o := range out {
			if o.ID == c.ID {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

func (uc *ProductUC) Create(ctx context.Context, actor domain.Actor, in ProductInput) (*domain.Product, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	if !in.Price.IsPositive() {
		return nil, domain.NewValidationError("invalid input", map[string]string{"ProductInput.Price": "gt=0"})
	}
	p := &domain.Product{
		ID:          uuid.New(),
		Name:        strings.TrimSpace(in.Name),
		SKU:         strings.TrimSpace(in.SKU),
		Description: in.Description,
		CategoryID:  in.CategoryID,
		Price:       in.Price.Round(2),
		Stock:       in.Stock,
		Status:      in.Status,
		CreatedBy:   actor.ActorRef(),
	}
	if p.Status == "" {
		p.Status = domain.ProductActive
	}
	p.Slug = domain.Slugify(p.Name)
	if p.Slug == "" {
		return nil, domain.NewValidationError("invalid input", map[string]string{"ProductInput.Name": "slug"})
	}
	if err := uc.checkCategory(ctx, p.CategoryID); err != nil {
		return nil, err
	}
	if err := uc.Products.Create(ctx, p); err != nil {
		return nil, err
	}
	uc.invalidate(ctx, p.Slug)
	log.Info().Str("product", p.Slug).Str("sku", p.SKU).Msg("product created")
	return p, nil
}

func (uc *ProductUC) Update(ctx context.Context, actor domain.Actor, id uuid.UUID, patch ProductPatch) (*domain.Product, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := validate.Struct(patch); err != nil {
		return nil, err
	}
	if patch.Price != nil && !patch.Price.IsPositive() {
		return nil, domain.NewValidationError("invalid input", map[string]string{"ProductPatch.Price": "gt=0"})
	}
	var (
		out     *domain.Product
		oldSlug string
	)
	err := uc.Tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := uc.Products.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		oldSlug = p.Slug
		if patch.Name != nil {
			p.Name = strings.TrimSpace(*patch.Name)
			p.Slug = domain.Slugify(p.Name)
		}
		if patch.SKU != nil {
			p.SKU = strings.TrimSpace(*patch.SKU)
		}
		if patch.Description != nil {
			p.Description = *patch.Description
		}
		switch {
		case patch.ClearCategory:
			p.CategoryID = nil
		case patch.CategoryID != nil:
			if err := uc.checkCategory(ctx, patch.CategoryID); err != nil {
				return err
			}
			cid := *patch.CategoryID
			p.CategoryID = &cid
		}
		if patch.Price != nil {
			p.Price = patch.Price.Round(2)
		}
		if patch.Status != nil {
			p.Status = *patch.Status
		}
		if err := uc.Products.Save(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	uc.invalidate(ctx, oldSlug, out.Slug)
	return out, nil
}

// AdjustStock applies an admin stock correction under the product row lock.
func (uc *ProductUC) AdjustStock(ctx context.Context, actor domain.Actor, id uuid.UUID, adj StockAdjustment) (*domain.Product, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := validate.Struct(adj); err != nil {
		return nil, err
	}
	var out *domain.Product
	err := withRetry(ctx, "adjust_stock", func() error {
		return uc.Tx.WithinTx(ctx, func(ctx context.Context) error {
			p, err := uc.Products.FindByIDForUpdate(ctx, id)
			if err != nil {
				return err
			}
			switch adj.Action {
			case domain.StockSet:
				p.Stock = adj.Quantity
				p.NormalizeStatus()
			case domain.StockAdd:
				err = p.IncreaseStock(adj.Quantity)
			case domain.StockSubtract:
				err = p.ReduceStock(adj.Quantity)
			}
			if err != nil {
				return err
			}
			if err := uc.Products.UpdateStock(ctx, p); err != nil {
				return err
			}
			out = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	uc.invalidate(ctx, out.Slug)
	log.Info().Str("product", out.Slug).Str("action", string(adj.Action)).Int("quantity", adj.Quantity).Int("stock", out.Stock).Msg("stock adjusted")
	if out.Stock == 0 {
		publish(ctx, uc.Events, outOfStockEvent(out, nil, "stock adjusted to zero"))
	}
	return out, nil
}

// LowStock lists products with 0 < stock <= threshold. A threshold of zero
// or less uses the configured default.
func (uc *ProductUC) LowStock(ctx context.Context, threshold int) ([]domain.Product, error) {
	if threshold <= 0 {
		threshold = uc.LowStockThreshold
	}
	if threshold <= 0 {
		threshold = 10
	}
	list, err := uc.Products.ListLowStock(ctx, threshold)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []domain.Product{}
	}
	return list, nil
}

// Delete refuses products that appear on any order line.
func (uc *ProductUC) Delete(ctx context.Context, actor domain.Actor, id uuid.UUID) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	p, err := uc.Products.FindByID(ctx, id)
	if err != nil {
		return err
	}
	n, err := uc.Orders.CountItemsForProduct(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s is on %d order lines", domain.ErrProductInUse, p.SKU, n)
	}
	if err := uc.Products.Delete(ctx, id); err != nil {
		return err
	}
	uc.invalidate(ctx, p.Slug)
	log.Info().Str("product", p.Slug).Msg("product deleted")
	return nil
}

// reduceLocked takes qty units off the product inside the caller's
// transaction.
func (uc *ProductUC) reduceLocked(ctx context.Context, productID uuid.UUID, qty int) (*domain.Product, error) {
	p, err := uc.Products.FindByIDForUpdate(ctx, productID)
	if err != nil {
		return nil, err
	}
	if err := p.ReduceStock(qty); err != nil {
		return p, err
	}
	if err := uc.Products.UpdateStock(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (uc *ProductUC) increaseLocked(ctx context.Context, productID uuid.UUID, qty int) (*domain.Product, error) {
	p, err := uc.Products.FindByIDForUpdate(ctx, productID)
	if err != nil {
		return nil, err
	}
	if err := p.IncreaseStock(qty); err != nil {
		return nil, err
	}
	if err := uc.Products.UpdateStock(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (uc *ProductUC) checkCategory(ctx context.Context, id *uuid.UUID) error {
	if id == nil {
		return nil
	}
	if _, err := uc.Categories.FindByID(ctx, *id); err != nil {
		return fmt.Errorf("category: %w", err)
	}
	return nil
}

// invalidate drops detail and related entries of the given slugs and bumps
// the search generation.
func (uc *ProductUC) invalidate(ctx context.Context, slugs ...string) {
	uc.cache().dropProducts(ctx, slugs...)
}

func outOfStockEvent(p *domain.Product, order *domain.Order, reason string) domain.Event {
	payload := map[string]any{
		"product_id": p.ID,
		"sku":        p.SKU,
		"name":       p.Name,
		"stock":      p.Stock,
		"reason":     reason,
	}
	if order != nil {
		payload["order_id"] = order.ID
		payload["order_number"] = order.OrderNumber
	}
	return domain.Event{Topic: domain.TopicInventoryOutOfStock, Key: p.ID.String(), Payload: payload}
}
