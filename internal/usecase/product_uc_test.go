package usecase

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenrril/ecomcore/internal/domain"
)

func TestProductCreate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p, err := f.catalog.Create(ctx, admin, ProductInput{
		Name: "Wireless Mouse", SKU: "WM-1", Price: decimal.RequireFromString("19.99"), Stock: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, "wireless-mouse", p.Slug)
	assert.Equal(t, "19.99", p.Price.StringFixed(2))
	assert.Equal(t, domain.ProductOutOfStock, p.Status, "zero stock normalizes status")
	assert.Equal(t, admin.ID, *p.CreatedBy)

	_, err = f.catalog.Create(ctx, admin, ProductInput{Name: "Other", SKU: "WM-1", Price: decimal.NewFromInt(1)})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = f.catalog.Create(ctx, admin, ProductInput{Name: "Free", SKU: "F-1", Price: decimal.Zero})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = f.catalog.Create(ctx, admin, ProductInput{Name: "Odd", SKU: "O-1", Price: decimal.RequireFromString("1.005")})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err), "more than two decimals")

	_, err = f.catalog.Create(ctx, customer, ProductInput{Name: "X", SKU: "X", Price: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestProductDetailCacheInvalidatedOnUpdate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := f.seedProduct("Desk Lamp", "30.00", 4)

	got, err := f.catalog.GetBySlug(ctx, "desk-lamp")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.True(t, f.cache.has(keyProductDetail+"desk-lamp"))

	price := decimal.RequireFromString("25.50")
	_, err = f.catalog.Update(ctx, admin, p.ID, ProductPatch{Price: &price})
	require.NoError(t, err)
	assert.False(t, f.cache.has(keyProductDetail+"desk-lamp"))

	got, err = f.catalog.GetBySlug(ctx, "desk-lamp")
	require.NoError(t, err)
	assert.Equal(t, "25.50", got.Price.StringFixed(2))
}

func TestProductSearchGenerationBump(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedProduct("Red Pen", "1.00", 10)

	page, err := f.catalog.List(ctx, domain.ProductFilter{Query: "pen"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)

	f.seedProduct("Blue Pen", "1.00", 10)
	page, err = f.catalog.List(ctx, domain.ProductFilter{Query: "pen"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total, "served from cache")

	_, err = f.catalog.Create(ctx, admin, ProductInput{Name: "Green Pen", SKU: "GP", Price: decimal.NewFromInt(1), Stock: 1})
	require.NoError(t, err)
	page, err = f.catalog.List(ctx, domain.ProductFilter{Query: "pen"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
}

func TestAdjustStock(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := f.seedProduct("Chair", "50.00", 5)

	got, err := f.catalog.AdjustStock(ctx, admin, p.ID, StockAdjustment{Action: domain.StockAdd, Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, 8, got.Stock)

	_, err = f.catalog.AdjustStock(ctx, admin, p.ID, StockAdjustment{Action: domain.StockSubtract, Quantity: 9})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.EqualError(t, err, "insufficient stock: available 8, requested 9")
	assert.Equal(t, 8, f.store.stockOf(p.ID))

	got, err = f.catalog.AdjustStock(ctx, admin, p.ID, StockAdjustment{Action: domain.StockSet, Quantity: 0})
	require.NoError(t, err)
	assert.Equal(t, domain.ProductOutOfStock, got.Status)
	assert.Equal(t, 1, f.events.count(domain.TopicInventoryOutOfStock))

	got, err = f.catalog.AdjustStock(ctx, admin, p.ID, StockAdjustment{Action: domain.StockAdd, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.ProductActive, got.Status)

	_, err = f.catalog.AdjustStock(ctx, admin, p.ID, StockAdjustment{Action: "drop", Quantity: 2})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestProductDeleteProtected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := f.seedProduct("Mug", "8.00", 10)
	unused := f.seedProduct("Plate", "8.00", 10)

	_, err := f.orders.Create(ctx, customer, orderInput(p.ID, 1))
	require.NoError(t, err)

	err = f.catalog.Delete(ctx, admin, p.ID)
	assert.ErrorIs(t, err, domain.ErrProductInUse)
	assert.Equal(t, domain.KindState, domain.KindOf(err))

	require.NoError(t, f.catalog.Delete(ctx, admin, unused.ID))
	_, err = f.catalog.GetBySlug(ctx, "plate")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRelatedProducts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	parent := f.seedCategory("Kitchen", nil, true)
	child := f.seedCategory("Cups", parent, true)
	put := func(name string, cat *domain.Category, status domain.ProductStatus) *domain.Product {
		p := f.seedProduct(name, "5.00", 3)
		id := cat.ID
		p.CategoryID = &id
		p.Status = status
		f.store.products[p.ID] = *p
		return p
	}
	self := put("Cup A", child, domain.ProductActive)
	put("Cup B", child, domain.ProductActive)
	put("Cup C", child, domain.ProductInactive)
	put("Pan", parent, domain.ProductActive)
	put("Pot", parent, domain.ProductActive)

	list, err := f.catalog.Related(ctx, self.Slug)
	require.NoError(t, err)
	names := []string{}
	for _, p := range list {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"Cup B", "Pan", "Pot"}, names)
	assert.True(t, f.cache.has(keyProductRelated+self.Slug))
}

func TestLowStockUsesConfiguredThreshold(t *testing.T) {
	f := newFixture()
	f.seedProduct("A", "1.00", 3)
	f.seedProduct("B", "1.00", 10)
	f.seedProduct("C", "1.00", 11)
	f.seedProduct("D", "1.00", 0)

	list, err := f.catalog.LowStock(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = f.catalog.LowStock(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
