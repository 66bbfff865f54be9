package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/phenrril/ecomcore/internal/domain"
)

type seedCategory struct {
	name     string
	children []seedCategory
}

var catalogTree = []seedCategory{
	{name: "Electronics", children: []seedCategory{
		{name: "Mobile Phones", children: []seedCategory{{name: "Smartphones"}, {name: "Feature Phones"}}},
		{name: "Laptops"},
		{name: "Accessories"},
	}},
	{name: "Fashion", children: []seedCategory{
		{name: "Men Fashion", children: []seedCategory{{name: "Shirts"}, {name: "Pants"}}},
		{name: "Women Fashion"},
	}},
	{name: "Home & Living"},
}

type seedProduct struct {
	name, sku, category, price string
	stock                      int
}

var catalogProducts = []seedProduct{
	{"iPhone 15 Pro Max", "APL-IP15PM-256", "Smartphones", "149999.00", 25},
	{"Samsung Galaxy S24 Ultra", "SAM-GS24U-512", "Smartphones", "139999.00", 30},
	{"Google Pixel 8 Pro", "GOG-P8P-256", "Smartphones", "89999.00", 15},
	{"Nokia 105", "NOK-105-BLK", "Feature Phones", "1899.00", 120},
	{"MacBook Pro 16 M3 Max", "APL-MBP16-M3M", "Laptops", "349999.00", 8},
	{"Dell XPS 15", "DEL-XPS15-I7", "Laptops", "189999.00", 12},
	{"USB-C Fast Charger 65W", "ACC-CHG-65W", "Accessories", "2499.00", 200},
	{"Wireless Earbuds", "ACC-EARBUD-01", "Accessories", "4999.00", 5},
	{"Oxford Cotton Shirt", "MEN-SHIRT-OXF", "Shirts", "1999.00", 60},
	{"Slim Fit Chinos", "MEN-PANT-CHN", "Pants", "2499.00", 0},
	{"Ceramic Dinner Set", "HOM-DIN-24", "Home & Living", "7999.00", 14},
}

// seedCatalog inserts the demo category tree and products in one transaction.
func seedCatalog(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := map[string]uuid.UUID{}
		type frame struct {
			node   seedCategory
			parent *uuid.UUID
		}
		stack := make([]frame, 0, len(catalogTree))
		for i := len(catalogTree) - 1; i >= 0; i-- {
			stack = append(stack, frame{node: catalogTree[i]})
		}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			c := domain.Category{ID: uuid.New(), Name: top.node.name, Slug: domain.Slugify(top.node.name), ParentID: top.parent, Active: true}
			if err := tx.Create(&c).Error; err != nil {
				return err
			}
			ids[c.Name] = c.ID
			for i := len(top.node.children) - 1; i >= 0; i-- {
				stack = append(stack, frame{node: top.node.children[i], parent: &c.ID})
			}
		}

		for _, sp := range catalogProducts {
			catID := ids[sp.category]
			p := domain.Product{
				ID:         uuid.New(),
				Name:       sp.name,
				Slug:       domain.Slugify(sp.name),
				SKU:        sp.sku,
				CategoryID: &catID,
				Price:      decimal.RequireFromString(sp.price),
				Stock:      sp.stock,
				Status:     domain.ProductActive,
			}
			p.NormalizeStatus()
			if err := tx.Create(&p).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
