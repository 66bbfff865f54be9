package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ProductStatus string

const (
	ProductActive     ProductStatus = "active"
	ProductInactive   ProductStatus = "inactive"
	ProductOutOfStock ProductStatus = "out_of_stock"
)

func (s ProductStatus) Valid() bool {
	switch s {
	case ProductActive, ProductInactive, ProductOutOfStock:
		return true
	}
	return false
}

type Product struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string          `gorm:"size:200;not null" json:"name"`
	Slug        string          `gorm:"size:220;uniqueIndex;not null" json:"slug"`
	SKU         string          `gorm:"column:sku;size:100;uniqueIndex;not null" json:"sku"`
	Description string          `gorm:"type:text" json:"description"`
	CategoryID  *uuid.UUID      `gorm:"type:uuid;index" json:"category_id,omitempty"`
	Price       decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	Stock       int             `gorm:"not null;default:0" json:"stock"`
	Status      ProductStatus   `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	CreatedBy   *uuid.UUID      `gorm:"type:uuid" json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NormalizeStatus applies the stock driven status rules. It runs before every
// persist of a product.
func (p *Product) NormalizeStatus() {
	switch {
	case p.Stock == 0 && p.Status == ProductActive:
		p.Status = ProductOutOfStock
	case p.Stock > 0 && p.Status == ProductOutOfStock:
		p.Status = ProductActive
	}
}

func (p *Product) IsInStock() bool { return p.Stock > 0 && p.Status == ProductActive }

func (p *Product) IsLowStock(threshold int) bool {
	return p.Stock > 0 && p.Stock <= threshold
}

// ReduceStock removes qty units. On failure the product is left untouched.
func (p *Product) ReduceStock(qty int) error {
	if qty <= 0 {
		return Validationf("quantity must be positive, got %d", qty)
	}
	if qty > p.Stock {
		return fmt.Errorf("%w: available %d, requested %d", ErrInsufficientStock, p.Stock, qty)
	}
	p.Stock -= qty
	if p.Stock == 0 && p.Status == ProductActive {
		p.Status = ProductOutOfStock
	}
	return nil
}

func (p *Product) IncreaseStock(qty int) error {
	if qty <= 0 {
		return Validationf("quantity must be positive, got %d", qty)
	}
	p.Stock += qty
	if p.Status == ProductOutOfStock {
		p.Status = ProductActive
	}
	return nil
}

// CheckAvailable validates that qty units can be put on an order.
func (p *Product) CheckAvailable(qty int) error {
	if !p.IsInStock() {
		return fmt.Errorf("%w: %s", ErrOutOfStock, p.Name)
	}
	if qty > p.Stock {
		return fmt.Errorf("%w: available %d, requested %d", ErrInsufficientStock, p.Stock, qty)
	}
	return nil
}

type StockAction string

const (
	StockSet      StockAction = "set"
	StockAdd      StockAction = "add"
	StockSubtract StockAction = "subtract"
)

type ProductFilter struct {
	Query       string
	CategoryIDs []uuid.UUID
	Status      ProductStatus
	MinPrice    *decimal.Decimal
	MaxPrice    *decimal.Decimal
	InStock     *bool
	Sort        string
	Page        int
	PageSize    int
}
