package postgres

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/phenrril/ecomcore/internal/domain"
)

var errProductExists = domain.Validationf("product sku or slug already exists")

type ProductRepo struct{ db *gorm.DB }

func NewProductRepo(db *gorm.DB) *ProductRepo { return &ProductRepo{db: db} }

func (r *ProductRepo) Create(ctx context.Context, p *domain.Product) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.NormalizeStatus()
	return mapErr(conn(ctx, r.db).Create(p).Error, errProductExists)
}

func (r *ProductRepo) Save(ctx context.Context, p *domain.Product) error {
	p.NormalizeStatus()
	return mapErr(conn(ctx, r.db).Save(p).Error, errProductExists)
}

func (r *ProductRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	var p domain.Product
	if err := conn(ctx, r.db).First(&p, "id = ?", id).Error; err != nil {
		return nil, mapErr(err, nil)
	}
	return &p, nil
}

func (r *ProductRepo) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	var p domain.Product
	if err := conn(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "id = ?", id).Error; err != nil {
		return nil, mapErr(err, nil)
	}
	return &p, nil
}

func (r *ProductRepo) FindBySlug(ctx context.Context, slug string) (*domain.Product, error) {
	var p domain.Product
	if err := conn(ctx, r.db).First(&p, "slug = ?", slug).Error; err != nil {
		return nil, mapErr(err, nil)
	}
	return &p, nil
}

func (r *ProductRepo) List(ctx context.Context, f domain.ProductFilter) ([]domain.Product, int64, error) {
	var list []domain.Product
	q := conn(ctx, r.db).Model(&domain.Product{})
	if len(f.CategoryIDs) > 0 {
		q = q.Where("category_id IN ?", f.CategoryIDs)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.MinPrice != nil {
		q = q.Where("price >= ?", *f.MinPrice)
	}
	if f.MaxPrice != nil {
		q = q.Where("price <= ?", *f.MaxPrice)
	}
	if f.InStock != nil {
		if *f.InStock {
			q = q.Where("stock > 0 AND status = ?", domain.ProductActive)
		} else {
			q = q.Where("stock = 0")
		}
	}
	if query := strings.TrimSpace(f.Query); query != "" {
		like := "%" + strings.ToLower(query) + "%"
		q = q.Where("LOWER(name) LIKE ? OR LOWER(sku) LIKE ? OR LOWER(description) LIKE ?", like, like, like)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, mapErr(err, nil)
	}
	switch f.Sort {
	case "price_desc":
		q = q.Order("price desc")
	case "price_asc":
		q = q.Order("price asc")
	case "newest":
		q = q.Order("created_at desc")
	default:
		q = q.Order("name asc")
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	offset := (f.Page - 1) * f.PageSize
	if err := q.Offset(offset).Limit(f.PageSize).Find(&list).Error; err != nil {
		return nil, 0, mapErr(err, nil)
	}
	return list, total, nil
}

func (r *ProductRepo) ListByCategoryIDs(ctx context.Context, ids []uuid.UUID, activeOnly bool) ([]domain.Product, error) {
	list := []domain.Product{}
	if len(ids) == 0 {
		return list, nil
	}
	q := conn(ctx, r.db).Where("category_id IN ?", ids)
	if activeOnly {
		q = q.Where("status = ?", domain.ProductActive)
	}
	if err := q.Order("name asc").Find(&list).Error; err != nil {
		return nil, mapErr(err, nil)
	}
	return list, nil
}

func (r *ProductRepo) ListLowStock(ctx context.Context, threshold int) ([]domain.Product, error) {
	var list []domain.Product
	if err := conn(ctx, r.db).Where("stock > 0 AND stock <= ?", threshold).Order("stock asc").Order("name asc").Find(&list).Error; err != nil {
		return nil, mapErr(err, nil)
	}
	return list, nil
}

// UpdateStock writes stock and status only. Callers hold the row lock.
func (r *ProductRepo) UpdateStock(ctx context.Context, p *domain.Product) error {
	p.NormalizeStatus()
	res := conn(ctx, r.db).Model(&domain.Product{}).Where("id = ?", p.ID).
		Updates(map[string]any{"stock": p.Stock, "status": p.Status, "updated_at": gorm.Expr("NOW()")})
	if res.Error != nil {
		return mapErr(res.Error, nil)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *ProductRepo) ClearCategory(ctx context.Context, categoryIDs []uuid.UUID) error {
	if len(categoryIDs) == 0 {
		return nil
	}
	return mapErr(conn(ctx, r.db).Model(&domain.Product{}).Where("category_id IN ?", categoryIDs).
		UpdateColumn("category_id", nil).Error, nil)
}

func (r *ProductRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res := conn(ctx, r.db).Where("id = ?", id).Delete(&domain.Product{})
	if isForeignKeyViolation(res.Error) {
		return domain.ErrProductInUse
	}
	if res.Error != nil {
		return mapErr(res.Error, nil)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
