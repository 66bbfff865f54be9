package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/phenrril/ecomcore/internal/domain"
)

var errCategoryExists = domain.Validationf("category name or slug already exists")

type CategoryRepo struct{ db *gorm.DB }

func NewCategoryRepo(db *gorm.DB) *CategoryRepo { return &CategoryRepo{db: db} }

func (r *CategoryRepo) Create(ctx context.Context, c *domain.Category) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return mapErr(conn(ctx, r.db).Create(c).Error, errCategoryExists)
}

func (r *CategoryRepo) Save(ctx context.Context, c *domain.Category) error {
	return mapErr(conn(ctx, r.db).Save(c).Error, errCategoryExists)
}

func (r *CategoryRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Category, error) {
	var c domain.Category
	if err := conn(ctx, r.db).First(&c, "id = ?", id).Error; err != nil {
		return nil, mapErr(err, nil)
	}
	return &c, nil
}

func (r *CategoryRepo) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Category, error) {
	var c domain.Category
	if err := conn(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"}).First(&c, "id = ?", id).Error; err != nil {
		return nil, mapErr(err, nil)
	}
	return &c, nil
}

func (r *CategoryRepo) FindBySlug(ctx context.Context, slug string) (*domain.Category, error) {
	var c domain.Category
	if err := conn(ctx, r.db).First(&c, "slug = ?", slug).Error; err != nil {
		return nil, mapErr(err, nil)
	}
	return &c, nil
}

func (r *CategoryRepo) ListAll(ctx context.Context) ([]domain.Category, error) {
	var list []domain.Category
	if err := conn(ctx, r.db).Order("name asc").Order("id asc").Find(&list).Error; err != nil {
		return nil, mapErr(err, nil)
	}
	return list, nil
}

func (r *CategoryRepo) DeleteMany(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return mapErr(conn(ctx, r.db).Where("id IN ?", ids).Delete(&domain.Category{}).Error, nil)
}
