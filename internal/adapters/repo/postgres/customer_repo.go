package postgres

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/phenrril/ecomcore/internal/domain"
)

var errEmailTaken = domain.Validationf("email already belongs to another customer")

type CustomerRepo struct{ db *gorm.DB }

func NewCustomerRepo(db *gorm.DB) *CustomerRepo { return &CustomerRepo{db: db} }

func (r *CustomerRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	var c domain.Customer
	if err := conn(ctx, r.db).First(&c, "id = ?", id).Error; err != nil {
		return nil, mapErr(err, nil)
	}
	return &c, nil
}

func (r *CustomerRepo) FindByEmail(ctx context.Context, email string) (*domain.Customer, error) {
	var c domain.Customer
	e := strings.ToLower(strings.TrimSpace(email))
	if e == "" {
		return nil, domain.Validationf("email is empty")
	}
	if err := conn(ctx, r.db).First(&c, "LOWER(email) = ?", e).Error; err != nil {
		return nil, mapErr(err, nil)
	}
	return &c, nil
}

func (r *CustomerRepo) Save(ctx context.Context, c *domain.Customer) error {
	if c.Email != "" {
		c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	}
	return mapErr(conn(ctx, r.db).Save(c).Error, errEmailTaken)
}
