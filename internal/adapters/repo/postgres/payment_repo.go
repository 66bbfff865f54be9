package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/phenrril/ecomcore/internal/domain"
)

var errPaymentExists = domain.Validationf("order already has a payment or transaction id is taken")

type PaymentRepo struct{ db *gorm.DB }

func NewPaymentRepo(db *gorm.DB) *PaymentRepo { return &PaymentRepo{db: db} }

func (r *PaymentRepo) Create(ctx context.Context, p *domain.Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return mapErr(conn(ctx, r.db).Omit(clause.Associations).Create(p).Error, errPaymentExists)
}

func (r *PaymentRepo) Save(ctx context.Context, p *domain.Payment) error {
	return mapErr(conn(ctx, r.db).Omit(clause.Associations).Save(p).Error, errPaymentExists)
}

func (r *PaymentRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return r.first(conn(ctx, r.db), "id = ?", id)
}

func (r *PaymentRepo) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return r.first(conn(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"}), "id = ?", id)
}

func (r *PaymentRepo) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	return r.first(conn(ctx, r.db), "order_id = ?", orderID)
}

func (r *PaymentRepo) FindByTransactionID(ctx context.Context, provider domain.Provider, txID string) (*domain.Payment, error) {
	return r.first(conn(ctx, r.db), "provider = ? AND transaction_id = ?", provider, txID)
}

func (r *PaymentRepo) first(q *gorm.DB, where string, args ...any) (*domain.Payment, error) {
	var p domain.Payment
	if err := q.Where(where, args...).First(&p).Error; err != nil {
		return nil, mapErr(err, nil)
	}
	return &p, nil
}

func (r *PaymentRepo) AppendLog(ctx context.Context, l *domain.PaymentLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return mapErr(conn(ctx, r.db).Omit(clause.Associations).Create(l).Error, nil)
}

func (r *PaymentRepo) ListLogs(ctx context.Context, paymentID uuid.UUID) ([]domain.PaymentLog, error) {
	list := []domain.PaymentLog{}
	if err := conn(ctx, r.db).Where("payment_id = ?", paymentID).Order("created_at desc").Find(&list).Error; err != nil {
		return nil, mapErr(err, nil)
	}
	return list, nil
}
