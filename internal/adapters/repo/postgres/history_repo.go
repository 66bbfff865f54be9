package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/phenrril/ecomcore/internal/domain"
)

// HistoryRepo only appends and reads.
type HistoryRepo struct{ db *gorm.DB }

func NewHistoryRepo(db *gorm.DB) *HistoryRepo { return &HistoryRepo{db: db} }

func (r *HistoryRepo) Append(ctx context.Context, h *domain.OrderStatusHistory) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return mapErr(conn(ctx, r.db).Omit("Order").Create(h).Error, nil)
}

func (r *HistoryRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.OrderStatusHistory, error) {
	list := []domain.OrderStatusHistory{}
	err := conn(ctx, r.db).Where("order_id = ?", orderID).Order("created_at desc").Order("id desc").Find(&list).Error
	if err != nil {
		return nil, mapErr(err, nil)
	}
	return list, nil
}
