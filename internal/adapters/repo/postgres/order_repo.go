package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/phenrril/ecomcore/internal/domain"
)

type OrderRepo struct{ db *gorm.DB }

func NewOrderRepo(db *gorm.DB) *OrderRepo { return &OrderRepo{db: db} }

func (r *OrderRepo) Create(ctx context.Context, o *domain.Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return mapErr(conn(ctx, r.db).Omit(clause.Associations).Create(o).Error, nil)
}

func (r *OrderRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return r.find(ctx, id, false)
}

func (r *OrderRepo) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return r.find(ctx, id, true)
}

func (r *OrderRepo) find(ctx context.Context, id uuid.UUID, lock bool) (*domain.Order, error) {
	var o domain.Order
	q := conn(ctx, r.db)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.First(&o, "id = ?", id).Error; err != nil {
		return nil, mapErr(err, nil)
	}
	if err := conn(ctx, r.db).Where("order_id = ?", o.ID).Order("created_at asc").Order("id asc").Find(&o.Items).Error; err != nil {
		return nil, mapErr(err, nil)
	}
	return &o, nil
}

func (r *OrderRepo) List(ctx context.Context, f domain.OrderFilter) ([]domain.Order, int64, error) {
	var list []domain.Order
	q := conn(ctx, r.db).Model(&domain.Order{})
	if f.CustomerID != nil {
		q = q.Where("customer_id = ?", *f.CustomerID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, mapErr(err, nil)
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	err := q.Order("created_at desc").Offset((f.Page-1)*f.PageSize).Limit(f.PageSize).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("created_at asc") }).
		Find(&list).Error
	if err != nil {
		return nil, 0, mapErr(err, nil)
	}
	return list, total, nil
}

func (r *OrderRepo) Save(ctx context.Context, o *domain.Order) error {
	return mapErr(conn(ctx, r.db).Omit(clause.Associations).Save(o).Error, nil)
}

func (r *OrderRepo) SaveItem(ctx context.Context, it *domain.OrderItem) error {
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	return mapErr(conn(ctx, r.db).Omit(clause.Associations).Save(it).Error, nil)
}

func (r *OrderRepo) DeleteItem(ctx context.Context, id uuid.UUID) error {
	return mapErr(conn(ctx, r.db).Where("id = ?", id).Delete(&domain.OrderItem{}).Error, nil)
}

// NextSequence bumps the per day counter. The first call of a day seeds the
// counter from the highest order number already stored for that day, so the
// counter table can be introduced on a database that already has orders.
func (r *OrderRepo) NextSequence(ctx context.Context, day string) (int, error) {
	var seq int
	err := conn(ctx, r.db).Raw(`INSERT INTO order_sequences (day, last_seq)
VALUES (?, (SELECT COALESCE(MAX(CAST(SUBSTRING(order_number FROM 14) AS INTEGER)), 0) + 1 FROM orders WHERE order_number LIKE ?))
ON CONFLICT (day) DO UPDATE SET last_seq = order_sequences.last_seq + 1
RETURNING last_seq`, day, domain.OrderNumberDayPrefix(day)+"%").Scan(&seq).Error
	if err != nil {
		return 0, mapErr(err, nil)
	}
	return seq, nil
}

func (r *OrderRepo) CountItemsForProduct(ctx context.Context, productID uuid.UUID) (int64, error) {
	var n int64
	if err := conn(ctx, r.db).Model(&domain.OrderItem{}).Where("product_id = ?", productID).Count(&n).Error; err != nil {
		return 0, mapErr(err, nil)
	}
	return n, nil
}

func (r *OrderRepo) Summary(ctx context.Context) (domain.OrderSummary, error) {
	var row struct {
		Total   int64
		Pending int64
		Paid    int64
		Revenue decimal.Decimal
		Average decimal.Decimal
	}
	err := conn(ctx, r.db).Model(&domain.Order{}).Select(`COUNT(*) AS total,
COUNT(*) FILTER (WHERE status = ?) AS pending,
COUNT(*) FILTER (WHERE status = ?) AS paid,
COALESCE(SUM(total_amount) FILTER (WHERE status IN ?), 0) AS revenue,
COALESCE(AVG(total_amount), 0) AS average`,
		domain.OrderPending, domain.OrderPaid, domain.RevenueStatuses).Scan(&row).Error
	if err != nil {
		return domain.OrderSummary{}, mapErr(err, nil)
	}
	return domain.OrderSummary{
		TotalOrders:       row.Total,
		PendingOrders:     row.Pending,
		PaidOrders:        row.Paid,
		TotalRevenue:      row.Revenue.Round(2),
		AverageOrderValue: row.Average.Round(2),
	}, nil
}
