package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatusHistory is append only. Rows are never updated or deleted.
type OrderStatusHistory struct {
	ID             uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID        uuid.UUID   `gorm:"type:uuid;not null;index:idx_history_order_created,priority:1" json:"order_id"`
	Order          *Order      `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	FromStatus     OrderStatus `gorm:"type:varchar(20)" json:"from_status"`
	ToStatus       OrderStatus `gorm:"type:varchar(20);not null" json:"to_status"`
	ChangedBy      *uuid.UUID  `gorm:"type:uuid" json:"changed_by,omitempty"`
	ChangedByEmail string      `gorm:"size:140" json:"changed_by_email"`
	Notes          string      `gorm:"type:text" json:"notes"`
	CreatedAt      time.Time   `gorm:"index:idx_history_order_created,priority:2,sort:desc" json:"created_at"`
}

func (OrderStatusHistory) TableName() string { return "order_status_history" }

func NewHistoryEntry(o *Order, from, to OrderStatus, actor Actor, notes string, now time.Time) *OrderStatusHistory {
	return &OrderStatusHistory{
		ID:             uuid.New(),
		OrderID:        o.ID,
		FromStatus:     from,
		ToStatus:       to,
		ChangedBy:      actor.ActorRef(),
		ChangedByEmail: actor.Email,
		Notes:          notes,
		CreatedAt:      now,
	}
}
