package domain

import (
	"time"

	"github.com/google/uuid"
)

// Customer mirrors the identity that placed orders. Its id is the actor id
// carried by the access token.
type Customer struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Email     string    `gorm:"size:140;uniqueIndex;not null" json:"email"`
	Name      string    `gorm:"size:140" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
