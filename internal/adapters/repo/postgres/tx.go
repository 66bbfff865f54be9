package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/phenrril/ecomcore/internal/domain"
)

type txKey struct{}

// Transactor stores the open *gorm.DB transaction in the context so every
// repository call made with that context joins it.
type Transactor struct{ db *gorm.DB }

func NewTransactor(db *gorm.DB) *Transactor { return &Transactor{db: db} }

func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
	return mapErr(err, nil)
}

func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// Postgres error codes that mean "try again".
var retryableCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

// mapErr converts driver and gorm errors to domain errors. onDuplicate is
// returned for unique violations; nil keeps them as concurrency conflicts.
func mapErr(err, onDuplicate error) error {
	if err == nil {
		return nil
	}
	var derr *domain.Error
	if errors.As(err, &derr) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	duplicate := errors.Is(err, gorm.ErrDuplicatedKey)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if retryableCodes[pgErr.Code] {
			return domain.ConcurrencyError(err)
		}
		duplicate = duplicate || pgErr.Code == "23505"
	}
	if duplicate {
		if onDuplicate != nil {
			return onDuplicate
		}
		return domain.ConcurrencyError(err)
	}
	return err
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// OrderSequence is the per day counter behind order numbers.
type OrderSequence struct {
	Day     string `gorm:"primaryKey;size:8"`
	LastSeq int    `gorm:"not null"`
}

func (OrderSequence) TableName() string { return "order_sequences" }
