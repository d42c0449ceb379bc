package store

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type contextKey int

const transactionKey contextKey = iota

// tx is the open transaction carried by a context. Job store calls made with
// that context run inside it.
type tx struct {
	db *gorm.DB
}

func newTransactionContext(ctx context.Context, db *gorm.DB) (context.Context, error) {
	begun := db.WithContext(ctx).Begin()
	if begun.Error != nil {
		return ctx, begun.Error
	}
	return context.WithValue(ctx, transactionKey, &tx{db: begun}), nil
}

// Commit ends the transaction of ctx. The returned context no longer carries
// it. Without a transaction it does nothing.
func Commit(ctx context.Context) (context.Context, error) {
	return end(ctx, "commit", func(db *gorm.DB) *gorm.DB { return db.Commit() })
}

func Rollback(ctx context.Context) (context.Context, error) {
	return end(ctx, "rollback", func(db *gorm.DB) *gorm.DB { return db.Rollback() })
}

// FromContext returns the transaction of ctx, nil when there is none.
func FromContext(ctx context.Context) *gorm.DB {
	if t, ok := ctx.Value(transactionKey).(*tx); ok {
		return t.db
	}
	return nil
}

func end(ctx context.Context, op string, fn func(*gorm.DB) *gorm.DB) (context.Context, error) {
	t, ok := ctx.Value(transactionKey).(*tx)
	if !ok {
		return ctx, nil
	}

	newCtx := context.WithValue(ctx, transactionKey, nil)
	if err := fn(t.db).Error; err != nil {
		zap.S().Named("store_tx").Errorw("failed to end transaction", "op", op, "error", err)
		return newCtx, err
	}
	zap.S().Named("store_tx").Debugw("transaction ended", "op", op)
	return newCtx, nil
}
