package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TxManager runs a message write and its change notification as one unit,
// so listeners only hear about rows that committed.
type TxManager struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// NewTxManager creates a transaction manager using read committed isolation
func NewTxManager(db *sql.DB) *TxManager {
	return &TxManager{db: db, opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted}}
}

// WithTx commits when fn returns nil and rolls back otherwise. A panic in fn
// rolls back before it propagates.
func (tm *TxManager) WithTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := tm.db.BeginTx(ctx, tm.opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	committed = true
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
