package repos

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"device-operation-management/api/internal/operations"
)

// OperationsStore is the Postgres implementation of operations.Store.
// Reads made through it run on the pool; Begin opens a unit of work whose
// stores share one transaction.
type OperationsStore struct {
	stores
	pool *pgxpool.Pool
}

func NewOperationsStore(pool *pgxpool.Pool) *OperationsStore {
	return &OperationsStore{stores: stores{db: pool}, pool: pool}
}

func (s *OperationsStore) Begin(ctx context.Context) (operations.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &storeTx{stores: stores{db: tx}, tx: tx}, nil
}

type storeTx struct {
	stores
	tx pgx.Tx
}

func (t *storeTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *storeTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

type stores struct {
	db DBTX
}

func (s stores) Command() operations.TypedStore { return typedStore{db: s.db, table: commandTable} }
func (s stores) Config() operations.TypedStore  { return typedStore{db: s.db, table: configTable} }
func (s stores) Profile() operations.TypedStore { return typedStore{db: s.db, table: profileTable} }
func (s stores) Policy() operations.TypedStore  { return typedStore{db: s.db, table: policyTable} }
func (s stores) Generic() operations.TypedStore { return genericStore{db: s.db} }

func (s stores) Operations() operations.OperationStore { return operationRows{db: s.db} }
func (s stores) Outbox() operations.OutboxWriter       { return outboxWriter{db: s.db} }
