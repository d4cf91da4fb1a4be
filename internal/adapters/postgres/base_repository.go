package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the query surface shared by pools and transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is satisfied by *pgxpool.Pool and by pgxmock pools in tests.
type Pool interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

type BaseRepository struct {
	pool Pool
}

func NewBaseRepository(pool Pool) BaseRepository {
	return BaseRepository{pool: pool}
}

func (r *BaseRepository) Pool() Pool {
	return r.pool
}

func (r *BaseRepository) conn(ctx context.Context) DBTX {
	return GetConn(ctx, r.pool)
}
