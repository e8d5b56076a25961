package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3" // register dialect
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/rowan-db/rowan"
	"github.com/rowan-db/rowan/common"
)

// Ensure Adapter implements rowan.Persistence.
var _ rowan.Persistence = (*Adapter)(nil)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
)

// Adapter implements rowan.Persistence for SQLite.
type Adapter struct {
	db      *sqlx.DB
	dsn     string
	dialect goqu.DialectWrapper
	closeMx sync.Mutex
	closed  bool
}

// NewAdapter opens a SQLite database and verifies the connection.
func NewAdapter(dsn string) (*Adapter, error) {
	log.Printf("Initializing SQLite adapter with DSN: %s", dsn)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite connection: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return &Adapter{
		db:      db,
		dsn:     dsn,
		dialect: goqu.Dialect("sqlite3"),
	}, nil
}

// DB exposes the underlying handle for migrations and raw queries.
func (a *Adapter) DB() *sqlx.DB { return a.db }

// FetchOne returns one row by key, or common.ErrNotFound.
func (a *Adapter) FetchOne(ctx context.Context, table, pk string, key int64) (map[string]interface{}, error) {
	if a.isClosed() {
		return nil, errAdapterClosed
	}
	query, args, err := a.dialect.From(table).Where(goqu.C(pk).Eq(key)).Limit(1).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlite FetchOne build error: %w", err)
	}
	row := make(map[string]interface{})
	if err := a.db.QueryRowxContext(ctx, query, args...).MapScan(row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite FetchOne scan error: %w", err)
	}
	return row, nil
}

// FetchWhere returns every row matching column = value.
func (a *Adapter) FetchWhere(ctx context.Context, table, column string, value interface{}) ([]map[string]interface{}, error) {
	if a.isClosed() {
		return nil, errAdapterClosed
	}
	query, args, err := a.dialect.From(table).Where(goqu.C(column).Eq(value)).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlite FetchWhere build error: %w", err)
	}
	rows, err := a.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite FetchWhere query error: %w", err)
	}
	defer rows.Close()

	var result []map[string]interface{}
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("sqlite FetchWhere scan error: %w", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite FetchWhere rows error: %w", err)
	}
	return result, nil
}

// Insert writes a new row and returns its generated key.
func (a *Adapter) Insert(ctx context.Context, table string, attrs map[string]interface{}) (int64, error) {
	if a.isClosed() {
		return 0, errAdapterClosed
	}
	query, args, err := a.dialect.Insert(table).Rows(goqu.Record(attrs)).Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("sqlite Insert build error: %w", err)
	}
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite Insert exec error: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite Insert id error: %w", err)
	}
	return id, nil
}

// Update writes attrs to the row with the given key. Reports whether a row
// was touched.
func (a *Adapter) Update(ctx context.Context, table, pk string, key int64, attrs map[string]interface{}) (bool, error) {
	if a.isClosed() {
		return false, errAdapterClosed
	}
	if len(attrs) == 0 {
		return false, nil
	}
	query, args, err := a.dialect.Update(table).Set(goqu.Record(attrs)).Where(goqu.C(pk).Eq(key)).Prepared(true).ToSQL()
	if err != nil {
		return false, fmt.Errorf("sqlite Update build error: %w", err)
	}
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("sqlite Update exec error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite Update affected error: %w", err)
	}
	return affected > 0, nil
}

// DeleteRow removes one row by key.
func (a *Adapter) DeleteRow(ctx context.Context, table, pk string, key int64) error {
	return a.deleteWhere(ctx, table, pk, key)
}

// DeleteWhere removes every row matching column = value.
func (a *Adapter) DeleteWhere(ctx context.Context, table, column string, value interface{}) error {
	return a.deleteWhere(ctx, table, column, value)
}

func (a *Adapter) deleteWhere(ctx context.Context, table, column string, value interface{}) error {
	if a.isClosed() {
		return errAdapterClosed
	}
	query, args, err := a.dialect.Delete(table).Where(goqu.C(column).Eq(value)).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("sqlite Delete build error: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite Delete exec error: %w", err)
	}
	return nil
}

// DeletePivot removes the pivot rows matching both the owner and the related
// key.
func (a *Adapter) DeletePivot(ctx context.Context, table, ownerColumn string, ownerKey int64, relatedColumn string, relatedKey int64) error {
	if a.isClosed() {
		return errAdapterClosed
	}
	query, args, err := a.dialect.Delete(table).
		Where(goqu.C(ownerColumn).Eq(ownerKey), goqu.C(relatedColumn).Eq(relatedKey)).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("sqlite DeletePivot build error: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite DeletePivot exec error: %w", err)
	}
	return nil
}

// Ping verifies the connection.
func (a *Adapter) Ping(ctx context.Context) error {
	if a.isClosed() {
		return errAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// Close closes the connection pool. Safe to call more than once.
func (a *Adapter) Close() error {
	a.closeMx.Lock()
	defer a.closeMx.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

func (a *Adapter) isClosed() bool {
	a.closeMx.Lock()
	defer a.closeMx.Unlock()
	return a.closed
}

var errAdapterClosed = errors.New("sqlite adapter is closed")
