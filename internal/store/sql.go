package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver

	"oneshot.link/internal/logger"
	"oneshot.link/internal/store/migrations"
)

var (
	_ Records = (*SQLStore)(nil)
	_ Purger  = (*SQLStore)(nil)
)

const recordsTable = "records"

// SQLStore keeps records in a single table shared by every partition on the
// same database. Each row carries its partition in the scope column and every
// query filters on it. SQL databases have no native TTL, so queries also
// filter on expires_at and the sweeper purges dead rows. The destructive read
// is a single DELETE ... RETURNING statement.
type SQLStore struct {
	db        *sql.DB
	builder   sq.StatementBuilderType
	partition string
	now       func() time.Time
	logger    *logger.Logger
}

var sqlDrivers = map[string]string{
	"postgres": "pgx",
	"sqlite":   "sqlite3",
}

// OpenSQLStore connects to dsn, runs migrations and returns the store for
// partition. dialect is "postgres" or "sqlite".
func OpenSQLStore(ctx context.Context, dialect, dsn, partition string, log *logger.Logger) (*SQLStore, error) {
	driver, ok := sqlDrivers[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}

	if dialect == "sqlite" {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(4)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable(err)
	}

	if err := migrations.Migrate(db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info().Str("dialect", dialect).Str("partition", partition).Msg("connected to sql record store")
	return NewSQLStore(db, dialect, partition, log), nil
}

// NewSQLStore wraps an already migrated database.
func NewSQLStore(db *sql.DB, dialect, partition string, log *logger.Logger) *SQLStore {
	var placeholder sq.PlaceholderFormat = sq.Question
	if dialect == "postgres" {
		placeholder = sq.Dollar
	}

	return &SQLStore{
		db:        db,
		builder:   sq.StatementBuilder.PlaceholderFormat(placeholder),
		partition: partition,
		now:       time.Now,
		logger:    log,
	}
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()

	// an expired row with the same key must not block the insert
	_, err := s.builder.Delete(recordsTable).
		Where(sq.Eq{"scope": s.partition, "key": key}).
		Where(sq.LtOrEq{"expires_at": millis(now)}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return s.wrap(err)
	}

	res, err := s.builder.Insert(recordsTable).
		Columns("scope", "key", "value", "expires_at").
		Values(s.partition, key, value, millis(now.Add(ttl))).
		Suffix("ON CONFLICT (scope, key) DO NOTHING").
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return s.wrap(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(err)
	}
	if n == 0 {
		return ErrKeyExists
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.builder.Select("value").
		From(recordsTable).
		Where(sq.Eq{"scope": s.partition, "key": key}).
		Where(sq.Gt{"expires_at": millis(s.now())}).
		RunWith(s.db).QueryRowContext(ctx).Scan(&value)
	if err != nil {
		return nil, s.wrap(err)
	}
	return value, nil
}

func (s *SQLStore) GetAndDelete(ctx context.Context, key string) ([]byte, error) {
	query, args, err := s.builder.Delete(recordsTable).
		Where(sq.Eq{"scope": s.partition, "key": key}).
		Where(sq.Gt{"expires_at": millis(s.now())}).
		Suffix("RETURNING value").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building delete query: %w", err)
	}

	var value []byte
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&value); err != nil {
		return nil, s.wrap(err)
	}
	return value, nil
}

func (s *SQLStore) MarkDeleted(ctx context.Context, key string) error {
	res, err := s.builder.Delete(recordsTable).
		Where(sq.Eq{"scope": s.partition, "key": key}).
		Where(sq.Gt{"expires_at": millis(s.now())}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return s.wrap(err)
	}
	return s.affected(res)
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) error {
	res, err := s.builder.Update(recordsTable).
		Set("value", newValue).
		Where(sq.Eq{"scope": s.partition, "key": key, "value": oldValue}).
		Where(sq.Gt{"expires_at": millis(s.now())}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return s.wrap(err)
	}

	if err := s.affected(res); !errors.Is(err, ErrNotFound) {
		return err
	}

	// nothing updated: tell a vanished row from a changed one
	if _, err := s.Get(ctx, key); err != nil {
		return err
	}
	return ErrConflict
}

func (s *SQLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.builder.Select("key").
		From(recordsTable).
		Where(sq.Eq{"scope": s.partition}).
		Where(sq.Expr(`key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")).
		Where(sq.Gt{"expires_at": millis(s.now())}).
		OrderBy("key").
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, s.wrap(err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err)
	}
	return keys, nil
}

func (s *SQLStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.builder.Delete(recordsTable).
		Where(sq.Eq{"scope": s.partition}).
		Where(sq.LtOrEq{"expires_at": millis(now)}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return 0, s.wrap(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.wrap(err)
	}
	return int(n), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) wrap(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	s.logger.Err(err).
		Bool("retryable", Classify(err) == Retryable).
		Msg("sql record store query failed")
	return unavailable(err)
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
