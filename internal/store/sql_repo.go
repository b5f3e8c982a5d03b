package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
)

// sqlRepo implements Repo on a SQLite table using the ent SQL builder.
type sqlRepo struct {
	db  *sql.DB
	now func() time.Time
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func builder() *entsql.DialectBuilder {
	return entsql.Dialect(dialect.SQLite)
}

func (r *sqlRepo) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func recordSelector() *entsql.Selector {
	return builder().
		Select(colBucket, colKey, colOwner, colValue, colVersion, colDueAt, colExpiresAt, colUpdatedAt).
		From(entsql.Table(recordsTable))
}

func liveAt(now time.Time) *entsql.Predicate {
	return entsql.Or(
		entsql.EQ(colExpiresAt, 0),
		entsql.GT(colExpiresAt, now.UnixMilli()),
	)
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		var (
			rec                     Record
			dueAt, expires, updated int64
		)
		if err := rows.Scan(&rec.Bucket, &rec.Key, &rec.Owner, &rec.Value, &rec.Version, &dueAt, &expires, &updated); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.DueAt = fromMillis(dueAt)
		rec.ExpiresAt = fromMillis(expires)
		rec.UpdatedAt = fromMillis(updated)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (r *sqlRepo) get(ctx context.Context, q querier, bucket, key string) (*Record, error) {
	query, args := recordSelector().
		Where(entsql.And(
			entsql.EQ(colBucket, bucket),
			entsql.EQ(colKey, key),
			liveAt(r.clock()),
		)).
		Query()
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// currentVersion returns the stored version including expired rows, so an
// expired row is overwritten rather than colliding on insert.
func (r *sqlRepo) currentVersion(ctx context.Context, q querier, bucket, key string) (version int64, live bool, err error) {
	query, args := builder().
		Select(colVersion, colExpiresAt).
		From(entsql.Table(recordsTable)).
		Where(entsql.And(entsql.EQ(colBucket, bucket), entsql.EQ(colKey, key))).
		Query()
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, false, fmt.Errorf("query version: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, false, rows.Err()
	}
	var expires int64
	if err := rows.Scan(&version, &expires); err != nil {
		return 0, false, fmt.Errorf("scan version: %w", err)
	}
	live = expires == 0 || expires > r.clock().UnixMilli()
	return version, live, nil
}

func (r *sqlRepo) upsert(ctx context.Context, q querier, rec *Record, version int64) (*Record, error) {
	stored := rec.Clone()
	stored.Version = version
	stored.UpdatedAt = r.clock()

	query, args := builder().
		Insert(recordsTable).
		Columns(colBucket, colKey, colOwner, colValue, colVersion, colDueAt, colExpiresAt, colUpdatedAt).
		Values(stored.Bucket, stored.Key, stored.Owner, stored.Value, stored.Version,
			toMillis(stored.DueAt), toMillis(stored.ExpiresAt), toMillis(stored.UpdatedAt)).
		OnConflict(
			entsql.ConflictColumns(colBucket, colKey),
			entsql.ResolveWithNewValues(),
		).
		Query()
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("upsert record: %w", err)
	}
	return stored, nil
}

func (r *sqlRepo) Get(ctx context.Context, bucket, key string) (*Record, error) {
	return r.get(ctx, r.db, bucket, key)
}

func (r *sqlRepo) Put(ctx context.Context, rec *Record) (*Record, error) {
	var out *Record
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		version, live, err := r.currentVersion(ctx, tx, rec.Bucket, rec.Key)
		if err != nil {
			return err
		}
		if !live {
			version = 0
		}
		out, err = r.upsert(ctx, tx, rec, version+1)
		return err
	})
	return out, err
}

func (r *sqlRepo) CompareAndSwap(ctx context.Context, rec *Record, expected int64) (*Record, error) {
	var out *Record
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		version, live, err := r.currentVersion(ctx, tx, rec.Bucket, rec.Key)
		if err != nil {
			return err
		}
		if !live {
			version = 0
		}
		if version != expected {
			return ErrConflict
		}
		out, err = r.upsert(ctx, tx, rec, version+1)
		return err
	})
	return out, err
}

// Update runs fn inside a transaction so the read and the write observe
// the same row.
func (r *sqlRepo) Update(ctx context.Context, bucket, key string, fn UpdateFunc) (*Record, error) {
	var out *Record
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := r.get(ctx, tx, bucket, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		var version int64
		if cur != nil {
			version = cur.Version
		}
		next, err := fn(cur.Clone())
		if err != nil {
			return err
		}
		if next == nil {
			out = cur
			return nil
		}
		next.Bucket, next.Key = bucket, key
		out, err = r.upsert(ctx, tx, next, version+1)
		return err
	})
	return out, err
}

func (r *sqlRepo) Delete(ctx context.Context, bucket, key string) error {
	query, args := builder().
		Delete(recordsTable).
		Where(entsql.And(entsql.EQ(colBucket, bucket), entsql.EQ(colKey, key))).
		Query()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (r *sqlRepo) List(ctx context.Context, bucket, owner string) ([]*Record, error) {
	query, args := recordSelector().
		Where(entsql.And(
			entsql.EQ(colBucket, bucket),
			entsql.EQ(colOwner, owner),
			liveAt(r.clock()),
		)).
		OrderBy(colKey).
		Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return scanRecords(rows)
}

func (r *sqlRepo) DueBefore(ctx context.Context, bucket, owner string, asOf time.Time) ([]*Record, error) {
	query, args := recordSelector().
		Where(entsql.And(
			entsql.EQ(colBucket, bucket),
			entsql.EQ(colOwner, owner),
			entsql.GT(colDueAt, 0),
			entsql.LTE(colDueAt, asOf.UnixMilli()),
			liveAt(r.clock()),
		)).
		OrderBy(colDueAt, colKey).
		Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query due records: %w", err)
	}
	return scanRecords(rows)
}

func (r *sqlRepo) DeleteOwner(ctx context.Context, owner string) (int, error) {
	query, args := builder().
		Delete(recordsTable).
		Where(entsql.EQ(colOwner, owner)).
		Query()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete owner records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqlRepo) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	query, args := builder().
		Delete(recordsTable).
		Where(entsql.And(
			entsql.GT(colExpiresAt, 0),
			entsql.LTE(colExpiresAt, now.UnixMilli()),
		)).
		Query()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge expired records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqlRepo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
