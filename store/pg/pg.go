// Package pg implements an xfer.Store backed by PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	stderrs "errors"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/relaysync/xfer"
	"github.com/relaysync/xfer/store"
)

var _ xfer.Store = &Store{}

// Schema is the SQL New executes. It creates the `artifacts` and
// `shunned` tables if they do not exist. (If they do exist, they must
// have the columns, constraints, and indexing described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS artifacts (
  id SERIAL PRIMARY KEY,
  name TEXT UNIQUE NOT NULL,
  state INTEGER NOT NULL,
  private BOOLEAN NOT NULL DEFAULT FALSE,
  is_root BOOLEAN NOT NULL DEFAULT FALSE,
  delta_src TEXT,
  content BYTEA
);

CREATE INDEX IF NOT EXISTS artifacts_name_idx ON artifacts (name);

CREATE TABLE IF NOT EXISTS shunned (
  name TEXT PRIMARY KEY NOT NULL
);
`

// dbi is satisfied by both *sql.DB and *sql.Tx.
type dbi interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store is a Postgres-based xfer.Store.
type Store struct {
	db *sql.DB
}

// New produces a new Store using db for storage.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Store{db: db}, errors.Wrap(err, "creating schema")
}

func resolve(ctx context.Context, q dbi, name xfer.Name) (id xfer.ID, state xfer.State, private bool, deltaSrc sql.NullString, ok bool, err error) {
	const query = `SELECT id, state, private, delta_src FROM artifacts WHERE name = $1`
	err = q.QueryRowContext(ctx, query, string(name)).Scan(&id, &state, &private, &deltaSrc)
	if stderrs.Is(err, sql.ErrNoRows) {
		return 0, 0, false, sql.NullString{}, false, nil
	}
	if err != nil {
		return 0, 0, false, sql.NullString{}, false, errors.Wrapf(err, "querying artifact %s", name)
	}
	return id, state, private, deltaSrc, true, nil
}

func resolveByID(ctx context.Context, q dbi, id xfer.ID) (name xfer.Name, state xfer.State, private bool, deltaSrc sql.NullString, content []byte, ok bool, err error) {
	const query = `SELECT name, state, private, delta_src, content FROM artifacts WHERE id = $1`
	err = q.QueryRowContext(ctx, query, int64(id)).Scan(&name, &state, &private, &deltaSrc, &content)
	if stderrs.Is(err, sql.ErrNoRows) {
		return "", 0, false, sql.NullString{}, nil, false, nil
	}
	if err != nil {
		return "", 0, false, sql.NullString{}, nil, false, errors.Wrapf(err, "querying artifact id %d", id)
	}
	return name, state, private, deltaSrc, content, true, nil
}

func doResolve(ctx context.Context, q dbi, name xfer.Name, createPhantom bool) (xfer.ID, error) {
	id, _, _, _, ok, err := resolve(ctx, q, name)
	if err != nil {
		return xfer.Zero, err
	}
	if ok {
		return id, nil
	}
	if !createPhantom {
		return xfer.Zero, xfer.ErrNotFound
	}
	return doNewPhantom(ctx, q, name, false)
}

func doNewPhantom(ctx context.Context, q dbi, name xfer.Name, private bool) (xfer.ID, error) {
	const insert = `INSERT INTO artifacts (name, state, private) VALUES ($1, $2, $3) ON CONFLICT (name) DO NOTHING`
	if _, err := q.ExecContext(ctx, insert, string(name), xfer.Phantom, private); err != nil {
		return xfer.Zero, errors.Wrapf(err, "inserting phantom %s", name)
	}
	id, _, _, _, ok, err := resolve(ctx, q, name)
	if err != nil {
		return xfer.Zero, err
	}
	if !ok {
		return xfer.Zero, errors.Errorf("phantom insert for %s did not take", name)
	}
	return id, nil
}

func doPut(ctx context.Context, q dbi, name xfer.Name, content xfer.Blob, src xfer.ID, private bool) (xfer.ID, error) {
	var deltaSrcName sql.NullString
	isRoot := false
	if src != xfer.Zero {
		srcName, _, _, _, _, ok, err := resolveByID(ctx, q, src)
		if err != nil {
			return xfer.Zero, err
		}
		if !ok {
			return xfer.Zero, errors.Errorf("unknown delta source id %d", src)
		}
		deltaSrcName = sql.NullString{String: string(srcName), Valid: true}
	} else {
		isRoot = true
	}

	const upsert = `
INSERT INTO artifacts (name, state, private, is_root, delta_src, content)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (name) DO UPDATE SET
  state = excluded.state, private = excluded.private, is_root = excluded.is_root,
  delta_src = excluded.delta_src, content = excluded.content`
	if _, err := q.ExecContext(ctx, upsert, string(name), xfer.Present, private, isRoot, deltaSrcName, []byte(content)); err != nil {
		return xfer.Zero, errors.Wrapf(err, "storing %s", name)
	}
	id, _, _, _, ok, err := resolve(ctx, q, name)
	if err != nil {
		return xfer.Zero, err
	}
	if !ok {
		return xfer.Zero, errors.Errorf("put for %s did not take", name)
	}
	return id, nil
}

func setPrivate(ctx context.Context, q dbi, id xfer.ID, private bool) error {
	const query = `UPDATE artifacts SET private = $1 WHERE id = $2`
	res, err := q.ExecContext(ctx, query, private, int64(id))
	if err != nil {
		return errors.Wrapf(err, "updating private bit for id %d", id)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "counting affected rows")
	}
	if aff == 0 {
		return xfer.ErrNotFound
	}
	return nil
}

func enumerateAll(ctx context.Context, q dbi, f func(xfer.ID, xfer.Name) error) error {
	const query = `SELECT id, name FROM artifacts ORDER BY id`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return errors.Wrap(err, "querying artifacts")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return errors.Wrap(err, "scanning artifact row")
		}
		if err := f(xfer.ID(id), xfer.Name(name)); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "iterating artifact rows")
}

func roots(ctx context.Context, q dbi) ([]xfer.ID, error) {
	const query = `SELECT id FROM artifacts WHERE is_root ORDER BY id`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "querying roots")
	}
	defer rows.Close()
	var out []xfer.ID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scanning root row")
		}
		out = append(out, xfer.ID(id))
	}
	return out, errors.Wrap(rows.Err(), "iterating root rows")
}

func isShunned(ctx context.Context, q dbi, name xfer.Name) (bool, error) {
	const query = `SELECT 1 FROM shunned WHERE name = $1`
	var one int
	err := q.QueryRowContext(ctx, query, string(name)).Scan(&one)
	if stderrs.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, errors.Wrap(err, "querying shun list")
}

func nativeDelta(ctx context.Context, q dbi, id xfer.ID) (xfer.ID, []byte, bool, error) {
	_, _, _, deltaSrc, content, ok, err := resolveByID(ctx, q, id)
	if err != nil {
		return xfer.Zero, nil, false, err
	}
	if !ok || !deltaSrc.Valid {
		return xfer.Zero, nil, false, nil
	}
	srcID, err := doResolve(ctx, q, xfer.Name(deltaSrc.String), true)
	if err != nil {
		return xfer.Zero, nil, false, err
	}
	return srcID, content, true, nil
}

func (s *Store) Resolve(ctx context.Context, name xfer.Name, createPhantom bool) (xfer.ID, error) {
	return doResolve(ctx, s.db, name, createPhantom)
}
func (s *Store) NewPhantom(ctx context.Context, name xfer.Name, private bool) (xfer.ID, error) {
	return doNewPhantom(ctx, s.db, name, private)
}
func (s *Store) Put(ctx context.Context, name xfer.Name, content xfer.Blob, src xfer.ID, private bool) (xfer.ID, error) {
	return doPut(ctx, s.db, name, content, src, private)
}
func (s *Store) Get(ctx context.Context, id xfer.ID) (xfer.Blob, error) {
	_, state, _, _, content, ok, err := resolveByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if !ok || state != xfer.Present {
		return nil, xfer.ErrNotFound
	}
	return content, nil
}
func (s *Store) StateOf(ctx context.Context, id xfer.ID) (xfer.State, error) {
	_, state, _, _, _, ok, err := resolveByID(ctx, s.db, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, xfer.ErrNotFound
	}
	return state, nil
}
func (s *Store) IsPrivate(ctx context.Context, id xfer.ID) (bool, error) {
	_, _, private, _, _, ok, err := resolveByID(ctx, s.db, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, xfer.ErrNotFound
	}
	return private, nil
}
func (s *Store) IsShunned(ctx context.Context, name xfer.Name) (bool, error) {
	return isShunned(ctx, s.db, name)
}

// Shun adds name to the shun list.
func (s *Store) Shun(ctx context.Context, name xfer.Name) error {
	const q = `INSERT INTO shunned (name) VALUES ($1) ON CONFLICT DO NOTHING`
	_, err := s.db.ExecContext(ctx, q, string(name))
	return errors.Wrapf(err, "shunning %s", name)
}
func (s *Store) MakePrivate(ctx context.Context, id xfer.ID) error { return setPrivate(ctx, s.db, id, true) }
func (s *Store) MakePublic(ctx context.Context, id xfer.ID) error  { return setPrivate(ctx, s.db, id, false) }
func (s *Store) EnumerateAll(ctx context.Context, f func(xfer.ID, xfer.Name) error) error {
	return enumerateAll(ctx, s.db, f)
}
func (s *Store) Roots(ctx context.Context) ([]xfer.ID, error) { return roots(ctx, s.db) }
func (s *Store) NameOf(ctx context.Context, id xfer.ID) (xfer.Name, error) {
	name, _, _, _, _, ok, err := resolveByID(ctx, s.db, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", xfer.ErrNotFound
	}
	return name, nil
}
func (s *Store) NativeDelta(ctx context.Context, id xfer.ID) (xfer.ID, []byte, bool, error) {
	return nativeDelta(ctx, s.db, id)
}

// tx wraps a *sql.Tx as an xfer.Tx.
type tx struct {
	sqltx *sql.Tx
}

func (s *Store) BeginWrite(ctx context.Context) (xfer.Tx, error) {
	sqltx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning transaction")
	}
	return &tx{sqltx: sqltx}, nil
}

func (t *tx) Resolve(ctx context.Context, name xfer.Name, createPhantom bool) (xfer.ID, error) {
	return doResolve(ctx, t.sqltx, name, createPhantom)
}
func (t *tx) NewPhantom(ctx context.Context, name xfer.Name, private bool) (xfer.ID, error) {
	return doNewPhantom(ctx, t.sqltx, name, private)
}
func (t *tx) Put(ctx context.Context, name xfer.Name, content xfer.Blob, src xfer.ID, private bool) (xfer.ID, error) {
	return doPut(ctx, t.sqltx, name, content, src, private)
}
func (t *tx) Get(ctx context.Context, id xfer.ID) (xfer.Blob, error) {
	_, state, _, _, content, ok, err := resolveByID(ctx, t.sqltx, id)
	if err != nil {
		return nil, err
	}
	if !ok || state != xfer.Present {
		return nil, xfer.ErrNotFound
	}
	return content, nil
}
func (t *tx) StateOf(ctx context.Context, id xfer.ID) (xfer.State, error) {
	_, state, _, _, _, ok, err := resolveByID(ctx, t.sqltx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, xfer.ErrNotFound
	}
	return state, nil
}
func (t *tx) IsPrivate(ctx context.Context, id xfer.ID) (bool, error) {
	_, _, private, _, _, ok, err := resolveByID(ctx, t.sqltx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, xfer.ErrNotFound
	}
	return private, nil
}
func (t *tx) IsShunned(ctx context.Context, name xfer.Name) (bool, error) {
	return isShunned(ctx, t.sqltx, name)
}
func (t *tx) MakePrivate(ctx context.Context, id xfer.ID) error { return setPrivate(ctx, t.sqltx, id, true) }
func (t *tx) MakePublic(ctx context.Context, id xfer.ID) error  { return setPrivate(ctx, t.sqltx, id, false) }
func (t *tx) EnumerateAll(ctx context.Context, f func(xfer.ID, xfer.Name) error) error {
	return enumerateAll(ctx, t.sqltx, f)
}
func (t *tx) Roots(ctx context.Context) ([]xfer.ID, error) { return roots(ctx, t.sqltx) }
func (t *tx) NameOf(ctx context.Context, id xfer.ID) (xfer.Name, error) {
	name, _, _, _, _, ok, err := resolveByID(ctx, t.sqltx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", xfer.ErrNotFound
	}
	return name, nil
}
func (t *tx) NativeDelta(ctx context.Context, id xfer.ID) (xfer.ID, []byte, bool, error) {
	return nativeDelta(ctx, t.sqltx, id)
}
func (t *tx) BeginWrite(ctx context.Context) (xfer.Tx, error) {
	return nil, errors.New("nested transactions are not supported")
}
func (t *tx) Commit(context.Context) error   { return t.sqltx.Commit() }
func (t *tx) Rollback(context.Context) error { return t.sqltx.Rollback() }

func init() {
	store.Register("pg", func(ctx context.Context, conf map[string]interface{}) (xfer.Store, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}
