package storage

import (
	"database/sql"
	"fmt"
	"math"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/reifydb/reifydb/pkg/diag"
)

// SqliteTier is the warm tier: a single-file embedded database. One SQL table
// per logical table, keyed by (k, ver).
type SqliteTier struct {
	db *sql.DB

	mu     sync.Mutex
	tables map[string]bool
}

// NewSqliteTier opens (or creates) the backing database file.
func NewSqliteTier(path string) (*SqliteTier, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, diag.IO("STG_101", fmt.Errorf("failed to open database: %w", err))
	}
	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA synchronous=NORMAL`} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, diag.IO("STG_101", fmt.Errorf("failed to configure database: %w", err))
		}
	}
	return &SqliteTier{db: db, tables: make(map[string]bool)}, nil
}

func (s *SqliteTier) Name() string { return "sqlite" }

// sqlVer clamps a version for storage in a signed SQL integer. Version
// sentinels above MaxInt64 compare correctly after clamping because real
// versions never reach it.
func sqlVer(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func (s *SqliteTier) EnsureTable(table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[table] {
		return nil
	}
	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (
			k    BLOB    NOT NULL,
			ver  INTEGER NOT NULL,
			tomb INTEGER NOT NULL DEFAULT 0,
			row  BLOB,
			PRIMARY KEY (k, ver)
		) WITHOUT ROWID`, table)
	if _, err := s.db.Exec(ddl); err != nil {
		return diag.IO("STG_102", fmt.Errorf("failed to create table %s: %w", table, err))
	}
	s.tables[table] = true
	return nil
}

func (s *SqliteTier) ClearTable(table string) error {
	if err := s.EnsureTable(table); err != nil {
		return err
	}
	if _, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %q`, table)); err != nil {
		return diag.IO("STG_103", fmt.Errorf("failed to clear table %s: %w", table, err))
	}
	return nil
}

func (s *SqliteTier) Get(table string, key []byte, maxVersion uint64) (Entry, bool, error) {
	if err := s.EnsureTable(table); err != nil {
		return Entry{}, false, err
	}
	q := fmt.Sprintf(`SELECT ver, tomb, row FROM %q WHERE k = ? AND ver <= ? ORDER BY ver DESC LIMIT 1`, table)
	var (
		ver  int64
		tomb int64
		row  []byte
	)
	err := s.db.QueryRow(q, key, sqlVer(maxVersion)).Scan(&ver, &tomb, &row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, diag.IO("STG_104", err)
	}
	return Entry{Key: key, Row: row, Version: uint64(ver), Tombstone: tomb != 0}, true, nil
}

func (s *SqliteTier) GetAllVersions(table string, key []byte) ([]Entry, error) {
	if err := s.EnsureTable(table); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT ver, tomb, row FROM %q WHERE k = ? ORDER BY ver DESC`, table)
	rows, err := s.db.Query(q, key)
	if err != nil {
		return nil, diag.IO("STG_104", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			ver  int64
			tomb int64
			row  []byte
		)
		if err := rows.Scan(&ver, &tomb, &row); err != nil {
			return nil, diag.IO("STG_104", err)
		}
		out = append(out, Entry{Key: key, Row: row, Version: uint64(ver), Tombstone: tomb != 0})
	}
	return out, rows.Err()
}

func (s *SqliteTier) Contains(table string, key []byte, maxVersion uint64) (bool, error) {
	e, ok, err := s.Get(table, key, maxVersion)
	if err != nil || !ok {
		return false, err
	}
	return !e.Tombstone, nil
}

func (s *SqliteTier) Set(table string, entries []Entry) error {
	if err := s.EnsureTable(table); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return diag.IO("STG_105", err)
	}
	stmt, err := tx.Prepare(fmt.Sprintf(
		`INSERT OR REPLACE INTO %q (k, ver, tomb, row) VALUES (?, ?, ?, ?)`, table))
	if err != nil {
		tx.Rollback()
		return diag.IO("STG_105", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		tomb := 0
		if e.Tombstone {
			tomb = 1
		}
		if _, err := stmt.Exec(e.Key, sqlVer(e.Version), tomb, e.Row); err != nil {
			tx.Rollback()
			return diag.IO("STG_105", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return diag.IO("STG_105", err)
	}
	return nil
}

func (s *SqliteTier) Unset(table string, key []byte, version uint64) error {
	if err := s.EnsureTable(table); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %q WHERE k = ? AND ver = ?`, table)
	if _, err := s.db.Exec(q, key, sqlVer(version)); err != nil {
		return diag.IO("STG_106", err)
	}
	return nil
}

func (s *SqliteTier) Drop(table string, drops []DropSpec) error {
	if err := s.EnsureTable(table); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return diag.IO("STG_106", err)
	}
	stmt, err := tx.Prepare(fmt.Sprintf(`DELETE FROM %q WHERE k = ? AND ver <= ?`, table))
	if err != nil {
		tx.Rollback()
		return diag.IO("STG_106", err)
	}
	defer stmt.Close()
	for _, d := range drops {
		if _, err := stmt.Exec(d.Key, sqlVer(d.UpToVersion)); err != nil {
			tx.Rollback()
			return diag.IO("STG_106", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return diag.IO("STG_106", err)
	}
	return nil
}

// rangeQuery selects the latest version <= maxVersion per key inside the
// bounds, paging with a cursor key.
func (s *SqliteTier) rangeQuery(table string, cursor Cursor, start, end []byte, maxVersion uint64, limit int, reverse bool) ([]Entry, Cursor, bool, error) {
	if err := s.EnsureTable(table); err != nil {
		return nil, cursor, false, err
	}

	where := "m.ver <= ?"
	args := []any{sqlVer(maxVersion)}
	if len(cursor) > 0 {
		if reverse {
			where += " AND m.k < ?"
		} else {
			where += " AND m.k > ?"
		}
		args = append(args, []byte(cursor))
	}
	if start != nil {
		where += " AND m.k >= ?"
		args = append(args, start)
	}
	if end != nil {
		where += " AND m.k < ?"
		args = append(args, end)
	}
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	fetch := limit
	if fetch > 0 {
		fetch++ // one extra row to detect has_more
	} else {
		fetch = -1
	}
	q := fmt.Sprintf(
		`SELECT t.k, t.ver, t.tomb, t.row
		 FROM %q t
		 JOIN (SELECT m.k AS k, MAX(m.ver) AS mv FROM %q m WHERE %s GROUP BY m.k) g
		   ON t.k = g.k AND t.ver = g.mv
		 ORDER BY t.k %s LIMIT ?`, table, table, where, order)
	args = append(args, fetch)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, cursor, false, diag.IO("STG_107", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			k    []byte
			ver  int64
			tomb int64
			row  []byte
		)
		if err := rows.Scan(&k, &ver, &tomb, &row); err != nil {
			return nil, cursor, false, diag.IO("STG_107", err)
		}
		out = append(out, Entry{Key: k, Row: row, Version: uint64(ver), Tombstone: tomb != 0})
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, false, diag.IO("STG_107", err)
	}

	hasMore := false
	if limit > 0 && len(out) > limit {
		out = out[:limit]
		hasMore = true
	}
	next := cursor
	if len(out) > 0 {
		next = Cursor(out[len(out)-1].Key)
	}
	return out, next, hasMore, nil
}

func (s *SqliteTier) RangeNext(table string, cursor Cursor, start, end []byte, maxVersion uint64, limit int) ([]Entry, Cursor, bool, error) {
	return s.rangeQuery(table, cursor, start, end, maxVersion, limit, false)
}

func (s *SqliteTier) RangeRevNext(table string, cursor Cursor, start, end []byte, maxVersion uint64, limit int) ([]Entry, Cursor, bool, error) {
	return s.rangeQuery(table, cursor, start, end, maxVersion, limit, true)
}

func (s *SqliteTier) TakeOlder(table string, cutVersion uint64, limit int) ([]Entry, error) {
	if err := s.EnsureTable(table); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT k, ver, tomb, row FROM %q WHERE ver < ? ORDER BY ver ASC LIMIT ?`, table)
	fetch := limit
	if fetch <= 0 {
		fetch = -1
	}
	rows, err := s.db.Query(q, sqlVer(cutVersion), fetch)
	if err != nil {
		return nil, diag.IO("STG_108", err)
	}
	var out []Entry
	for rows.Next() {
		var (
			k    []byte
			ver  int64
			tomb int64
			row  []byte
		)
		if err := rows.Scan(&k, &ver, &tomb, &row); err != nil {
			rows.Close()
			return nil, diag.IO("STG_108", err)
		}
		out = append(out, Entry{Key: k, Row: row, Version: uint64(ver), Tombstone: tomb != 0})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, diag.IO("STG_108", err)
	}
	for _, e := range out {
		if err := s.Unset(table, e.Key, e.Version); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SqliteTier) ApproxSize(table string) (int64, error) {
	if err := s.EnsureTable(table); err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`SELECT COALESCE(SUM(LENGTH(k) + LENGTH(COALESCE(row, ''))), 0) FROM %q`, table)
	var size int64
	if err := s.db.QueryRow(q).Scan(&size); err != nil {
		return 0, diag.IO("STG_109", err)
	}
	return size, nil
}

func (s *SqliteTier) Close() error {
	return s.db.Close()
}
