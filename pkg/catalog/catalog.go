// Package catalog implements the tabular operational store backing both logical catalog
// databases (packages, containers) and, with one Store per container, the per-container
// operational database.
//
// The engine is real SQL (modernc.org/sqlite, a pure-Go driver — see DESIGN.md for why a
// key-value engine cannot express the LIKE-prefix lookups and JOINs the Container Manager
// relies on), but the public surface deliberately stays close to
// TSDAP/database/sqlite.py's shape: one Store is opened against a root directory, a
// "database" is a logical name switched into before any table operation, and every
// create_database/create_table call warns-and-succeeds instead of erroring when the thing
// already exists.
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

var (
	dateRe     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimeRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}$`)
)

// Store is a tabular backend rooted at one directory, holding one *sql.DB per logical
// database name that has been switched into.
type Store struct {
	rootDir string
	logger  zerolog.Logger

	mu      sync.Mutex
	conns   map[string]*sql.DB
	current string

	typeMu  sync.RWMutex
	typeMap map[string]map[string]reflect.Type // "database.table" -> column -> type
}

// New opens a Store rooted at rootDir, creating the directory if needed.
func New(rootDir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("catalog: create root dir: %w", err)
	}
	return &Store{
		rootDir: rootDir,
		logger:  logger,
		conns:   make(map[string]*sql.DB),
		typeMap: make(map[string]map[string]reflect.Type),
	}, nil
}

// Close closes every opened logical database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, db := range s.conns {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.conns, name)
	}
	return firstErr
}

func (s *Store) dbPath(name string) string {
	return filepath.Join(s.rootDir, name+".db")
}

// DatabaseExists reports whether a logical database's backing file has been created.
func (s *Store) DatabaseExists(name string) bool {
	_, err := os.Stat(s.dbPath(name))
	return err == nil
}

// CreateDatabase creates the logical database's backing file. If it already exists this
// warns and returns nil — create is idempotent, DBExists propagation.
func (s *Store) CreateDatabase(name string) error {
	if s.DatabaseExists(name) {
		s.logger.Warn().Str("database", name).Msg("database already exists")
		return nil
	}

	f, err := os.OpenFile(s.dbPath(name), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("catalog: create database %q: %w", name, err)
	}
	return f.Close()
}

// SwitchDatabase selects name as the current database for subsequent table operations,
// opening its connection on first use. Switching to a database that does not exist warns
// and returns ErrDBNotExists, "switch: warn, return false" rule.
func (s *Store) SwitchDatabase(name string) error {
	if !s.DatabaseExists(name) {
		s.logger.Warn().Str("database", name).Msg("database does not exist")
		return ErrDBNotExists
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[name]; !ok {
		db, err := sql.Open("sqlite", s.dbPath(name))
		if err != nil {
			return fmt.Errorf("catalog: open database %q: %w", name, err)
		}
		db.SetMaxOpenConns(1) // serialize all statements, per execution lock
		s.conns[name] = db
	}
	s.current = name
	return nil
}

// DropDatabase removes a logical database's backing file. Dropping a missing database is a
// hard error, DBNotExists propagation for drop.
func (s *Store) DropDatabase(name string) error {
	if !s.DatabaseExists(name) {
		return ErrDBNotExists
	}

	s.mu.Lock()
	if db, ok := s.conns[name]; ok {
		db.Close()
		delete(s.conns, name)
	}
	if s.current == name {
		s.current = ""
	}
	s.mu.Unlock()

	return os.Remove(s.dbPath(name))
}

func (s *Store) conn() (*sql.DB, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == "" {
		return nil, "", ErrDBNotSelect
	}
	return s.conns[s.current], s.current, nil
}

func (s *Store) tableExists(db *sql.DB, table string) (bool, error) {
	row := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table)
	var name string
	err := row.Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Column is one (name, sample value) pair used to infer a table's SQL column types,
// mirroring TSDAP/database/sqlite.py's create_table(table_name, column_infos) contract.
type Column struct {
	Name   string
	Sample any
}

// columnsFromRow builds a deterministically-ordered Column list from a sample row, sorting
// by column name (the original iterates a Python dict in insertion order; Go map iteration
// has no stable order, so sorting keeps CREATE TABLE statements reproducible).
func columnsFromRow(row map[string]any) []Column {
	cols := make([]Column, 0, len(row))
	for k, v := range row {
		cols = append(cols, Column{Name: k, Sample: v})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return cols
}

// CreateTable creates table with columns inferred from sampleRow's value types. Idempotent:
// if the table exists this warns and returns nil, TBExists propagation.
func (s *Store) CreateTable(table string, sampleRow map[string]any) error {
	db, _, err := s.conn()
	if err != nil {
		return err
	}

	exists, err := s.tableExists(db, table)
	if err != nil {
		return err
	}
	if exists {
		s.logger.Warn().Str("table", table).Msg("table already exists")
		return nil
	}

	cols := columnsFromRow(sampleRow)
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		sqlType, err := sqlTypeOf(c.Sample)
		if err != nil {
			return fmt.Errorf("catalog: column %q: %w", c.Name, err)
		}
		defs = append(defs, fmt.Sprintf(`"%s" %s`, c.Name, sqlType))
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (%s)`, table, strings.Join(defs, ", "))
	_, err = db.Exec(stmt)
	return err
}

// DropTable drops table. Dropping a missing table is a hard error (TBNotExists).
func (s *Store) DropTable(table string) error {
	db, _, err := s.conn()
	if err != nil {
		return err
	}
	if ok, err := s.tableExists(db, table); err != nil {
		return err
	} else if !ok {
		return ErrTableNotExists
	}

	_, err = db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, table))
	return err
}

// Insert inserts one row into table, enforcing the type-map cache: the first row accepted
// for a table establishes its type tree; later rows whose shape diverges are rejected with
// ErrTypeMismatch (warn, drop — never propagated as a hard error).
func (s *Store) Insert(table string, row map[string]any) error {
	db, dbName, err := s.conn()
	if err != nil {
		return err
	}
	if ok, err := s.tableExists(db, table); err != nil {
		return err
	} else if !ok {
		return ErrTableNotExists
	}

	if !s.checkAndLearnType(dbName, table, row) {
		s.logger.Warn().Str("table", table).Msg("row type mismatch, dropping row")
		return ErrTypeMismatch
	}

	stmt, values := buildInsertStmt(table, row)
	_, err = db.Exec(stmt, values...)
	return err
}

func buildInsertStmt(table string, row map[string]any) (string, []any) {
	cols := columnsFromRow(row)
	names := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	values := make([]any, len(cols))
	for i, c := range cols {
		names[i] = fmt.Sprintf(`"%s"`, c.Name)
		placeholders[i] = "?"
		values[i] = c.Sample
	}
	stmt := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`, table, strings.Join(names, ","), strings.Join(placeholders, ","))
	return stmt, values
}

// Tx is a transaction-scoped handle returned by Transaction, offering the same type-map
// guarded Insert as Store but batching every write into one commit. Grounded on
// TSDAP/spider/context.py's __submit_queue, which drains its emission queue inside a single
// db_data.transaction() block rather than committing one row at a time.
type Tx struct {
	store  *Store
	dbName string
	tx     *sql.Tx
}

// Insert inserts row into table within the enclosing transaction, applying the same
// type-map check as Store.Insert.
func (t *Tx) Insert(table string, row map[string]any) error {
	if ok, err := t.store.tableExistsTx(t.tx, table); err != nil {
		return err
	} else if !ok {
		return ErrTableNotExists
	}

	if !t.store.checkAndLearnType(t.dbName, table, row) {
		t.store.logger.Warn().Str("table", table).Msg("row type mismatch, dropping row")
		return ErrTypeMismatch
	}

	stmt, values := buildInsertStmt(table, row)
	_, err := t.tx.Exec(stmt, values...)
	return err
}

// Transaction runs fn with a Tx scoped to one SQL transaction, committing on a nil return
// and rolling back otherwise.
func (s *Store) Transaction(fn func(tx *Tx) error) error {
	db, dbName, err := s.conn()
	if err != nil {
		return err
	}

	sqlTx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("catalog: begin transaction: %w", err)
	}

	if err := fn(&Tx{store: s, dbName: dbName, tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) tableExistsTx(tx *sql.Tx, table string) (bool, error) {
	row := tx.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table)
	var name string
	err := row.Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete deletes rows from table matching condition, a literal SQL fragment beginning with
// "WHERE ..." — the same raw-condition contract the Container Manager's name-resolution
// rule assumes (e.g. "WHERE ID LIKE '%ref%' OR Name='ref'"). condition may be empty to
// delete all rows.
func (s *Store) Delete(table, condition string) error {
	db, _, err := s.conn()
	if err != nil {
		return err
	}
	if ok, err := s.tableExists(db, table); err != nil {
		return err
	} else if !ok {
		return ErrTableNotExists
	}

	_, err = db.Exec(fmt.Sprintf(`DELETE FROM "%s" %s`, table, condition))
	return err
}

// Update updates rows from table matching condition with the given column values.
func (s *Store) Update(table string, data map[string]any, condition string) error {
	db, dbName, err := s.conn()
	if err != nil {
		return err
	}
	if ok, err := s.tableExists(db, table); err != nil {
		return err
	} else if !ok {
		return ErrTableNotExists
	}

	if !s.checkAndLearnType(dbName, table, data) {
		s.logger.Warn().Str("table", table).Msg("row type mismatch, dropping update")
		return ErrTypeMismatch
	}

	cols := columnsFromRow(data)
	sets := make([]string, len(cols))
	values := make([]any, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf(`"%s"=?`, c.Name)
		values[i] = c.Sample
	}

	stmt := fmt.Sprintf(`UPDATE "%s" SET %s %s`, table, strings.Join(sets, ","), condition)
	_, err = db.Exec(stmt, values...)
	return err
}

// Select returns the column names and rows from table matching condition (a literal SQL
// fragment, possibly empty, possibly a JOIN clause as the Container Manager's ps() uses —
// "infos JOIN runtimes").
func (s *Store) Select(table, condition string) ([]string, []map[string]any, error) {
	db, _, err := s.conn()
	if err != nil {
		return nil, nil, err
	}
	if ok, err := s.tableExists(db, table); err != nil {
		return nil, nil, err
	} else if !ok {
		return nil, nil, ErrTableNotExists
	}

	stmt := fmt.Sprintf(`SELECT * FROM "%s" %s`, table, condition)
	rows, err := db.Query(stmt)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}

		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return cols, out, rows.Err()
}

func (s *Store) checkAndLearnType(dbName, table string, row map[string]any) bool {
	key := dbName + "." + table

	s.typeMu.RLock()
	known, seen := s.typeMap[key]
	s.typeMu.RUnlock()

	if seen {
		for col, val := range row {
			want, ok := known[col]
			if !ok {
				return false
			}
			if reflect.TypeOf(val) != want {
				return false
			}
		}
		return true
	}

	learned := make(map[string]reflect.Type, len(row))
	for col, val := range row {
		learned[col] = reflect.TypeOf(val)
	}

	s.typeMu.Lock()
	s.typeMap[key] = learned
	s.typeMu.Unlock()

	return true
}

func sqlTypeOf(v any) (string, error) {
	switch val := v.(type) {
	case bool:
		return "BOOLEAN", nil
	case int, int32, int64:
		return "INTEGER", nil
	case float32, float64:
		return "FLOAT", nil
	case []byte:
		return "BLOB", nil
	case string:
		switch {
		case dateTimeRe.MatchString(val):
			return "DATETIME", nil
		case dateRe.MatchString(val):
			return "DATE", nil
		case len(val) > 250:
			return "TEXT", nil
		default:
			return "VARCHAR(255)", nil
		}
	case nil:
		return "", fmt.Errorf("value cannot be nil")
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
