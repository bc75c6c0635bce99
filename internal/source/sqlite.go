package source

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func openDB(path, treeName string) (*sql.DB, string, error) {
	if treeName == "" {
		treeName = DefaultTreeName
	}
	if !tableName.MatchString(treeName) {
		return nil, "", fmt.Errorf("invalid table name %q", treeName)
	}

	// sqlite3 would otherwise create a missing file
	if _, err := os.Stat(path); err != nil {
		return nil, "", err
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, "", err
	}

	return db, treeName, nil
}

func countTable(ctx context.Context, path, treeName string) (uint64, error) {
	db, table, err := openDB(path, treeName)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var n uint64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "`+table+`"`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s.%s: %w", path, table, err)
	}

	return n, nil
}

// sqliteTable reads rows of one table ordered by rowid
type sqliteTable struct {
	db    *sql.DB
	table string
	n     uint64
}

func openTable(ctx context.Context, path, treeName string) (*sqliteTable, error) {
	db, table, err := openDB(path, treeName)
	if err != nil {
		return nil, err
	}

	var n uint64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "`+table+`"`).Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s.%s: %w", path, table, err)
	}

	return &sqliteTable{db: db, table: table, n: n}, nil
}

func (t *sqliteTable) Len() uint64 {
	return t.n
}

func (t *sqliteTable) Rows(ctx context.Context, start, stop uint64, fn func(Record) error) error {
	if err := checkRange(start, stop, t.n); err != nil {
		return err
	}
	if start == stop {
		return nil
	}

	rows, err := t.db.QueryContext(ctx,
		`SELECT * FROM "`+t.table+`" ORDER BY rowid LIMIT ? OFFSET ?`,
		stop-start, start)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[c] = i
	}

	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		if err := fn(sqlRecord{columns: cols, index: index, values: values}); err != nil {
			return err
		}
	}

	return rows.Err()
}

func (t *sqliteTable) Close() error {
	return t.db.Close()
}

type sqlRecord struct {
	columns []string
	index   map[string]int
	values  []any
}

func (r sqlRecord) Get(field string) (string, bool) {
	i, ok := r.index[field]
	if !ok || r.values[i] == nil {
		return "", false
	}
	if b, ok := r.values[i].([]byte); ok {
		return string(b), true
	}
	return fmt.Sprint(r.values[i]), true
}

func (r sqlRecord) Float(field string) (float64, bool) {
	i, ok := r.index[field]
	if !ok {
		return 0, false
	}
	switch v := r.values[i].(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case []byte:
		f, err := strconv.ParseFloat(string(v), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func (r sqlRecord) Fields() []string {
	return r.columns
}
