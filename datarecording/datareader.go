package datarecording

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/structs"
)

// QueryParams narrows down and orders the rows of a query.
type QueryParams struct {
	// Where is a condition without the WHERE keyword, for example
	// "Space = ? AND Kind = ?".
	Where string
	Args  []any

	// OrderBy lists the sort columns without the ORDER BY keywords.
	OrderBy string

	// Limit caps the number of rows returned. Zero means no cap. Offset is
	// only used together with Limit.
	Limit  int
	Offset int
}

// DataReader reads back the tables written by a DataRecorder. A table must
// be mapped to the struct it was created from before it can be queried.
type DataReader interface {
	MapTable(tableName string, sampleEntry any)
	ListTables() []string

	// Query returns pointers to structs of the mapped type, and the number
	// of rows that match the condition regardless of Limit and Offset.
	Query(ctx context.Context, tableName string, params QueryParams) (
		results []any,
		totalCount int,
		err error,
	)

	// Count returns the number of rows of a table, mapped or not.
	Count(ctx context.Context, tableName string) (int, error)

	Close() error
}

type mappedTable struct {
	typ     reflect.Type
	columns []string
}

type sqliteReader struct {
	db     *sql.DB
	tables map[string]mappedTable
}

// NewReader opens a recording file read-only.
func NewReader(dbFilename string) (DataReader, error) {
	if _, err := os.Stat(dbFilename); err != nil {
		return nil, fmt.Errorf("opening recording: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbFilename+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening recording %s: %w", dbFilename, err)
	}

	return NewReaderWithDB(db), nil
}

// NewReaderWithDB creates a DataReader on an open database. Closing the
// reader closes the database.
func NewReaderWithDB(db *sql.DB) DataReader {
	return &sqliteReader{
		db:     db,
		tables: make(map[string]mappedTable),
	}
}

func (r *sqliteReader) MapTable(tableName string, sampleEntry any) {
	typ := reflect.TypeOf(sampleEntry)
	if typ == nil || typ.Kind() != reflect.Struct {
		panic("sample entry must be a struct")
	}

	r.tables[tableName] = mappedTable{
		typ:     typ,
		columns: structs.Names(sampleEntry),
	}
}

func (r *sqliteReader) ListTables() []string {
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (r *sqliteReader) Query(
	ctx context.Context,
	tableName string,
	params QueryParams,
) ([]any, int, error) {
	table, ok := r.tables[tableName]
	if !ok {
		return nil, 0, fmt.Errorf("table %s is not mapped", tableName)
	}

	total, err := r.count(ctx, tableName, params)
	if err != nil {
		return nil, 0, err
	}

	var q strings.Builder

	fmt.Fprintf(&q, "SELECT %s FROM %s",
		strings.Join(table.columns, ", "), tableName)
	writeWhere(&q, params)

	if params.OrderBy != "" {
		q.WriteString(" ORDER BY " + params.OrderBy)
	}

	if params.Limit > 0 {
		fmt.Fprintf(&q, " LIMIT %d OFFSET %d", params.Limit, params.Offset)
	}

	rows, err := r.db.QueryContext(ctx, q.String(), params.Args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying %s: %w", tableName, err)
	}
	defer rows.Close()

	results, err := scanRows(rows, table.typ)
	if err != nil {
		return nil, 0, fmt.Errorf("reading %s: %w", tableName, err)
	}

	return results, total, nil
}

func (r *sqliteReader) Count(ctx context.Context, tableName string) (int, error) {
	return r.count(ctx, tableName, QueryParams{})
}

func (r *sqliteReader) count(
	ctx context.Context,
	tableName string,
	params QueryParams,
) (int, error) {
	var q strings.Builder

	q.WriteString("SELECT COUNT(*) FROM " + tableName)
	writeWhere(&q, params)

	n := 0

	err := r.db.QueryRowContext(ctx, q.String(), params.Args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", tableName, err)
	}

	return n, nil
}

func writeWhere(q *strings.Builder, params QueryParams) {
	if params.Where != "" {
		q.WriteString(" WHERE " + params.Where)
	}
}

// scanRows turns each row into a pointer to a new struct of type typ. The
// columns are the exported fields, in field order.
func scanRows(rows *sql.Rows, typ reflect.Type) ([]any, error) {
	var results []any

	for rows.Next() {
		entry := reflect.New(typ)
		fields := entry.Elem()

		targets := make([]any, 0, fields.NumField())
		for i := 0; i < fields.NumField(); i++ {
			if typ.Field(i).IsExported() {
				targets = append(targets, fields.Field(i).Addr().Interface())
			}
		}

		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}

		results = append(results, entry.Interface())
	}

	return results, rows.Err()
}

func (r *sqliteReader) Close() error {
	return r.db.Close()
}
