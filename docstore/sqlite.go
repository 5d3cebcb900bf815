package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/petal-labs/frappemcp/session"

	_ "modernc.org/sqlite"
)

const documentSQLiteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	doctype TEXT NOT NULL,
	name TEXT NOT NULL,
	owner TEXT NOT NULL,
	creation TEXT NOT NULL,
	modified TEXT NOT NULL,
	modified_by TEXT NOT NULL,
	data BLOB NOT NULL,
	UNIQUE(doctype, name)
);

CREATE INDEX IF NOT EXISTS idx_documents_doctype_modified
ON documents(doctype, modified);`

const (
	defaultSQLiteDir = ".frappemcp"
	defaultSQLiteDB  = "frappemcp.db"
)

// columnFields are standard fields stored as columns rather than inside data.
var columnFields = map[string]string{
	FieldName:       "name",
	FieldOwner:      "owner",
	FieldCreation:   "creation",
	FieldModified:   "modified",
	FieldModifiedBy: "modified_by",
	FieldDocType:    "doctype",
}

// DefaultSQLitePath returns ~/.frappemcp/frappemcp.db.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("docstore: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultSQLiteDir, defaultSQLiteDB), nil
}

// SQLiteStoreConfig configures the SQLite document store.
type SQLiteStoreConfig struct {
	DSN    string
	Schema *Schema
}

// SQLiteStore persists documents in SQLite, one JSON row per document.
type SQLiteStore struct {
	db     *sql.DB
	schema *Schema
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite-backed document store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("docstore: sqlite dsn is required")
	}
	if cfg.Schema == nil {
		return nil, errors.New("docstore: sqlite store requires a schema")
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
			return nil, fmt.Errorf("docstore: create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore: sqlite open: %w", err)
	}
	if dsn == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: sqlite set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: sqlite set busy timeout: %w", err)
	}
	if _, err := db.Exec(documentSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: sqlite create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		schema: cfg.Schema,
		now:    time.Now,
	}, nil
}

func (s *SQLiteStore) Meta(_ context.Context, doctype string) (DocType, error) {
	return s.schema.meta(doctype)
}

func (s *SQLiteStore) GetAll(ctx context.Context, q ListQuery) ([]Document, error) {
	meta, err := s.schema.meta(q.DocType)
	if err != nil {
		return nil, err
	}
	order, err := checkQuery(meta, q)
	if err != nil {
		return nil, err
	}
	scope, err := meta.readScope(session.FromContext(ctx))
	if err != nil {
		return nil, err
	}
	filters := coerceFilters(meta, q.Filters)

	var where sqlBuilder
	where.add("doctype = ?", meta.Name)
	for _, f := range filters {
		if err := where.addFilter(f); err != nil {
			return nil, err
		}
	}
	if len(scope) > 0 {
		var anyOf sqlBuilder
		for _, f := range scope {
			if err := anyOf.addFilter(f); err != nil {
				return nil, err
			}
		}
		where.add("("+strings.Join(anyOf.clauses, " OR ")+")", anyOf.args...)
	}

	direction := "ASC"
	if order.desc {
		direction = "DESC"
	}
	orderExpr, orderArgs := fieldExpr(order.field)
	query := fmt.Sprintf(`
SELECT name, owner, creation, modified, modified_by, data
FROM documents
WHERE %s
ORDER BY %s %s, seq DESC`, strings.Join(where.clauses, " AND "), orderExpr, direction)
	args := append(where.args, orderArgs...)
	if q.Limit > 0 {
		query += "\nLIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: sqlite list %s: %w", meta.Name, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows, meta.Name)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc.Pick(q.Fields))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: sqlite list %s rows: %w", meta.Name, err)
	}
	return docs, nil
}

func (s *SQLiteStore) GetDoc(ctx context.Context, doctype, name string) (Document, error) {
	if err := requireName(doctype, name); err != nil {
		return nil, err
	}
	if _, err := s.schema.meta(doctype); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT name, owner, creation, modified, modified_by, data
FROM documents
WHERE doctype = ? AND name = ?`, doctype, name)

	doc, err := scanDocument(row, doctype)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{DocType: doctype, Name: name}
		}
		return nil, err
	}
	return doc, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, doctype string, fields map[string]any) (Document, error) {
	meta, err := s.schema.meta(doctype)
	if err != nil {
		return nil, err
	}
	user := session.FromContext(ctx)
	doc, err := prepareInsert(meta, fields, user.Name, s.now())
	if err != nil {
		return nil, err
	}
	if !meta.Permitted(user, PermCreate, doc) {
		return nil, &PermissionError{DocType: meta.Name, Perm: PermCreate}
	}

	data := make(map[string]any, len(doc))
	for key, value := range doc {
		if _, isColumn := columnFields[key]; !isColumn {
			data[key] = value
		}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode %s: %w", meta.Name, err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO documents (doctype, name, owner, creation, modified, modified_by, data)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		meta.Name,
		doc.Name(),
		doc.String(FieldOwner),
		doc.String(FieldCreation),
		doc.String(FieldModified),
		doc.String(FieldModifiedBy),
		payload,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, &DuplicateError{DocType: meta.Name, Name: doc.Name()}
		}
		return nil, fmt.Errorf("docstore: sqlite insert %s: %w", meta.Name, err)
	}
	return doc, nil
}

func (s *SQLiteStore) HasPermission(ctx context.Context, doctype, name string, perm PermType) (bool, error) {
	meta, err := s.schema.meta(doctype)
	if err != nil {
		return false, err
	}
	user := session.FromContext(ctx)
	if name == "" {
		return meta.Permitted(user, perm, nil), nil
	}
	doc, err := s.GetDoc(ctx, doctype, name)
	if err != nil {
		return false, err
	}
	return meta.Permitted(user, perm, doc), nil
}

// Optimize runs SQLite housekeeping: planner statistics and a WAL checkpoint.
func (s *SQLiteStore) Optimize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("docstore: sqlite optimize: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("docstore: sqlite wal checkpoint: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner, doctype string) (Document, error) {
	var (
		name, owner, creation, modified, modifiedBy string
		data                                        []byte
	)
	if err := row.Scan(&name, &owner, &creation, &modified, &modifiedBy, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("docstore: sqlite scan %s: %w", doctype, err)
	}

	doc := make(Document)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("docstore: decode %s %s: %w", doctype, name, err)
		}
	}
	doc[FieldName] = name
	doc[FieldDocType] = doctype
	doc[FieldOwner] = owner
	doc[FieldCreation] = creation
	doc[FieldModified] = modified
	doc[FieldModifiedBy] = modifiedBy
	return doc, nil
}

// sqlBuilder accumulates AND-combined WHERE clauses and their arguments.
type sqlBuilder struct {
	clauses []string
	args    []any
}

func (b *sqlBuilder) add(clause string, args ...any) {
	b.clauses = append(b.clauses, clause)
	b.args = append(b.args, args...)
}

func (b *sqlBuilder) addFilter(f Filter) error {
	expr, exprArgs := fieldExpr(f.Field)
	// expr appears once per placeholder group below; repeat its args accordingly.
	with := func(clause string, times int, values ...any) {
		args := make([]any, 0, len(exprArgs)*times+len(values))
		for range times {
			args = append(args, exprArgs...)
		}
		b.add(clause, append(args, sqlValues(values)...)...)
	}

	switch f.Op {
	case OpEquals, OpNotEquals, OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		if isEmpty(f.Value) && (f.Op == OpEquals || f.Op == OpNotEquals) {
			if f.Op == OpEquals {
				with(fmt.Sprintf("(%s IS NULL OR %s = '')", expr, expr), 2)
			} else {
				with(fmt.Sprintf("(%s IS NOT NULL AND %s != '')", expr, expr), 2)
			}
			return nil
		}
		with(fmt.Sprintf("%s %s ?", expr, f.Op), 1, f.Value)
	case OpLike:
		with(expr+" LIKE ?", 1, f.Value)
	case OpNotLike:
		with(expr+" NOT LIKE ?", 1, f.Value)
	case OpIn, OpNotIn:
		list, _ := f.Value.([]any)
		if len(list) == 0 {
			if f.Op == OpIn {
				b.add("0")
			} else {
				b.add("1")
			}
			return nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(list)), ", ")
		keyword := "IN"
		if f.Op == OpNotIn {
			keyword = "NOT IN"
		}
		with(fmt.Sprintf("%s %s (%s)", expr, keyword, placeholders), 1, list...)
	case OpIs:
		if f.Value == "set" {
			with(fmt.Sprintf("(%s IS NOT NULL AND %s != '')", expr, expr), 2)
		} else {
			with(fmt.Sprintf("(%s IS NULL OR %s = '')", expr, expr), 2)
		}
	default:
		return fmt.Errorf("docstore: unsupported operator %q", f.Op)
	}
	return nil
}

// fieldExpr returns the SQL expression reading field and its bound arguments.
func fieldExpr(field string) (string, []any) {
	if column, ok := columnFields[field]; ok {
		return column, nil
	}
	return "json_extract(data, ?)", []any{"$." + field}
}

func sqlValues(values []any) []any {
	out := make([]any, len(values))
	for i, value := range values {
		switch v := value.(type) {
		case bool:
			if v {
				out[i] = 1
			} else {
				out[i] = 0
			}
		case json.Number:
			out[i] = v.String()
		default:
			out[i] = v
		}
	}
	return out
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
