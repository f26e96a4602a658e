package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/platinummonkey/plexus/pkg/extensions"
)

// Dialects understood by SQLRepository
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS extensions (
	extension_id TEXT PRIMARY KEY,
	context_id   TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	installed_at BIGINT NOT NULL,
	document     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_extensions_name ON extensions (name);
CREATE INDEX IF NOT EXISTS idx_extensions_status ON extensions (status);
`

// SQLRepository stores each extension as a JSON document next to the
// columns Search filters on.
type SQLRepository struct {
	db      *sql.DB
	dialect string
	// serializes Update within this process; sqlite has no row locks
	updateMu sync.Mutex
}

// NewSQLRepository wraps an open database. dialect is DialectSQLite or
// DialectPostgres.
func NewSQLRepository(db *sql.DB, dialect string) (*SQLRepository, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}
	return &SQLRepository{db: db, dialect: dialect}, nil
}

// Migrate creates the extensions table when missing
func (r *SQLRepository) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate extensions schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres
func (r *SQLRepository) rebind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 1
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (r *SQLRepository) write(ctx context.Context, db execer, ext *extensions.Extension) error {
	doc, err := json.Marshal(ext)
	if err != nil {
		return fmt.Errorf("failed to encode extension: %w", err)
	}

	query := r.rebind(`
		INSERT INTO extensions (extension_id, context_id, name, type, status, installed_at, document)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (extension_id) DO UPDATE SET
			context_id = excluded.context_id,
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			installed_at = excluded.installed_at,
			document = excluded.document
	`)
	_, err = db.ExecContext(ctx, query,
		ext.ExtensionID, ext.ContextID, ext.Name, string(ext.Type), string(ext.Status),
		ext.Lifecycle.InstallDate.UnixMilli(), string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to save extension: %w", err)
	}
	return nil
}

// Save upserts the extension document
func (r *SQLRepository) Save(ctx context.Context, ext *extensions.Extension) (*extensions.Extension, error) {
	if ext == nil {
		return nil, &extensions.ValidationError{Field: "extension", Message: "extension cannot be nil"}
	}
	stored := ext.Clone()
	if stored.ExtensionID == "" {
		stored.ExtensionID = uuid.New().String()
	}
	if err := r.write(ctx, r.db, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func decode(doc string) (*extensions.Extension, error) {
	var ext extensions.Extension
	if err := json.Unmarshal([]byte(doc), &ext); err != nil {
		return nil, fmt.Errorf("failed to decode extension: %w", err)
	}
	return &ext, nil
}

func (r *SQLRepository) getOne(ctx context.Context, column, value string) (*extensions.Extension, error) {
	query := r.rebind(fmt.Sprintf("SELECT document FROM extensions WHERE %s = ? ORDER BY installed_at, extension_id LIMIT 1", column))

	var doc string
	err := r.db.QueryRowContext(ctx, query, value).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get extension: %w", err)
	}
	return decode(doc)
}

// GetByID returns the extension or nil
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*extensions.Extension, error) {
	return r.getOne(ctx, "extension_id", id)
}

// GetByName returns the extension or nil
func (r *SQLRepository) GetByName(ctx context.Context, name string) (*extensions.Extension, error) {
	return r.getOne(ctx, "name", name)
}

func (r *SQLRepository) query(ctx context.Context, criteria extensions.SearchCriteria) ([]*extensions.Extension, error) {
	query := "SELECT document FROM extensions WHERE 1=1"
	var args []interface{}

	addIn := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		query += fmt.Sprintf(" AND %s IN (%s)", column, strings.TrimSuffix(strings.Repeat("?,", len(values)), ","))
		for _, v := range values {
			args = append(args, v)
		}
	}

	addIn("extension_id", criteria.ExtensionIDs)
	addIn("context_id", criteria.ContextIDs)
	addIn("name", criteria.Names)
	types := make([]string, 0, len(criteria.Types))
	for _, t := range criteria.Types {
		types = append(types, string(t))
	}
	addIn("type", types)
	statuses := make([]string, 0, len(criteria.Statuses))
	for _, s := range criteria.Statuses {
		statuses = append(statuses, string(s))
	}
	addIn("status", statuses)

	query += " ORDER BY installed_at, extension_id"

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search extensions: %w", err)
	}
	defer rows.Close()

	results := make([]*extensions.Extension, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan extension: %w", err)
		}
		ext, err := decode(doc)
		if err != nil {
			return nil, err
		}
		// metadata and date filters run on the decoded document
		if criteria.Matches(ext) {
			results = append(results, ext)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate extensions: %w", err)
	}
	return results, nil
}

// Search returns matching extensions ordered by install date
func (r *SQLRepository) Search(ctx context.Context, criteria extensions.SearchCriteria) ([]*extensions.Extension, error) {
	results, err := r.query(ctx, criteria)
	if err != nil {
		return nil, err
	}
	return criteria.Page(results), nil
}

// Delete removes an extension, reporting whether a row existed
func (r *SQLRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.rebind("DELETE FROM extensions WHERE extension_id = ?"), id)
	if err != nil {
		return false, fmt.Errorf("failed to delete extension: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete extension: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of matching extensions, ignoring paging
func (r *SQLRepository) Count(ctx context.Context, criteria extensions.SearchCriteria) (int, error) {
	results, err := r.query(ctx, criteria)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// All returns every extension
func (r *SQLRepository) All(ctx context.Context) ([]*extensions.Extension, error) {
	return r.Search(ctx, extensions.SearchCriteria{})
}

// Update runs fn inside a transaction
func (r *SQLRepository) Update(ctx context.Context, id string, fn func(*extensions.Extension) error) (*extensions.Extension, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := "SELECT document FROM extensions WHERE extension_id = ?"
	if r.dialect == DialectPostgres {
		query += " FOR UPDATE"
	}

	var doc string
	err = tx.QueryRowContext(ctx, r.rebind(query), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &extensions.NotFoundError{ExtensionID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load extension: %w", err)
	}

	ext, err := decode(doc)
	if err != nil {
		return nil, err
	}
	if err := fn(ext); err != nil {
		return nil, err
	}
	ext.ExtensionID = id

	if err := r.write(ctx, tx, ext); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return ext, nil
}
