// Package metacache implements the persistent local metadata cache (spec
// §4.3): the single source of truth for directory listings and existence
// checks served to Restic, backed by SQLite.
package metacache

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"resticgw/internal/gwerr"
	"resticgw/internal/metacache/migrations"
	"resticgw/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed metadata cache. A Store is safe for concurrent
// use: SQLite's own locking plus WAL mode keeps writers from blocking
// readers.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the metadata cache at path, applies a
// set of durability/performance PRAGMAs, and runs pending migrations.
// path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindCache, "opening metadata cache", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 268435456", // 256 MiB
		"PRAGMA cache_size = -65536",   // 64 MiB page cache (negative = KiB)
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, gwerr.Wrap(gwerr.KindCache, fmt.Sprintf("applying %q", p), err)
		}
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, gwerr.Wrap(gwerr.KindCache, "migrating metadata cache schema", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the store's file path (or ":memory:").
func (s *Store) Path() string { return s.path }

// DB exposes the underlying connection pool for callers that need direct
// SQL access beyond Store's own methods (e.g. metrics or operational
// inspection of gateway_operations).
func (s *Store) DB() *sql.DB { return s.db }

func scanNode(row interface{ Scan(...any) error }) (*model.FileNode, error) {
	var n model.FileNode
	var isDir int
	var updatedAt string
	if err := row.Scan(&n.FileID, &n.ParentID, &n.Name, &isDir, &n.Size, &n.Etag, &updatedAt); err != nil {
		return nil, err
	}
	n.IsDir = isDir != 0
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		t, err = time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at %q: %w", updatedAt, err)
		}
	}
	n.UpdatedAt = t
	return &n, nil
}

// Lookup returns the node named name under parentID, or nil if absent.
func (s *Store) Lookup(parentID int64, name string) (*model.FileNode, error) {
	row := s.db.QueryRow(
		`SELECT file_id, parent_id, name, is_dir, size, etag, updated_at
		   FROM file_nodes WHERE parent_id = ? AND name = ?`,
		parentID, name,
	)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindCache, "looking up file node", err)
	}
	return node, nil
}

// List returns the children of parentID. If isDir is non-nil, results are
// filtered to directories (true) or files (false). Ordering is not
// guaranteed.
func (s *Store) List(parentID int64, isDir *bool) ([]*model.FileNode, error) {
	query := `SELECT file_id, parent_id, name, is_dir, size, etag, updated_at
	            FROM file_nodes WHERE parent_id = ?`
	args := []any{parentID}
	if isDir != nil {
		query += " AND is_dir = ?"
		args = append(args, boolToInt(*isDir))
	}
	return s.queryNodes(query, args...)
}

// ListIn performs a batched multi-parent listing — used by the data/ type
// listing, which must aggregate across all 256 prefix directories in one
// query.
func (s *Store) ListIn(parentIDs []int64, isDir *bool) ([]*model.FileNode, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(parentIDs))
	args := make([]any, 0, len(parentIDs)+1)
	for i, id := range parentIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}

	query := fmt.Sprintf(
		`SELECT file_id, parent_id, name, is_dir, size, etag, updated_at
		   FROM file_nodes WHERE parent_id IN (%s)`,
		strings.Join(placeholders, ","),
	)
	if isDir != nil {
		query += " AND is_dir = ?"
		args = append(args, boolToInt(*isDir))
	}
	return s.queryNodes(query, args...)
}

func (s *Store) queryNodes(query string, args ...any) ([]*model.FileNode, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindCache, "querying file nodes", err)
	}
	defer rows.Close()

	var nodes []*model.FileNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindCache, "scanning file node", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, gwerr.Wrap(gwerr.KindCache, "iterating file nodes", err)
	}
	return nodes, nil
}

// HasChildren reports whether parentID has at least one row in the cache.
// Used by warmup to decide whether a directory is already populated.
func (s *Store) HasChildren(parentID int64) (bool, error) {
	var exists int
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM file_nodes WHERE parent_id = ?)`, parentID).Scan(&exists)
	if err != nil {
		return false, gwerr.Wrap(gwerr.KindCache, "checking for children", err)
	}
	return exists != 0, nil
}

// Insert upserts a single node.
func (s *Store) Insert(node *model.FileNode) error {
	_, err := s.db.Exec(
		`INSERT INTO file_nodes (file_id, parent_id, name, is_dir, size, etag, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET
		   parent_id = excluded.parent_id,
		   name = excluded.name,
		   is_dir = excluded.is_dir,
		   size = excluded.size,
		   etag = excluded.etag,
		   updated_at = excluded.updated_at`,
		node.FileID, node.ParentID, node.Name, boolToInt(node.IsDir), node.Size, node.Etag,
		node.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return gwerr.Wrap(gwerr.KindCache, "inserting file node", err)
	}
	return nil
}

// Delete removes the row for fileID, if present. Deleting an absent row is
// not an error.
func (s *Store) Delete(fileID int64) error {
	if _, err := s.db.Exec(`DELETE FROM file_nodes WHERE file_id = ?`, fileID); err != nil {
		return gwerr.Wrap(gwerr.KindCache, "deleting file node", err)
	}
	return nil
}

// ReplaceChildren atomically replaces every row under parentID with nodes,
// used after a fresh remote listing.
func (s *Store) ReplaceChildren(parentID int64, nodes []*model.FileNode) error {
	tx, err := s.db.Begin()
	if err != nil {
		return gwerr.Wrap(gwerr.KindCache, "starting replace-children transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM file_nodes WHERE parent_id = ?`, parentID); err != nil {
		return gwerr.Wrap(gwerr.KindCache, "clearing existing children", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO file_nodes (file_id, parent_id, name, is_dir, size, etag, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return gwerr.Wrap(gwerr.KindCache, "preparing insert statement", err)
	}
	defer stmt.Close()

	for _, node := range nodes {
		if _, err := stmt.Exec(
			node.FileID, node.ParentID, node.Name, boolToInt(node.IsDir), node.Size, node.Etag,
			node.UpdatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return gwerr.Wrap(gwerr.KindCache, "inserting replacement child", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return gwerr.Wrap(gwerr.KindCache, "committing replace-children transaction", err)
	}
	return nil
}

// ResolvePath descends from the root (file_id 0), one segment per step,
// short-circuiting on a miss. Returns (0, false, nil) if any segment along
// the way is absent.
func (s *Store) ResolvePath(segments []string) (int64, bool, error) {
	var current int64 = 0
	for _, seg := range segments {
		node, err := s.Lookup(current, seg)
		if err != nil {
			return 0, false, err
		}
		if node == nil {
			return 0, false, nil
		}
		current = node.FileID
	}
	return current, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CachedToken is a persisted access token, surviving process restarts so a
// fresh token doesn't have to be minted on every start.
type CachedToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

// LoadCachedToken returns the persisted token, or nil if none has been
// stored yet.
func (s *Store) LoadCachedToken() (*CachedToken, error) {
	var tok CachedToken
	var expiresAt string
	err := s.db.QueryRow(`SELECT access_token, expires_at FROM token_cache WHERE id = 1`).
		Scan(&tok.AccessToken, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindCache, "loading cached token", err)
	}
	t, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parsing token expires_at %q: %w", expiresAt, err)
	}
	tok.ExpiresAt = t
	return &tok, nil
}

// StoreCachedToken persists the current access token, replacing whatever was
// there before.
func (s *Store) StoreCachedToken(tok CachedToken) error {
	_, err := s.db.Exec(
		`INSERT INTO token_cache (id, access_token, expires_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET access_token = excluded.access_token, expires_at = excluded.expires_at`,
		tok.AccessToken, tok.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return gwerr.Wrap(gwerr.KindCache, "storing cached token", err)
	}
	return nil
}

// CreateOperation records the start of a gateway request in the audit
// journal (adapted from the original CLI's backup-operation journal).
func (s *Store) CreateOperation(id, method, path string, startedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO gateway_operations (id, method, path, started_at) VALUES (?, ?, ?, ?)`,
		id, method, path, startedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return gwerr.Wrap(gwerr.KindCache, "creating gateway operation record", err)
	}
	return nil
}

// FinishOperation marks a previously created operation as complete with the
// given terminal status (e.g. "200", "404", "error").
func (s *Store) FinishOperation(id string, finishedAt time.Time, status string) error {
	_, err := s.db.Exec(
		`UPDATE gateway_operations SET finished_at = ?, status = ? WHERE id = ?`,
		finishedAt.UTC().Format(time.RFC3339Nano), status, id,
	)
	if err != nil {
		return gwerr.Wrap(gwerr.KindCache, "finishing gateway operation record", err)
	}
	return nil
}
