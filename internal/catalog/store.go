package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a catalog row does not exist.
var ErrNotFound = errors.New("catalog: not found")

const walJournalSizeLimit = 67108864 // 64 MiB WAL journal size limit

// Store owns the catalog database. All reads and writes go through a
// Queries, either autocommit (Queries method) or transactional (WithTx).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the catalog database at dbPath,
// configures WAL mode, and applies pending schema migrations. Use ":memory:"
// for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening sqlite database: %w", err)
	}

	// A single connection keeps pragmas effective for every statement and
	// makes ":memory:" databases see one shared schema.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("catalog database ready", slog.String("path", dbPath))

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("catalog: setting pragma %q: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies embedded schema migrations via the goose v3 Provider
// API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("catalog: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("catalog: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("catalog: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// dbtx is the subset of *sql.DB and *sql.Tx the queries need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs catalog statements against either the bare database or an
// open transaction.
type Queries struct {
	db dbtx
}

// Queries returns an autocommit query runner.
func (s *Store) Queries() *Queries {
	return &Queries{db: s.db}
}

// WithTx runs fn inside a transaction, committing on nil return and rolling
// back otherwise. The whole fetch phase runs in one WithTx; each applied
// change runs in its own.
func (s *Store) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: beginning transaction: %w", err)
	}

	if err := fn(&Queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("transaction rollback failed", slog.Any("error", rbErr))
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: committing transaction: %w", err)
	}

	return nil
}

// Timestamps are stored as RFC 3339 text; the zero time round-trips as the
// empty string.
func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t.UTC()
}

// nullableID maps the empty string to SQL NULL so the root folder's missing
// parent is represented as NULL rather than ''.
func nullableID(id string) any {
	if id == "" {
		return nil
	}

	return id
}

// --- folders ---

const folderColumns = `remote_id, name, etag, parent_id, created_utc, modified_utc, deleted`

func scanFolder(row interface{ Scan(dest ...any) error }) (*FolderItem, error) {
	var (
		f        FolderItem
		parentID sql.NullString
		created  string
		modified string
	)

	err := row.Scan(&f.RemoteID, &f.Name, &f.ETag, &parentID, &created, &modified, &f.Deleted)
	if err != nil {
		return nil, err
	}

	f.ParentID = parentID.String
	f.CreatedAt = decodeTime(created)
	f.ModifiedAt = decodeTime(modified)

	return &f, nil
}

// GetFolder returns the folder with the given remote ID, or ErrNotFound.
func (q *Queries) GetFolder(ctx context.Context, remoteID string) (*FolderItem, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE remote_id = ?`, remoteID)

	f, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: folder %s: %w", remoteID, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("catalog: reading folder %s: %w", remoteID, err)
	}

	return f, nil
}

// RootFolder returns the single folder with no parent, or ErrNotFound before
// the first ever sync has cataloged the root.
func (q *Queries) RootFolder(ctx context.Context) (*FolderItem, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE parent_id IS NULL`)

	f, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: root folder: %w", ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("catalog: reading root folder: %w", err)
	}

	return f, nil
}

// InsertFolder adds a new folder row.
func (q *Queries) InsertFolder(ctx context.Context, f *FolderItem) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO folders (`+folderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.RemoteID, f.Name, f.ETag, nullableID(f.ParentID),
		encodeTime(f.CreatedAt), encodeTime(f.ModifiedAt), f.Deleted)
	if err != nil {
		return fmt.Errorf("catalog: inserting folder %s: %w", f.RemoteID, err)
	}

	return nil
}

// UpdateFolder rewrites every mutable column of an existing folder row.
func (q *Queries) UpdateFolder(ctx context.Context, f *FolderItem) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE folders SET name = ?, etag = ?, parent_id = ?, created_utc = ?,
			modified_utc = ?, deleted = ? WHERE remote_id = ?`,
		f.Name, f.ETag, nullableID(f.ParentID),
		encodeTime(f.CreatedAt), encodeTime(f.ModifiedAt), f.Deleted, f.RemoteID)
	if err != nil {
		return fmt.Errorf("catalog: updating folder %s: %w", f.RemoteID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("catalog: updating folder %s: %w", f.RemoteID, ErrNotFound)
	}

	return nil
}

// ListFolders returns all folders ordered by remote ID.
func (q *Queries) ListFolders(ctx context.Context) ([]FolderItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+folderColumns+` FROM folders ORDER BY remote_id`)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing folders: %w", err)
	}
	defer rows.Close()

	var folders []FolderItem

	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scanning folder row: %w", err)
		}

		folders = append(folders, *f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: listing folders: %w", err)
	}

	return folders, nil
}

// --- files ---

const fileColumns = `remote_id, name, etag, ctag, parent_id, size, sha1_hash, created_utc, modified_utc, deleted`

func scanFile(row interface{ Scan(dest ...any) error }) (*FileItem, error) {
	var (
		f        FileItem
		created  string
		modified string
	)

	err := row.Scan(&f.RemoteID, &f.Name, &f.ETag, &f.CTag, &f.ParentID,
		&f.Size, &f.SHA1Hash, &created, &modified, &f.Deleted)
	if err != nil {
		return nil, err
	}

	f.CreatedAt = decodeTime(created)
	f.ModifiedAt = decodeTime(modified)

	return &f, nil
}

// GetFile returns the file with the given remote ID, or ErrNotFound.
func (q *Queries) GetFile(ctx context.Context, remoteID string) (*FileItem, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE remote_id = ?`, remoteID)

	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: file %s: %w", remoteID, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("catalog: reading file %s: %w", remoteID, err)
	}

	return f, nil
}

// InsertFile adds a new file row.
func (q *Queries) InsertFile(ctx context.Context, f *FileItem) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.RemoteID, f.Name, f.ETag, f.CTag, f.ParentID, f.Size, f.SHA1Hash,
		encodeTime(f.CreatedAt), encodeTime(f.ModifiedAt), f.Deleted)
	if err != nil {
		return fmt.Errorf("catalog: inserting file %s: %w", f.RemoteID, err)
	}

	return nil
}

// UpdateFile rewrites every mutable column of an existing file row.
func (q *Queries) UpdateFile(ctx context.Context, f *FileItem) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE files SET name = ?, etag = ?, ctag = ?, parent_id = ?, size = ?,
			sha1_hash = ?, created_utc = ?, modified_utc = ?, deleted = ?
			WHERE remote_id = ?`,
		f.Name, f.ETag, f.CTag, f.ParentID, f.Size, f.SHA1Hash,
		encodeTime(f.CreatedAt), encodeTime(f.ModifiedAt), f.Deleted, f.RemoteID)
	if err != nil {
		return fmt.Errorf("catalog: updating file %s: %w", f.RemoteID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("catalog: updating file %s: %w", f.RemoteID, ErrNotFound)
	}

	return nil
}

// ListFiles returns all files ordered by remote ID.
func (q *Queries) ListFiles(ctx context.Context) ([]FileItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files ORDER BY remote_id`)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing files: %w", err)
	}
	defer rows.Close()

	var files []FileItem

	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scanning file row: %w", err)
		}

		files = append(files, *f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: listing files: %w", err)
	}

	return files, nil
}

// --- pending changes ---

const changeColumns = `sequence_id, remote_id, item_type, name, etag, ctag, parent_id,
	size, sha1_hash, created_utc, modified_utc, deleted, special_folder`

func scanChange(row interface{ Scan(dest ...any) error }) (*PendingChange, error) {
	var (
		c        PendingChange
		itemType int
		created  string
		modified string
	)

	err := row.Scan(&c.SequenceID, &c.RemoteID, &itemType, &c.Name, &c.ETag, &c.CTag,
		&c.ParentID, &c.Size, &c.SHA1Hash, &created, &modified, &c.Deleted, &c.SpecialFolder)
	if err != nil {
		return nil, err
	}

	c.ItemType = ItemType(itemType)
	c.CreatedAt = decodeTime(created)
	c.ModifiedAt = decodeTime(modified)

	return &c, nil
}

// UpsertPendingChange stages a change keyed by remote ID. A later feed entry
// for the same item overwrites the staged fields but keeps the original
// sequence position, so apply order reflects first appearance in the feed.
func (q *Queries) UpsertPendingChange(ctx context.Context, c *PendingChange) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO pending_changes (remote_id, item_type, name, etag, ctag, parent_id,
			size, sha1_hash, created_utc, modified_utc, deleted, special_folder)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (remote_id) DO UPDATE SET
				item_type = excluded.item_type,
				name = excluded.name,
				etag = excluded.etag,
				ctag = excluded.ctag,
				parent_id = excluded.parent_id,
				size = excluded.size,
				sha1_hash = excluded.sha1_hash,
				created_utc = excluded.created_utc,
				modified_utc = excluded.modified_utc,
				deleted = excluded.deleted,
				special_folder = excluded.special_folder`,
		c.RemoteID, int(c.ItemType), c.Name, c.ETag, c.CTag, c.ParentID,
		c.Size, c.SHA1Hash, encodeTime(c.CreatedAt), encodeTime(c.ModifiedAt),
		c.Deleted, c.SpecialFolder)
	if err != nil {
		return fmt.Errorf("catalog: staging change for %s: %w", c.RemoteID, err)
	}

	return nil
}

// FirstPendingChange returns the queued change with the lowest sequence ID,
// or ErrNotFound when the queue is empty.
func (q *Queries) FirstPendingChange(ctx context.Context) (*PendingChange, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+changeColumns+` FROM pending_changes ORDER BY sequence_id LIMIT 1`)

	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: pending change: %w", ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("catalog: reading pending change: %w", err)
	}

	return c, nil
}

// DeletePendingChange removes a change from the queue after it has been
// applied.
func (q *Queries) DeletePendingChange(ctx context.Context, sequenceID int64) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM pending_changes WHERE sequence_id = ?`, sequenceID)
	if err != nil {
		return fmt.Errorf("catalog: deleting pending change %d: %w", sequenceID, err)
	}

	return nil
}

// CountPendingChanges returns the queue depth.
func (q *Queries) CountPendingChanges(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_changes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog: counting pending changes: %w", err)
	}

	return n, nil
}

// --- sync state ---

// Cursor returns the persisted delta cursor for a sync source, or the empty
// string before the first completed fetch.
func (q *Queries) Cursor(ctx context.Context, source string) (string, error) {
	var cursor string

	err := q.db.QueryRowContext(ctx,
		`SELECT cursor FROM sync_state WHERE source = ?`, source).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("catalog: reading cursor for %s: %w", source, err)
	}

	return cursor, nil
}

// SaveCursor persists the delta cursor for a sync source.
func (q *Queries) SaveCursor(ctx context.Context, source, cursor string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO sync_state (source, cursor) VALUES (?, ?)
			ON CONFLICT (source) DO UPDATE SET cursor = excluded.cursor`,
		source, cursor)
	if err != nil {
		return fmt.Errorf("catalog: saving cursor for %s: %w", source, err)
	}

	return nil
}

// Counts reports catalog row counts for status output.
func (q *Queries) Counts(ctx context.Context) (folders, files, pending int64, err error) {
	if err = q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM folders`).Scan(&folders); err != nil {
		return 0, 0, 0, fmt.Errorf("catalog: counting folders: %w", err)
	}

	if err = q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&files); err != nil {
		return 0, 0, 0, fmt.Errorf("catalog: counting files: %w", err)
	}

	if pending, err = q.CountPendingChanges(ctx); err != nil {
		return 0, 0, 0, err
	}

	return folders, files, pending, nil
}
