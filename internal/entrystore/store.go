// Package entrystore implements the persistent hierarchical file/dir graph:
// a closure-table-backed entry tree with cached
// iso-paths, aggregate size/file-count rollups, and content-identity
// linkage.
package entrystore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/filedevice/core/internal/cache"
)

//go:embed schema.sql
var schemaSQL string

// Kind discriminates a file entry from a directory entry.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// Entry mirrors the storage layer's Entry entity.
type Entry struct {
	ID             uuid.UUID
	LocationID     uuid.UUID
	ParentID       *uuid.UUID
	Name           string
	Kind           Kind
	Extension      string
	IsoPath        string
	Size           int64
	AggregateSize  int64
	ChildCount     int
	FileCount      int
	Hidden         bool
	Inode          *int64
	ContentHash    *string
	UserMetadataID *string
	CreatedAt      time.Time
	ModifiedAt     time.Time
	AccessedAt     *time.Time
}

// pathCacheTTL bounds how long a path/iso-path lookup is trusted before
// falling back to SQL; a cache miss is always correct, just slower, so
// this only needs to be long enough to make repeated lookups during one
// walk or sync pass cheap.
const pathCacheTTL = time.Hour

// Store wraps the SQLite-backed entry graph. It caches iso-path and
// entry-path lookups in memory (warmed lazily) to deliver the O(1)
// path_of / O(log N) find_by_iso_path behavior.
type Store struct {
	db *sql.DB

	pathCache *cache.Cache[string]    // entry id string -> iso path, warmed lazily
	isoCache  *cache.Cache[uuid.UUID] // "location|isoPath" -> entry id
}

// isoCacheKey joins a location id and iso path into one string so a whole
// location's entries can be evicted together with DeleteByPrefix.
func isoCacheKey(locationID uuid.UUID, isoPath string) string {
	return locationID.String() + "|" + isoPath
}

// Open opens or creates a SQLite-backed entry store at dbPath, recreating
// the database if its schema is incompatible with the current version.
func Open(dbPath string) (*Store, error) {
	s, err := openDB(dbPath)
	if err != nil {
		if strings.Contains(err.Error(), "no such column") ||
			strings.Contains(err.Error(), "no such table") ||
			strings.Contains(err.Error(), "SQL logic error") {
			if rmErr := os.Remove(dbPath); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("remove incompatible entry store: %w", rmErr)
			}
			os.Remove(dbPath + "-wal")
			os.Remove(dbPath + "-shm")
			return openDB(dbPath)
		}
		return nil, err
	}
	return s, nil
}

func openDB(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create entry store directory: %w", err)
		}
	}

	escaped := strings.ReplaceAll(dbPath, " ", "%20")
	connStr := "file:" + escaped + "?_time_format=sqlite"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open entry store: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize entry store schema: %w", err)
	}

	return &Store{
		db:        db,
		pathCache: cache.New[string](pathCacheTTL, 0),
		isoCache:  cache.New[uuid.UUID](pathCacheTTL, 0),
	}, nil
}

// Close closes the underlying database connection and stops the cache
// cleanup goroutines.
func (s *Store) Close() error {
	s.pathCache.Stop()
	s.isoCache.Stop()
	return s.db.Close()
}

// DB exposes the raw connection for callers that need cross-cutting raw
// queries (sync engine journal joins, statistics recompute).
func (s *Store) DB() *sql.DB {
	return s.db
}

// EnsureDirectoryPath creates any missing ancestor directories under a
// location root and returns the leaf directory's id. Idempotent: calling
// it twice with the same parts returns the same leaf id without creating
// duplicate rows.
func (s *Store) EnsureDirectoryPath(ctx context.Context, locationID uuid.UUID, parts []string) (uuid.UUID, error) {
	var parentID *uuid.UUID
	isoPath := ""

	for _, part := range parts {
		if isoPath == "" {
			isoPath = part
		} else {
			isoPath = isoPath + "/" + part
		}

		if existing, ok := s.lookupIso(locationID, isoPath); ok {
			parentID = &existing
			continue
		}

		existing, err := s.FindByIsoPath(ctx, locationID, isoPath)
		if err == nil {
			id := existing.ID
			parentID = &id
			s.cacheIso(locationID, isoPath, id)
			continue
		}

		id := uuid.New()
		now := time.Now().UTC()
		entry := Entry{
			ID:         id,
			LocationID: locationID,
			ParentID:   parentID,
			Name:       part,
			Kind:       KindDirectory,
			IsoPath:    isoPath,
			CreatedAt:  now,
			ModifiedAt: now,
		}
		if err := s.Insert(ctx, []Entry{entry}); err != nil {
			return uuid.Nil, fmt.Errorf("ensure directory path %q: %w", isoPath, err)
		}
		parentID = &id
	}

	if parentID == nil {
		return uuid.Nil, fmt.Errorf("ensure directory path: empty parts")
	}
	return *parentID, nil
}

// Insert batch-inserts entries, creating their closure rows and
// propagating aggregate size / file_count / child_count increments to all
// ancestors (aggregate_size is the sum of size over descendant
// files).
func (s *Store) Insert(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if err := s.insertOne(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert tx: %w", err)
	}

	for _, e := range entries {
		s.pathCache.Set(e.ID.String(), e.IsoPath)
		s.isoCache.Set(isoCacheKey(e.LocationID, e.IsoPath), e.ID)
	}

	return nil
}

func (s *Store) insertOne(ctx context.Context, tx *sql.Tx, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.ModifiedAt.IsZero() {
		e.ModifiedAt = e.CreatedAt
	}

	var parentID any
	if e.ParentID != nil {
		parentID = e.ParentID.String()
	}

	childCount, fileCount := 0, 0
	if e.Kind == KindFile {
		fileCount = 1
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO entries (
			id, location_id, parent_id, name, kind, extension, iso_path,
			size, aggregate_size, child_count, file_count, hidden, inode,
			content_hash, user_metadata_id, created_at, modified_at, accessed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID.String(), e.LocationID.String(), parentID, e.Name, string(e.Kind), e.Extension, e.IsoPath,
		e.Size, e.Size, childCount, fileCount, boolToInt(e.Hidden), e.Inode,
		e.ContentHash, e.UserMetadataID, e.CreatedAt, e.ModifiedAt, e.AccessedAt,
	)
	if err != nil {
		return fmt.Errorf("insert entry %s: %w", e.IsoPath, err)
	}

	// Self-row at depth 0.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entry_closure (ancestor_id, descendant_id, depth) VALUES (?, ?, 0)
	`, e.ID.String(), e.ID.String()); err != nil {
		return fmt.Errorf("insert self-closure for %s: %w", e.IsoPath, err)
	}

	if e.ParentID != nil {
		// Every ancestor of parent (including parent itself, depth 0)
		// becomes an ancestor of this entry at depth+1. This is the
		// "|ancestors(parent)+1| new rows" rule of the
		// Entry-Closure invariant, specialized to inserting one leaf.
		rows, err := tx.QueryContext(ctx, `
			SELECT ancestor_id, depth FROM entry_closure WHERE descendant_id = ?
		`, e.ParentID.String())
		if err != nil {
			return fmt.Errorf("load parent ancestors: %w", err)
		}
		type anc struct {
			id    string
			depth int
		}
		var ancestors []anc
		for rows.Next() {
			var a anc
			if err := rows.Scan(&a.id, &a.depth); err != nil {
				rows.Close()
				return err
			}
			ancestors = append(ancestors, a)
		}
		rows.Close()

		for _, a := range ancestors {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO entry_closure (ancestor_id, descendant_id, depth) VALUES (?, ?, ?)
			`, a.id, e.ID.String(), a.depth+1); err != nil {
				return fmt.Errorf("insert ancestor closure: %w", err)
			}
		}

		if err := s.propagateAggregate(ctx, tx, *e.ParentID, e.Size, boolToSigned(e.Kind == KindFile), 1); err != nil {
			return err
		}
	}

	return nil
}

// propagateAggregate adjusts aggregate_size, file_count, and child_count
// on ancestors. deltaChildCount is only applied to the immediate parent
// (child_count counts direct children only).
func (s *Store) propagateAggregate(ctx context.Context, tx *sql.Tx, parentID uuid.UUID, deltaSize int64, deltaFileCount int, deltaChildCount int) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE entries SET child_count = child_count + ? WHERE id = ?
	`, deltaChildCount, parentID.String()); err != nil {
		return fmt.Errorf("propagate child_count: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT ancestor_id FROM entry_closure WHERE descendant_id = ?
	`, parentID.String())
	if err != nil {
		return fmt.Errorf("load ancestor chain: %w", err)
	}
	var ancestorIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ancestorIDs = append(ancestorIDs, id)
	}
	rows.Close()

	for _, id := range ancestorIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE entries SET aggregate_size = aggregate_size + ?, file_count = file_count + ? WHERE id = ?
		`, deltaSize, deltaFileCount, id); err != nil {
			return fmt.Errorf("propagate aggregate to %s: %w", id, err)
		}
	}
	return nil
}

func boolToSigned(b bool) int {
	if b {
		return 1
	}
	return 0
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Update updates leaf attributes; if a file's size changed, the delta is
// propagated upward through the closure table.
func (s *Store) Update(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		var prevSize int64
		var parentID sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT size, parent_id FROM entries WHERE id = ?`, e.ID.String()).Scan(&prevSize, &parentID); err != nil {
			return fmt.Errorf("load previous entry %s: %w", e.ID, err)
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE entries SET
				name = ?, extension = ?, size = ?, hidden = ?, inode = ?,
				content_hash = ?, user_metadata_id = ?, modified_at = ?, accessed_at = ?
			WHERE id = ?
		`, e.Name, e.Extension, e.Size, boolToInt(e.Hidden), e.Inode, e.ContentHash, e.UserMetadataID, e.ModifiedAt, e.AccessedAt, e.ID.String())
		if err != nil {
			return fmt.Errorf("update entry %s: %w", e.ID, err)
		}

		delta := e.Size - prevSize
		if delta != 0 && e.Kind == KindFile && parentID.Valid {
			pid, err := uuid.Parse(parentID.String)
			if err != nil {
				return fmt.Errorf("parse parent id: %w", err)
			}
			if err := s.propagateAggregate(ctx, tx, pid, delta, 0, 0); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// Remove deletes subtrees rooted at ids, cascading closure rows,
// decrementing ancestor aggregate counters, and decrementing
// content-identity reference counts for any removed files.
func (s *Store) Remove(ctx context.Context, ids []uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove tx: %w", err)
	}
	defer tx.Rollback()

	var removed []removedEntry
	for _, id := range ids {
		descs, err := s.removeOne(ctx, tx, id)
		if err != nil {
			return err
		}
		removed = append(removed, descs...)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove tx: %w", err)
	}

	for _, r := range removed {
		s.pathCache.Delete(r.id.String())
		s.isoCache.Delete(isoCacheKey(r.locationID, r.isoPath))
	}

	return nil
}

// removedEntry identifies a cache entry to evict after a subtree removal
// commits; every descendant of a removed id is gone too, so each one's own
// cache keys need invalidating, not just the root id passed to Remove.
type removedEntry struct {
	id         uuid.UUID
	locationID uuid.UUID
	isoPath    string
}

func (s *Store) removeOne(ctx context.Context, tx *sql.Tx, id uuid.UUID) ([]removedEntry, error) {
	var parentID sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT parent_id FROM entries WHERE id = ?`, id.String()).Scan(&parentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load entry %s for removal: %w", id, err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT e.id, e.kind, e.size, e.content_hash, e.location_id, e.iso_path FROM entries e
		JOIN entry_closure c ON c.descendant_id = e.id
		WHERE c.ancestor_id = ?
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("list descendants of %s: %w", id, err)
	}
	type desc struct {
		id          string
		kind        string
		size        int64
		contentHash sql.NullString
		locationID  string
		isoPath     string
	}
	var descendants []desc
	for rows.Next() {
		var d desc
		if err := rows.Scan(&d.id, &d.kind, &d.size, &d.contentHash, &d.locationID, &d.isoPath); err != nil {
			rows.Close()
			return nil, err
		}
		descendants = append(descendants, d)
	}
	rows.Close()

	var removedFileCount int
	var removedSize int64
	for _, d := range descendants {
		if d.kind == string(KindFile) {
			removedFileCount++
			removedSize += d.size
		}
		if d.contentHash.Valid {
			if _, err := tx.ExecContext(ctx, `
				UPDATE content_identities SET reference_count = reference_count - 1 WHERE content_hash = ?
			`, d.contentHash.String); err != nil {
				return nil, fmt.Errorf("decrement content refcount: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM content_identities WHERE content_hash = ? AND reference_count <= 0
			`, d.contentHash.String); err != nil {
				return nil, fmt.Errorf("gc content identity: %w", err)
			}
		}
	}

	if parentID.Valid {
		pid, err := uuid.Parse(parentID.String)
		if err != nil {
			return nil, fmt.Errorf("parse parent id: %w", err)
		}
		if err := s.propagateAggregate(ctx, tx, pid, -removedSize, -removedFileCount, -1); err != nil {
			return nil, err
		}
	}

	// Deleting the entry cascades to entry_closure and to descendant
	// entries via ON DELETE CASCADE.
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id.String()); err != nil {
		return nil, fmt.Errorf("delete entry %s: %w", id, err)
	}

	removedEntries := make([]removedEntry, 0, len(descendants))
	for _, d := range descendants {
		did, err := uuid.Parse(d.id)
		if err != nil {
			return nil, fmt.Errorf("parse descendant id: %w", err)
		}
		locID, err := uuid.Parse(d.locationID)
		if err != nil {
			return nil, fmt.Errorf("parse descendant location id: %w", err)
		}
		removedEntries = append(removedEntries, removedEntry{id: did, locationID: locID, isoPath: d.isoPath})
	}

	return removedEntries, nil
}

// FindByIsoPath resolves an entry by its location-relative iso-path,
// consulting the in-memory cache before falling back to the indexed
// iso_path column.
func (s *Store) FindByIsoPath(ctx context.Context, locationID uuid.UUID, isoPath string) (*Entry, error) {
	if id, ok := s.lookupIso(locationID, isoPath); ok {
		return s.byID(ctx, id)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM entries WHERE location_id = ? AND iso_path = ?
	`, locationID.String(), isoPath)
	var idStr string
	if err := row.Scan(&idStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("entry not found at %s: %w", isoPath, sql.ErrNoRows)
		}
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	s.cacheIso(locationID, isoPath, id)
	return s.byID(ctx, id)
}

// ListUnder lists descendants of parentID via the closure table, filtered
// by the supplied predicate.
type ListPredicate struct {
	KindEquals   *Kind
	MaxDepth     *int // inclusive; nil means unbounded
}

func (s *Store) ListUnder(ctx context.Context, parentID uuid.UUID, pred ListPredicate) ([]Entry, error) {
	query := `
		SELECT e.id, e.location_id, e.parent_id, e.name, e.kind, e.extension, e.iso_path,
		       e.size, e.aggregate_size, e.child_count, e.file_count, e.hidden, e.inode,
		       e.content_hash, e.user_metadata_id, e.created_at, e.modified_at, e.accessed_at
		FROM entries e
		JOIN entry_closure c ON c.descendant_id = e.id
		WHERE c.ancestor_id = ? AND c.depth > 0
	`
	args := []any{parentID.String()}
	if pred.KindEquals != nil {
		query += " AND e.kind = ?"
		args = append(args, string(*pred.KindEquals))
	}
	if pred.MaxDepth != nil {
		query += " AND c.depth <= ?"
		args = append(args, *pred.MaxDepth)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list under %s: %w", parentID, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// SetContent links a file entry to a content identity and increments its
// reference count.
func (s *Store) SetContent(ctx context.Context, entryID uuid.UUID, contentHash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO content_identities (content_hash, reference_count) VALUES (?, 0)
		ON CONFLICT(content_hash) DO NOTHING
	`, contentHash); err != nil {
		return fmt.Errorf("ensure content identity: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE entries SET content_hash = ? WHERE id = ?
	`, contentHash, entryID.String()); err != nil {
		return fmt.Errorf("link entry to content: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE content_identities SET reference_count = reference_count + 1 WHERE content_hash = ?
	`, contentHash); err != nil {
		return fmt.Errorf("increment content refcount: %w", err)
	}

	return tx.Commit()
}

// PathOf returns the cached iso-path for an entry id, O(1) after warm.
func (s *Store) PathOf(ctx context.Context, entryID uuid.UUID) (string, error) {
	if p, ok := s.pathCache.Get(entryID.String()); ok {
		return p, nil
	}

	e, err := s.byID(ctx, entryID)
	if err != nil {
		return "", err
	}
	s.pathCache.Set(entryID.String(), e.IsoPath)
	return e.IsoPath, nil
}

// PhysicalPathForContent implements pathmodel.EntryLookup: given a content
// hash, return one concrete local (location path, iso path) pair.
func (s *Store) PhysicalPathForContent(contentHash string) (devSlug, osPath string, found bool) {
	row := s.db.QueryRow(`
		SELECT l.path, e.iso_path FROM entries e
		JOIN locations l ON l.id = e.location_id
		WHERE e.content_hash = ? LIMIT 1
	`, contentHash)
	var locPath, isoPath string
	if err := row.Scan(&locPath, &isoPath); err != nil {
		return "", "", false
	}
	return locPath, filepath.Join(locPath, filepath.FromSlash(isoPath)), true
}

func (s *Store) byID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, location_id, parent_id, name, kind, extension, iso_path,
		       size, aggregate_size, child_count, file_count, hidden, inode,
		       content_hash, user_metadata_id, created_at, modified_at, accessed_at
		FROM entries WHERE id = ?
	`, id.String())
	return scanEntry(row)
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	var idStr, locStr string
	var parentStr, extension, contentHash, userMetaID sql.NullString
	var inode sql.NullInt64
	var hidden int
	var accessedAt sql.NullTime

	err := row.Scan(&idStr, &locStr, &parentStr, &e.Name, &e.Kind, &extension, &e.IsoPath,
		&e.Size, &e.AggregateSize, &e.ChildCount, &e.FileCount, &hidden, &inode,
		&contentHash, &userMetaID, &e.CreatedAt, &e.ModifiedAt, &accessedAt)
	if err != nil {
		return nil, err
	}

	e.ID = uuid.MustParse(idStr)
	e.LocationID = uuid.MustParse(locStr)
	if parentStr.Valid {
		pid := uuid.MustParse(parentStr.String)
		e.ParentID = &pid
	}
	if extension.Valid {
		e.Extension = extension.String
	}
	if contentHash.Valid {
		e.ContentHash = &contentHash.String
	}
	if userMetaID.Valid {
		e.UserMetadataID = &userMetaID.String
	}
	if inode.Valid {
		e.Inode = &inode.Int64
	}
	if accessedAt.Valid {
		e.AccessedAt = &accessedAt.Time
	}
	e.Hidden = hidden != 0

	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var idStr, locStr string
		var parentStr, extension, contentHash, userMetaID sql.NullString
		var inode sql.NullInt64
		var hidden int
		var accessedAt sql.NullTime

		if err := rows.Scan(&idStr, &locStr, &parentStr, &e.Name, &e.Kind, &extension, &e.IsoPath,
			&e.Size, &e.AggregateSize, &e.ChildCount, &e.FileCount, &hidden, &inode,
			&contentHash, &userMetaID, &e.CreatedAt, &e.ModifiedAt, &accessedAt); err != nil {
			return nil, err
		}
		e.ID = uuid.MustParse(idStr)
		e.LocationID = uuid.MustParse(locStr)
		if parentStr.Valid {
			pid := uuid.MustParse(parentStr.String)
			e.ParentID = &pid
		}
		if extension.Valid {
			e.Extension = extension.String
		}
		if contentHash.Valid {
			e.ContentHash = &contentHash.String
		}
		if userMetaID.Valid {
			e.UserMetadataID = &userMetaID.String
		}
		if inode.Valid {
			e.Inode = &inode.Int64
		}
		if accessedAt.Valid {
			e.AccessedAt = &accessedAt.Time
		}
		e.Hidden = hidden != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) lookupIso(locationID uuid.UUID, isoPath string) (uuid.UUID, bool) {
	return s.isoCache.Get(isoCacheKey(locationID, isoPath))
}

func (s *Store) cacheIso(locationID uuid.UUID, isoPath string, id uuid.UUID) {
	s.isoCache.Set(isoCacheKey(locationID, isoPath), id)
	s.pathCache.Set(id.String(), isoPath)
}

// Location mirrors a row of the locations table.
type Location struct {
	ID          uuid.UUID
	DeviceID    uuid.UUID
	Name        string
	Path        string
	IndexMode   string
	RootEntryID *uuid.UUID
	ScanState   string
	FileCount   int64
	ByteSize    int64
	CreatedAt   time.Time
}

func scanLocation(scan func(dest ...any) error) (Location, error) {
	var loc Location
	var idStr, deviceIDStr string
	var rootEntryIDStr sql.NullString
	if err := scan(&idStr, &deviceIDStr, &loc.Name, &loc.Path, &loc.IndexMode, &rootEntryIDStr,
		&loc.ScanState, &loc.FileCount, &loc.ByteSize, &loc.CreatedAt); err != nil {
		return Location{}, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return Location{}, fmt.Errorf("parse location id: %w", err)
	}
	deviceID, err := uuid.Parse(deviceIDStr)
	if err != nil {
		return Location{}, fmt.Errorf("parse location device id: %w", err)
	}
	loc.ID, loc.DeviceID = id, deviceID
	if rootEntryIDStr.Valid {
		rootID, err := uuid.Parse(rootEntryIDStr.String)
		if err != nil {
			return Location{}, fmt.Errorf("parse location root entry id: %w", err)
		}
		loc.RootEntryID = &rootID
	}
	return loc, nil
}

const locationColumns = `id, device_id, name, path, index_mode, root_entry_id, scan_state, file_count, byte_size, created_at`

// ListLocations returns every location known to this store, ordered by
// creation time.
func (s *Store) ListLocations(ctx context.Context) ([]Location, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+locationColumns+` FROM locations ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		loc, err := scanLocation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan location row: %w", err)
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

// GetLocation returns one location by id.
func (s *Store) GetLocation(ctx context.Context, id uuid.UUID) (Location, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+locationColumns+` FROM locations WHERE id = ?`, id.String())
	loc, err := scanLocation(row.Scan)
	if err != nil {
		return Location{}, fmt.Errorf("get location %s: %w", id, err)
	}
	return loc, nil
}

// RemoveLocation deletes a location and (via ON DELETE CASCADE) every
// entry it owns.
func (s *Store) RemoveLocation(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locations WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("remove location %s: %w", id, err)
	}
	return nil
}

// CreateLocation inserts a new Location row and returns its id.
func (s *Store) CreateLocation(ctx context.Context, deviceID uuid.UUID, name, path, indexMode string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, device_id, name, path, index_mode) VALUES (?, ?, ?, ?, ?)
	`, id.String(), deviceID.String(), name, path, indexMode)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create location %s: %w", name, err)
	}
	return id, nil
}

// SetLocationRoot records the root entry id for a location.
func (s *Store) SetLocationRoot(ctx context.Context, locationID, rootEntryID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE locations SET root_entry_id = ? WHERE id = ?`, rootEntryID.String(), locationID.String())
	return err
}

// SetLocationScanState records a location's current scan_state, one of
// "idle", "scanning", or "error".
func (s *Store) SetLocationScanState(ctx context.Context, locationID uuid.UUID, state string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE locations SET scan_state = ? WHERE id = ?`, state, locationID.String())
	return err
}

// RecomputeLocationCounters syncs a location's file_count/byte_size with
// its root entry's aggregate counters.
func (s *Store) RecomputeLocationCounters(ctx context.Context, locationID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE locations SET
			file_count = (SELECT file_count FROM entries e JOIN locations l ON l.root_entry_id = e.id WHERE l.id = locations.id),
			byte_size  = (SELECT aggregate_size FROM entries e JOIN locations l ON l.root_entry_id = e.id WHERE l.id = locations.id)
		WHERE id = ?
	`, locationID.String())
	return err
}
