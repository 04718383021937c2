package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// UpsertSource returns the existing source for uri or creates one.
func (s *Store) UpsertSource(ctx context.Context, sourceType, uri string) (*Source, error) {
	var src Source
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT source_id, source_type, uri, created_ts FROM source WHERE uri = ?`, uri).
		Scan(&src.SourceID, &src.SourceType, &src.URI, &created)
	if err == nil {
		src.CreatedTS = time.UnixMilli(created)
		return &src, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query source: %w", err)
	}

	src = Source{
		SourceID:   NewID(),
		SourceType: sourceType,
		URI:        uri,
		CreatedTS:  time.Now(),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO source (source_id, source_type, uri, created_ts) VALUES (?, ?, ?, ?)`,
		src.SourceID, src.SourceType, src.URI, src.CreatedTS.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to insert source: %w", err)
	}
	return &src, nil
}

// InsertBlob records a content-addressed blob.
func (s *Store) InsertBlob(ctx context.Context, b *Blob) error {
	if b.BlobID == "" {
		b.BlobID = NewID()
	}
	if b.CreatedTS.IsZero() {
		b.CreatedTS = time.Now()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO blob (blob_id, sha256, path, mime, size_bytes, source_id, created_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.BlobID, b.SHA256, b.Path, b.Mime, b.SizeBytes, b.SourceID, b.CreatedTS.UnixMilli()); err != nil {
		return fmt.Errorf("failed to insert blob: %w", err)
	}
	return nil
}

// GetBlob fetches a blob by id.
func (s *Store) GetBlob(ctx context.Context, blobID string) (*Blob, error) {
	var b Blob
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT blob_id, sha256, path, mime, size_bytes, source_id, created_ts
		 FROM blob WHERE blob_id = ?`, blobID).
		Scan(&b.BlobID, &b.SHA256, &b.Path, &b.Mime, &b.SizeBytes, &b.SourceID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	b.CreatedTS = time.UnixMilli(created)
	return &b, nil
}

// FindBlobBySHA returns the newest blob with the given content hash.
func (s *Store) FindBlobBySHA(ctx context.Context, sha256 string) (*Blob, error) {
	var b Blob
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT blob_id, sha256, path, mime, size_bytes, source_id, created_ts
		 FROM blob WHERE sha256 = ? ORDER BY created_ts DESC LIMIT 1`, sha256).
		Scan(&b.BlobID, &b.SHA256, &b.Path, &b.Mime, &b.SizeBytes, &b.SourceID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find blob by sha: %w", err)
	}
	b.CreatedTS = time.UnixMilli(created)
	return &b, nil
}

// GetFileState returns the dedup state for path, or nil if never seen.
func (s *Store) GetFileState(ctx context.Context, path string) (*FileState, error) {
	var fs FileState
	var lastSeen int64
	err := s.db.QueryRowContext(ctx,
		`SELECT path, mtime_ns, size_bytes, sha256, last_seen_ts FROM file_state WHERE path = ?`, path).
		Scan(&fs.Path, &fs.MtimeNS, &fs.SizeBytes, &fs.SHA256, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file state: %w", err)
	}
	fs.LastSeenTS = time.UnixMilli(lastSeen)
	return &fs, nil
}

// UpsertFileState records the latest observed state of a watched file.
func (s *Store) UpsertFileState(ctx context.Context, fs *FileState) error {
	if fs.LastSeenTS.IsZero() {
		fs.LastSeenTS = time.Now()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO file_state (path, mtime_ns, size_bytes, sha256, last_seen_ts)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   mtime_ns = excluded.mtime_ns,
		   size_bytes = excluded.size_bytes,
		   sha256 = excluded.sha256,
		   last_seen_ts = excluded.last_seen_ts`,
		fs.Path, fs.MtimeNS, fs.SizeBytes, fs.SHA256, fs.LastSeenTS.UnixMilli()); err != nil {
		return fmt.Errorf("failed to upsert file state: %w", err)
	}
	return nil
}

// CountFileStates returns the number of tracked files.
func (s *Store) CountFileStates(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_state`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count file states: %w", err)
	}
	return n, nil
}
