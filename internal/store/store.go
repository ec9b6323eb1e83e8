package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrImageNotFound is returned by GetImage for an unknown id.
var ErrImageNotFound = errors.New("image not found")

// ImageRecord is the catalog entry for one uploaded image. Only metadata is
// stored; jobs and masks live and die with the session.
type ImageRecord struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	MIME       string    `json:"mime"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Store manages the PostgreSQL image catalog.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the catalog table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			mime TEXT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			uploaded_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS images_uploaded_at_idx ON images (uploaded_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates all connections.
func (s *Store) Close() {
	s.pool.Close()
}

// RegisterImage records an upload. Re-registering an id refreshes its metadata and timestamp.
func (s *Store) RegisterImage(ctx context.Context, rec ImageRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO images (id, path, mime, width, height, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			path = EXCLUDED.path, mime = EXCLUDED.mime,
			width = EXCLUDED.width, height = EXCLUDED.height, uploaded_at = NOW()
	`, rec.ID, rec.Path, rec.MIME, rec.Width, rec.Height)
	return err
}

// ListImages returns every catalogued image, newest first.
func (s *Store) ListImages(ctx context.Context) ([]ImageRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, path, mime, width, height, uploaded_at
		FROM images
		ORDER BY uploaded_at DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ImageRecord
	for rows.Next() {
		var r ImageRecord
		if err := rows.Scan(&r.ID, &r.Path, &r.MIME, &r.Width, &r.Height, &r.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetImage looks up one image by id.
func (s *Store) GetImage(ctx context.Context, id string) (ImageRecord, error) {
	var r ImageRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, path, mime, width, height, uploaded_at FROM images WHERE id = $1
	`, id).Scan(&r.ID, &r.Path, &r.MIME, &r.Width, &r.Height, &r.UploadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ImageRecord{}, ErrImageNotFound
	}
	return r, err
}

// Reset drops the catalog table. The next New recreates it.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS images CASCADE;`)
	return err
}
