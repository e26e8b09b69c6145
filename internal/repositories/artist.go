package repositories

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/newdrop/newdrop/internal/models"
	"github.com/newdrop/newdrop/internal/shared"
)

// ArtistRepository persists [models.Artist] records.
type ArtistRepository struct {
	db *sql.DB
}

// NewArtistRepository creates a new ArtistRepository with the given database connection
func NewArtistRepository(db *sql.DB) *ArtistRepository {
	return &ArtistRepository{db: db}
}

// FindByID retrieves a single artist.
func (r *ArtistRepository) FindByID(id string) (*models.Artist, error) {
	query := "SELECT id, name, images, releases_synced_at FROM artists WHERE id = ?"

	artist, err := scanArtist(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: artist %s", shared.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query artist: %w", err)
	}

	return artist, nil
}

// FindByIDs retrieves the subset of the given artists present in the store,
// keyed by id. Missing ids are simply absent from the result.
func (r *ArtistRepository) FindByIDs(ids []string) (map[string]models.Artist, error) {
	found := make(map[string]models.Artist, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := fmt.Sprintf(
		"SELECT id, name, images, releases_synced_at FROM artists WHERE id IN (%s)", placeholders)

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query artists: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		artist, err := scanArtist(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artist: %w", err)
		}
		found[artist.ID] = *artist
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return found, nil
}

// Upsert writes a single artist record.
func (r *ArtistRepository) Upsert(artist models.Artist) error {
	return r.BulkUpsert([]models.Artist{artist})
}

// BulkUpsert writes many artist records in one transaction. Upserting the
// same artist twice with identical fields is a no-op for observable state.
//
// On conflict only the metadata columns update; releases_synced_at is left
// alone because it tracks release sync, not metadata fetch, and is advanced
// through [ArtistRepository.MarkReleasesSynced].
func (r *ArtistRepository) BulkUpsert(artists []models.Artist) error {
	if len(artists) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO artists (id, name, images, releases_synced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			images = excluded.images
	`

	for _, artist := range artists {
		images, err := encodeImages(artist.Images)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(query, artist.ID, artist.Name, images, nullTime(artist.ReleasesSyncedAt)); err != nil {
			return fmt.Errorf("failed to upsert artist %s: %w", artist.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit artist upsert: %w", err)
	}

	return nil
}

// MarkReleasesSynced stamps the release-sync timestamp for one artist.
func (r *ArtistRepository) MarkReleasesSynced(id string, at time.Time) error {
	result, err := r.db.Exec("UPDATE artists SET releases_synced_at = ? WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("failed to mark artist synced: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: artist %s", shared.ErrNotFound, id)
	}

	return nil
}

// scanner abstracts sql.Row and sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanArtist(row scanner) (*models.Artist, error) {
	var (
		artist   models.Artist
		images   string
		syncedAt sql.NullTime
	)

	if err := row.Scan(&artist.ID, &artist.Name, &images, &syncedAt); err != nil {
		return nil, err
	}

	var err error
	if artist.Images, err = decodeImages(images); err != nil {
		return nil, err
	}
	if syncedAt.Valid {
		artist.ReleasesSyncedAt = syncedAt.Time
	}

	return &artist, nil
}
