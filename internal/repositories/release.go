package repositories

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/newdrop/newdrop/internal/models"
	"github.com/newdrop/newdrop/internal/shared"
)

// ReleaseRepository persists [models.Release] records.
type ReleaseRepository struct {
	db *sql.DB
}

// NewReleaseRepository creates a new ReleaseRepository with the given database connection
func NewReleaseRepository(db *sql.DB) *ReleaseRepository {
	return &ReleaseRepository{db: db}
}

// FindByID retrieves a single release with its artists and markets.
func (r *ReleaseRepository) FindByID(id string) (*models.Release, error) {
	query := `
		SELECT id, title, album_type, release_date, date_precision, images
		FROM releases
		WHERE id = ?
	`

	release, err := scanReleaseRow(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: release %s", shared.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query release: %w", err)
	}

	if err := r.attach(release); err != nil {
		return nil, err
	}

	return release, nil
}

// Upsert writes a single release record.
func (r *ReleaseRepository) Upsert(release models.Release) error {
	return r.BulkUpsert([]models.Release{release})
}

// BulkUpsert writes many releases in one transaction.
//
// Releases with no markets are skipped: they are invisible in every market
// and carry no value. Updates keep the original rowid, so insertion order
// survives re-fetches and equal-date ordering stays stable.
func (r *ReleaseRepository) BulkUpsert(releases []models.Release) error {
	if len(releases) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO releases (id, title, album_type, release_date, date_precision, images)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			album_type = excluded.album_type,
			release_date = excluded.release_date,
			date_precision = excluded.date_precision,
			images = excluded.images
	`

	for _, release := range releases {
		if len(release.Markets) == 0 {
			continue
		}

		images, err := encodeImages(release.Images)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(query,
			release.ID,
			release.Title,
			release.AlbumType,
			release.ReleaseDate,
			release.DatePrecision,
			images,
		); err != nil {
			return fmt.Errorf("failed to upsert release %s: %w", release.ID, err)
		}

		if _, err := tx.Exec("DELETE FROM release_artists WHERE release_id = ?", release.ID); err != nil {
			return fmt.Errorf("failed to clear release artists: %w", err)
		}
		for i, artistID := range release.ArtistIDs {
			_, err := tx.Exec(
				"INSERT INTO release_artists (release_id, artist_id, position) VALUES (?, ?, ?)",
				release.ID, artistID, i)
			if err != nil {
				return fmt.Errorf("failed to insert release artist: %w", err)
			}
		}

		if _, err := tx.Exec("DELETE FROM release_markets WHERE release_id = ?", release.ID); err != nil {
			return fmt.Errorf("failed to clear release markets: %w", err)
		}
		for _, country := range release.Markets {
			_, err := tx.Exec(
				"INSERT INTO release_markets (release_id, country) VALUES (?, ?)",
				release.ID, country)
			if err != nil {
				return fmt.Errorf("failed to insert release market: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit release upsert: %w", err)
	}

	return nil
}

// ListByArtists returns up to limit releases by any of the given artists,
// optionally filtered to one market, most recent first.
//
// Ordering is release_date descending with rowid (insertion order) breaking
// ties, so equal-date pairs never reorder across partial re-fetches.
func (r *ReleaseRepository) ListByArtists(artistIDs []string, market string, limit int) ([]models.Release, error) {
	if len(artistIDs) == 0 {
		return []models.Release{}, nil
	}
	if limit <= 0 {
		limit = 50
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(artistIDs)), ",")
	query := fmt.Sprintf(`
		SELECT DISTINCT r.id, r.title, r.album_type, r.release_date, r.date_precision, r.images
		FROM releases r
		JOIN release_artists ra ON ra.release_id = r.id
		WHERE ra.artist_id IN (%s)
	`, placeholders)

	args := make([]any, 0, len(artistIDs)+2)
	for _, id := range artistIDs {
		args = append(args, id)
	}

	if market != "" {
		query += " AND EXISTS (SELECT 1 FROM release_markets rm WHERE rm.release_id = r.id AND rm.country = ?)"
		args = append(args, market)
	}

	query += " ORDER BY r.release_date DESC, r.rowid ASC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query releases: %w", err)
	}
	defer rows.Close()

	releases := []models.Release{}
	for rows.Next() {
		release, err := scanReleaseRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan release: %w", err)
		}
		releases = append(releases, *release)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	rows.Close()

	// Artist and market sets are loaded after the base iteration finishes so
	// the connection is free for the follow-up queries.
	for i := range releases {
		if err := r.attach(&releases[i]); err != nil {
			return nil, err
		}
	}

	return releases, nil
}

// scanReleaseRow scans the base release columns.
func scanReleaseRow(row scanner) (*models.Release, error) {
	var (
		release models.Release
		images  string
	)

	err := row.Scan(
		&release.ID,
		&release.Title,
		&release.AlbumType,
		&release.ReleaseDate,
		&release.DatePrecision,
		&images,
	)
	if err != nil {
		return nil, err
	}

	if release.Images, err = decodeImages(images); err != nil {
		return nil, err
	}

	return &release, nil
}

// attach loads the artist and market sets onto a scanned release.
func (r *ReleaseRepository) attach(release *models.Release) error {
	var err error
	if release.ArtistIDs, err = r.releaseArtists(release.ID); err != nil {
		return err
	}
	if release.Markets, err = r.releaseMarkets(release.ID); err != nil {
		return err
	}
	return nil
}

func (r *ReleaseRepository) releaseArtists(releaseID string) ([]string, error) {
	rows, err := r.db.Query(
		"SELECT artist_id FROM release_artists WHERE release_id = ? ORDER BY position ASC", releaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query release artists: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *ReleaseRepository) releaseMarkets(releaseID string) ([]string, error) {
	rows, err := r.db.Query(
		"SELECT country FROM release_markets WHERE release_id = ? ORDER BY country ASC", releaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query release markets: %w", err)
	}
	defer rows.Close()

	var countries []string
	for rows.Next() {
		var country string
		if err := rows.Scan(&country); err != nil {
			return nil, err
		}
		countries = append(countries, country)
	}
	return countries, rows.Err()
}
