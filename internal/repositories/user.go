package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/newdrop/newdrop/internal/models"
	"github.com/newdrop/newdrop/internal/shared"
)

// UserRepository persists [models.User] records.
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new UserRepository with the given database connection
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByID retrieves a user and their followed-artist id list.
func (r *UserRepository) FindByID(id string) (*models.User, error) {
	query := `
		SELECT id, name, country, images, profile_synced_at,
		       followed_etag, followed_synced_at, job_running, job_last_done
		FROM users
		WHERE id = ?
	`

	var (
		user       models.User
		images     string
		profileAt  sql.NullTime
		followedAt sql.NullTime
		jobRunning bool
		jobDone    sql.NullTime
	)

	err := r.db.QueryRow(query, id).Scan(
		&user.ID,
		&user.Profile.Name,
		&user.Profile.Country,
		&images,
		&profileAt,
		&user.Followed.ETag,
		&followedAt,
		&jobRunning,
		&jobDone,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %s", shared.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	if user.Profile.Images, err = decodeImages(images); err != nil {
		return nil, err
	}
	if profileAt.Valid {
		user.Profile.RetrievedAt = profileAt.Time
	}
	if followedAt.Valid {
		user.Followed.RetrievedAt = followedAt.Time
	}
	user.Job.Running = jobRunning
	if jobDone.Valid {
		user.Job.LastDone = jobDone.Time
	}

	if user.Followed.IDs, err = r.followedIDs(id); err != nil {
		return nil, err
	}

	return &user, nil
}

// First returns the first stored user. A single-token CLI only ever holds
// one user record, so this is how commands find "the" user offline.
func (r *UserRepository) First() (*models.User, error) {
	var id string
	err := r.db.QueryRow("SELECT id FROM users ORDER BY rowid ASC LIMIT 1").Scan(&id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no users stored", shared.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query first user: %w", err)
	}

	return r.FindByID(id)
}

// followedIDs loads the ordered followed-artist id list for a user.
func (r *UserRepository) followedIDs(userID string) ([]string, error) {
	rows, err := r.db.Query(
		"SELECT artist_id FROM user_artists WHERE user_id = ? ORDER BY position ASC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query followed artists: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan artist id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return ids, nil
}

// Upsert writes the full user record, replacing the followed id list.
func (r *UserRepository) Upsert(user *models.User) error {
	images, err := encodeImages(user.Profile.Images)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO users (id, name, country, images, profile_synced_at,
		                   followed_etag, followed_synced_at, job_running, job_last_done)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			country = excluded.country,
			images = excluded.images,
			profile_synced_at = excluded.profile_synced_at,
			followed_etag = excluded.followed_etag,
			followed_synced_at = excluded.followed_synced_at,
			job_running = excluded.job_running,
			job_last_done = excluded.job_last_done
	`

	_, err = tx.Exec(query,
		user.ID,
		user.Profile.Name,
		user.Profile.Country,
		images,
		nullTime(user.Profile.RetrievedAt),
		user.Followed.ETag,
		nullTime(user.Followed.RetrievedAt),
		user.Job.Running,
		nullTime(user.Job.LastDone),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM user_artists WHERE user_id = ?", user.ID); err != nil {
		return fmt.Errorf("failed to clear followed artists: %w", err)
	}

	for i, artistID := range user.Followed.IDs {
		_, err := tx.Exec(
			"INSERT INTO user_artists (user_id, artist_id, position) VALUES (?, ?, ?)",
			user.ID, artistID, i)
		if err != nil {
			return fmt.Errorf("failed to insert followed artist: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user upsert: %w", err)
	}

	return nil
}

// UpdateJob flips the background-job flags without touching the rest of the record.
func (r *UserRepository) UpdateJob(userID string, job models.JobStatus) error {
	result, err := r.db.Exec(
		"UPDATE users SET job_running = ?, job_last_done = ? WHERE id = ?",
		job.Running, nullTime(job.LastDone), userID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: user %s", shared.ErrNotFound, userID)
	}

	return nil
}

// nullTime maps the zero time to NULL for nullable timestamp columns.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
