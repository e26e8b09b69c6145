// package models defines the data model for the release tracker
package models

import (
	"fmt"
	"time"
)

// Staleness windows: a cached record older than its window must be re-fetched.
const (
	ProfileWindow  = 7 * 24 * time.Hour
	FollowedWindow = 3 * 24 * time.Hour
	ReleasesWindow = 4 * 24 * time.Hour
)

// RefreshMargin is how long before expiry a token is proactively refreshed.
const RefreshMargin = 5 * time.Minute

// Image represents an image resource attached to a profile, artist, or release.
type Image struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

// AccessToken is a bearer credential with scope and expiry.
//
// A token is mutated in place by refresh so every holder of the same
// reference observes the new credential.
type AccessToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Scope        []string  `json:"scope"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the token is within [RefreshMargin] of its expiry.
func (t *AccessToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt.Add(-RefreshMargin))
}

// HasScope reports whether every requested scope is present on the token.
func (t *AccessToken) HasScope(scopes ...string) bool {
	for _, want := range scopes {
		found := false
		for _, have := range t.Scope {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Profile is the cached user profile sub-record.
type Profile struct {
	Name        string    `json:"name"`
	Country     string    `json:"country"`
	Images      []Image   `json:"images"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// Stale reports whether the profile is older than its staleness window.
func (p Profile) Stale(now time.Time) bool {
	return now.After(p.RetrievedAt.Add(ProfileWindow))
}

// Followed is the cached followed-artist list sub-record.
//
// IDs preserve follow order; ETag enables conditional re-fetch.
type Followed struct {
	IDs         []string  `json:"ids"`
	ETag        string    `json:"etag"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// Stale reports whether the followed list is older than its staleness window.
func (f Followed) Stale(now time.Time) bool {
	return now.After(f.RetrievedAt.Add(FollowedWindow))
}

// JobStatus tracks whether a background sync is in flight for a user.
type JobStatus struct {
	Running  bool      `json:"running"`
	LastDone time.Time `json:"last_done"`
}

// User is the per-user sync record.
type User struct {
	ID       string    `json:"id"`
	Profile  Profile   `json:"profile"`
	Followed Followed  `json:"followed"`
	Job      JobStatus `json:"job"`
}

// Artist is a followed artist.
//
// ReleasesSyncedAt marks when this artist's releases were last synced, not
// when the artist metadata was fetched; it gates release re-fetch.
type Artist struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Images           []Image   `json:"images"`
	ReleasesSyncedAt time.Time `json:"releases_synced_at"`
}

// ReleasesStale reports whether the artist's releases are due for a re-fetch.
func (a Artist) ReleasesStale(now time.Time) bool {
	return now.After(a.ReleasesSyncedAt.Add(ReleasesWindow))
}

// Album type enumeration used by [Release].
const (
	AlbumTypeAlbum       = "album"
	AlbumTypeSingle      = "single"
	AlbumTypeCompilation = "compilation"
)

// Date precision enumeration used by [Release].
const (
	PrecisionYear  = "year"
	PrecisionMonth = "month"
	PrecisionDay   = "day"
)

// Release is one album, single, or compilation.
//
// Releases are immutable in practice and upserted idempotently by ID. A
// release with no markets is dropped at ingestion.
type Release struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	AlbumType     string   `json:"album_type"`
	ReleaseDate   int64    `json:"release_date"` // epoch millis
	DatePrecision string   `json:"date_precision"`
	Markets       []string `json:"markets"`
	Images        []Image  `json:"images"`
	ArtistIDs     []string `json:"artist_ids"`
}

// ReleasedAt returns the release date as a [time.Time] in UTC.
func (r Release) ReleasedAt() time.Time {
	return time.UnixMilli(r.ReleaseDate).UTC()
}

// ParseReleaseDate converts a Spotify release date string and precision to
// epoch millis. Year precision resolves to Jan 1, month precision to the
// first of the month. A malformed date returns 0 alongside the error so the
// caller can keep the release and report the bad date.
func ParseReleaseDate(date, precision string) (int64, error) {
	var layout string
	switch precision {
	case PrecisionYear:
		layout = "2006"
	case PrecisionMonth:
		layout = "2006-01"
	default:
		layout = "2006-01-02"
	}

	t, err := time.Parse(layout, date)
	if err != nil {
		return 0, fmt.Errorf("unparseable release date %q with %q precision: %w", date, precision, err)
	}
	return t.UnixMilli(), nil
}
