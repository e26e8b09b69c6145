package repositories

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/newdrop/newdrop/internal/models"
	"github.com/newdrop/newdrop/internal/shared"
)

// testDB opens an in-memory database with the full schema applied. The pool
// is capped at one connection so every query sees the same in-memory store.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	db.SetMaxOpenConns(1)

	if err := shared.RunMigrations(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	return db
}

func TestUserRepository(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	t.Run("Upsert and FindByID round trip", func(t *testing.T) {
		repo := NewUserRepository(testDB(t))

		user := &models.User{
			ID: "user1",
			Profile: models.Profile{
				Name:        "Tester",
				Country:     "SE",
				Images:      []models.Image{{URL: "http://img", Height: 64, Width: 64}},
				RetrievedAt: now,
			},
			Followed: models.Followed{
				IDs:         []string{"a1", "a2", "a3"},
				ETag:        `"etag"`,
				RetrievedAt: now,
			},
		}

		if err := repo.Upsert(user); err != nil {
			t.Fatalf("failed to upsert user: %v", err)
		}

		found, err := repo.FindByID("user1")
		if err != nil {
			t.Fatalf("failed to find user: %v", err)
		}

		if found.Profile.Name != "Tester" || found.Profile.Country != "SE" {
			t.Errorf("unexpected profile %+v", found.Profile)
		}
		if len(found.Followed.IDs) != 3 || found.Followed.IDs[0] != "a1" || found.Followed.IDs[2] != "a3" {
			t.Errorf("followed ids lost order: %v", found.Followed.IDs)
		}
		if found.Followed.ETag != `"etag"` {
			t.Errorf("unexpected etag %q", found.Followed.ETag)
		}
		if !found.Profile.RetrievedAt.Equal(now) {
			t.Errorf("expected retrieved at %v, got %v", now, found.Profile.RetrievedAt)
		}
	})

	t.Run("Upsert replaces the followed list", func(t *testing.T) {
		repo := NewUserRepository(testDB(t))

		user := &models.User{ID: "user1", Followed: models.Followed{IDs: []string{"a1", "a2"}}}
		if err := repo.Upsert(user); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}

		user.Followed.IDs = []string{"a3"}
		if err := repo.Upsert(user); err != nil {
			t.Fatalf("failed to re-upsert: %v", err)
		}

		found, err := repo.FindByID("user1")
		if err != nil {
			t.Fatalf("failed to find user: %v", err)
		}
		if len(found.Followed.IDs) != 1 || found.Followed.IDs[0] != "a3" {
			t.Errorf("expected replaced list [a3], got %v", found.Followed.IDs)
		}
	})

	t.Run("FindByID not found", func(t *testing.T) {
		repo := NewUserRepository(testDB(t))
		if _, err := repo.FindByID("ghost"); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdateJob flips flags only", func(t *testing.T) {
		repo := NewUserRepository(testDB(t))

		user := &models.User{ID: "user1", Profile: models.Profile{Name: "Keep"}}
		if err := repo.Upsert(user); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}

		if err := repo.UpdateJob("user1", models.JobStatus{Running: true}); err != nil {
			t.Fatalf("failed to update job: %v", err)
		}

		found, _ := repo.FindByID("user1")
		if !found.Job.Running {
			t.Error("expected job running")
		}
		if found.Profile.Name != "Keep" {
			t.Error("profile should be untouched")
		}

		if err := repo.UpdateJob("user1", models.JobStatus{Running: false, LastDone: now}); err != nil {
			t.Fatalf("failed to clear job: %v", err)
		}
		found, _ = repo.FindByID("user1")
		if found.Job.Running || !found.Job.LastDone.Equal(now) {
			t.Errorf("unexpected job status %+v", found.Job)
		}

		if err := repo.UpdateJob("ghost", models.JobStatus{}); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown user, got %v", err)
		}
	})

	t.Run("First", func(t *testing.T) {
		repo := NewUserRepository(testDB(t))

		if _, err := repo.First(); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected ErrNotFound on empty store, got %v", err)
		}

		if err := repo.Upsert(&models.User{ID: "user1"}); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}

		found, err := repo.First()
		if err != nil {
			t.Fatalf("failed to get first user: %v", err)
		}
		if found.ID != "user1" {
			t.Errorf("expected user1, got %s", found.ID)
		}
	})
}

func TestArtistRepository(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	t.Run("BulkUpsert preserves the sync timestamp", func(t *testing.T) {
		repo := NewArtistRepository(testDB(t))

		artist := models.Artist{ID: "a1", Name: "One"}
		if err := repo.Upsert(artist); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}

		if err := repo.MarkReleasesSynced("a1", now); err != nil {
			t.Fatalf("failed to mark synced: %v", err)
		}

		// Metadata re-fetch must not clobber the release sync stamp.
		artist.Name = "One Renamed"
		if err := repo.Upsert(artist); err != nil {
			t.Fatalf("failed to re-upsert: %v", err)
		}

		found, err := repo.FindByID("a1")
		if err != nil {
			t.Fatalf("failed to find artist: %v", err)
		}
		if found.Name != "One Renamed" {
			t.Errorf("expected renamed artist, got %s", found.Name)
		}
		if !found.ReleasesSyncedAt.Equal(now) {
			t.Errorf("sync timestamp clobbered: %v", found.ReleasesSyncedAt)
		}
	})

	t.Run("FindByIDs returns only known artists", func(t *testing.T) {
		repo := NewArtistRepository(testDB(t))

		if err := repo.BulkUpsert([]models.Artist{{ID: "a1", Name: "One"}, {ID: "a2", Name: "Two"}}); err != nil {
			t.Fatalf("failed to bulk upsert: %v", err)
		}

		found, err := repo.FindByIDs([]string{"a1", "a2", "ghost"})
		if err != nil {
			t.Fatalf("failed to find artists: %v", err)
		}
		if len(found) != 2 {
			t.Errorf("expected 2 artists, got %d", len(found))
		}
		if _, ok := found["ghost"]; ok {
			t.Error("unknown id should be absent, not zero-valued")
		}

		empty, err := repo.FindByIDs(nil)
		if err != nil {
			t.Fatalf("failed on empty input: %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("expected empty map, got %v", empty)
		}
	})

	t.Run("MarkReleasesSynced unknown artist", func(t *testing.T) {
		repo := NewArtistRepository(testDB(t))
		if err := repo.MarkReleasesSynced("ghost", now); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestReleaseRepository(t *testing.T) {
	day := func(date string) int64 {
		millis, err := models.ParseReleaseDate(date, models.PrecisionDay)
		if err != nil {
			t.Fatalf("bad test date %q: %v", date, err)
		}
		return millis
	}

	seed := func(t *testing.T, db *sql.DB) (*ReleaseRepository, *ArtistRepository) {
		t.Helper()
		artists := NewArtistRepository(db)
		if err := artists.BulkUpsert([]models.Artist{{ID: "a1", Name: "One"}, {ID: "a2", Name: "Two"}}); err != nil {
			t.Fatalf("failed to seed artists: %v", err)
		}
		return NewReleaseRepository(db), artists
	}

	t.Run("BulkUpsert skips releases with no markets", func(t *testing.T) {
		db := testDB(t)
		repo, _ := seed(t, db)

		releases := []models.Release{
			{ID: "r1", Title: "Kept", AlbumType: "album", ReleaseDate: day("2026-01-01"), Markets: []string{"US"}, ArtistIDs: []string{"a1"}},
			{ID: "r2", Title: "Dropped", AlbumType: "single", ReleaseDate: day("2026-01-02"), ArtistIDs: []string{"a1"}},
		}
		if err := repo.BulkUpsert(releases); err != nil {
			t.Fatalf("failed to bulk upsert: %v", err)
		}

		if _, err := repo.FindByID("r1"); err != nil {
			t.Errorf("expected r1 stored: %v", err)
		}
		if _, err := repo.FindByID("r2"); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected r2 dropped, got %v", err)
		}
	})

	t.Run("FindByID attaches artists and markets", func(t *testing.T) {
		db := testDB(t)
		repo, _ := seed(t, db)

		release := models.Release{
			ID: "r1", Title: "Joint", AlbumType: "album",
			ReleaseDate: day("2026-01-01"), DatePrecision: models.PrecisionDay,
			Markets: []string{"US", "SE"}, ArtistIDs: []string{"a2", "a1"},
		}
		if err := repo.Upsert(release); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}

		found, err := repo.FindByID("r1")
		if err != nil {
			t.Fatalf("failed to find release: %v", err)
		}
		if len(found.ArtistIDs) != 2 || found.ArtistIDs[0] != "a2" {
			t.Errorf("artist order lost: %v", found.ArtistIDs)
		}
		if len(found.Markets) != 2 {
			t.Errorf("unexpected markets %v", found.Markets)
		}
	})

	t.Run("ListByArtists orders by date desc with stable ties", func(t *testing.T) {
		db := testDB(t)
		repo, _ := seed(t, db)

		releases := []models.Release{
			{ID: "old", Title: "Old", ReleaseDate: day("2025-01-01"), Markets: []string{"US"}, ArtistIDs: []string{"a1"}},
			{ID: "tie1", Title: "Tie 1", ReleaseDate: day("2026-02-01"), Markets: []string{"US"}, ArtistIDs: []string{"a1"}},
			{ID: "tie2", Title: "Tie 2", ReleaseDate: day("2026-02-01"), Markets: []string{"US"}, ArtistIDs: []string{"a2"}},
			{ID: "new", Title: "New", ReleaseDate: day("2026-03-01"), Markets: []string{"US"}, ArtistIDs: []string{"a1"}},
		}
		if err := repo.BulkUpsert(releases); err != nil {
			t.Fatalf("failed to bulk upsert: %v", err)
		}

		listed, err := repo.ListByArtists([]string{"a1", "a2"}, "", 10)
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}

		gotOrder := []string{}
		for _, r := range listed {
			gotOrder = append(gotOrder, r.ID)
		}
		want := []string{"new", "tie1", "tie2", "old"}
		for i := range want {
			if gotOrder[i] != want[i] {
				t.Fatalf("expected order %v, got %v", want, gotOrder)
			}
		}

		// Re-upserting a tied release must not reorder equal-date pairs.
		if err := repo.Upsert(releases[1]); err != nil {
			t.Fatalf("failed to re-upsert: %v", err)
		}
		relisted, err := repo.ListByArtists([]string{"a1", "a2"}, "", 10)
		if err != nil {
			t.Fatalf("failed to relist: %v", err)
		}
		for i := range want {
			if relisted[i].ID != want[i] {
				t.Fatalf("order changed after re-upsert: got %s at %d", relisted[i].ID, i)
			}
		}
	})

	t.Run("ListByArtists filters by market and caps the result", func(t *testing.T) {
		db := testDB(t)
		repo, _ := seed(t, db)

		releases := []models.Release{
			{ID: "us", Title: "US Only", ReleaseDate: day("2026-01-03"), Markets: []string{"US"}, ArtistIDs: []string{"a1"}},
			{ID: "se", Title: "SE Only", ReleaseDate: day("2026-01-02"), Markets: []string{"SE"}, ArtistIDs: []string{"a1"}},
			{ID: "both", Title: "Both", ReleaseDate: day("2026-01-01"), Markets: []string{"US", "SE"}, ArtistIDs: []string{"a1"}},
		}
		if err := repo.BulkUpsert(releases); err != nil {
			t.Fatalf("failed to bulk upsert: %v", err)
		}

		seOnly, err := repo.ListByArtists([]string{"a1"}, "SE", 10)
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if len(seOnly) != 2 {
			t.Fatalf("expected 2 SE releases, got %d", len(seOnly))
		}
		for _, r := range seOnly {
			if r.ID == "us" {
				t.Error("US-only release leaked into SE listing")
			}
		}

		capped, err := repo.ListByArtists([]string{"a1"}, "", 2)
		if err != nil {
			t.Fatalf("failed to list capped: %v", err)
		}
		if len(capped) != 2 {
			t.Errorf("expected capped result of 2, got %d", len(capped))
		}

		none, err := repo.ListByArtists(nil, "", 10)
		if err != nil {
			t.Fatalf("failed on empty artist list: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("expected empty result, got %d", len(none))
		}
	})

	t.Run("duplicate releases across artists listed once", func(t *testing.T) {
		db := testDB(t)
		repo, _ := seed(t, db)

		joint := models.Release{
			ID: "joint", Title: "Joint", ReleaseDate: day("2026-01-01"),
			Markets: []string{"US"}, ArtistIDs: []string{"a1", "a2"},
		}
		if err := repo.Upsert(joint); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}

		listed, err := repo.ListByArtists([]string{"a1", "a2"}, "", 10)
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if len(listed) != 1 {
			t.Errorf("expected a single listing for a shared release, got %d", len(listed))
		}
	})
}
