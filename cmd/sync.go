package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newdrop/newdrop/internal/models"
	"github.com/newdrop/newdrop/internal/services"
	"github.com/newdrop/newdrop/internal/shared"
	"github.com/newdrop/newdrop/internal/tasks"
	"github.com/urfave/cli/v3"
)

// Sync runs the full release sync for the authenticated user and prints the
// freshest releases when it finishes.
func (r *Runner) Sync(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	useJSON := cmd.Bool("json")
	pretty := cmd.Bool("pretty")
	quiet := cmd.Bool("quiet")

	if err := r.ensureClient(); err != nil {
		return err
	}

	cat, err := r.openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	co := r.coordinator(cat)

	user, err := co.GetProfile(ctx, r.storedUserID(cat))
	if err != nil {
		return fmt.Errorf("failed to resolve profile: %w", err)
	}

	r.logger.Info("starting release sync", "user", user.ID)

	progress := make(chan tasks.ProgressUpdate, 50)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for update := range progress {
			if quiet {
				continue
			}
			if update.Err != nil {
				r.logger.Warn(update.Message)
			} else {
				r.writePlain("%s\n", update.Message)
			}
		}
	}()

	queue := tasks.NewJobQueue(co)
	job, first := queue.Add(ctx, user, progress)
	<-first
	queue.Wait()

	close(progress)
	<-drained

	// Token refresh mutates the client's token in place; persist it.
	r.saveTokens(configPath)

	releases, err := cat.releases.ListByArtists(user.Followed.IDs, r.config.Sync.Market, r.config.Sync.ReleaseLimit)
	if err != nil {
		return fmt.Errorf("failed to list releases: %w", err)
	}

	if useJSON {
		return r.writeJSON(releases, pretty)
	}

	syncErrs := job.Errors()
	if len(syncErrs) > 0 {
		r.writePlainln("⚠ Sync finished with %d errors (worst: %v)", len(syncErrs), services.MostSevere(syncErrs))
		for _, syncErr := range syncErrs {
			r.writePlain("  • %v\n", syncErr)
		}
	} else {
		r.writePlainln("✓ Sync complete")
	}

	r.writePlain("Following %d artists, %d recent releases:\n\n", len(user.Followed.IDs), len(releases))
	r.printReleases(releases)

	return nil
}

// storedUserID returns the id of the locally stored user, or empty when the
// store has none yet.
func (r *Runner) storedUserID(cat *catalog) string {
	user, err := cat.users.First()
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			r.logger.Warn("failed to look up stored user", "error", err)
		}
		return ""
	}
	return user.ID
}

// printReleases writes a human-readable release listing, most recent first.
func (r *Runner) printReleases(releases []models.Release) {
	for i, release := range releases {
		r.writePlain("%d. %s\n", i+1, release.Title)
		r.writePlain("   Type: %s\n", release.AlbumType)
		r.writePlain("   Released: %s\n", release.ReleasedAt().Format(time.DateOnly))
		if len(release.ArtistIDs) > 0 {
			r.writePlain("   Artists: %d\n", len(release.ArtistIDs))
		}
		r.writePlain("\n")
	}
}
