package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/newdrop/newdrop/internal/shared"
	"github.com/urfave/cli/v3"
)

// Releases lists cached releases from the local catalog without touching the
// remote API. Run 'newdrop sync' first to populate the catalog.
func (r *Runner) Releases(ctx context.Context, cmd *cli.Command) error {
	limit := cmd.Int("limit")
	market := cmd.String("market")
	useJSON := cmd.Bool("json")
	pretty := cmd.Bool("pretty")

	cat, err := r.openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	user, err := cat.users.First()
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("%w: no synced data, run 'newdrop sync' first", shared.ErrNotFound)
		}
		return err
	}

	if market == "" {
		market = r.config.Sync.Market
	}

	releases, err := cat.releases.ListByArtists(user.Followed.IDs, market, int(limit))
	if err != nil {
		return fmt.Errorf("failed to list releases: %w", err)
	}

	if useJSON {
		return r.writeJSON(releases, pretty)
	}

	r.writePlain("Found %d releases:\n\n", len(releases))
	r.printReleases(releases)

	return nil
}

// Profile shows the authenticated user's profile, from cache when fresh.
func (r *Runner) Profile(ctx context.Context, cmd *cli.Command) error {
	refresh := cmd.Bool("refresh")
	useJSON := cmd.Bool("json")
	pretty := cmd.Bool("pretty")

	cat, err := r.openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	user, err := cat.users.First()
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return err
	}

	needsFetch := refresh || user == nil
	if needsFetch {
		if err := r.ensureClient(); err != nil {
			return err
		}

		co := r.coordinator(cat)
		userID := ""
		if user != nil && !refresh {
			userID = user.ID
		}
		if user, err = co.GetProfile(ctx, userID); err != nil {
			return fmt.Errorf("failed to fetch profile: %w", err)
		}

		r.saveTokens(cmd.String("config"))
	}

	if useJSON {
		return r.writeJSON(user, pretty)
	}

	r.writePlain("Profile: %s\n", user.Profile.Name)
	r.writePlain("  ID: %s\n", user.ID)
	if user.Profile.Country != "" {
		r.writePlain("  Country: %s\n", user.Profile.Country)
	}
	r.writePlain("  Following: %d artists\n", len(user.Followed.IDs))
	if !user.Profile.RetrievedAt.IsZero() {
		r.writePlain("  Last synced: %s\n", user.Profile.RetrievedAt.Format("2006-01-02 15:04"))
	}
	if user.Job.Running {
		r.writePlain("  Sync: running\n")
	} else if !user.Job.LastDone.IsZero() {
		r.writePlain("  Sync: last completed %s\n", user.Job.LastDone.Format("2006-01-02 15:04"))
	}

	return nil
}
