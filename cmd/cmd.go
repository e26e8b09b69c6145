// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

// configFlag is shared by every command that reads or writes config.toml.
func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file",
		Value:   "config.toml",
	}
}

// setupCommand handles setup operations for config and database.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "setup",
		Usage:  "Initialize configuration and database",
		Flags:  []cli.Flag{configFlag()},
		Action: r.Setup,
	}
}

// authCommand handles the Spotify OAuth flow.
func authCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "auth",
		Usage:  "Authenticate with Spotify using OAuth2",
		Flags:  []cli.Flag{configFlag()},
		Action: r.Auth,
	}
}

// syncCommand runs the release sync job.
func syncCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Sync releases from followed artists",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output the synced release list as JSON",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Pretty-print JSON output",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress per-step progress output",
			},
		},
		Action: r.Sync,
	}
}

// releasesCommand lists releases already in the local catalog.
func releasesCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "releases",
		Aliases: []string{"ls"},
		Usage:   "List cached releases from followed artists",
		Flags: []cli.Flag{
			configFlag(),
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of releases to return",
				Value: 50,
			},
			&cli.StringFlag{
				Name:  "market",
				Usage: "Only releases available in this market (ISO-3166-1 code)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output raw JSON",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Pretty-print output",
			},
		},
		Action: r.Releases,
	}
}

// profileCommand shows the synced user profile.
func profileCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "profile",
		Usage: "Show the authenticated user's profile",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{
				Name:  "refresh",
				Usage: "Force a profile re-fetch even if the cache is fresh",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output raw JSON",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Pretty-print output",
			},
		},
		Action: r.Profile,
	}
}

// tuiCommand returns the top-level TUI command for interactive release browsing.
func tuiCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "tui",
		Aliases: []string{"interactive", "watch"},
		Usage:   "Launch interactive TUI: sync and browse releases",
		Flags:   []cli.Flag{configFlag()},
		Action:  r.TUI,
	}
}
