package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/newdrop/newdrop/internal/repositories"
	"github.com/newdrop/newdrop/internal/services"
	"github.com/newdrop/newdrop/internal/shared"
	"github.com/newdrop/newdrop/internal/tasks"
	"github.com/urfave/cli/v3"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config  *shared.Config
	spotify *services.SpotifyClient
	logger  *log.Logger
	output  io.Writer
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config  *shared.Config
	Spotify *services.SpotifyClient
	Logger  *log.Logger
	Output  io.Writer
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	return &Runner{
		config:  opts.Config,
		spotify: opts.Spotify,
		logger:  opts.Logger,
		output:  opts.Output,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, authCommand, syncCommand, releasesCommand, profileCommand, tuiCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// SetLogger swaps the runner's logger, e.g. to a file logger while a TUI owns the terminal.
func (r *Runner) SetLogger(logger *log.Logger) {
	r.logger = logger
}

// catalog bundles the store-backed dependencies commands build on demand.
type catalog struct {
	db       *sql.DB
	users    *repositories.UserRepository
	artists  *repositories.ArtistRepository
	releases *repositories.ReleaseRepository
}

func (c *catalog) Close() error {
	return c.db.Close()
}

// openCatalog opens the database and constructs the repositories.
func (r *Runner) openCatalog() (*catalog, error) {
	db, err := shared.NewDatabase(r.config.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	shared.ConfigureDatabase(db, r.config.Database.MaxOpenConns, r.config.Database.MaxIdleConns)

	return &catalog{
		db:       db,
		users:    repositories.NewUserRepository(db),
		artists:  repositories.NewArtistRepository(db),
		releases: repositories.NewReleaseRepository(db),
	}, nil
}

// coordinator builds a sync coordinator on top of an open catalog.
func (r *Runner) coordinator(cat *catalog) *tasks.Coordinator {
	return tasks.NewCoordinator(tasks.CoordinatorOpts{
		Source:   tasks.SpotifySource{Client: r.spotify},
		Users:    cat.users,
		Artists:  cat.artists,
		Releases: cat.releases,
		Logger:   r.logger,
		Market:   r.config.Sync.Market,
		Limit:    r.config.Sync.ReleaseLimit,
	})
}

// ensureClient verifies a Spotify client with a stored token is available.
func (r *Runner) ensureClient() error {
	if r.spotify == nil {
		return fmt.Errorf("%w: Spotify credentials not configured, run 'newdrop setup' first", shared.ErrMissingCredentials)
	}
	if r.spotify.Token() == nil {
		return fmt.Errorf("%w: run 'newdrop auth' first", shared.ErrNotAuthenticated)
	}
	return nil
}

// saveTokens writes the client's current token back to the config file, so
// refreshed credentials survive across invocations.
func (r *Runner) saveTokens(configPath string) {
	token := r.spotify.Token()
	if token == nil {
		return
	}

	r.config.Credentials.Spotify.AccessToken = token.AccessToken
	r.config.Credentials.Spotify.RefreshToken = token.RefreshToken
	r.config.Credentials.Spotify.TokenExpiry = token.ExpiresAt.Format(time.RFC3339)

	if err := shared.SaveConfig(configPath, r.config); err != nil {
		r.logger.Warn("failed to persist refreshed tokens", "error", err)
	}
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
