package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/newdrop/newdrop/internal/models"
	"github.com/newdrop/newdrop/internal/shared"
	"github.com/newdrop/newdrop/internal/tasks"
	"github.com/newdrop/newdrop/internal/ui"
	"github.com/urfave/cli/v3"
)

// TUI launches the interactive terminal UI: runs a sync with live progress,
// then drops into a browsable release list.
func (r *Runner) TUI(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")

	if err := r.ensureClient(); err != nil {
		return err
	}

	cat, err := r.openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	// Redirect logs to file to avoid interfering with TUI rendering
	fileLogger, err := shared.NewFileLogger("./tmp/newdrop-tui.log")
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	r.SetLogger(fileLogger)

	co := r.coordinator(cat)

	run := func(ctx context.Context, progress chan<- tasks.ProgressUpdate) ([]models.Release, []error) {
		user, err := co.GetProfile(ctx, r.storedUserID(cat))
		if err != nil {
			return nil, []error{err}
		}

		queue := tasks.NewJobQueue(co)
		job, first := queue.Add(ctx, user, progress)
		<-first
		queue.Wait()

		r.saveTokens(configPath)

		releases, err := cat.releases.ListByArtists(user.Followed.IDs, r.config.Sync.Market, r.config.Sync.ReleaseLimit)
		if err != nil {
			return nil, append(job.Errors(), err)
		}

		return releases, job.Errors()
	}

	model := ui.NewModel(ctx, run)
	p := tea.NewProgram(model)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}

	return nil
}
