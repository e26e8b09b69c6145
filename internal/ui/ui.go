package ui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/newdrop/newdrop/internal/models"
	"github.com/newdrop/newdrop/internal/tasks"
)

// ViewState represents the current view in the TUI.
type ViewState int

const (
	SyncView ViewState = iota
	ReleaseListView
)

// RunFunc executes a full sync, streaming progress updates through the
// channel, and returns the final release list plus accumulated errors.
type RunFunc func(ctx context.Context, progress chan<- tasks.ProgressUpdate) ([]models.Release, []error)

// Model represents the TUI application state.
type Model struct {
	ctx          context.Context
	view         ViewState
	run          RunFunc
	width        int
	height       int
	releaseList  list.Model
	releases     []models.Release
	progressChan chan tasks.ProgressUpdate
	done         chan syncCompleteMsg
	progress     tasks.ProgressUpdate
	syncErrs     []error
	err          error
	help         help.Model
	keys         keyMap
}

// releaseItem wraps [models.Release] to implement list.Item.
type releaseItem struct {
	release models.Release
}

func (i releaseItem) FilterValue() string { return i.release.Title }
func (i releaseItem) Title() string       { return i.release.Title }
func (i releaseItem) Description() string {
	date := i.release.ReleasedAt().Format(time.DateOnly)
	return fmt.Sprintf("%s • %s • %d artists", i.release.AlbumType, date, len(i.release.ArtistIDs))
}

type progressUpdateMsg tasks.ProgressUpdate

type syncCompleteMsg struct {
	releases []models.Release
	errs     []error
}

// NewModel creates a new TUI model with the provided sync runner.
func NewModel(ctx context.Context, run RunFunc) *Model {
	return &Model{
		ctx:  ctx,
		view: SyncView,
		run:  run,
		help: help.New(),
		keys: newKeyMap(),
	}
}

// Init starts the sync in the background.
func (m *Model) Init() tea.Cmd {
	return m.startSync()
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.releaseList.Width() == 0 {
			m.releaseList.SetSize(msg.Width-4, msg.Height-8)
		}
		return m, nil

	case tea.KeyMsg:
		switch m.view {
		case SyncView:
			return m.handleSyncKeys(msg)
		case ReleaseListView:
			return m.handleReleaseListKeys(msg)
		}

	case progressUpdateMsg:
		m.progress = tasks.ProgressUpdate(msg)
		return m, m.waitForProgress()

	case syncCompleteMsg:
		m.releases = msg.releases
		m.syncErrs = msg.errs
		items := make([]list.Item, len(msg.releases))
		for i, release := range msg.releases {
			items[i] = releaseItem{release: release}
		}
		m.releaseList = list.New(items, list.NewDefaultDelegate(), 0, 0)
		m.releaseList.Title = "New Releases"
		m.releaseList.SetSize(m.width-4, m.height-8)
		m.view = ReleaseListView
		m.progressChan = nil
		return m, nil
	}

	if m.view == ReleaseListView {
		var cmd tea.Cmd
		m.releaseList, cmd = m.releaseList.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the UI based on the current view state.
func (m *Model) View() string {
	if m.err != nil {
		return styles.err.Render(fmt.Sprintf("Error: %v\n\nPress q to quit", m.err))
	}

	switch m.view {
	case SyncView:
		return m.renderSync()
	case ReleaseListView:
		return m.renderReleaseList()
	default:
		return ""
	}
}

func (m *Model) handleSyncKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) handleReleaseListKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "r":
		m.view = SyncView
		m.progress = tasks.ProgressUpdate{}
		m.syncErrs = nil
		return m, m.startSync()
	}

	var cmd tea.Cmd
	m.releaseList, cmd = m.releaseList.Update(msg)
	return m, cmd
}

func (m *Model) startSync() tea.Cmd {
	m.progressChan = make(chan tasks.ProgressUpdate, 50)
	done := make(chan syncCompleteMsg, 1)

	progressChan := m.progressChan
	go func() {
		releases, errs := m.run(m.ctx, progressChan)
		done <- syncCompleteMsg{releases: releases, errs: errs}
		close(progressChan)
	}()

	m.done = done
	return m.waitForProgress()
}

func (m *Model) waitForProgress() tea.Cmd {
	progressChan := m.progressChan
	done := m.done
	return func() tea.Msg {
		select {
		case update, ok := <-progressChan:
			if !ok {
				return <-done
			}
			return progressUpdateMsg(update)
		case result := <-done:
			return result
		}
	}
}

func (m *Model) renderSync() string {
	title := styles.title.Render("Syncing Releases")

	var phase string
	switch m.progress.Phase {
	case tasks.FetchFollowed:
		phase = "Fetching followed artists..."
	case tasks.ResolveArtists:
		phase = "Resolving artists..."
	case tasks.FetchReleases:
		phase = fmt.Sprintf("Fetching releases (%d/%d)", m.progress.Step, m.progress.Total)
	case tasks.PersistCatalog:
		phase = "Saving catalog..."
	case tasks.Backoff:
		phase = "Rate limited, waiting..."
	default:
		phase = "Starting..."
	}

	helpView := m.help.ShortHelpView([]key.Binding{m.keys.quit})
	return fmt.Sprintf("%s\n\n%s\n%s\n\n%s", title, phase, m.progress.Message, helpView)
}

func (m *Model) renderReleaseList() string {
	helpKeys := []key.Binding{m.keys.refresh, m.keys.quit}
	helpView := m.help.ShortHelpView(helpKeys)

	var errLine string
	if n := len(m.syncErrs); n > 0 {
		errLine = "\n" + styles.warn.Render(fmt.Sprintf("Sync finished with %d errors", n))
	}

	return fmt.Sprintf("%s%s\n\n%s", m.releaseList.View(), errLine, helpView)
}
