// Package ui implements an interactive terminal interface using bubbletea's Elm architecture.
//
// The TUI provides a two-view workflow for release syncing:
//  1. [SyncView] : Monitor real-time sync progress updates
//  2. [ReleaseListView] : Browse the freshest releases once the sync finishes
//
// The (view) [Model] implements bubbletea/Elm's standard Init/Update/View pattern.
// Progress updates flow through a channel from the sync engine, providing non-blocking
// status reporting while the job runs.
//
// Keyboard navigation uses vim-style bindings (j/k, r, q) with contextual help
// displayed via charmbracelet/bubbles/help.
package ui
