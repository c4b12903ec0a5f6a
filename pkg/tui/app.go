// Package tui implements the interactive trace viewer and the
// non-interactive JSONL output loop.
package tui

import (
	"strings"

	"github.com/epli2/phantom/pkg/trace"
)

// Pane identifies which half of the main area has focus.
type Pane int

const (
	PaneTraceList Pane = iota
	PaneTraceDetail
)

// Tab identifies the active top-level tab.
type Tab int

const (
	TabHTTP Tab = iota
	TabMysql
)

// App is the in-memory UI model. Rendering reads it; only event and ingest
// handlers mutate it.
type App struct {
	// HTTP tab.
	Traces        []*trace.HttpTrace
	SelectedIndex int
	TraceCount    uint64

	// MySQL tab.
	MysqlTraces        []*trace.MysqlTrace
	MysqlSelectedIndex int
	MysqlTraceCount    uint64

	// Shared UI state.
	Filter       string
	FilterActive bool
	ActivePane   Pane
	ActiveTab    Tab
	ShouldQuit   bool
	BackendName  string
}

// NewApp creates an empty model labelled with the backend name.
func NewApp(backendName string) *App {
	return &App{BackendName: backendName}
}

// FilteredTraces returns the HTTP traces matching the current filter.
func (a *App) FilteredTraces() []*trace.HttpTrace {
	if a.Filter == "" {
		return a.Traces
	}
	needle := strings.ToLower(a.Filter)
	var out []*trace.HttpTrace
	for _, t := range a.Traces {
		if strings.Contains(strings.ToLower(t.URL), needle) {
			out = append(out, t)
		}
	}
	return out
}

// SelectedTrace returns the trace under the cursor, or nil.
func (a *App) SelectedTrace() *trace.HttpTrace {
	filtered := a.FilteredTraces()
	if a.SelectedIndex < len(filtered) {
		return filtered[a.SelectedIndex]
	}
	return nil
}

// AddTrace prepends a freshly captured trace (newest first).
func (a *App) AddTrace(t *trace.HttpTrace) {
	a.Traces = append([]*trace.HttpTrace{t}, a.Traces...)
	a.TraceCount++
	// Keep the cursor on the same trace as new ones arrive at the top. A
	// cursor at the top stays there (on the newest trace), and the cursor is
	// not moved while the filter is being edited.
	if !a.FilterActive && a.SelectedIndex > 0 {
		a.SelectedIndex++
	}
}

// FilteredMysqlTraces returns the MySQL traces matching the current filter.
func (a *App) FilteredMysqlTraces() []*trace.MysqlTrace {
	if a.Filter == "" {
		return a.MysqlTraces
	}
	needle := strings.ToLower(a.Filter)
	var out []*trace.MysqlTrace
	for _, t := range a.MysqlTraces {
		if strings.Contains(strings.ToLower(t.Query), needle) {
			out = append(out, t)
		}
	}
	return out
}

// SelectedMysqlTrace returns the query under the cursor, or nil.
func (a *App) SelectedMysqlTrace() *trace.MysqlTrace {
	filtered := a.FilteredMysqlTraces()
	if a.MysqlSelectedIndex < len(filtered) {
		return filtered[a.MysqlSelectedIndex]
	}
	return nil
}

// AddMysqlTrace prepends a freshly captured MySQL trace.
func (a *App) AddMysqlTrace(t *trace.MysqlTrace) {
	a.MysqlTraces = append([]*trace.MysqlTrace{t}, a.MysqlTraces...)
	a.MysqlTraceCount++
	if !a.FilterActive && a.MysqlSelectedIndex > 0 {
		a.MysqlSelectedIndex++
	}
}

// SwitchTab activates a tab and resets pane and filter state.
func (a *App) SwitchTab(tab Tab) {
	a.ActiveTab = tab
	a.ActivePane = PaneTraceList
	a.ClearFilter()
}

// MoveUp moves the cursor towards newer traces.
func (a *App) MoveUp() {
	switch a.ActiveTab {
	case TabHTTP:
		if a.SelectedIndex > 0 {
			a.SelectedIndex--
		}
	case TabMysql:
		if a.MysqlSelectedIndex > 0 {
			a.MysqlSelectedIndex--
		}
	}
}

// MoveDown moves the cursor towards older traces.
func (a *App) MoveDown() {
	switch a.ActiveTab {
	case TabHTTP:
		if max := len(a.FilteredTraces()) - 1; a.SelectedIndex < max {
			a.SelectedIndex++
		}
	case TabMysql:
		if max := len(a.FilteredMysqlTraces()) - 1; a.MysqlSelectedIndex < max {
			a.MysqlSelectedIndex++
		}
	}
}

// JumpTop selects the newest trace.
func (a *App) JumpTop() {
	switch a.ActiveTab {
	case TabHTTP:
		a.SelectedIndex = 0
	case TabMysql:
		a.MysqlSelectedIndex = 0
	}
}

// JumpBottom selects the oldest visible trace.
func (a *App) JumpBottom() {
	switch a.ActiveTab {
	case TabHTTP:
		if n := len(a.FilteredTraces()); n > 0 {
			a.SelectedIndex = n - 1
		} else {
			a.SelectedIndex = 0
		}
	case TabMysql:
		if n := len(a.FilteredMysqlTraces()); n > 0 {
			a.MysqlSelectedIndex = n - 1
		} else {
			a.MysqlSelectedIndex = 0
		}
	}
}

// TogglePane switches focus between list and detail.
func (a *App) TogglePane() {
	if a.ActivePane == PaneTraceList {
		a.ActivePane = PaneTraceDetail
	} else {
		a.ActivePane = PaneTraceList
	}
}

// ActivateFilter enters filter-input mode.
func (a *App) ActivateFilter() {
	a.FilterActive = true
}

// DeactivateFilter leaves filter-input mode, keeping the filter text.
func (a *App) DeactivateFilter() {
	a.FilterActive = false
}

// ClearFilter drops the filter and resets both cursors.
func (a *App) ClearFilter() {
	a.Filter = ""
	a.FilterActive = false
	a.SelectedIndex = 0
	a.MysqlSelectedIndex = 0
}

// PushFilterChar appends a typed character to the filter.
func (a *App) PushFilterChar(c rune) {
	a.Filter += string(c)
	a.SelectedIndex = 0
	a.MysqlSelectedIndex = 0
}

// PopFilterChar removes the last filter character.
func (a *App) PopFilterChar() {
	if a.Filter != "" {
		runes := []rune(a.Filter)
		a.Filter = string(runes[:len(runes)-1])
	}
	a.SelectedIndex = 0
	a.MysqlSelectedIndex = 0
}
