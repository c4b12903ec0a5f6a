package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/epli2/phantom/pkg/logger"
	"github.com/epli2/phantom/pkg/trace"
)

// tickInterval drives the frame loop at roughly 20 Hz.
const tickInterval = 50 * time.Millisecond

// prefetchLimit is how many stored traces seed the model at startup.
const prefetchLimit = 1000

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Model is the bubbletea program: the pure App state plus the channels and
// the storage handle drained once per tick.
type Model struct {
	app         *App
	store       trace.TraceStore
	mysqlStore  trace.MysqlStore
	traces      <-chan *trace.HttpTrace
	mysql       <-chan *trace.MysqlTrace
	filterInput textinput.Model
	width       int
	height      int
	log         zerolog.Logger
}

// NewModel builds the TUI model. The MySQL channel may be nil when the
// active backend cannot observe MySQL traffic.
func NewModel(
	store trace.TraceStore,
	mysqlStore trace.MysqlStore,
	traces <-chan *trace.HttpTrace,
	mysql <-chan *trace.MysqlTrace,
	backendName string,
) *Model {
	filterInput := textinput.New()
	filterInput.Prompt = ""
	filterInput.CharLimit = 128

	return &Model{
		app:         NewApp(backendName),
		store:       store,
		mysqlStore:  mysqlStore,
		traces:      traces,
		mysql:       mysql,
		filterInput: filterInput,
		width:       80,
		height:      24,
		log:         logger.WithComponent("tui"),
	}
}

// prefetch seeds the model with the most recent stored traces.
func (m *Model) prefetch() {
	if existing, err := m.store.ListRecent(prefetchLimit, 0); err == nil {
		m.app.Traces = existing
		m.app.TraceCount = uint64(len(existing))
	} else {
		m.log.Warn().Err(err).Msg("failed to load stored traces")
	}
	if m.mysqlStore != nil {
		if existing, err := m.mysqlStore.ListRecent(prefetchLimit, 0); err == nil {
			m.app.MysqlTraces = existing
			m.app.MysqlTraceCount = uint64(len(existing))
		}
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tick()
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.drainChannels()
		return m, tick()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		var cmd tea.Cmd
		if m.app.FilterActive {
			cmd = m.handleFilterKey(msg)
		} else {
			m.handleNormalKey(msg)
		}
		if m.app.ShouldQuit {
			return m, tea.Quit
		}
		return m, cmd
	}
	return m, nil
}

// drainChannels moves every pending trace into storage and the model.
// A storage failure only skips persistence; the trace still shows for the
// session.
func (m *Model) drainChannels() {
	for {
		select {
		case t := <-m.traces:
			if err := m.store.Insert(t); err != nil {
				m.log.Warn().Err(err).Msg("failed to persist trace")
			}
			m.app.AddTrace(t)
			continue
		default:
		}
		break
	}

	if m.mysql == nil {
		return
	}
	for {
		select {
		case t := <-m.mysql:
			if m.mysqlStore != nil {
				if err := m.mysqlStore.Insert(t); err != nil {
					m.log.Warn().Err(err).Msg("failed to persist mysql trace")
				}
			}
			m.app.AddMysqlTrace(t)
			continue
		default:
		}
		break
	}
}

func (m *Model) handleNormalKey(msg tea.KeyMsg) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.app.ShouldQuit = true
	case "1":
		m.app.SwitchTab(TabHTTP)
	case "2":
		m.app.SwitchTab(TabMysql)
	case "j", "down":
		m.app.MoveDown()
	case "k", "up":
		m.app.MoveUp()
	case "g", "home":
		m.app.JumpTop()
	case "G", "end":
		m.app.JumpBottom()
	case "tab":
		m.app.TogglePane()
	case "/":
		m.app.ActivateFilter()
		m.filterInput.SetValue(m.app.Filter)
		m.filterInput.Focus()
	case "esc":
		m.app.ClearFilter()
		m.filterInput.SetValue("")
	}
}

// handleFilterKey routes filter-mode input through the text input widget
// and mirrors its value into the model.
func (m *Model) handleFilterKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEsc, tea.KeyEnter:
		m.app.DeactivateFilter()
		m.filterInput.Blur()
		return nil
	default:
	}

	var cmd tea.Cmd
	m.filterInput, cmd = m.filterInput.Update(msg)
	if value := m.filterInput.Value(); value != m.app.Filter {
		m.app.Filter = value
		m.app.SelectedIndex = 0
		m.app.MysqlSelectedIndex = 0
	}
	return cmd
}

// View implements tea.Model; it is a pure function of the model.
func (m *Model) View() string {
	return render(m.app, m.width, m.height, m.filterInput.View())
}

// Run starts the interactive viewer and blocks until quit.
func Run(
	store trace.TraceStore,
	mysqlStore trace.MysqlStore,
	traces <-chan *trace.HttpTrace,
	mysql <-chan *trace.MysqlTrace,
	backendName string,
) error {
	m := NewModel(store, mysqlStore, traces, mysql, backendName)
	m.prefetch()
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
