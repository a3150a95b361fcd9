package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ticketd/internal/events"
	"github.com/mattjoyce/ticketd/internal/inspect"
)

const maxEventLog = 50

// Options configure the watch TUI.
type Options struct {
	// Interval between state reloads.
	Interval time.Duration
	// APIURL enables the live event panel when set.
	APIURL string
	APIKey string
}

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	source Source
	opts   Options

	width  int
	height int

	report    inspect.Report
	loaded    bool
	lastLoad  time.Time
	eventLog  []events.Event
	connected bool

	ticker  Ticker
	spinner Spinner
	theme   Theme
	history table.Model

	hubEvents chan events.Event
	lastError string
	now       func() time.Time
}

// New creates a new watch TUI model.
func New(source Source, opts Options) *Model {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	return &Model{
		source:    source,
		opts:      opts,
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
		history:   newHistoryTable(),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		loadReport(m.source, m.opts.Interval),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	}
	if m.opts.APIURL != "" {
		cmds = append(cmds,
			subscribeToEvents(m.opts.APIURL, m.opts.APIKey, m.hubEvents),
			receiveNextEvent(m.hubEvents),
		)
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, loadReport(m.source, m.opts.Interval)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.history.SetWidth(max(m.width-6, 20))
		m.history.SetHeight(max(m.height/3, 5))
		return m, nil

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay(m.now())
		next := tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
		if m.now().Sub(m.lastLoad) >= m.opts.Interval {
			return m, tea.Batch(next, loadReport(m.source, m.opts.Interval))
		}
		return m, next

	case reportMsg:
		m.lastLoad = m.now()
		if msg.err != nil {
			m.lastError = msg.err.Error()
			return m, nil
		}
		m.lastError = ""
		m.report = msg.report
		m.loaded = true
		m.history.SetRows(historyRows(msg.report.History, m.theme))
		return m, nil

	case eventMsg:
		m.connected = true
		ev := events.Event(msg)
		m.eventLog = append([]events.Event{ev}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.spinner.OnEvent(m.now())
		// Dispatch events change state; reload right away.
		return m, tea.Batch(receiveNextEvent(m.hubEvents), loadReport(m.source, m.opts.Interval))

	case sseDisconnectedMsg:
		m.connected = false
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.opts.APIURL, m.opts.APIKey, m.hubEvents)
	}

	var cmd tea.Cmd
	m.history, cmd = m.history.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing ticketd watch..."
	}

	parts := []string{
		renderHeader(m),
		renderCurrentJob(m.report.CurrentJob, m.theme, m.width),
		renderRetries(m.report.Retries, m.theme, m.width),
		m.theme.Border.Width(m.width - 4).Render(
			lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render("HISTORY"), m.history.View()),
		),
	}
	if m.opts.APIURL != "" {
		parts = append(parts, renderEventStream(m.eventLog, m.theme, m.width))
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Reload • [↑/↓] Scroll History"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
