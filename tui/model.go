package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second while watching to update the elapsed timer.
type tickMsg time.Time

// state represents what the command is currently doing.
type state int

const (
	stateInit       state = iota
	stateLoggingIn        // exchanging credentials
	stateRequesting       // authorized request in flight
	stateRefreshing       // refreshing the access token
	stateWatching         // following session changes
	stateSuccess          // all done
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// maxStatusLines bounds the log in long-running watch sessions.
const maxStatusLines = 200

// Model is the BubbleTea model for the marketplace CLI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	server  string
	user    string
	request string

	watchSince time.Time
	elapsed    time.Duration

	// Success / error display
	status     int
	statusText string
	summary    string
	errMsg     string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleUserBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		if m.state != stateWatching {
			return m, nil
		}
		m.elapsed = time.Time(msg).Sub(m.watchSince)
		return m, tickAfterSecond()

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Session messages ─────────────────────────────────────────────────────

	case MsgBanner:
		m.server = msg.Server
		return m, nil

	case MsgSessionRestored:
		m.user = msg.User
		m.addStatus(statusOK, "Signed in as "+msg.User)
		return m, nil

	case MsgSessionAbsent:
		m.user = ""
		m.addStatus(statusInfo, "Not signed in")
		return m, nil

	case MsgSessionCorrupt:
		m.user = ""
		m.addStatus(statusWarn, "Stored session was incomplete and has been cleared")
		return m, nil

	case MsgLoggingIn:
		m.state = stateLoggingIn
		m.addStatus(statusInfo, "Signing in as "+msg.Email+"...")
		return m, nil

	case MsgLoginOK:
		m.user = msg.User
		m.addStatus(statusOK, "Signed in as "+msg.User)
		m.addStatus(statusOK, "Session saved to "+msg.Store)
		return m, nil

	case MsgRequesting:
		m.state = stateRequesting
		m.request = msg.Method + " " + msg.Path
		return m, nil

	case MsgAccessTokenRejected:
		m.addStatus(statusWarn, "Access token rejected (401), refreshing...")
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		return m, nil

	case MsgRefreshOK:
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.user = ""
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgTokenRefreshedRetrying:
		m.state = stateRequesting
		m.addStatus(statusOK, "Token refreshed, retrying request...")
		return m, nil

	case MsgResponse:
		m.status = msg.Status
		m.statusText = msg.Text
		m.addStatus(statusInfo, fmt.Sprintf("%s → HTTP %d", m.request, msg.Status))
		return m, nil

	case MsgLoggedOut:
		m.user = ""
		m.addStatus(statusOK, "Signed out")
		return m, nil

	case MsgRemoteChange:
		m.user = msg.User
		text := "Session changed: " + msg.State
		if msg.User != "" {
			text += " (" + msg.User + ")"
		}
		m.addStatus(statusInfo, text)
		if m.state != stateWatching {
			m.state = stateWatching
			m.watchSince = time.Now()
			return m, tickAfterSecond()
		}
		return m, nil

	case MsgDone:
		m.summary = msg.Summary
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while the command is working.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Marketplace  "))
	if m.server != "" {
		b.WriteString("  ")
		b.WriteString(styleDim.Render(m.server))
	}
	b.WriteString("\n\n")

	if m.user != "" {
		b.WriteString(styleUserBox.Render("  " + m.user + "  "))
		b.WriteString("\n\n")
	}

	switch m.state {
	case stateLoggingIn:
		b.WriteString(m.spinner.View())
		b.WriteString(" Signing in...\n")

	case stateRequesting:
		b.WriteString(m.spinner.View())
		b.WriteString(" " + m.request + "\n")

	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing access token...\n")

	case stateWatching:
		b.WriteString(m.spinner.View())
		b.WriteString(" Watching for session changes...  ")
		b.WriteString(styleDim.Render(formatDuration(m.elapsed) + " elapsed"))
		b.WriteString("\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Loading session...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown after the command completed.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Done"))
	b.WriteString("\n\n")

	if m.user != "" {
		b.WriteString(styleBold.Render("User:   "))
		b.WriteString(m.user + "\n")
	}
	if m.status != 0 {
		b.WriteString(styleBold.Render("Status: "))
		b.WriteString(fmt.Sprintf("%d %s\n", m.status, m.statusText))
	}
	if m.summary != "" {
		b.WriteString(m.summary + "\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Command failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log, dropping the oldest past maxStatusLines.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if n := len(m.statusLines); n > maxStatusLines {
		m.statusLines = m.statusLines[n-maxStatusLines:]
	}
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
