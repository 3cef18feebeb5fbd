// Package tui renders the live alert feed in the terminal.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cloudcare/alert-desk/pkg/feed"
	"github.com/cloudcare/alert-desk/pkg/models"
)

const ackTimeout = 10 * time.Second

// Acknowledger acknowledges an alert on the emergency service
type Acknowledger interface {
	Acknowledge(ctx context.Context, alertID string) (*models.ActionResponse, error)
}

type feedChangedMsg struct{}

type ackResultMsg struct {
	alertID string
	resp    *models.ActionResponse
	err     error
}

type tickMsg time.Time

// Option configures a Model
type Option func(*Model)

// WithAcknowledger enables the acknowledge key
func WithAcknowledger(a Acknowledger) Option {
	return func(m *Model) {
		m.ack = a
	}
}

// WithStatusLine sets a function polled once a second for the header
// status, e.g. the stream connection state.
func WithStatusLine(fn func() string) Option {
	return func(m *Model) {
		m.statusLine = fn
	}
}

// Model is the bubbletea model of the feed view.
type Model struct {
	feed       *feed.Feed
	changes    <-chan struct{}
	stop       func()
	ack        Acknowledger
	statusLine func() string

	alerts []models.EmergencyAlert
	cursor int
	width  int
	height int

	status    string
	statusErr bool
	header    string
	now       func() time.Time
}

// NewModel creates a model following f. Call Close when the program exits.
func NewModel(f *feed.Feed, opts ...Option) Model {
	changes, stop := f.Subscribe()
	m := Model{
		feed:    f,
		changes: changes,
		stop:    stop,
		alerts:  f.Snapshot(),
		width:   100,
		height:  30,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&m)
	}
	if m.statusLine != nil {
		m.header = m.statusLine()
	}
	return m
}

// Close stops following the feed
func (m Model) Close() {
	if m.stop != nil {
		m.stop()
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForChange(m.changes), tick())
}

func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return feedChangedMsg{}
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func acknowledge(a Acknowledger, alertID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		resp, err := a.Acknowledge(ctx, alertID)
		return ackResultMsg{alertID: alertID, resp: resp, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "j", "down":
			if m.cursor < len(m.alerts)-1 {
				m.cursor++
			}
		case "k", "up":
			if m.cursor > 0 {
				m.cursor--
			}
		case "g", "home":
			m.cursor = 0
		case "c":
			m.feed.Clear()
			m.alerts = nil
			m.cursor = 0
			m.setStatus("Feed cleared", false)
		case "a":
			selected, ok := m.Selected()
			switch {
			case !ok:
				m.setStatus("No alert selected", true)
			case m.ack == nil:
				m.setStatus("Acknowledge is not available", true)
			case selected.AlertID == "":
				m.setStatus("Alert has no id", true)
			default:
				m.setStatus("Acknowledging "+selected.AlertID+"...", false)
				return m, acknowledge(m.ack, selected.AlertID)
			}
		}
		return m, nil

	case feedChangedMsg:
		m.refresh()
		return m, waitForChange(m.changes)

	case ackResultMsg:
		if msg.err != nil {
			m.setStatus(fmt.Sprintf("Failed to acknowledge %s: %v", msg.alertID, msg.err), true)
		} else if msg.resp != nil && msg.resp.Message != "" {
			m.setStatus(msg.resp.Message, false)
		} else {
			m.setStatus("Alert "+msg.alertID+" acknowledged", false)
		}
		return m, nil

	case tickMsg:
		if m.statusLine != nil {
			m.header = m.statusLine()
		}
		return m, tick()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	}
	return m, nil
}

// Selected returns the alert under the cursor
func (m Model) Selected() (models.EmergencyAlert, bool) {
	if m.cursor < 0 || m.cursor >= len(m.alerts) {
		return models.EmergencyAlert{}, false
	}
	return m.alerts[m.cursor], true
}

// refresh reloads the snapshot and keeps the cursor on the same alert
func (m *Model) refresh() {
	var key string
	if a, ok := m.Selected(); ok {
		key = a.Key()
	}
	m.alerts = m.feed.Snapshot()
	m.cursor = 0
	for i, a := range m.alerts {
		if key != "" && a.Key() == key {
			m.cursor = i
			break
		}
	}
}

func (m *Model) setStatus(s string, isErr bool) {
	m.status = s
	m.statusErr = isErr
}

func (m Model) View() string {
	var b strings.Builder

	title := titleStyle.Render("CloudCare Emergency Alerts")
	count := labelStyle.Render(fmt.Sprintf("  %d in feed", len(m.alerts)))
	b.WriteString(title + count)
	if m.header != "" {
		b.WriteString(labelStyle.Render("  |  ") + valueStyle.Render(m.header))
	}
	b.WriteString("\n\n")

	rows := m.visibleRows()
	if len(m.alerts) == 0 {
		b.WriteString(panelStyle.Render(dimStyle.Render("No alerts yet. Waiting for the emergency stream...")))
	} else {
		start := 0
		if m.cursor >= rows {
			start = m.cursor - rows + 1
		}
		end := start + rows
		if end > len(m.alerts) {
			end = len(m.alerts)
		}
		lines := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			lines = append(lines, m.renderRow(m.alerts[i], i == m.cursor))
		}
		b.WriteString(panelStyle.Render(strings.Join(lines, "\n")))
		if a, ok := m.Selected(); ok {
			b.WriteString("\n" + m.renderDetail(a))
		}
	}

	b.WriteString("\n")
	if m.status != "" {
		if m.statusErr {
			b.WriteString(errStyle.Render(m.status))
		} else {
			b.WriteString(okStyle.Render(m.status))
		}
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("j/k move  a acknowledge  c clear  q quit"))
	return b.String()
}

func (m Model) visibleRows() int {
	// title, panel border, detail, status and help
	rows := m.height - 10
	if rows < 3 {
		rows = 3
	}
	return rows
}

func (m Model) renderRow(a models.EmergencyAlert, selected bool) string {
	ts := a.CreatedAt
	clock := "--:--:--"
	if !ts.IsZero() {
		clock = ts.Local().Format("15:04:05")
	}
	status := a.Status
	if status == "" {
		status = models.AlertStatusActive
	}

	patient := a.PatientName
	if patient == "" {
		patient = "Patient " + a.PatientID
	}

	cols := []string{
		dimStyle.Render(clock),
		severityStyle(a.Severity).Render(fmt.Sprintf("%-8s", strings.ToUpper(string(a.Severity)))),
		valueStyle.Render(truncate(patient, 20)),
		labelStyle.Render(fmt.Sprintf("%-12s", a.AlertType)),
		statusStyle(status).Render(fmt.Sprintf("%-12s", status)),
	}
	line := strings.Join(cols, " ")
	if rest := m.width - lipgloss.Width(line) - 8; rest > 10 {
		line += " " + truncate(a.Description, rest)
	}

	if selected {
		return selectedStyle.Render("> " + line)
	}
	return "  " + line
}

func (m Model) renderDetail(a models.EmergencyAlert) string {
	parts := []string{labelStyle.Render("alert ") + valueStyle.Render(a.Key())}
	if a.Location != "" {
		parts = append(parts, labelStyle.Render("location ")+valueStyle.Render(a.Location))
	}
	if len(a.Responders) > 0 {
		parts = append(parts, labelStyle.Render("responders ")+valueStyle.Render(strings.Join(a.Responders, ", ")))
	}
	if !a.CreatedAt.IsZero() {
		age := m.now().Sub(a.CreatedAt).Truncate(time.Second)
		parts = append(parts, labelStyle.Render("age ")+valueStyle.Render(age.String()))
	}
	return strings.Join(parts, labelStyle.Render("  "))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
