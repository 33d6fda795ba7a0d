package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	progressevents "github.com/pharmetrics/auditload/internal/progress"
)

// --- Styles ---
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	fileStyle    = lipgloss.NewStyle().PaddingLeft(2)
)

// ImportDoneMsg signals that the import goroutine returned.
type ImportDoneMsg struct {
	StartTime time.Time
	EndTime   time.Time
}

// eventMsg wraps one progress hub event for bubbletea.
type eventMsg progressevents.Event

// Model renders one archive import's live progress from a hub subscription.
type Model struct {
	uploadID string
	events   <-chan progressevents.Event
	done     <-chan struct{}

	spinner spinner.Model
	bar     progress.Model

	totalFiles  int
	processed   int
	currentFile string
	filePercent int
	status      string
	message     string
	fileResults map[string]int
	logs        []string

	startTime time.Time
	finished  bool
	quitting  bool
}

// NewModel builds the import progress model. events is a hub subscription
// filtered client-side by upload id; done closes when the import returns.
func NewModel(uploadID string, events <-chan progressevents.Event, done <-chan struct{}) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &Model{
		uploadID:    uploadID,
		events:      events,
		done:        done,
		spinner:     s,
		bar:         progress.New(progress.WithDefaultGradient()),
		fileResults: make(map[string]int),
		startTime:   time.Now(),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEventCmd())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = max(10, msg.Width-6)
	case eventMsg:
		if msg.UploadID == m.uploadID {
			m.applyEvent(progressevents.Event(msg))
			if m.finished {
				return m, tea.Sequence(m.bar.SetPercent(1.0), tea.Quit)
			}
			cmds = append(cmds, m.bar.SetPercent(float64(m.filePercent)/100.0))
		}
		cmds = append(cmds, m.waitForEventCmd())
	case ImportDoneMsg:
		// The import returned; the terminal event either already arrived or
		// never will (hub may have dropped it), so stop rendering.
		if !m.finished {
			m.finished = true
			return m, tea.Quit
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case progress.FrameMsg:
		barModel, cmd := m.bar.Update(msg)
		if newModel, ok := barModel.(progress.Model); ok {
			m.bar = newModel
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) applyEvent(ev progressevents.Event) {
	m.totalFiles = ev.TotalFiles
	m.processed = ev.ProcessedFiles
	if ev.CurrentFile != "" {
		m.currentFile = ev.CurrentFile
	}
	m.filePercent = ev.CurrentFileProgress
	m.status = ev.Status
	m.message = ev.Message
	for file, n := range ev.FileResults {
		m.fileResults[file] = n
	}
	if len(ev.Logs) > 0 {
		m.logs = ev.Logs
	}
	if ev.Status != progressevents.StatusProcessing {
		m.finished = true
	}
}

func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("--- Market-Audit Import ---"))
	b.WriteString("\n\n")
	b.WriteString(infoStyle.Render(fmt.Sprintf("Upload %s", m.uploadID)))
	b.WriteString("\n\n")

	switch m.status {
	case progressevents.StatusCompleted:
		b.WriteString(successStyle.Render("Import completed."))
	case progressevents.StatusCompletedWithErrors:
		b.WriteString(warnStyle.Render("Import completed with errors."))
	case progressevents.StatusError:
		b.WriteString(errorStyle.Render("Import failed."))
	default:
		b.WriteString(fmt.Sprintf("%s Files %d/%d", m.spinner.View(), m.processed, m.totalFiles))
		if m.currentFile != "" {
			b.WriteString(infoStyle.Render(fmt.Sprintf("  (current: %s)", m.currentFile)))
		}
		b.WriteString("\n")
		b.WriteString(m.bar.View())
	}
	b.WriteString("\n")

	if m.message != "" {
		b.WriteString(infoStyle.Render(m.message))
		b.WriteString("\n")
	}

	if len(m.fileResults) > 0 {
		b.WriteString("\n")
		for file, n := range m.fileResults {
			b.WriteString(fileStyle.Render(fmt.Sprintf("%-20s %d rows", file, n)))
			b.WriteString("\n")
		}
	}

	for _, line := range m.logs {
		b.WriteString(errorStyle.Render(line))
		b.WriteString("\n")
	}

	if !m.finished {
		b.WriteString("\n")
		b.WriteString(infoStyle.Render(fmt.Sprintf("Running %s... 'q' or Ctrl+C to detach.",
			time.Since(m.startTime).Round(time.Second))))
	}
	return b.String()
}

// waitForEventCmd blocks on the hub subscription until the next event or
// until the import goroutine finishes.
func (m *Model) waitForEventCmd() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev, ok := <-m.events:
			if !ok {
				return ImportDoneMsg{StartTime: m.startTime, EndTime: time.Now()}
			}
			return eventMsg(ev)
		case <-m.done:
			return ImportDoneMsg{StartTime: m.startTime, EndTime: time.Now()}
		}
	}
}
