package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/deepansarkar03/streamverse/store"
)

// UIState represents the aggregated state for the TUI
type UIState struct {
	TotalJobs      int
	CompletedJobs  int
	FailedJobs     int
	TotalBytes     int64
	CompletedBytes int64
	Jobs           []JobView
	ActiveWorkers  int
	MaxWorkers     int
	ThroughputBPms float64 // bytes per millisecond
	Done           bool
}

// JobView is one import as the TUI renders it.
type JobView struct {
	ID       string
	Name     string
	Strategy string
	Status   store.JobStatus
	Error    string
	Bytes    int64
	Total    int64
	Percent  int
	Known    bool // Percent is meaningful
	BytesSec float64
}

// StateFromRecords aggregates job records. Running jobs are listed first,
// then by creation time.
func StateFromRecords(records []*store.JobRecord) *UIState {
	state := &UIState{TotalJobs: len(records)}
	var rate float64

	for _, r := range records {
		pct, known := r.Percent()
		state.Jobs = append(state.Jobs, JobView{
			ID:       r.ID,
			Name:     r.DestinationName,
			Strategy: r.Strategy,
			Status:   r.Status,
			Error:    r.Error,
			Bytes:    r.BytesTransferred,
			Total:    r.TotalBytes,
			Percent:  pct,
			Known:    known,
			BytesSec: r.RateMBps * 1024 * 1024,
		})

		state.TotalBytes += max(r.TotalBytes, r.BytesTransferred)
		state.CompletedBytes += r.BytesTransferred
		switch r.Status {
		case store.StatusCompleted:
			state.CompletedJobs++
		case store.StatusFailed:
			state.FailedJobs++
		case store.StatusActive:
			rate += r.RateMBps
		}
	}

	sort.SliceStable(state.Jobs, func(i, j int) bool {
		return !state.Jobs[i].Status.Terminal() && state.Jobs[j].Status.Terminal()
	})
	state.ThroughputBPms = rate * 1024 * 1024 / 1000
	state.Done = state.TotalJobs > 0 && state.CompletedJobs+state.FailedJobs == state.TotalJobs
	return state
}

// TUIModel implements the tea.Model interface
type TUIModel struct {
	engineState *UIState
	onWorkers   func(delta int)

	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	streamStyle  lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// TUIUpdateMsg is sent periodically to update the UI state
type TUIUpdateMsg struct {
	State *UIState
}

// WorkerCountMsg is sent when modifying the worker count
type WorkerCountMsg int

// NewTUIModel builds the model. onWorkers, when set, receives +1/-1 as the
// user adjusts concurrent imports.
func NewTUIModel(initialState *UIState, onWorkers func(delta int)) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		engineState:  initialState,
		onWorkers:    onWorkers,
		spinner:      s,
		progress:     prog,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		streamStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
	)
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "+", "=":
			return m, func() tea.Msg { return WorkerCountMsg(1) }
		case "-":
			return m, func() tea.Msg { return WorkerCountMsg(-1) }
		}

	case WorkerCountMsg:
		if m.onWorkers != nil {
			m.onWorkers(int(msg))
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width / 3

		headerHeight := 5
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)

	case TUIUpdateMsg:
		m.engineState = msg.State
		if m.engineState.Done {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder
	st := m.engineState

	header := fmt.Sprintf("%s streamverse %s", m.spinner.View(), m.titleStyle.Render("Video Import"))
	sb.WriteString(header + "\n")

	var percent float64
	if st.TotalBytes > 0 {
		percent = float64(st.CompletedBytes) / float64(st.TotalBytes)
	}

	opsInfo := fmt.Sprintf("ETA: %s | Imports: %d/%d done, %d failed | Workers: %d/%d | %s / %s",
		formatETA(percent, st.ThroughputBPms, st.TotalBytes, st.CompletedBytes),
		st.CompletedJobs, st.TotalJobs, st.FailedJobs,
		st.ActiveWorkers, st.MaxWorkers,
		formatBytes(st.CompletedBytes), formatBytes(st.TotalBytes))

	sb.WriteString(m.infoStyle.Render(opsInfo) + "\n")
	sb.WriteString(m.progress.ViewAs(percent) + "\n\n")

	sb.WriteString("Imports:\n")
	var content strings.Builder

	if len(st.Jobs) == 0 {
		content.WriteString(m.infoStyle.Render("Waiting for imports..."))
	}
	for _, j := range st.Jobs {
		name := j.Name
		if len(name) > 40 {
			name = "..." + name[len(name)-37:]
		}

		// Format: [===       ] 30% | 45 MB/s | stream | name.mp4
		var bar string
		switch {
		case j.Status == store.StatusFailed:
			bar = m.errorStyle.Render("failed: " + j.Error)
		case j.Known:
			bar = m.progress.ViewAs(float64(j.Percent) / 100)
		default:
			bar = formatBytes(j.Bytes)
		}
		content.WriteString(fmt.Sprintf("%s | %-10s | %-12s | %s\n",
			bar, m.streamStyle.Render(formatSpeed(j.BytesSec)), j.Strategy, name))
	}

	m.viewport.SetContent(content.String())
	sb.WriteString(m.viewport.View())

	help := m.helpStyle.Render("q/ctrl+c: quit • +/-: adjust concurrent imports")
	if st.Done {
		help = m.successStyle.Render("Import Complete!") + " Press 'q' to exit."
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatETA(progress float64, bytesPerMs float64, totalBytes, completedBytes int64) string {
	if progress == 0 || bytesPerMs <= 0 || totalBytes == 0 {
		return "Calculating..."
	}

	remainingBytes := totalBytes - completedBytes
	if remainingBytes <= 0 {
		return "0s"
	}

	remainingMs := float64(remainingBytes) / bytesPerMs
	d := time.Duration(remainingMs) * time.Millisecond

	if d.Hours() > 24 {
		return "> 1d"
	}

	return d.Round(time.Second).String()
}
