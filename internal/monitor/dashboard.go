// Package monitor renders a live terminal dashboard for a running gatewayd
// from its /health and /metrics endpoints.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	fetchTimeout    = 5 * time.Second
)

// Stages in pipeline order.
var stageOrder = []string{"policy", "retrieval", "dispatch", "tools"}

// Model is the bubbletea dashboard model.
type Model struct {
	client     *Client
	url        string
	interval   time.Duration
	lastUpdate time.Time
	err        error
	quitting   bool

	current Snapshot
	rates   Rates

	requestHistory []float64
	failureHistory []float64
	retryHistory   []float64
	pendingHistory []float64

	successProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling the gatewayd at url.
func NewModel(url string, interval time.Duration) Model {
	return Model{
		client:   NewClient(url, fetchTimeout),
		url:      url,
		interval: interval,
		successProgress: progress.New(
			progress.WithGradient("#ff0000", "#00ff00"),
			progress.WithWidth(40),
		),
	}
}

// Run starts the dashboard on the terminal and blocks until the user quits
// or ctx is canceled.
func Run(ctx context.Context, url string, interval time.Duration) error {
	p := tea.NewProgram(NewModel(url, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func latencyBadge(seconds float64) string {
	switch {
	case seconds < 0.1:
		return healthyStyle.Render("[✓]")
	case seconds < 0.5:
		return warningStyle.Render("[⚠]")
	default:
		return errorStyle.Render("[✗]")
	}
}

func statusBadge(h Health) string {
	switch h.Status {
	case "ok":
		return healthyStyle.Render("✓ HEALTHY")
	case "degraded":
		return warningStyle.Render("⚠ DEGRADED")
	default:
		return errorStyle.Render("✗ UNKNOWN")
	}
}

func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}
	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg error

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(m.interval), fetch(m.client))
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetch(client *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		snap, err := client.Snapshot(ctx)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(snap)
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetch(m.client)
		}

	case tickMsg:
		return m, tea.Batch(tick(m.interval), fetch(m.client))

	case snapshotMsg:
		snap := Snapshot(msg)
		m.rates = RatesBetween(m.current, snap)
		m.current = snap
		if !m.lastUpdate.IsZero() {
			m.requestHistory = appendToHistory(m.requestHistory, m.rates.Requests)
			m.failureHistory = appendToHistory(m.failureHistory, m.rates.Failures)
			m.retryHistory = appendToHistory(m.retryHistory, m.rates.Retries)
		}
		m.pendingHistory = appendToHistory(m.pendingHistory, float64(snap.Health.Counts.PendingApprovals))
		m.lastUpdate = snap.TakenAt
		if m.lastUpdate.IsZero() {
			m.lastUpdate = time.Now()
		}
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" gatewayd Monitor ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach gatewayd") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.url) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")
	return containerStyle.Render(b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder
	snap := m.current

	lastUpdate := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" gatewayd Monitor ") + "\n")
	b.WriteString(fmt.Sprintf("%s   %s   %s\n",
		statusBadge(snap.Health),
		dimStyle.Render(m.url),
		dimStyle.Render(lastUpdate)))

	b.WriteString("\n" + sectionStyle.Render("┃ Requests") + "\n")
	b.WriteString(labelStyle.Render("  Rate: ") +
		valueStyle.Render(FormatRate(m.rates.Requests)) +
		"   " + createSparkline(m.requestHistory) + "\n")
	b.WriteString(labelStyle.Render("  Failures: ") +
		valueStyle.Render(FormatRate(m.rates.Failures)) +
		"   " + createSparkline(m.failureHistory) + "\n")
	b.WriteString(labelStyle.Render("  Retries: ") +
		valueStyle.Render(FormatRate(m.rates.Retries)) +
		"   " + createSparkline(m.retryHistory) + "\n")

	success := 0.0
	if total := snap.TotalRequests(); total > 0 {
		success = snap.Requests["completed"] / total
	}
	b.WriteString(labelStyle.Render("  Success: ") +
		m.successProgress.ViewAs(success) +
		" " + dimStyle.Render(FormatPercentage(success)) +
		dimStyle.Render(fmt.Sprintf("  (%s total)", FormatCount(snap.TotalRequests()))) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Stage Latency (mean)") + "\n")
	for _, stage := range orderedStages(snap.StageLatency) {
		lat := snap.StageLatency[stage]
		b.WriteString(labelStyle.Render(fmt.Sprintf("  %-10s ", stage)) +
			valueStyle.Render(FormatLatency(lat)) + " " + latencyBadge(lat) + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Tools") + "\n")
	b.WriteString(labelStyle.Render("  Executed: ") +
		valueStyle.Render(FormatRate(m.rates.Executed)) + "\n")
	b.WriteString(labelStyle.Render("  Pending approvals: ") +
		valueStyle.Render(fmt.Sprintf("%d", snap.Health.Counts.PendingApprovals)) +
		"   " + createSparkline(m.pendingHistory) + "\n")
	b.WriteString(labelStyle.Render("  Outcomes: ") + formatOutcomes(snap.ToolOutcomes) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Recorder") + "\n")
	recorder := healthyStyle.Render("ok")
	if snap.Health.Recorder.Degraded {
		recorder = warningStyle.Render("degraded")
	}
	b.WriteString(labelStyle.Render("  Sink: ") + recorder +
		labelStyle.Render("  Buffered: ") + valueStyle.Render(fmt.Sprintf("%d", snap.Health.Recorder.Buffered)) +
		labelStyle.Render("  Failed appends: ") + valueStyle.Render(FormatCount(snap.RecorderFailed)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Configuration") + "\n")
	c := snap.Health.Counts
	b.WriteString(labelStyle.Render("  Policy: ") +
		valueStyle.Render(fmt.Sprintf("%d rules", c.PolicyRules)) +
		dimStyle.Render(fmt.Sprintf(" v%d", c.PolicyVersion)) +
		labelStyle.Render("  Models: ") + valueStyle.Render(fmt.Sprintf("%d", c.Models)) +
		labelStyle.Render("  Tools: ") + valueStyle.Render(fmt.Sprintf("%d", c.Tools)) + "\n")

	b.WriteString("\n" + footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval)))

	return containerStyle.Render(b.String())
}

// orderedStages lists known stages first, then any others alphabetically.
func orderedStages(latency map[string]float64) []string {
	var out []string
	for _, s := range stageOrder {
		if _, ok := latency[s]; ok {
			out = append(out, s)
		}
	}
	var extra []string
	for s := range latency {
		known := false
		for _, k := range stageOrder {
			if s == k {
				known = true
				break
			}
		}
		if !known {
			extra = append(extra, s)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func formatOutcomes(outcomes map[string]float64) string {
	if len(outcomes) == 0 {
		return dimStyle.Render("none")
	}
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, dimStyle.Render(k+"=")+valueStyle.Render(FormatCount(outcomes[k])))
	}
	return strings.Join(parts, "  ")
}
