package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-resources/store"
	"github.com/wippyai/wasm-resources/table"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#87CEEB"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98")).
			Width(22)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type monitorModel struct {
	g        *store.Guarded
	cfg      store.Config
	interval time.Duration
	stats    store.Stats
	resBar   progress.Model
	memBar   progress.Model
	paused   bool
}

type tickMsg time.Time

func newMonitorModel(g *store.Guarded, cfg store.Config, interval time.Duration) *monitorModel {
	if cfg.Table.MaxResources <= 0 {
		cfg.Table = table.DefaultConfig()
	}
	return &monitorModel{
		g:        g,
		cfg:      cfg,
		interval: interval,
		resBar:   progress.New(progress.WithDefaultGradient()),
		memBar:   progress.New(progress.WithDefaultGradient()),
	}
}

func (m *monitorModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *monitorModel) Init() tea.Cmd {
	m.stats = m.g.Statistics()
	return m.tick()
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "p":
			m.paused = !m.paused
		}

	case tea.WindowSizeMsg:
		width := msg.Width - 30
		if width < 10 {
			width = 10
		}
		m.resBar.Width = width
		m.memBar.Width = width

	case tickMsg:
		if !m.paused {
			m.stats = m.g.Statistics()
		}
		return m, m.tick()
	}
	return m, nil
}

func (m *monitorModel) View() string {
	st := m.stats
	var b strings.Builder

	b.WriteString(titleStyle.Render("Resource Monitor"))
	if m.paused {
		b.WriteString(" ")
		b.WriteString(warnStyle.Render("[paused]"))
	}
	b.WriteString("\n\n")

	b.WriteString(sectionStyle.Render("Table"))
	b.WriteString("\n")
	m.row(&b, "active resources", fmt.Sprintf("%d / %d", st.Table.ActiveResources, m.cfg.Table.MaxResources))
	b.WriteString("  ")
	b.WriteString(m.resBar.ViewAs(ratio(st.Table.ActiveResources, m.cfg.Table.MaxResources)))
	b.WriteString("\n")
	m.row(&b, "memory used", fmt.Sprintf("%d B (peak %d B)", st.Table.MemoryUsed, st.Table.PeakMemory))
	b.WriteString("  ")
	b.WriteString(m.memBar.ViewAs(ratio64(st.Table.MemoryUsed, st.Table.PeakMemory)))
	b.WriteString("\n")
	m.row(&b, "created / destroyed", fmt.Sprintf("%d / %d", st.Table.TotalCreated, st.Table.TotalDestroyed))
	m.row(&b, "peak resources", fmt.Sprintf("%d", st.Table.PeakResources))
	m.row(&b, "instance tables", fmt.Sprintf("%d", st.Table.InstanceTables))
	m.row(&b, "lookups (hit)", fmt.Sprintf("%d (%d)", st.Table.Lookups, st.Table.SuccessfulLookups))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("Lifetime"))
	b.WriteString("\n")
	m.row(&b, "active borrows", fmt.Sprintf("%d", st.Lifetime.ActiveBorrows))
	m.row(&b, "active scopes", fmt.Sprintf("%d", st.Lifetime.ActiveScopes))
	m.row(&b, "invalidated (drop)", fmt.Sprintf("%d", st.Lifetime.InvalidatedByDrop))
	m.row(&b, "invalidated (scope)", fmt.Sprintf("%d", st.Lifetime.InvalidatedByScope))
	failed := ""
	if st.Lifetime.FailedValidations > 0 {
		failed = warnStyle.Render(fmt.Sprintf("  %d failed", st.Lifetime.FailedValidations))
	}
	m.row(&b, "validations", fmt.Sprintf("%d%s", st.Lifetime.Validations, failed))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("Sharing"))
	b.WriteString("\n")
	m.row(&b, "agreements", fmt.Sprintf("%d", st.Sharing.Agreements))
	m.row(&b, "shares / returns", fmt.Sprintf("%d / %d", st.Sharing.Shares, st.Sharing.Returns))
	m.row(&b, "transfers", fmt.Sprintf("%d", st.Sharing.Transfers))
	if st.Sharing.PolicyViolations > 0 {
		m.row(&b, "policy violations", warnStyle.Render(fmt.Sprintf("%d", st.Sharing.PolicyViolations)))
	}
	b.WriteString("\n")

	m.row(&b, "registered types", fmt.Sprintf("%d", st.Types))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("p pause • q quit"))
	return b.String()
}

func (m *monitorModel) row(b *strings.Builder, label, value string) {
	b.WriteString("  ")
	b.WriteString(labelStyle.Render(label))
	b.WriteString(valueStyle.Render(value))
	b.WriteString("\n")
}

func ratio(n, max int) float64 {
	if max <= 0 {
		return 0
	}
	return float64(n) / float64(max)
}

func ratio64(n, max uint64) float64 {
	if max == 0 {
		return 0
	}
	return float64(n) / float64(max)
}

func runMonitor(g *store.Guarded, cfg store.Config, interval time.Duration) error {
	p := tea.NewProgram(newMonitorModel(g, cfg, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
