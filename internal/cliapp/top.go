package cliapp

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/rvscript/scripthost/host"
	"github.com/rvscript/scripthost/hostconfig"
)

var topInterval time.Duration

func newTopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "top <config.toml>",
		Short: "Live dashboard of every registered instance's tick/overrun status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := hostconfig.Load(args[0])
			if err != nil {
				return err
			}
			h, err := bootHost(cfg, baseLogger())
			if err != nil {
				return err
			}
			p := tea.NewProgram(newTopModel(h, topInterval))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&topInterval, "interval", time.Second, "tick/refresh interval")
	return cmd
}

var (
	topTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#2F71F2", Dark: "#4A90FF"})
	topHeadStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#999999"})
	topCrashStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#FF4672", Dark: "#FF4672"})
	topHelpStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#999999", Dark: "#666666"})
)

type tickMsg time.Time

// topModel drives scriptctl top's live dashboard: registered instances with
// their budget_overruns and crashed status, refreshed once per tick; it
// shows no tick-blocked-thread counts (grounded in dh-cli's bubbletea
// VM-fleet list view, retargeted at script instances instead of VMs).
type topModel struct {
	h        *host.Host
	interval time.Duration
	rows     []host.TickStats
	ticks    int
}

func newTopModel(h *host.Host, interval time.Duration) topModel {
	return topModel{h: h, interval: interval}
}

func (m topModel) Init() tea.Cmd { return m.scheduleTick() }

func (m topModel) scheduleTick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.rows = m.h.Tick(context.Background())
		m.ticks++
		return m, m.scheduleTick()
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m topModel) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  (tick %d, q to quit)\n\n", topTitleStyle.Render("scriptctl top"), m.ticks)
	fmt.Fprintf(&b, "%s\n", topHeadStyle.Render(fmt.Sprintf("%-24s %12s %8s", "NAME", "OVERRUNS", "CRASHED")))
	for _, row := range m.rows {
		crashed := "no"
		line := fmt.Sprintf("%-24s %12d %8s", row.Name, row.BudgetOverruns, crashed)
		if row.Crashed {
			line = fmt.Sprintf("%-24s %12d %8s", row.Name, row.BudgetOverruns, "yes")
			line = topCrashStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(topHelpStyle.Render("refreshing every " + m.interval.String()))
	return b.String()
}
