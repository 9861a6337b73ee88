package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/MMw-Unibo/tempos4nfv/invoker"
	"github.com/MMw-Unibo/tempos4nfv/logger"
	"github.com/MMw-Unibo/tempos4nfv/mom"
	"github.com/MMw-Unibo/tempos4nfv/node"
)

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Run a local cluster with a terminal UI",
	Long: `Start a MOM in-process and manage invokers attached to its strict
broker from a terminal UI. The strict broker's registry is shown live.

Keyboard shortcuts:
  C - Create a new invoker
  D - Delete an invoker (shows selection menu)
  Q - Quit

Examples:
  tempos interactive
  tempos interactive --module=chain.wasm --mode=adaptive`,
	RunE: runInteractive,
}

func init() {
	rootCmd.AddCommand(interactiveCmd)

	f := interactiveCmd.Flags()
	f.String("bqaddr", node.DefaultBestEffortAddr, "Best-effort broker address")
	f.String("sqaddr", node.DefaultStrictAddr, "Strict broker address")
	f.String("admin", node.DefaultAdminAddr, "Admin gRPC address (empty disables it)")
	f.StringSliceP("topics", "t", nil, "Topics every invoker serves (default: every topic of the chain)")
	f.String("module", invoker.DefaultModulePath, "WebAssembly module path")
	f.String("mode", string(invoker.ModeWarm), "Lifecycle mode: cold, warm or adaptive")
	f.String("chain", "", "Chain map YAML file (empty uses the built-in chain)")
	f.Uint32("first-node", 1, "Node id of the first invoker")
}

// logLines is the height of the log pane.
const logLines = 15

// action is a repeatable keyboard command.
type action struct {
	create bool
	index  int // delete target when !create
}

func (a action) String() string {
	if a.create {
		return "C"
	}
	return fmt.Sprintf("D → %d", a.index+1)
}

type model struct {
	mom      *node.MOM
	manager  *node.Manager
	invokers []*node.Invoker
	snapshot *mom.Snapshot

	// Delete selection: cursor follows ↑/↓, input collects typed digits.
	selecting bool
	cursor    int
	input     string

	last   *action
	err    error
	logs   *logger.LogBuffer
	scroll int
	width  int
}

func initialModel(m *node.MOM, manager *node.Manager) model {
	return model{
		mom:     m,
		manager: manager,
		logs:    logger.GetGlobalLogBuffer(),
	}
}

type tickMsg struct{}

type clusterMsg struct {
	invokers []*node.Invoker
	snapshot *mom.Snapshot
}

type shutdownCompleteMsg struct {
	err error
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func refreshCluster(m *node.MOM, manager *node.Manager) tea.Cmd {
	return func() tea.Msg {
		msg := clusterMsg{invokers: manager.GetInvokers()}
		if m != nil {
			if b := m.Broker(mom.ClassStrict); b != nil {
				msg.snapshot = b.Snapshot()
			}
		}
		return msg
	}
}

// shutdownCluster stops all invokers, then the MOM.
func shutdownCluster(m *node.MOM, manager *node.Manager) tea.Cmd {
	return func() tea.Msg {
		err := manager.StopAll()
		if m != nil {
			if stopErr := m.Stop(); err == nil {
				err = stopErr
			}
		}
		return shutdownCompleteMsg{err: err}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tick(), refreshCluster(m.mom, m.manager))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := msg.String()
		if key == "q" || key == "ctrl+c" {
			return m, shutdownCluster(m.mom, m.manager)
		}
		if m.selecting {
			return m.updateSelecting(key), nil
		}
		return m.updateNormal(key), nil

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		return m, tea.Batch(tick(), refreshCluster(m.mom, m.manager))

	case clusterMsg:
		m.invokers = msg.invokers
		m.snapshot = msg.snapshot

	case shutdownCompleteMsg:
		if msg.err != nil {
			logger.Printf("Error stopping cluster during shutdown: %v", msg.err)
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m model) updateNormal(key string) model {
	switch key {
	case "c", "C":
		return m.run(action{create: true})
	case "d", "D":
		if len(m.invokers) == 0 {
			m.err = fmt.Errorf("no invokers to delete")
			return m
		}
		m.selecting, m.cursor, m.input = true, 0, ""
	case "enter":
		if m.last != nil {
			return m.run(*m.last)
		}
	case "up", "k":
		if m.scroll < maxScroll(m.logs.Len()) {
			m.scroll++
		}
	case "down", "j":
		if m.scroll > 0 {
			m.scroll--
		}
	case "esc":
		m.err = nil
	}
	return m
}

func (m model) updateSelecting(key string) model {
	switch key {
	case "esc":
		m.selecting, m.input, m.err = false, "", nil
	case "up", "k":
		m.cursor = max(m.cursor-1, 0)
	case "down", "j":
		m.cursor = min(m.cursor+1, len(m.invokers)-1)
	case "enter", " ":
		index := m.cursor
		if m.input != "" {
			var err error
			index, err = parseSelection(m.input, len(m.invokers))
			m.input = ""
			if err != nil {
				m.err = err
				return m
			}
		}
		m.selecting = false
		return m.run(action{index: index})
	default:
		if len(key) == 1 && key[0] >= '0' && key[0] <= '9' {
			m.input += key
		} else {
			m.input = ""
		}
	}
	return m
}

// run applies a create or delete and remembers it for Enter.
func (m model) run(a action) model {
	var err error
	if a.create {
		_, err = m.manager.CreateInvoker()
	} else if a.index >= len(m.invokers) {
		err = fmt.Errorf("invoker %d no longer exists", a.index+1)
	} else {
		err = m.manager.DeleteInvoker(a.index)
	}
	m.err = err
	if err == nil {
		m.last = &a
		m.invokers = m.manager.GetInvokers()
	}
	return m
}

// parseSelection turns a 1-based typed number into an index below n.
func parseSelection(input string, n int) (int, error) {
	num, err := strconv.Atoi(input)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %s", input)
	}
	if num < 1 || num > n {
		return 0, fmt.Errorf("invoker %d does not exist (max: %d)", num, n)
	}
	return num - 1, nil
}

func maxScroll(total int) int {
	return max(total-logLines, 0)
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(1, 2)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	pickStyle  = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("196")).Bold(true)
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true).PaddingTop(1)
)

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("TEMPOS Local Cluster"))
	s.WriteString("\n\n")
	if m.err != nil {
		s.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		s.WriteString("\n\n")
	}
	if m.mom != nil {
		if b := m.mom.Broker(mom.ClassStrict); b != nil {
			fmt.Fprintf(&s, "Strict broker: %s\n\n", b.Addr())
		}
	}

	if len(m.invokers) == 0 {
		s.WriteString("No invokers running.\n\n")
	} else {
		s.WriteString("Running Invokers:\n\n")
		for i, n := range m.invokers {
			cfg := n.GetConfig()
			line := fmt.Sprintf("node %d (addr: %s, topics: %s)", cfg.NodeID, n.Addr(), strings.Join(cfg.Topics, ","))
			if m.selecting && i == m.cursor {
				s.WriteString(pickStyle.Render(fmt.Sprintf("[%d] > %s", i+1, line)))
				s.WriteString("\n")
			} else {
				fmt.Fprintf(&s, "  [%d]   %s\n", i+1, line)
			}
		}
		s.WriteString("\n")
	}

	s.WriteString(renderRegistry(m.snapshot))
	s.WriteString(m.renderLogPane())
	s.WriteString("\n\n")
	s.WriteString(helpStyle.Render(m.help()))
	return s.String()
}

func (m model) renderLogPane() string {
	width := 100
	if m.width > 0 {
		width = m.width - 4
	}
	lines := renderLogs(m.logs.GetAll(), m.scroll, logLines)
	if len(lines) == 0 {
		lines = []string{"     | (no logs yet)"}
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Height(logLines - 2).
		Width(width).
		Render("Logs:\n" + strings.Join(lines, "\n"))
}

func (m model) help() string {
	if m.selecting {
		if m.input != "" {
			return fmt.Sprintf("DELETE MODE: Type invoker number (current: %s) or Enter to confirm, Esc to cancel", m.input)
		}
		return fmt.Sprintf("DELETE MODE: Use ↑/↓/j/k or type invoker number (1-%d), Enter to confirm, Esc to cancel", len(m.invokers))
	}
	repeat := "Enter to repeat last command"
	if m.last != nil {
		repeat = fmt.Sprintf("Enter to repeat (%s)", m.last)
	}
	return "Press C to create an invoker | D to delete an invoker | " + repeat + " | ↑/↓/j/k to scroll logs | Q to quit"
}

// renderLogs returns up to count entries, newest first, skipping the scroll
// newest ones. Line numbers count back from the newest entry.
func renderLogs(entries []logger.LogEntry, scroll, count int) []string {
	end := max(len(entries)-scroll, 0)
	start := max(end-count, 0)
	lines := make([]string, 0, end-start)
	for i := end - 1; i >= start; i-- {
		lines = append(lines, fmt.Sprintf("%4d | %s", len(entries)-1-i, logger.FormatLogEntry(entries[i])))
	}
	return lines
}

// renderRegistry shows which invokers the strict broker routes each topic to.
func renderRegistry(snap *mom.Snapshot) string {
	if snap == nil || len(snap.Topics) == 0 {
		return "Registry: (empty)\n\n"
	}
	loads := make(map[uint32]uint8, len(snap.Nodes))
	for _, n := range snap.Nodes {
		loads[n.ID] = n.Load
	}

	var s strings.Builder
	s.WriteString("Registry:\n")
	for _, t := range snap.Topics {
		entries := make([]string, len(t.Nodes))
		for i, id := range t.Nodes {
			entries[i] = fmt.Sprintf("%d (%d%%)", id, loads[id])
		}
		route := "-"
		if len(entries) > 0 {
			route = entries[0]
		}
		fmt.Fprintf(&s, "  %-8s -> %-12s [%s]\n", t.Name, route, strings.Join(entries, ", "))
	}
	s.WriteString("\n")
	return s.String()
}

func runInteractive(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}

	// Logs go to the log buffer only; stdout belongs to the UI.
	logger.Init("", false)
	if err := logger.AddOutput(logger.NewLogBufferWriter(logger.GetGlobalLogBuffer())); err != nil {
		return err
	}
	if err := logger.SetLevel(v.GetString("log-level")); err != nil {
		return err
	}

	momCfg := node.DefaultMOMConfig()
	momCfg.BestEffortAddr = v.GetString("bqaddr")
	momCfg.StrictAddr = v.GetString("sqaddr")
	momCfg.AdminAddr = v.GetString("admin")
	m, err := node.NewMOM(momCfg)
	if err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return err
	}

	mode, err := invoker.ParseMode(v.GetString("mode"))
	if err != nil {
		_ = m.Stop()
		return err
	}
	template := node.DefaultInvokerConfig(v.GetUint32("first-node"))
	template.Broker = m.Broker(mom.ClassStrict).Addr().String()
	template.ModulePath = v.GetString("module")
	template.ChainFile = v.GetString("chain")
	template.Mode = mode
	if topics := splitList(v.GetStringSlice("topics")); len(topics) > 0 {
		template.Topics = topics
	}

	p := tea.NewProgram(initialModel(m, node.NewManager(*template)))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running interactive mode: %w", err)
	}
	return nil
}
