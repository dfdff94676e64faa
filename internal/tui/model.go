package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/wmax/calsync/internal/core"
	"github.com/wmax/calsync/internal/util"
)

// operationsShown is how many audit rows are loaded per config.
const operationsShown = 10

// refreshEvery is the automatic reload period.
const refreshEvery = 30 * time.Second

// Source is where the dashboard reads its data.
type Source interface {
	ListConfigs(ctx context.Context, filter core.ConfigFilter) ([]core.SyncConfig, error)
	ListOperations(ctx context.Context, configID string, limit int) ([]core.SyncOperation, error)
}

// Runner runs a manual sync.
type Runner interface {
	RunSync(ctx context.Context, configID string) (*core.SyncResult, error)
}

// KeyMap defines the keybindings for the TUI
type KeyMap struct {
	Up         key.Binding
	Down       key.Binding
	ScrollUp   key.Binding
	ScrollDown key.Binding
	Sync       key.Binding
	Refresh    key.Binding
	Tab        key.Binding
	Quit       key.Binding
	Help       key.Binding
}

var DefaultKeyMap = KeyMap{
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	ScrollUp: key.NewBinding(
		key.WithKeys("ctrl+u", "pgup"),
		key.WithHelp("ctrl+u", "scroll up"),
	),
	ScrollDown: key.NewBinding(
		key.WithKeys("ctrl+d", "pgdown"),
		key.WithHelp("ctrl+d", "scroll down"),
	),
	Sync: key.NewBinding(
		key.WithKeys("s"),
		key.WithHelp("s", "sync now"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Tab: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "switch panel"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "help"),
	),
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Sync, k.Refresh, k.Quit, k.Help}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.ScrollUp, k.ScrollDown},
		{k.Sync, k.Refresh, k.Tab, k.Quit},
	}
}

// Panel focus for compact mode
type PanelFocus int

const (
	FocusList PanelFocus = iota
	FocusDetail
)

type row struct {
	config core.SyncConfig
	ops    []core.SyncOperation
}

// Model is the Bubble Tea model of the sync dashboard.
type Model struct {
	rows          []row
	selectedIdx   int
	width         int
	height        int
	listWidth     int
	detailWidth   int
	contentHeight int
	keys          KeyMap
	help          help.Model
	source        Source
	runner        Runner
	userID        string
	publicURL     string
	now           func() time.Time
	loading       bool
	err           error
	syncing       map[string]bool
	lastResult    map[string]string
	listView      viewport.Model
	detailView    viewport.Model
	viewportReady bool
	compactMode   bool
	focusedPanel  PanelFocus
	showHelp      bool
}

// Option configures a Model.
type Option func(*Model)

// WithUser limits the dashboard to one user's configs.
func WithUser(userID string) Option {
	return func(m *Model) { m.userID = userID }
}

// WithPublicURL shows webhook callback links.
func WithPublicURL(u string) Option {
	return func(m *Model) { m.publicURL = strings.TrimRight(u, "/") }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// NewModel creates the dashboard.
func NewModel(source Source, runner Runner, opts ...Option) Model {
	m := Model{
		keys:       DefaultKeyMap,
		help:       help.New(),
		source:     source,
		runner:     runner,
		now:        time.Now,
		loading:    true,
		syncing:    make(map[string]bool),
		lastResult: make(map[string]string),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Messages
type dataLoadedMsg struct {
	rows []row
	err  error
}

type syncDoneMsg struct {
	configID string
	result   *core.SyncResult
	err      error
}

type tickMsg time.Time

// Commands
func (m Model) loadData() tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		cfgs, err := m.source.ListConfigs(ctx, core.ConfigFilter{UserID: m.userID})
		if err != nil {
			return dataLoadedMsg{err: err}
		}
		rows := make([]row, 0, len(cfgs))
		for _, cfg := range cfgs {
			ops, err := m.source.ListOperations(ctx, cfg.ID, operationsShown)
			if err != nil {
				return dataLoadedMsg{err: err}
			}
			rows = append(rows, row{config: cfg, ops: ops})
		}
		return dataLoadedMsg{rows: rows}
	}
}

func (m Model) runSync(configID string) tea.Cmd {
	return func() tea.Msg {
		res, err := m.runner.RunSync(context.Background(), configID)
		return syncDoneMsg{configID: configID, result: res, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadData(), tickCmd())
}

// calculateLayout calculates responsive layout dimensions
func (m *Model) calculateLayout() {
	height := max(m.height, 10)

	// Header, help bar and padding take about six lines
	m.contentHeight = max(height-6, 5)

	m.compactMode = m.width < 80
	if m.compactMode {
		m.listWidth = max(m.width-4, 20)
		m.detailWidth = m.listWidth
		return
	}

	switch {
	case m.width < 120:
		m.listWidth = m.width * 40 / 100
	default:
		m.listWidth = min(m.width*35/100, 60)
	}
	m.listWidth = max(m.listWidth, 32)
	m.detailWidth = max(m.width-m.listWidth-5, 40)
}

func (m *Model) selected() *row {
	if len(m.rows) == 0 || m.selectedIdx >= len(m.rows) {
		return nil
	}
	return &m.rows[m.selectedIdx]
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width - 4
		m.calculateLayout()

		listW, listH := max(m.listWidth-4, 10), max(m.contentHeight-4, 1)
		detailW, detailH := max(m.detailWidth-6, 10), max(m.contentHeight-6, 1)
		if !m.viewportReady {
			m.listView = viewport.New(listW, listH)
			m.detailView = viewport.New(detailW, detailH)
			m.viewportReady = true
		} else {
			m.listView.Width, m.listView.Height = listW, listH
			m.detailView.Width, m.detailView.Height = detailW, detailH
		}
		m.updateListContent()
		m.updateDetailContent()
		return m, nil

	case dataLoadedMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.rows = msg.rows
			if m.selectedIdx >= len(m.rows) {
				m.selectedIdx = max(len(m.rows)-1, 0)
			}
		}
		m.updateListContent()
		m.updateDetailContent()
		return m, nil

	case syncDoneMsg:
		delete(m.syncing, msg.configID)
		m.lastResult[msg.configID] = describeResult(msg.result, msg.err)
		m.updateListContent()
		m.updateDetailContent()
		return m, m.loadData()

	case tickMsg:
		return m, tea.Batch(m.loadData(), tickCmd())

	case tea.KeyMsg:
		if m.showHelp {
			m.showHelp = false
			return m, nil
		}

		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keys.Help):
			m.showHelp = true
			return m, nil

		case key.Matches(msg, m.keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateListContent()
				m.updateDetailContent()
				m.detailView.GotoTop()
			}
			return m, nil

		case key.Matches(msg, m.keys.Down):
			if m.selectedIdx < len(m.rows)-1 {
				m.selectedIdx++
				m.updateListContent()
				m.updateDetailContent()
				m.detailView.GotoTop()
			}
			return m, nil

		case key.Matches(msg, m.keys.ScrollUp):
			if m.compactMode && m.focusedPanel == FocusList {
				m.listView.ViewUp()
			} else {
				m.detailView.ViewUp()
			}
			return m, nil

		case key.Matches(msg, m.keys.ScrollDown):
			if m.compactMode && m.focusedPanel == FocusList {
				m.listView.ViewDown()
			} else {
				m.detailView.ViewDown()
			}
			return m, nil

		case key.Matches(msg, m.keys.Tab):
			if m.focusedPanel == FocusList {
				m.focusedPanel = FocusDetail
			} else {
				m.focusedPanel = FocusList
			}
			return m, nil

		case key.Matches(msg, m.keys.Refresh):
			m.loading = true
			return m, m.loadData()

		case key.Matches(msg, m.keys.Sync):
			r := m.selected()
			if r == nil || m.syncing[r.config.ID] {
				return m, nil
			}
			m.syncing[r.config.ID] = true
			m.updateListContent()
			m.updateDetailContent()
			return m, m.runSync(r.config.ID)
		}
	}
	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	header := m.renderHeader()

	var content string
	switch {
	case m.loading && len(m.rows) == 0:
		content = lipgloss.NewStyle().
			Width(m.width-4).
			Height(m.contentHeight).
			Align(lipgloss.Center, lipgloss.Center).
			Render("Loading sync configs...")
	case m.err != nil:
		content = lipgloss.NewStyle().
			Width(m.width - 4).
			Height(m.contentHeight).
			Foreground(errorColor).
			Render(fmt.Sprintf("Error: %v", m.err))
	case m.compactMode:
		switch {
		case m.showHelp:
			content = m.renderHelpPanel()
		case m.focusedPanel == FocusList:
			content = m.renderListPanel()
		default:
			content = m.renderDetailPanel()
		}
	default:
		right := m.renderDetailPanel()
		if m.showHelp {
			right = m.renderHelpPanel()
		}
		content = lipgloss.JoinHorizontal(lipgloss.Top, m.renderListPanel(), " ", right)
	}

	return AppStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left, header, content, HelpStyle.Render(m.help.View(m.keys))),
	)
}

func (m Model) renderHeader() string {
	title := HeaderStyle.Render("calsync")

	enabled := 0
	for _, r := range m.rows {
		if r.config.Enabled {
			enabled++
		}
	}
	summary := lipgloss.NewStyle().Foreground(mutedColor).
		Render(fmt.Sprintf("%d configs, %d enabled", len(m.rows), enabled))

	indicator := ""
	if n := len(m.syncing); n > 0 {
		indicator = " " + SyncingStyle.Render(fmt.Sprintf("syncing %d", n))
	}
	return lipgloss.JoinHorizontal(lipgloss.Center, title, "  ", summary, indicator)
}

// updateListContent updates the list viewport with the current configs
func (m *Model) updateListContent() {
	if !m.viewportReady {
		return
	}
	if len(m.rows) == 0 {
		m.listView.SetContent(NormalItemStyle.Render("No sync configs"))
		return
	}

	items := make([]string, 0, len(m.rows))
	for i, r := range m.rows {
		items = append(items, m.renderListItem(r, i == m.selectedIdx, m.listView.Width))
	}
	m.listView.SetContent(strings.Join(items, "\n"))

	// keep the selection visible
	if m.selectedIdx < m.listView.YOffset {
		m.listView.SetYOffset(m.selectedIdx)
	} else if m.selectedIdx >= m.listView.YOffset+m.listView.Height {
		m.listView.SetYOffset(m.selectedIdx - m.listView.Height + 1)
	}
}

func (m Model) renderListItem(r row, selected bool, maxWidth int) string {
	cfg := r.config
	marker := statusMarker(r)
	if m.syncing[cfg.ID] {
		marker = "↻"
	}

	last := "never"
	if cfg.LastSync != nil {
		last = util.RelativeTime(*cfg.LastSync, m.now())
	}

	name := fmt.Sprintf("%s %s", providerLabel(cfg.ProviderType), cfg.ProviderID)
	line := fmt.Sprintf("%s %s  %s", marker, name, last)
	line = ansi.Truncate(line, max(maxWidth-2, 10), "…")

	switch {
	case selected:
		return SelectedItemStyle.Render(line)
	case !cfg.Enabled:
		return DisabledItemStyle.Render(line)
	default:
		return NormalItemStyle.Render(line)
	}
}

// updateDetailContent shows the selected config and its recent operations
func (m *Model) updateDetailContent() {
	r := m.selected()
	if r == nil || !m.viewportReady {
		return
	}
	cfg := r.config
	width := m.detailView.Width
	now := m.now()

	var lines []string
	lines = append(lines, TitleStyle.Render(ansi.Wordwrap(providerLabel(cfg.ProviderType)+" · "+cfg.ProviderID, width, "")))
	lines = append(lines, renderField("ID", cfg.ID))
	lines = append(lines, renderField("User", cfg.UserID))
	lines = append(lines, renderField("Direction", string(cfg.Direction)))
	if cfg.Enabled {
		lines = append(lines, renderField("Enabled", CompletedStyle.Render("yes")))
	} else {
		lines = append(lines, renderField("Enabled", FailedStyle.Render("no")))
	}
	if cfg.NeedsReauth {
		lines = append(lines, renderField("Auth", FailedStyle.Render("run 'calsync auth "+cfg.ID+"'")))
	}
	if cal := cfg.Settings.CalendarID(); cal != "" {
		lines = append(lines, renderField("Calendar", util.TruncateText(cal, width-15)))
	}

	last, next := "never", "when due"
	if cfg.LastSync != nil {
		last = util.RelativeTime(*cfg.LastSync, now)
	}
	if cfg.NextSync != nil {
		next = util.RelativeTime(*cfg.NextSync, now)
	}
	lines = append(lines, renderField("Last sync", last))
	lines = append(lines, renderField("Next sync", next))

	if cfg.WebhookID != "" {
		hook := "active"
		if m.publicURL != "" {
			url := m.publicURL + "/api/sync/webhook/" + string(cfg.ProviderType)
			hook = util.MakeHyperlink(url, LinkStyle.Render(util.TruncateText(url, width-15)))
		}
		lines = append(lines, renderField("Webhook", hook))
	}

	if m.syncing[cfg.ID] {
		lines = append(lines, "", SyncingStyle.Render("↻ sync running"))
	} else if res, ok := m.lastResult[cfg.ID]; ok {
		lines = append(lines, "", renderWrappedField("Manual sync", res, width))
	}

	lines = append(lines, "", LabelStyle.Render("Operations"))
	if len(r.ops) == 0 {
		lines = append(lines, lipgloss.NewStyle().Foreground(mutedColor).Render("  none yet"))
	}
	for _, op := range r.ops {
		lines = append(lines, renderOperation(op, now, width))
	}

	m.detailView.SetContent(strings.Join(lines, "\n"))
}

func (m Model) renderListPanel() string {
	scrollInfo := ""
	if m.viewportReady && len(m.rows) > m.listView.Height {
		scrollInfo = lipgloss.NewStyle().
			Foreground(mutedColor).
			Render(fmt.Sprintf(" (%d/%d)", m.selectedIdx+1, len(m.rows)))
	}
	header := lipgloss.NewStyle().Foreground(primaryColor).Bold(true).Render("Configs") + scrollInfo

	return ListPanelStyle.Width(m.listWidth).Height(m.contentHeight).Render(
		lipgloss.JoinVertical(lipgloss.Left, header, m.listView.View()),
	)
}

func (m Model) renderDetailPanel() string {
	if len(m.rows) == 0 {
		return DetailPanelStyle.Width(m.detailWidth).Height(m.contentHeight).Render(
			lipgloss.NewStyle().Foreground(mutedColor).Render("No config selected"),
		)
	}

	scrollInfo := ""
	if m.viewportReady && m.detailView.TotalLineCount() > m.detailView.Height {
		scrollInfo = lipgloss.NewStyle().
			Foreground(mutedColor).
			Render(fmt.Sprintf(" (%d%%)", int(m.detailView.ScrollPercent()*100)))
	}
	header := lipgloss.NewStyle().Foreground(primaryColor).Bold(true).Render("Sync Details") + scrollInfo

	return DetailPanelStyle.Width(m.detailWidth).Height(m.contentHeight).Render(
		lipgloss.JoinVertical(lipgloss.Left, header, "", m.detailView.View()),
	)
}

func (m Model) renderHelpPanel() string {
	header := lipgloss.NewStyle().Foreground(primaryColor).Bold(true).Render("Keyboard Shortcuts")

	full := m.help
	full.ShowAll = true
	body := lipgloss.JoinVertical(lipgloss.Left,
		"",
		full.View(m.keys),
		"",
		lipgloss.NewStyle().Foreground(mutedColor).Italic(true).Render("Press any key to close"),
	)

	panelWidth := m.detailWidth
	if m.compactMode {
		panelWidth = m.listWidth
	}
	return DetailPanelStyle.Width(panelWidth).Height(m.contentHeight).Render(
		lipgloss.JoinVertical(lipgloss.Left, header, body),
	)
}

// Helper functions
func renderField(label, value string) string {
	return LabelStyle.Render(label) + " " + ValueStyle.Render(value)
}

// renderWrappedField word-wraps value so continuation lines align with
// the first.
func renderWrappedField(label, value string, maxWidth int) string {
	labelRendered := LabelStyle.Render(label)
	labelWidth := lipgloss.Width(labelRendered) + 1
	valueWidth := max(maxWidth-labelWidth, 10)

	wrapLines := strings.Split(ansi.Wordwrap(value, valueWidth, ""), "\n")
	indent := strings.Repeat(" ", labelWidth)
	for i := 1; i < len(wrapLines); i++ {
		wrapLines[i] = indent + wrapLines[i]
	}
	return labelRendered + " " + ValueStyle.Render(strings.Join(wrapLines, "\n"))
}

func renderOperation(op core.SyncOperation, now time.Time, width int) string {
	var status string
	switch op.Status {
	case core.StatusCompleted:
		status = CompletedStyle.Render("✓")
	case core.StatusFailed:
		status = FailedStyle.Render("✗")
	default:
		status = PendingStyle.Render("…")
	}

	line := fmt.Sprintf("  %s %-6s %s", status, op.Kind, util.RelativeTime(op.StartedAt, now))
	if op.Pulled > 0 || op.Pushed > 0 {
		line += fmt.Sprintf("  ↓%d ↑%d", op.Pulled, op.Pushed)
	}
	if op.Error != "" {
		msg := ansi.Wordwrap(op.Error, max(width-6, 10), "")
		line += "\n" + FailedStyle.Render("      "+strings.ReplaceAll(msg, "\n", "\n      "))
	}
	return line
}

func statusMarker(r row) string {
	if !r.config.Enabled {
		return "○"
	}
	if len(r.ops) == 0 {
		return "·"
	}
	switch r.ops[0].Status {
	case core.StatusFailed:
		return FailedStyle.Render("✗")
	case core.StatusPending:
		return PendingStyle.Render("…")
	default:
		return CompletedStyle.Render("●")
	}
}

func providerLabel(t core.ProviderType) string {
	switch t {
	case core.ProviderGoogle:
		return "Google"
	case core.ProviderMicrosoft:
		return "Outlook"
	default:
		return string(t)
	}
}

func describeResult(res *core.SyncResult, err error) string {
	if err != nil {
		return fmt.Sprintf("failed (%s): %v", core.Classify(err), err)
	}
	if res == nil {
		return "no result"
	}
	s := fmt.Sprintf("pulled %d, pushed %d", res.Pulled, res.Pushed)
	if n := len(res.Errors); n > 0 {
		s += fmt.Sprintf(", %d errors", n)
	}
	return s
}
