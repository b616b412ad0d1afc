package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rovshanmuradov/tradesync/internal/domain"
	"github.com/rovshanmuradov/tradesync/internal/gateway"
	"github.com/rovshanmuradov/tradesync/internal/logger"
	"github.com/rovshanmuradov/tradesync/internal/state"
	"github.com/rovshanmuradov/tradesync/internal/stream"
	"github.com/rovshanmuradov/tradesync/pkg/tradesync"
)

// Color palette
var (
	cyan    = lipgloss.Color("#00E5FF")
	magenta = lipgloss.Color("#FF1B6B")
	yellow  = lipgloss.Color("#FFB500")
	green   = lipgloss.Color("#2AFFAA")
	red     = lipgloss.Color("#FF5555")
	muted   = lipgloss.Color("#6C7280")
)

var (
	titleStyle   = lipgloss.NewStyle().Foreground(cyan).Bold(true)
	headerStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(cyan).Padding(0, 2).MarginBottom(1)
	paneStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(magenta).Padding(0, 1)
	goodStyle    = lipgloss.NewStyle().Foreground(green).Bold(true)
	badStyle     = lipgloss.NewStyle().Foreground(red).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	helpKeyStyle = lipgloss.NewStyle().Foreground(cyan)
)

type keyMap struct {
	Quit     key.Binding
	StartBot key.Binding
	StopBot  key.Binding
	Resync   key.Binding
	Logout   key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		StartBot: key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start bot")),
		StopBot:  key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "stop bot")),
		Resync:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "resync")),
		Logout:   key.NewBinding(key.WithKeys("L"), key.WithHelp("L", "logout")),
	}
}

func (k keyMap) bindings() []key.Binding {
	return []key.Binding{k.StartBot, k.StopBot, k.Resync, k.Logout, k.Quit}
}

type (
	snapshotMsg state.Snapshot
	statusMsg   stream.Status
	resultMsg   struct {
		what string
		err  error
	}
)

// appModel renders store snapshots; it never mutates state itself.
type appModel struct {
	client  *tradesync.Client
	logs    *logger.Buffer
	statusC <-chan stream.Status
	keys    keyMap
	spinner spinner.Model

	snap   state.Snapshot
	status stream.Status
	last   string
	width  int
	height int
}

func newAppModel(client *tradesync.Client, logs *logger.Buffer, statusC <-chan stream.Status) appModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(cyan)
	return appModel{
		client:  client,
		logs:    logs,
		statusC: statusC,
		keys:    defaultKeyMap(),
		spinner: sp,
		snap:    client.Snapshot(),
		status:  stream.Status{State: stream.StateConnecting},
	}
}

func (m appModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitSnapshot(), m.waitStatus())
}

func (m appModel) waitSnapshot() tea.Cmd {
	return func() tea.Msg {
		<-m.client.Updates()
		return snapshotMsg(m.client.Snapshot())
	}
}

func (m appModel) waitStatus() tea.Cmd {
	return func() tea.Msg {
		return statusMsg(<-m.statusC)
	}
}

func (m appModel) run(what string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return resultMsg{what: what, err: fn(ctx)}
	}
}

func (m appModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.StartBot):
			return m, m.run("start bot", func(ctx context.Context) error {
				_, err := m.client.Bot().Start(ctx, gateway.BotConfig{})
				return err
			})
		case key.Matches(msg, m.keys.StopBot):
			return m, m.run("stop bot", func(ctx context.Context) error {
				_, err := m.client.Bot().Stop(ctx)
				return err
			})
		case key.Matches(msg, m.keys.Resync):
			return m, m.run("resync", m.client.Resync)
		case key.Matches(msg, m.keys.Logout):
			return m, m.run("logout", m.client.Logout)
		}
		return m, nil

	case snapshotMsg:
		m.snap = state.Snapshot(msg)
		return m, m.waitSnapshot()

	case statusMsg:
		m.status = stream.Status(msg)
		return m, m.waitStatus()

	case resultMsg:
		if msg.err != nil {
			m.last = badStyle.Render(fmt.Sprintf("%s failed: %v", msg.what, msg.err))
		} else {
			m.last = goodStyle.Render(msg.what + " ok")
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m appModel) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(m.header()))
	b.WriteString("\n")

	panes := lipgloss.JoinHorizontal(lipgloss.Top,
		paneStyle.Render(m.positionsView()),
		paneStyle.Render(m.ordersView()),
	)
	b.WriteString(panes)
	b.WriteString("\n")
	b.WriteString(paneStyle.Render(m.notificationsView()))
	b.WriteString("\n")
	b.WriteString(paneStyle.Render(m.logsView()))
	b.WriteString("\n")
	if m.last != "" {
		b.WriteString(m.last + "\n")
	}
	b.WriteString(m.helpView())
	return b.String()
}

func (m appModel) header() string {
	var conn string
	switch m.status.State {
	case stream.StateConnected:
		conn = goodStyle.Render("● live")
	case stream.StateReconnecting:
		conn = warnStyle.Render(fmt.Sprintf("%s reconnecting (attempt %d, %s)", m.spinner.View(), m.status.Attempt, m.status.Delay))
	case stream.StateConnecting:
		conn = warnStyle.Render(m.spinner.View() + " connecting")
	default:
		conn = badStyle.Render("○ offline")
	}

	bot := string(m.snap.Bot)
	switch m.snap.Bot {
	case domain.BotRunning:
		bot = goodStyle.Render(bot)
	case domain.BotError:
		bot = badStyle.Render(bot + " " + m.snap.BotError)
	case domain.BotStarting, domain.BotStopping:
		bot = warnStyle.Render(m.spinner.View() + " " + bot)
	}

	return fmt.Sprintf("%s   %s   bot: %s   value: %s   cash: %s",
		titleStyle.Render("tradesync"), conn, bot,
		m.snap.Portfolio.TotalValue.StringFixed(2), m.snap.Portfolio.Cash.StringFixed(2))
}

func (m appModel) positionsView() string {
	lines := []string{titleStyle.Render("Positions")}
	positions := m.snap.PositionList()
	if len(positions) == 0 {
		return strings.Join(append(lines, mutedStyle.Render("no open positions")), "\n")
	}
	for _, p := range positions {
		pnl := p.UnrealizedPnL.StringFixed(2)
		if p.UnrealizedPnL.IsNegative() {
			pnl = badStyle.Render(pnl)
		} else {
			pnl = goodStyle.Render(pnl)
		}
		line := fmt.Sprintf("%-10s %-4s %10s @ %-10s %s", p.Symbol, p.Side, p.Quantity.String(), p.CurrentPrice.StringFixed(2), pnl)
		if p.Closing {
			line += warnStyle.Render(" closing")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m appModel) ordersView() string {
	lines := []string{titleStyle.Render("Orders")}
	orders := m.snap.OrderList()
	if len(orders) > 8 {
		orders = orders[:8]
	}
	if len(orders) == 0 {
		return strings.Join(append(lines, mutedStyle.Render("no orders")), "\n")
	}
	for _, o := range orders {
		st := string(o.State)
		switch o.State {
		case domain.OrderConfirmed:
			st = goodStyle.Render(st)
		case domain.OrderRejected:
			st = badStyle.Render(st)
		case domain.OrderPending:
			st = warnStyle.Render(st)
		}
		lines = append(lines, fmt.Sprintf("%-10s %-4s %-10s %s", o.Symbol, o.Side, o.Amount.String(), st))
	}
	return strings.Join(lines, "\n")
}

func (m appModel) notificationsView() string {
	lines := []string{titleStyle.Render("Notifications")}
	notes := m.snap.Notifications
	if len(notes) > 5 {
		notes = notes[len(notes)-5:]
	}
	for _, n := range notes {
		lines = append(lines, fmt.Sprintf("%s %s %s", mutedStyle.Render(n.Time.Format("15:04:05")), n.Title, mutedStyle.Render(n.Message)))
	}
	if m.snap.Model != nil {
		lines = append(lines, mutedStyle.Render("model retrained at "+m.snap.Model.ReceivedAt.Format("15:04:05")))
	}
	return strings.Join(lines, "\n")
}

func (m appModel) logsView() string {
	lines := []string{titleStyle.Render("Logs")}
	for _, e := range m.logs.Recent(6) {
		level := e.Level
		switch e.Level {
		case "ERROR", "DPANIC", "PANIC", "FATAL":
			level = badStyle.Render(level)
		case "WARN":
			level = warnStyle.Render(level)
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", mutedStyle.Render(e.Timestamp.Format("15:04:05")), level, e.Message))
	}
	return strings.Join(lines, "\n")
}

func (m appModel) helpView() string {
	parts := make([]string, 0, len(m.keys.bindings()))
	for _, b := range m.keys.bindings() {
		h := b.Help()
		parts = append(parts, helpKeyStyle.Render(h.Key)+" "+mutedStyle.Render(h.Desc))
	}
	return strings.Join(parts, "  ")
}
