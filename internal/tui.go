package internal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// The operator console: a local surface for watching the agent work and
// injecting test messages. The web admin console is a separate system; this
// is the in-terminal equivalent of tailing the agent.

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(0, 1)
	sidebarStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	mainStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Padding(0, 1)
	inboundStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	outboundStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	senderStyle   = lipgloss.NewStyle().Bold(true)
	emptyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// outboundMsg carries a transport send into the console.
type outboundMsg struct {
	ThreadID ThreadID
	Sender   string
	Text     string
}

// pendingCountMsg refreshes the queue depth shown in the status bar.
type pendingCountMsg int

type panel int

const (
	panelSidebar panel = iota
	panelMain
	panelInput
)

type threadItem struct {
	id ThreadID
}

func (t threadItem) Title() string       { return string(t.id) }
func (t threadItem) Description() string { return "thread" }
func (t threadItem) FilterValue() string { return string(t.id) }

// ConsoleTransport is a Transport that delivers outbound messages to the
// operator console instead of a physical channel.
type ConsoleTransport struct {
	mu      sync.Mutex
	program *tea.Program
	sender  string
}

// NewConsoleTransport creates a console transport labelling sends as sender.
func NewConsoleTransport(sender string) *ConsoleTransport {
	return &ConsoleTransport{sender: sender}
}

// SetProgram attaches the running bubbletea program. Sends before this is
// called succeed silently.
func (t *ConsoleTransport) SetProgram(p *tea.Program) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.program = p
}

func (t *ConsoleTransport) send(threadID ThreadID, text string) {
	t.mu.Lock()
	p := t.program
	t.mu.Unlock()
	if p != nil {
		p.Send(outboundMsg{ThreadID: threadID, Sender: t.sender, Text: text})
	}
}

func (t *ConsoleTransport) SendMessage(_ context.Context, threadID ThreadID, text string, _ bool) error {
	t.send(threadID, text)
	return nil
}

func (t *ConsoleTransport) SendMultiBubble(_ context.Context, threadID ThreadID, bubbles []string, _ bool) error {
	for _, b := range bubbles {
		t.send(threadID, b)
	}
	return nil
}

// Console is the bubbletea model for the operator console.
type Console struct {
	width, height int

	db     *DB
	router *Router
	cfg    *Config

	threads    []ThreadID
	threadList list.Model
	lines      map[ThreadID][]string
	viewports  map[ThreadID]viewport.Model
	input      textarea.Model
	focus      panel
	pending    int
}

// NewConsole builds the console model. Threads already present in the
// message log show up in the sidebar alongside the local test thread.
func NewConsole(db *DB, router *Router, cfg *Config) *Console {
	threads := []ThreadID{"console@local"}
	if known, err := db.Threads(); err == nil {
		for _, id := range known {
			if id != threads[0] {
				threads = append(threads, id)
			}
		}
	}

	items := make([]list.Item, len(threads))
	for i, id := range threads {
		items[i] = threadItem{id: id}
	}
	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Threads"
	l.SetShowHelp(false)

	ta := textarea.New()
	ta.Placeholder = "Type a message... (Enter to send, Ctrl+C to quit)"
	ta.Focus()
	ta.CharLimit = 2000
	ta.SetWidth(60)
	ta.SetHeight(3)
	ta.ShowLineNumbers = false

	return &Console{
		db:         db,
		router:     router,
		cfg:        cfg,
		threads:    threads,
		threadList: l,
		lines:      make(map[ThreadID][]string),
		viewports:  make(map[ThreadID]viewport.Model),
		input:      ta,
		focus:      panelInput,
	}
}

func (c *Console) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, c.refreshPending())
}

func (c *Console) refreshPending() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg {
		n, err := c.db.CountScheduled(StatusPending)
		if err != nil {
			return pendingCountMsg(-1)
		}
		return pendingCountMsg(n)
	})
}

func (c *Console) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		c.width = msg.Width
		c.height = msg.Height
		c.recalcLayout()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return c, tea.Quit
		case "tab":
			c.focus = (c.focus + 1) % 3
			if c.focus == panelInput {
				c.input.Focus()
			} else {
				c.input.Blur()
			}
		case "enter":
			if c.focus == panelInput {
				c.submitInput()
			}
		}

	case outboundMsg:
		c.ensureThread(msg.ThreadID)
		c.appendLine(msg.ThreadID, outboundStyle, msg.Sender, msg.Text)

	case pendingCountMsg:
		if msg >= 0 {
			c.pending = int(msg)
		}
		return c, c.refreshPending()
	}

	var cmds []tea.Cmd
	switch c.focus {
	case panelSidebar:
		m, cmd := c.threadList.Update(msg)
		c.threadList = m
		cmds = append(cmds, cmd)
	case panelInput:
		m, cmd := c.input.Update(msg)
		c.input = m
		cmds = append(cmds, cmd)
	}

	return c, tea.Batch(cmds...)
}

func (c *Console) View() string {
	if c.width == 0 {
		return "Loading..."
	}

	sidebarW := 25
	mainW := c.width - sidebarW - 4

	c.threadList.SetWidth(sidebarW - 2)
	c.threadList.SetHeight(c.height - 4)
	sidebar := sidebarStyle.Width(sidebarW).Height(c.height - 2).Render(c.threadList.View())

	threadID := c.currentThread()
	header := headerStyle.Render(fmt.Sprintf("%s  ›  %s", c.cfg.App.Name, threadID))

	vpH := c.height - 10
	vp := c.getViewport(threadID, mainW-2, vpH)
	main := mainStyle.Width(mainW).Height(vpH + 2).Render(vp.View())

	c.input.SetWidth(mainW - 2)
	input := mainStyle.Width(mainW).Render(c.input.View())

	status := statusStyle.Render(fmt.Sprintf("pending: %d  ·  Tab: switch  Enter: send  Ctrl+C: quit", c.pending))

	right := lipgloss.JoinVertical(lipgloss.Left, header, main, input, status)
	return lipgloss.JoinHorizontal(lipgloss.Top, sidebar, right)
}

// Run starts the console program and attaches it to the transport so
// outbound sends show up live.
func (c *Console) Run(ctx context.Context, transport *ConsoleTransport) error {
	p := tea.NewProgram(c, tea.WithAltScreen(), tea.WithContext(ctx))
	if transport != nil {
		transport.SetProgram(p)
	}
	_, err := p.Run()
	return err
}

func (c *Console) submitInput() {
	text := strings.TrimSpace(c.input.Value())
	if text == "" {
		return
	}
	threadID := c.currentThread()
	c.input.Reset()
	c.appendLine(threadID, inboundStyle, "operator", text)

	msg := &InboundMessage{
		Sender:   "operator",
		Content:  text,
		ThreadID: threadID,
	}
	go c.router.HandleInbound(context.Background(), msg)
}

func (c *Console) currentThread() ThreadID {
	if i := c.threadList.Index(); i >= 0 && i < len(c.threads) {
		return c.threads[i]
	}
	return "console@local"
}

func (c *Console) ensureThread(id ThreadID) {
	for _, t := range c.threads {
		if t == id {
			return
		}
	}
	c.threads = append(c.threads, id)
	c.threadList.InsertItem(len(c.threads), threadItem{id: id})
}

func (c *Console) appendLine(threadID ThreadID, style lipgloss.Style, sender, text string) {
	ts := time.Now().Format("15:04")
	line := style.Render(fmt.Sprintf("[%s] %s: %s", ts, senderStyle.Render(sender), text))
	c.lines[threadID] = append(c.lines[threadID], line)
	if vp, ok := c.viewports[threadID]; ok {
		vp.SetContent(strings.Join(c.lines[threadID], "\n"))
		vp.GotoBottom()
		c.viewports[threadID] = vp
	}
}

func (c *Console) getViewport(threadID ThreadID, w, h int) viewport.Model {
	vp, ok := c.viewports[threadID]
	if !ok {
		vp = viewport.New(w, h)
		vp.SetContent(c.renderLines(threadID))
		vp.GotoBottom()
	} else {
		vp.Width = w
		vp.Height = h
	}
	c.viewports[threadID] = vp
	return vp
}

func (c *Console) renderLines(threadID ThreadID) string {
	lines := c.lines[threadID]
	if len(lines) == 0 {
		return emptyStyle.Render("No activity yet. Type something below!")
	}
	return strings.Join(lines, "\n")
}

func (c *Console) recalcLayout() {
	sidebarW := 25
	mainW := c.width - sidebarW - 4
	vpH := c.height - 10
	for id, vp := range c.viewports {
		vp.Width = mainW - 2
		vp.Height = vpH
		c.viewports[id] = vp
	}
}
