// Package chat is the terminal view of one open conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pliu/expertly/internal/channel"
	"github.com/pliu/expertly/internal/conversation"
	"github.com/pliu/expertly/internal/models"
)

const endCommand = "/end"

// Conversation is what the model drives.
type Conversation interface {
	State() *conversation.State
	ChannelState() (channel.State, error)
	Send(content string) error
	End(ctx context.Context) error
	Discard()
}

type (
	stateChangedMsg   struct{}
	channelChangedMsg struct{}
	endedMsg          struct{ err error }
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	selfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	peerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	badgeStyles = map[channel.State]lipgloss.Style{
		channel.Connecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		channel.Connected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		channel.Disconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		channel.Closed:       lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		channel.Errored:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

type Model struct {
	conv     Conversation
	selfID   string
	title    string
	input    textinput.Model
	viewport viewport.Model
	changes  <-chan struct{}
	stop     func()
	channel  <-chan struct{}
	err      string
	ending   bool
}

// Notifier returns a coalescing signal and the channel option that feeds it.
func Notifier() (<-chan struct{}, channel.Option) {
	ch := make(chan struct{}, 1)
	return ch, channel.OnStateChange(func(channel.State, error) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
}

// New builds the model. channelChanges is optional; see Notifier.
func New(conv Conversation, selfID, title string, channelChanges <-chan struct{}) *Model {
	ti := textinput.New()
	ti.Placeholder = "Type a message, /end to close the session"
	ti.CharLimit = 2000
	ti.Width = 60
	ti.Focus()

	changes, stop := conv.State().Watch()
	return &Model{
		conv:     conv,
		selfID:   selfID,
		title:    title,
		input:    ti,
		viewport: viewport.New(80, 20),
		changes:  changes,
		stop:     stop,
		channel:  channelChanges,
	}
}

func (m *Model) Init() tea.Cmd {
	m.refresh()
	return tea.Batch(textinput.Blink, m.waitForState(), m.waitForChannel())
}

func (m *Model) waitForState() tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-m.changes; !ok {
			return nil
		}
		return stateChangedMsg{}
	}
}

func (m *Model) waitForChannel() tea.Cmd {
	if m.channel == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-m.channel; !ok {
			return nil
		}
		return channelChangedMsg{}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-5, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.refresh()
		return m, nil

	case stateChangedMsg:
		m.refresh()
		return m, m.waitForState()

	case channelChangedMsg:
		return m, m.waitForChannel()

	case endedMsg:
		m.ending = false
		if msg.err != nil {
			m.err = "Failed to close session on server: " + msg.err.Error()
			return m, nil
		}
		return m.quit()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m.quit()
		case tea.KeyEnter:
			return m.submit()
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	m.err = ""
	if text == "" {
		return m, nil
	}
	if text == endCommand {
		if m.ending {
			return m, nil
		}
		m.ending = true
		m.input.SetValue("")
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return endedMsg{err: m.conv.End(ctx)}
		}
	}

	if err := m.conv.Send(text); err != nil {
		m.err = describe(err)
		return m, nil
	}
	m.input.SetValue("")
	return m, nil
}

func (m *Model) quit() (tea.Model, tea.Cmd) {
	m.stop()
	m.conv.Discard()
	return m, tea.Quit
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.render(m.conv.State().Snapshot()))
	m.viewport.GotoBottom()
}

func (m *Model) render(s models.Session) string {
	if len(s.Messages) == 0 {
		return helpStyle.Render("No messages yet.")
	}
	var b strings.Builder
	for _, msg := range s.Messages {
		who, style := sender(s, msg.SenderID), peerStyle
		if msg.SenderID == m.selfID {
			who, style = "you", selfStyle
		}
		stamp := ""
		if !msg.CreatedAt.IsZero() {
			stamp = timeStyle.Render(msg.CreatedAt.Local().Format("15:04")) + " "
		}
		fmt.Fprintf(&b, "%s%s %s\n", stamp, style.Render(who+":"), msg.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func sender(s models.Session, id string) string {
	switch {
	case id == s.ExpertID && s.ExpertName != "":
		return s.ExpertName
	case id == s.ExpertID:
		return "expert"
	}
	return "client"
}

func (m *Model) badge() string {
	st, err := m.conv.ChannelState()
	label := st.String()
	if m.conv.State().Status() == models.StatusCompleted {
		label = "session completed"
	}
	out := badgeStyles[st].Render("● " + label)
	if err != nil {
		out += " " + errorStyle.Render(describe(err))
	}
	return out
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title) + "  " + m.badge() + "\n")
	b.WriteString(m.viewport.View() + "\n")
	if m.err != "" {
		b.WriteString(errorStyle.Render(m.err) + "\n")
	}
	if m.conv.State().Status() != models.StatusCompleted {
		b.WriteString(m.input.View() + "\n")
	}
	b.WriteString(helpStyle.Render("enter send • /end close session • esc leave"))
	return b.String()
}

func describe(err error) string {
	switch {
	case errors.Is(err, channel.ErrNotReady):
		return "Connection lost. Trying to reconnect..."
	case errors.Is(err, channel.ErrAuthDenied):
		return "Authentication failed"
	case errors.Is(err, channel.ErrForbidden):
		return "Not authorized to access this session"
	case errors.Is(err, channel.ErrAbnormalClosure):
		return "Connection lost. Reconnecting..."
	case errors.Is(err, channel.ErrConnectFailed):
		return "Connection error. Please check your internet connection."
	case errors.Is(err, channel.ErrRetriesExhausted):
		return "Connection lost. Giving up after repeated failures."
	}
	return err.Error()
}
