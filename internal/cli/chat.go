package cli

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/pliu/expertly/internal/channel"
	"github.com/pliu/expertly/internal/conversation"
	"github.com/pliu/expertly/internal/models"
	"github.com/pliu/expertly/internal/tui/chat"
)

var chatCmd = &cobra.Command{
	Use:   "chat <session-id>",
	Short: "Open the live chat for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app, p *models.Principal) error {
			return runChat(ctx, a, p, args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

// openView loads the session and connects its channel. extra is appended to
// the channel options.
func openView(ctx context.Context, a *app, id string, l *slog.Logger, extra ...channel.Option) (*conversation.View, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Jar:              a.client.Jar(),
	}
	opts := append([]channel.Option{
		channel.WithDialer(dialer),
		channel.WithRetryDelay(a.cfg.RetryDelay),
		channel.WithMaxRetries(a.cfg.MaxRetries),
	}, extra...)

	view := conversation.NewView(id, a.client, a.auth, a.nav,
		conversation.WithViewLogger(l),
		conversation.WithChannelOptions(opts...),
	)
	if err := view.Load(ctx); err != nil {
		view.Discard()
		return nil, err
	}
	return view, nil
}

func runChat(ctx context.Context, a *app, p *models.Principal, id string) error {
	// stderr belongs to the terminal UI while it runs
	l := a.logger
	if logFile == "" {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	changes, notify := chat.Notifier()
	view, err := openView(ctx, a, id, l, notify)
	if err != nil {
		return err
	}
	defer view.Discard()

	title := "Session " + id
	if name := view.State().Snapshot().ExpertName; name != "" {
		title += " with " + name
	}
	program := tea.NewProgram(chat.New(view, p.ID, title, changes), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = program.Run()
	return err
}
