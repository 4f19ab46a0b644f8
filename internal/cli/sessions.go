package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/pliu/expertly/internal/api"
	"github.com/pliu/expertly/internal/conversation"
	"github.com/pliu/expertly/internal/models"
)

var (
	showCompleted bool
	newExpert     string
	newMessage    string
	newChat       bool
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

var expertsCmd = &cobra.Command{
	Use:   "experts",
	Short: "List the available experts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app, _ *models.Principal) error {
			return runExperts(ctx, a, os.Stdout)
		})
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List your active (or completed) sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app, _ *models.Principal) error {
			return runSessions(ctx, a, os.Stdout, showCompleted)
		})
	},
}

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Open a new session with an expert",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app, p *models.Principal) error {
			sess, err := runNew(ctx, a, os.Stdout, newExpert, newMessage)
			if err != nil || !newChat {
				return err
			}
			return runChat(ctx, a, p, sess.ID)
		})
	},
}

var endCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "Close a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app, _ *models.Principal) error {
			return runEnd(ctx, a, os.Stdout, args[0])
		})
	},
}

func init() {
	sessionsCmd.Flags().BoolVar(&showCompleted, "completed", false, "List completed sessions instead of active ones")
	newCmd.Flags().StringVar(&newExpert, "expert", "", "Expert ID (default: first available expert)")
	newCmd.Flags().StringVarP(&newMessage, "message", "m", "", "Opening message")
	newCmd.Flags().BoolVar(&newChat, "chat", false, "Open the chat once the session is created")
	rootCmd.AddCommand(expertsCmd, sessionsCmd, newCmd, endCmd)
}

func runExperts(ctx context.Context, a *app, w io.Writer) error {
	var experts []models.Expert
	err := a.auth.Perform(ctx, func(ctx context.Context) error {
		var err error
		experts, err = a.client.ListExperts(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(w, experts)
	}
	if len(experts) == 0 {
		fmt.Fprintln(w, "No experts available.")
		return nil
	}
	t := newTable("ID", "NAME")
	for _, e := range experts {
		t.Row(e.ID, e.Name)
	}
	_, err = fmt.Fprintln(w, t.Render())
	return err
}

func runSessions(ctx context.Context, a *app, w io.Writer, completed bool) error {
	list := a.client.ActiveSessions
	if completed {
		list = a.client.CompletedSessions
	}
	var sessions []models.Session
	err := a.auth.Perform(ctx, func(ctx context.Context) error {
		var err error
		sessions, err = list(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(w, sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return nil
	}
	t := newTable("ID", "EXPERT", "STATUS", "CREATED")
	for _, s := range sessions {
		t.Row(s.ID, expertLabel(s), string(s.Status), s.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	_, err = fmt.Fprintln(w, t.Render())
	return err
}

func runNew(ctx context.Context, a *app, w io.Writer, expertID, message string) (*models.Session, error) {
	var sess *models.Session
	err := a.auth.Perform(ctx, func(ctx context.Context) error {
		var err error
		sess, err = a.client.CreateSession(ctx, api.CreateSessionRequest{ExpertID: expertID, InitialMessage: message})
		return err
	})
	if err != nil {
		return nil, err
	}
	if jsonOutput {
		return sess, writeJSON(w, sess)
	}
	fmt.Fprintf(w, "Opened session %s with %s\n", sess.ID, expertLabel(*sess))
	return sess, nil
}

func runEnd(ctx context.Context, a *app, w io.Writer, id string) error {
	view := conversation.NewView(id, a.client, a.auth, a.nav, conversation.WithViewLogger(a.logger))
	defer view.Discard()
	if err := view.End(ctx); err != nil {
		return err
	}
	fmt.Fprintf(w, "Closed session %s\n", id)
	return nil
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func expertLabel(s models.Session) string {
	switch {
	case s.ExpertName != "":
		return s.ExpertName
	case s.ExpertID != "":
		return s.ExpertID
	}
	return "unassigned"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
