package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pliu/expertly/internal/api"
	"github.com/pliu/expertly/internal/models"
	"github.com/pliu/expertly/internal/navigation"
)

var (
	signupName string
	signupRole string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Check that the credentials can sign in",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app, p *models.Principal) error {
			return printPrincipal(os.Stdout, "Signed in as", p)
		})
	},
}

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account and sign in",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(true, func(ctx context.Context, a *app, _ *models.Principal) error {
			e, p := resolveCredentials(email, password)
			if e == "" || p == "" {
				return errNoCredentials
			}
			return runSignup(ctx, a, os.Stdout, api.SignupRequest{
				Email:    e,
				Password: p,
				Name:     signupName,
				Role:     signupRole,
			})
		})
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account as the backend sees it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app, _ *models.Principal) error {
			return runWhoami(ctx, a, os.Stdout)
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign in, then revoke the session on the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app, _ *models.Principal) error {
			return runLogout(ctx, a, os.Stdout)
		})
	},
}

func init() {
	signupCmd.Flags().StringVar(&signupName, "name", "", "Display name")
	signupCmd.Flags().StringVar(&signupRole, "role", "user", "Account role: user or expert")
	rootCmd.AddCommand(loginCmd, signupCmd, whoamiCmd, logoutCmd)
}

func runSignup(ctx context.Context, a *app, w io.Writer, req api.SignupRequest) error {
	if _, err := a.client.Signup(ctx, req); err != nil {
		return err
	}
	a.nav.Navigate(navigation.PathAuthSuccess, "")
	p, err := a.auth.CompleteLogin(ctx)
	if err != nil {
		return err
	}
	return printPrincipal(w, "Signed up as", p)
}

func runWhoami(ctx context.Context, a *app, w io.Writer) error {
	p, err := a.auth.EnsureAuthenticated(ctx, true)
	if err != nil {
		return err
	}
	return printPrincipal(w, "Signed in as", p)
}

func runLogout(ctx context.Context, a *app, w io.Writer) error {
	if err := a.auth.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(w, "Signed out")
	return nil
}

func printPrincipal(w io.Writer, prefix string, p *models.Principal) error {
	if jsonOutput {
		return writeJSON(w, p)
	}
	role := p.Role
	if role == "" {
		role = "user"
	}
	_, err := fmt.Fprintf(w, "%s %s (%s)\n", prefix, p.Label(), role)
	return err
}
