package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lnmt-project/lnmt/internal/auth"
	"github.com/lnmt-project/lnmt/internal/daemon"
	"github.com/lnmt-project/lnmt/internal/domain"
	"github.com/lnmt-project/lnmt/internal/infra/sqlite"
)

// ExecuteAuthctl runs the authctl command tree.
func ExecuteAuthctl() {
	root := &cobra.Command{
		Use:   "authctl",
		Short: "Manage LNMT operator authentication",
	}
	addFormatFlag(root)
	root.AddCommand(authLoginCmd(), authLogoutCmd(), authWhoamiCmd(), authUserAddCmd())
	execute(root)
}

// readPassword prompts without echo when stdin is a terminal, else reads a
// line (so scripts can pipe the password in).
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		defer fmt.Fprintln(os.Stderr)
		b, err := term.ReadPassword(fd)
		return string(b), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func authLoginCmd() *cobra.Command {
	var remember bool
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Authenticate and save a session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword("Password: ")
			if err != nil {
				return err
			}
			var resp struct {
				Token     string `json:"token"`
				ExpiresIn int64  `json:"expires_in"`
			}
			body := map[string]any{
				"username":    args[0],
				"password":    password,
				"remember_me": remember,
			}
			if err := newClient().post("/api/v1/auth/login", body, &resp); err != nil {
				return err
			}
			if err := saveToken(resp.Token); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			fmt.Printf("logged in as %s (token expires in %ds)\n", args[0], resp.ExpiresIn)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remember, "remember", false, "request a long-lived session")
	return cmd
}

func authLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the saved session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().post("/api/v1/auth/logout", nil, nil); err != nil {
				return err
			}
			clearToken()
			fmt.Println("logged out")
			return nil
		},
	}
}

func authWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Check that the saved token is valid",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Any authenticated read works as a token check; the scheduler
			// status endpoint is the cheapest.
			c := newClient()
			if c.token == "" {
				return fmt.Errorf("no saved token; run authctl login first")
			}
			var st struct {
				Running bool `json:"running"`
			}
			if err := c.get("/api/v1/scheduler/status", &st); err != nil {
				return err
			}
			fmt.Println("token is valid")
			return nil
		},
	}
}

// authUserAddCmd creates a user directly in the local store. This is the
// bootstrap path for the first admin account, before any token exists; it
// needs filesystem access to the daemon's data directory.
func authUserAddCmd() *cobra.Command {
	var role, email string
	cmd := &cobra.Command{
		Use:   "useradd <username>",
		Short: "Create an operator account in the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := domain.Role(strings.ToLower(role))
			switch r {
			case domain.RoleAdmin, domain.RoleOperator, domain.RoleViewer:
			default:
				return usageErrf("unknown role %q (admin, operator, or viewer)", role)
			}

			password, err := readPassword("Password: ")
			if err != nil {
				return err
			}
			if len(password) < 8 {
				return fmt.Errorf("password must be at least 8 characters")
			}

			cfg, err := daemon.LoadConfig()
			if err != nil {
				return err
			}
			db, err := sqlite.Open(cfg.Store.SqliteDir)
			if err != nil {
				return err
			}
			defer db.Close()

			engine := auth.NewEngine(db, db, auth.DefaultConfig())
			u, err := engine.CreateUser(cmd.Context(), args[0], password, email, r)
			if err != nil {
				return err
			}
			fmt.Printf("created %s user %s\n", u.Role, u.Username)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "viewer", "admin, operator, or viewer")
	cmd.Flags().StringVar(&email, "email", "", "contact email")
	return cmd
}
