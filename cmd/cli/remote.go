package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aryan0dhankhar/tenantguard/internal/domain"
	"github.com/aryan0dhankhar/tenantguard/internal/httpx"
	"github.com/aryan0dhankhar/tenantguard/internal/security/middleware"
	"github.com/aryan0dhankhar/tenantguard/internal/service"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Register, log in and manage the saved session",
}

var registerFlags struct {
	username, email, password, invitation string
}

var authRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a user in --tenant",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		body := map[string]any{
			"tenantId": tenantID,
			"username": registerFlags.username,
			"email":    registerFlags.email,
			"password": registerFlags.password,
		}
		if registerFlags.invitation != "" {
			body["invitation"] = registerFlags.invitation
		}
		var user domain.UserSummary
		if err := newClient().do(cmd.Context(), http.MethodPost, "/auth/register", body, &user); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ registered %s/%s roles=%v\n", user.TenantID, user.Username, user.Roles)
		return nil
	},
}

var loginFlags struct {
	identifier, password string
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and save the access token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var res service.LoginResult
		err := newClient().do(cmd.Context(), http.MethodPost, "/auth/login", service.LoginInput{
			TenantID:   tenantID,
			Identifier: loginFlags.identifier,
			Password:   loginFlags.password,
		}, &res)
		if err != nil {
			return err
		}
		if err := saveSession(session{Token: res.Token, TenantID: res.User.TenantID}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ logged in as %s/%s until %s\n",
			res.User.TenantID, res.User.Username, res.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the saved token and forget it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := newClient()
		if c.session.Token != "" {
			if err := c.do(cmd.Context(), http.MethodPost, "/auth/logout", nil, nil); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "server logout failed: %v\n", err)
			}
		}
		if err := os.Remove(sessionFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ logged out")
		return nil
	},
}

var authWhoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the user behind the saved token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var user domain.UserSummary
		if err := newClient().do(cmd.Context(), http.MethodGet, "/auth/me", nil, &user); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s/%s (%s) roles=%v\n", user.TenantID, user.Username, user.UserID, user.Roles)
		return nil
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users of the session's tenant (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var users []domain.UserSummary
		if err := newClient().do(cmd.Context(), http.MethodGet, "/users", nil, &users); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSERNAME\tEMAIL\tACTIVE\tROLES")
		for _, u := range users {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", u.UserID, u.Username, u.Email, u.IsActive, strings.Join(u.Roles, ","))
		}
		return w.Flush()
	},
}

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "List roles of the session's tenant (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var roles []domain.Role
		if err := newClient().do(cmd.Context(), http.MethodGet, "/roles", nil, &roles); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCREATED")
		for _, r := range roles {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Name, r.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var inviteRoles []string

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Create a single-use registration invitation (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var inv service.Invitation
		body := map[string]any{"roles": inviteRoles}
		if err := newClient().do(cmd.Context(), http.MethodPost, "/invitations", body, &inv); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "invitation for %s (roles=%v, expires %s):\n%s\n",
			inv.TenantID, inv.Roles, inv.ExpiresAt.Format(time.RFC3339), inv.Token)
		return nil
	},
}

func init() {
	f := authRegisterCmd.Flags()
	f.StringVar(&registerFlags.username, "username", "", "username")
	f.StringVar(&registerFlags.email, "email", "", "email (optional)")
	f.StringVar(&registerFlags.password, "password", "", "password")
	f.StringVar(&registerFlags.invitation, "invitation", "", "invitation token")
	_ = authRegisterCmd.MarkFlagRequired("username")
	_ = authRegisterCmd.MarkFlagRequired("password")

	f = authLoginCmd.Flags()
	f.StringVar(&loginFlags.identifier, "user", "", "username or email")
	f.StringVar(&loginFlags.password, "password", "", "password")
	_ = authLoginCmd.MarkFlagRequired("user")
	_ = authLoginCmd.MarkFlagRequired("password")

	inviteCmd.Flags().StringSliceVar(&inviteRoles, "role", nil, "role granted on registration (repeatable)")

	authCmd.AddCommand(authRegisterCmd, authLoginCmd, authLogoutCmd, authWhoamiCmd)
}

// session is what login leaves on disk.
type session struct {
	Token    string `json:"token"`
	TenantID string `json:"tenantId"`
}

func sessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "tenantguard", "session.json")
}

func saveSession(s session) error {
	path := sessionFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func loadSession() session {
	var s session
	data, err := os.ReadFile(sessionFile())
	if err != nil {
		return s
	}
	_ = json.Unmarshal(data, &s)
	return s
}

type client struct {
	base    string
	session session
	http    *http.Client
}

func newClient() *client {
	return &client{
		base:    strings.TrimRight(apiURL, "/"),
		session: loadSession(),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and decodes a 2xx response into out. Error bodies
// come back as "code: message".
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	u, err := url.JoinPath(c.base, path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.session.Token)
	}
	if t := orString(tenantID, c.session.TenantID); t != "" {
		req.Header.Set(middleware.TenantHeader, t)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb httpx.ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error.Code == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		msg := eb.Error.Code + ": " + eb.Error.Message
		for field, detail := range eb.Error.Details {
			msg += fmt.Sprintf("\n  %s %s", field, detail)
		}
		return errors.New(msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func orString(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
