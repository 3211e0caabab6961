package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/botfleet/internal/auth"
	"github.com/cory-johannsen/botfleet/internal/broadcast"
	"github.com/cory-johannsen/botfleet/internal/control"
)

func newStartCmd(a *app) *cobra.Command {
	var (
		host    string
		port    int
		version string
	)
	cmd := &cobra.Command{
		Use:   "start [identity]",
		Short: "Start a bot session",
		Long:  "Start a bot session for identity. Omitted values take the server's configured defaults.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var identity string
			if len(args) == 1 {
				identity = args[0]
			}
			c, err := a.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := a.callCtx(cmd)
			defer cancel()
			view, err := c.StartSession(ctx, identity, host, port, version)
			if err != nil {
				return fmt.Errorf("start: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "started %s (%s:%d) id=%s\n", view.Identity, view.Host, view.Port, view.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "game server host")
	cmd.Flags().IntVar(&port, "port", 0, "game server port")
	cmd.Flags().StringVar(&version, "version", "", "protocol version hint")
	return cmd
}

func newStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <identity>",
		Short: "Stop a bot session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := a.callCtx(cmd)
			defer cancel()
			if err := c.StopSession(ctx, args[0]); err != nil {
				return fmt.Errorf("stop: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", args[0])
			return err
		},
	}
}

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <identity> <message...>",
		Short: "Send a chat message as a bot",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := a.callCtx(cmd)
			defer cancel()
			if err := c.SendChat(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
				return fmt.Errorf("chat: %w", err)
			}
			return nil
		},
	}
}

func newAccountsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List known bot accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := a.callCtx(cmd)
			defer cancel()
			names, err := c.ListAccounts(ctx)
			if err != nil {
				return fmt.Errorf("accounts: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), names)
			}
			for _, name := range names {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), name); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "write JSON output")
	return cmd
}

func newSessionsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List tracked bot sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := a.callCtx(cmd)
			defer cancel()
			views, err := c.ListSessions(ctx)
			if err != nil {
				return fmt.Errorf("sessions: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), views)
			}
			out := cmd.OutOrStdout()
			for _, v := range views {
				if _, err := fmt.Fprintf(out, "%s\t%s\t%s:%d\t%s\n", v.Identity, v.State, v.Host, v.Port, v.CreatedAt.Format(time.RFC3339)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "write JSON output")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream fleet events until interrupted",
		Long:  "Stream the running set, buffered chat history, the account list and then live fleet events.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			return c.Watch(cmd.Context(), func(evt control.EventView) error {
				if asJSON {
					return writeJSON(out, evt)
				}
				_, err := fmt.Fprintln(out, formatEvent(evt))
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "write one JSON object per event")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for control.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "" {
				return errors.New("password must not be empty")
			}
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

// formatEvent renders an event as a single human-readable line.
func formatEvent(evt control.EventView) string {
	switch broadcast.Kind(evt.Type) {
	case broadcast.KindLog:
		var line string
		if err := json.Unmarshal(evt.Data, &line); err == nil {
			return line
		}
	case broadcast.KindChat:
		var rec broadcast.ChatRecord
		if err := json.Unmarshal(evt.Data, &rec); err == nil {
			return fmt.Sprintf("[%s] <%s> %s", rec.Session, rec.Sender, rec.Text)
		}
	case broadcast.KindLoginRequired:
		var p broadcast.LoginPrompt
		if err := json.Unmarshal(evt.Data, &p); err == nil {
			return fmt.Sprintf("[%s] login required: visit %s and enter code %s", p.Identity, p.URL, p.Code)
		}
	case broadcast.KindRunning, broadcast.KindAccounts:
		var names []string
		if err := json.Unmarshal(evt.Data, &names); err == nil {
			return fmt.Sprintf("%s: %s", evt.Type, strings.Join(names, ", "))
		}
	}
	return fmt.Sprintf("%s: %s", evt.Type, string(evt.Data))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
