package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/chatq/internal/api"
	"github.com/matheus3301/chatq/internal/lock"
	"github.com/matheus3301/chatq/internal/profile"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection state and queue depth",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.GetConnectionStatus(ctx)
			if err != nil {
				return err
			}
			if jsonOut {
				outputJSON(st)
				return nil
			}
			fmt.Printf("State:     %v\n", st["state"])
			if u, _ := st["user_id"].(string); u != "" {
				fmt.Printf("User:      %s\n", u)
			}
			fmt.Printf("Pending:   %v\n", st["pending"])
			fmt.Printf("In flight: %v\n", st["in_flight"])
			fmt.Printf("Failed:    %v\n", st["failed"])
			if e, _ := st["last_error"].(string); e != "" {
				fmt.Printf("Error:     %s\n", e)
			}
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>",
	Short: "Queue a message for a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		id, _ := cmd.Flags().GetString("id")
		raw, _ := cmd.Flags().GetString("payload")

		payload := map[string]any{"content": args[1]}
		if raw != "" {
			payload = map[string]any{}
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return fmt.Errorf("--payload: %w", err)
			}
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			opID, err := c.Enqueue(ctx, kind, args[0], id, payload)
			if err != nil {
				return err
			}
			if jsonOut {
				outputJSON(map[string]string{"operation_id": opID})
				return nil
			}
			fmt.Println(opID)
			return nil
		})
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Log in against a development server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.Login(ctx, args[0])
			if err != nil {
				return err
			}
			return printSession(st)
		})
	},
}

var setSessionCmd = &cobra.Command{
	Use:   "set-session <access-token> [refresh-token]",
	Short: "Install a session obtained elsewhere",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh := ""
		if len(args) == 2 {
			refresh = args[1]
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.SetSession(ctx, args[0], refresh)
			if err != nil {
				return err
			}
			return printSession(st)
		})
	},
}

func printSession(st map[string]any) error {
	if jsonOut {
		outputJSON(st)
		return nil
	}
	fmt.Printf("Logged in as %v, state %v\n", st["user_id"], st["state"])
	return nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Drop the session and disconnect",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			if err := c.Logout(ctx); err != nil {
				return err
			}
			fmt.Println("Logged out.")
			return nil
		})
	},
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Force a reconnect now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.Reconnect(ctx)
		})
	},
}

var opsCmd = &cobra.Command{
	Use:   "ops [chat-id]",
	Short: "List queued operations",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := ""
		if len(args) == 1 {
			chatID = args[0]
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			ops, err := c.ListOperations(ctx, chatID)
			if err != nil {
				return err
			}
			if jsonOut {
				outputJSON(ops)
				return nil
			}
			if len(ops) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for _, o := range ops {
				op, _ := o.(map[string]any)
				fmt.Printf("%-38v %-12v %-20v %-10v attempts=%v %v\n",
					op["operation_id"], op["chat_id"], op["kind"], op["status"], op["attempts"], op["last_error"])
			}
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <operation-id>",
	Short: "Cancel a queued operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			op, err := c.CancelOperation(ctx, args[0])
			if err != nil {
				return err
			}
			return printOp("Cancelled", op)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <operation-id>",
	Short: "Requeue a failed operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			op, err := c.RetryOperation(ctx, args[0])
			if err != nil {
				return err
			}
			return printOp("Requeued", op)
		})
	},
}

func printOp(verb string, op map[string]any) error {
	if jsonOut {
		outputJSON(op)
		return nil
	}
	fmt.Printf("%s %v (%v)\n", verb, op["operation_id"], op["status"])
	return nil
}

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Show local messages of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withClient(func(ctx context.Context, c *api.Client) error {
			msgs, err := c.ListMessages(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if jsonOut {
				outputJSON(msgs)
				return nil
			}
			for _, m := range msgs {
				msg, _ := m.(map[string]any)
				fmt.Printf("%v [%v] %v\n", msg["created_at"], msg["status"], msg["body"])
			}
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [prefix]",
	Short: "Stream daemon events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		c, conn, err := connect()
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		stream, err := c.WatchEvents(ctx, prefix)
		if err != nil {
			return err
		}
		for {
			evt, err := stream.Recv()
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			m := evt.AsMap()
			if jsonOut {
				outputJSON(m)
				continue
			}
			ms, _ := m["occurred_at_unix_ms"].(float64)
			payload, _ := json.Marshal(m["payload"])
			fmt.Printf("%s %-28v %s\n", time.UnixMilli(int64(ms)).Format(time.TimeOnly), m["kind"], payload)
		}
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List known profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := profile.List()
		if err != nil {
			return err
		}
		type entry struct {
			Name    string `json:"name"`
			Path    string `json:"path"`
			Running bool   `json:"daemon_running"`
			PID     int    `json:"pid,omitempty"`
		}
		entries := make([]entry, 0, len(names))
		for _, n := range names {
			pid, held := lock.Holder(profile.Dir(n))
			entries = append(entries, entry{Name: n, Path: profile.Dir(n), Running: held, PID: pid})
		}
		if jsonOut {
			outputJSON(entries)
			return nil
		}
		if len(entries) == 0 {
			fmt.Println("No profiles found.")
			return nil
		}
		for _, e := range entries {
			running := "stopped"
			if e.Running {
				running = fmt.Sprintf("running, pid %d", e.PID)
			}
			fmt.Printf("%-20s %s (%s)\n", e.Name, e.Path, running)
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().String("kind", "send_message", "operation kind")
	sendCmd.Flags().String("id", "", "operation id (generated when empty)")
	sendCmd.Flags().String("payload", "", "raw JSON payload, replacing the text argument")
	messagesCmd.Flags().IntP("limit", "l", 50, "number of messages")
}
