package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chatq/internal/api"
	"github.com/matheus3301/chatq/internal/config"
	"github.com/matheus3301/chatq/internal/profile"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var (
	profileFlag string
	jsonOut     bool
	timeout     = 10 * time.Second
)

var rootCmd = &cobra.Command{
	Use:           "chatqctl",
	Short:         "Control a running chatqd daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", timeout, "request timeout")

	rootCmd.AddCommand(
		statusCmd,
		sendCmd,
		loginCmd,
		setSessionCmd,
		logoutCmd,
		reconnectCmd,
		opsCmd,
		cancelCmd,
		retryCmd,
		messagesCmd,
		watchCmd,
		profilesCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// activeProfile resolves --profile against the config file default.
func activeProfile() (string, error) {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return "", err
	}
	name := profile.Resolve(profileFlag, cfg)
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// connect dials the daemon of the active profile.
func connect() (*api.Client, *grpc.ClientConn, error) {
	name, err := activeProfile()
	if err != nil {
		return nil, nil, err
	}
	c, conn, err := api.DialSocket(profile.SocketPath(name))
	if err != nil {
		return nil, nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	return c, conn, nil
}

// withClient runs fn with a connected client and a request deadline.
func withClient(fn func(ctx context.Context, c *api.Client) error) error {
	c, conn, err := connect()
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
