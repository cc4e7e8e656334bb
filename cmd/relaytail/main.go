// relaytail is a resumable notification tailer. It establishes (or
// resumes) a session against a relayd endpoint, optionally fires a
// demo request, and then follows the session's standalone notification
// stream, persisting its cursor so a restart picks up exactly where the
// previous run stopped.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/relaykit/streamrpc/client"
	"github.com/relaykit/streamrpc/protocol"
)

var (
	endpoint  string
	token     string
	statePath string
	terminate bool
	watch     int

	headerColor = color.New(color.FgCyan, color.Bold)
	eventColor  = color.New(color.FgGreen)
	dimColor    = color.New(color.Faint)
)

var rootCmd = &cobra.Command{
	Use:   "relaytail",
	Short: "Tail a relayd session's notification stream, resumably",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	fl := rootCmd.Flags()
	fl.StringVar(&endpoint, "endpoint", "http://localhost:8080/rpc", "relayd RPC endpoint")
	fl.StringVar(&token, "token", "", "bearer token")
	fl.StringVar(&statePath, "state", defaultStatePath(), "file holding session state across restarts")
	fl.BoolVar(&terminate, "terminate", false, "delete the stored session and exit")
	fl.IntVar(&watch, "watch", 0, "start a watch request emitting this many progress ticks")
}

func defaultStatePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "relaytail", "state.json")
	}
	return ".relaytail-state.json"
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(statePath), 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	c, err := client.New(endpoint, client.NewFileStateStore(statePath),
		client.WithBearer(token),
		client.WithClientInfo(protocol.ClientInfo{Name: "relaytail", Version: "0.1.0"}),
	)
	if err != nil {
		return err
	}

	if terminate {
		if err := c.Connect(ctx); err != nil {
			return err
		}
		if err := c.Terminate(ctx); err != nil {
			return err
		}
		dimColor.Println("session terminated")
		return nil
	}

	if err := c.Connect(ctx); err != nil {
		return err
	}
	headerColor.Printf("session %s", c.SessionID())
	if cursor := c.LastEventID(); cursor > 0 {
		dimColor.Printf("  (resuming after event %d)", cursor)
	}
	fmt.Println()

	if watch > 0 {
		var res map[string]any
		err := c.Call(ctx, "watch", map[string]any{"ticks": watch, "intervalMs": 500}, &res, nil)
		if err != nil {
			return fmt.Errorf("starting watch: %w", err)
		}
		dimColor.Printf("watch started: %v\n", res)
	}

	err = c.Listen(ctx, func(ctx context.Context, method string, params json.RawMessage) {
		ts := time.Now().Format("15:04:05")
		eventColor.Printf("%s  %s", ts, method)
		if len(params) > 0 {
			fmt.Printf("  %s", compact(params))
		}
		fmt.Println()
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func compact(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
