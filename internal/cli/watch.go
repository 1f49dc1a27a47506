package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/linecheck/linecheck/pkg/dashboard"
)

// WatchOptions holds watch flags.
type WatchOptions struct {
	URL   string
	Count int // stop after this many outcomes; 0 runs until interrupted
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a station's outcomes from its dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runWatch(ctx, rootOpts, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "ws://localhost:8080/ws/outcomes", "dashboard outcome feed")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "exit after n outcomes")
	return cmd
}

func runWatch(ctx context.Context, rootOpts *RootOptions, opts *WatchOptions, out io.Writer) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return commandError(fmt.Errorf("connect to %s: %w", opts.URL, err))
	}
	defer conn.Close()

	// Unblock ReadMessage when interrupted.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for seen := 0; opts.Count == 0 || seen < opts.Count; seen++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		if rootOpts.Format == "json" {
			fmt.Fprintln(out, string(data))
			continue
		}
		var e dashboard.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decode outcome: %w", err)
		}
		fmt.Fprintln(out, formatEntry(e))
	}
	return nil
}

func formatEntry(e dashboard.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s #%d %-12s %s", e.Time.Format(time.TimeOnly), e.CycleID, e.Verdict, e.Message)
	if len(e.Details) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Details, "; "))
	}
	fmt.Fprintf(&b, " %dms", e.LatencyMS)
	return b.String()
}
