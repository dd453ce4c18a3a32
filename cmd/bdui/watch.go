package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/HerbCaudill/beads-ui-sub002/internal/client"
	"github.com/HerbCaudill/beads-ui-sub002/internal/client/selectors"
	"github.com/HerbCaudill/beads-ui-sub002/internal/client/transport"
	"github.com/HerbCaudill/beads-ui-sub002/internal/config"
	"github.com/HerbCaudill/beads-ui-sub002/internal/logging"
	"github.com/HerbCaudill/beads-ui-sub002/internal/rpc"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// watchSubID is the client subscription id the terminal view uses.
const watchSubID = "watch"

// connectTimeout bounds the first round trip to the server.
const connectTimeout = 10 * time.Second

type watchOptions struct {
	URL     string
	Spec    types.ListSpec
	Mode    selectors.Mode
	Epic    string
	Once    bool
	Backoff transport.Backoff
}

var watchCmd = &cobra.Command{
	Use:   "watch [type]",
	Short: "Follow a live issue list in the terminal",
	Long: `Subscribe to a running bdui server and reprint the list whenever it
changes. type is one of:

  ` + strings.Join(subscriptionTypeNames(), ", ") + `

The connection is retried with backoff if the server goes away, and the
subscription is restored once it is back.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := watchOptionsFrom(cmd, args)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWatch(ctx, opts, os.Stdout)
	},
}

func init() {
	watchCmd.Flags().String("url", "ws://127.0.0.1:3000/ws", "Server websocket URL")
	watchCmd.Flags().String("id", "", "Issue id (issue-detail)")
	watchCmd.Flags().Int64("since", 0, "Only issues closed at or after this unix-ms time (closed-issues)")
	watchCmd.Flags().String("mode", "", "Show one board column: ready, blocked, in_progress, closed")
	watchCmd.Flags().String("epic", "", "Show the children of this epic found in the subscribed list")
	watchCmd.Flags().Bool("once", false, "Print the first result and exit")
	rootCmd.AddCommand(watchCmd)
}

func subscriptionTypeNames() []string {
	names := make([]string, 0, len(types.SubscriptionTypes))
	for _, t := range types.SubscriptionTypes {
		names = append(names, string(t))
	}
	return names
}

func watchOptionsFrom(cmd *cobra.Command, args []string) (watchOptions, error) {
	flags := cmd.Flags()
	opts := watchOptions{
		Backoff: transport.Backoff{
			Initial: config.GetDuration("reconnect-initial"),
			Factor:  config.GetFloat64("reconnect-factor"),
			Max:     config.GetDuration("reconnect-max"),
			Jitter:  config.GetFloat64("reconnect-jitter"),
		},
	}
	opts.URL, _ = flags.GetString("url")
	if !flags.Changed("url") {
		opts.URL = config.GetString("url")
	}
	opts.Once, _ = flags.GetBool("once")
	opts.Epic, _ = flags.GetString("epic")

	typ := string(types.SubAllIssues)
	if len(args) > 0 {
		typ = args[0]
	}

	// Round-trip params through JSON so the server's own validation applies
	// here too.
	var params types.SubscriptionParams
	params.ID, _ = flags.GetString("id")
	params.Since, _ = flags.GetInt64("since")
	raw, err := json.Marshal(params)
	if err != nil {
		return opts, fmt.Errorf("encoding params: %w", err)
	}
	spec, err := types.DecodeListSpec(typ, raw)
	if err != nil {
		return opts, err
	}
	opts.Spec = spec

	mode, _ := flags.GetString("mode")
	if mode != "" {
		opts.Mode = selectors.Mode(mode)
		if !opts.Mode.IsValid() {
			return opts, fmt.Errorf("invalid mode %q", mode)
		}
	}
	return opts, nil
}

// runWatch subscribes and renders to out on every change until ctx is
// done, or after the first render with Once.
func runWatch(ctx context.Context, opts watchOptions, out io.Writer) error {
	out = &lockedWriter{w: out}
	log := logging.WithComponent("client")
	session := client.Open(client.Config{
		URL:             opts.URL,
		Backoff:         opts.Backoff,
		ActivityTimeout: config.GetDuration("activity-timeout"),
		Logger:          &log,
	})
	defer func() { _ = session.Close() }()

	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	// Listeners run on the transport's read goroutine; only signal here.
	changed := make(chan struct{}, 1)
	signalChange := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	defer session.Stores.Subscribe(func(id string) {
		if id == watchSubID {
			signalChange()
		}
	})()
	defer session.Transport.OnState(func(ch transport.StateChange) {
		switch {
		case ch.State == transport.StateReconnecting:
			fmt.Fprintf(out, "%s connection lost, reconnecting\n", yellow("!"))
		case ch.State == transport.StateOpen && ch.Reconnected:
			fmt.Fprintf(out, "%s reconnected\n", green("✓"))
		}
	})()
	defer session.OnWorkspaceChanged(func(ev rpc.WorkspaceChanged) {
		fmt.Fprintf(out, "%s workspace is now %s\n", yellow("→"), ev.Path)
	})()

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	ping, err := session.Ping(pingCtx, Version)
	cancel()
	if err != nil {
		return fmt.Errorf("contacting %s: %w", opts.URL, err)
	}
	if !ping.Compatible {
		fmt.Fprintf(out, "%s %s\n", yellow("Warning:"), ping.Warning)
	}

	unsubscribe, err := session.Subscribe(ctx, watchSubID, opts.Spec)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", opts.Spec, err)
	}
	defer func() {
		unsubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unsubscribe(unsubCtx)
	}()

	var (
		drawn       bool
		lastVersion uint64
	)
	draw := func() error {
		store := session.Stores.Get(watchSubID)
		if store == nil {
			return nil
		}
		v := store.Version()
		if drawn && v == lastVersion {
			return nil
		}
		drawn, lastVersion = true, v
		issues, err := selectIssues(session.Select, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s  rev %d  %d issue(s)\n", color.New(color.Bold).Sprint(opts.Spec), store.Revision(), len(issues))
		renderIssues(out, issues)
		fmt.Fprintln(out)
		return nil
	}

	if err := draw(); err != nil {
		return err
	}
	if opts.Once {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			if err := draw(); err != nil {
				return err
			}
		}
	}
}

// lockedWriter serializes writes from the render loop and from transport
// listeners.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func selectIssues(sel *selectors.Selectors, opts watchOptions) ([]types.Issue, error) {
	switch {
	case opts.Epic != "":
		return sel.EpicChildren(opts.Epic), nil
	case opts.Mode != "":
		return sel.BoardColumn(watchSubID, opts.Mode)
	}
	return sel.IssuesFor(watchSubID), nil
}

// renderIssues prints one line per issue.
func renderIssues(w io.Writer, issues []types.Issue) {
	for _, issue := range issues {
		status := statusColor(issue.Status).Sprintf("%-11s", issue.Status)
		line := fmt.Sprintf("  %-10s P%d  %s %s", issue.ID, issue.Priority, status, issue.Title)
		if issue.Assignee != nil && *issue.Assignee != "" {
			line += color.New(color.Faint).Sprintf("  @%s", *issue.Assignee)
		}
		if len(issue.BlockedBy) > 0 {
			line += color.New(color.FgRed).Sprintf("  blocked by %s", strings.Join(issue.BlockedBy, ", "))
		}
		fmt.Fprintln(w, line)
	}
}

func statusColor(s types.Status) *color.Color {
	switch s {
	case types.StatusInProgress:
		return color.New(color.FgYellow)
	case types.StatusBlocked:
		return color.New(color.FgRed)
	case types.StatusClosed:
		return color.New(color.FgGreen)
	}
	return color.New(color.FgCyan)
}
