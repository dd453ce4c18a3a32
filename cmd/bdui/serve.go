package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/HerbCaudill/beads-ui-sub002/internal/beads"
	"github.com/HerbCaudill/beads-ui-sub002/internal/config"
	"github.com/HerbCaudill/beads-ui-sub002/internal/logging"
	"github.com/HerbCaudill/beads-ui-sub002/internal/registry"
	"github.com/HerbCaudill/beads-ui-sub002/internal/rpc"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
	"github.com/HerbCaudill/beads-ui-sub002/internal/watch"
)

const shutdownTimeout = 5 * time.Second

// serveOptions is everything runServer needs, already merged from flags
// and config.
type serveOptions struct {
	Host      string
	Port      int
	Workspace string
	Backend   string
	BDPath    string
	Debounce  time.Duration
	QueueSize int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve live issue views over a websocket",
	Long: `Serve the workspace over HTTP:

  /ws       live subscriptions and mutations
  /healthz  JSON status
  /metrics  Prometheus metrics

Edits made by other bd processes are picked up by watching the .beads
directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := serveOptionsFrom(cmd)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, opts, func(addr string, ws types.Workspace) {
			green := color.New(color.FgGreen).SprintFunc()
			cyan := color.New(color.FgCyan).SprintFunc()
			fmt.Printf("%s Serving %s\n", green("✓"), cyan(ws.Path))
			fmt.Printf("  Database: %s\n", ws.Database)
			fmt.Printf("  Open http://%s/ in a browser, or run %s\n\n", addr, cyan("bdui watch"))
		})
	},
}

func init() {
	serveCmd.Flags().String("host", "127.0.0.1", "Interface to listen on")
	serveCmd.Flags().IntP("port", "p", 3000, "Port to listen on")
	serveCmd.Flags().String("backend", backendCLI, "Backend: cli (run bd) or direct (open the database)")
	serveCmd.Flags().String("bd-path", "bd", "bd binary used by the cli backend")
	serveCmd.Flags().Duration("watch-debounce", watch.DefaultDebounce, "Quiet period before a file change triggers a refresh")
	serveCmd.Flags().Int("queue-size", rpc.DefaultQueueSize, "Outbound messages buffered per connection")
	rootCmd.AddCommand(serveCmd)
}

func serveOptionsFrom(cmd *cobra.Command) serveOptions {
	flags := cmd.Flags()
	opts := serveOptions{Workspace: workspacePath}
	opts.Host, _ = flags.GetString("host")
	opts.Port, _ = flags.GetInt("port")
	opts.Backend, _ = flags.GetString("backend")
	opts.BDPath, _ = flags.GetString("bd-path")
	opts.Debounce, _ = flags.GetDuration("watch-debounce")
	opts.QueueSize, _ = flags.GetInt("queue-size")

	if !flags.Changed("host") {
		opts.Host = config.GetString("host")
	}
	if !flags.Changed("port") {
		opts.Port = config.GetInt("port")
	}
	if !flags.Changed("backend") {
		opts.Backend = config.GetString("backend")
	}
	if !flags.Changed("bd-path") {
		opts.BDPath = config.GetString("bd-path")
	}
	if !flags.Changed("watch-debounce") {
		opts.Debounce = config.GetDuration("watch-debounce")
	}
	if !flags.Changed("queue-size") {
		opts.QueueSize = config.GetInt("queue-size")
	}
	return opts
}

// runServer opens the workspace, serves until ctx is done and then shuts
// down. ready is called once the listener is bound.
func runServer(ctx context.Context, opts serveOptions, ready func(addr string, ws types.Workspace)) error {
	log := logging.WithComponent("serve")

	open, err := opener(opts.Backend, opts.BDPath)
	if err != nil {
		return err
	}
	start := opts.Workspace
	if start == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		found, err := beads.Discover(cwd)
		if err != nil {
			return fmt.Errorf("no workspace found (run 'bd init' or pass --workspace): %w", err)
		}
		start = found.Path
	}
	store, ws, err := open(ctx, start)
	if err != nil {
		return fmt.Errorf("opening workspace %s: %w", start, err)
	}

	reg := registry.New(nil, registry.WithLogger(logging.WithComponent("registry")))
	watcher, err := watch.New(beads.BeadsDir(ws), func() {
		if err := reg.RecomputeAll(ctx); err != nil {
			log.Warn().Err(err).Msg("refresh after file change failed")
		}
	}, watch.WithDebounce(opts.Debounce))
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() { _ = watcher.Close() }()

	srv := rpc.NewServer(store, reg, ws,
		rpc.WithQueueSize(opts.QueueSize),
		rpc.WithWorkspaces(open, beads.ListWorkspaces),
		rpc.OnWorkspaceChange(func(ws types.Workspace) {
			if err := watcher.Rewatch(beads.BeadsDir(ws)); err != nil {
				log.Warn().Err(err).Str("workspace", ws.Path).Msg("rewatch failed")
			}
		}),
	)
	defer func() { _ = srv.Store().Close() }()

	ln, err := net.Listen("tcp", net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)))
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", ln.Addr().String()).Str("workspace", ws.Path).Str("backend", opts.Backend).Msg("listening")
	if ready != nil {
		ready(ln.Addr().String(), ws)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Shutdown does not wait for hijacked websocket connections.
		err := httpSrv.Shutdown(shutdownCtx)
		_ = srv.Close()
		return err
	})
	return g.Wait()
}
