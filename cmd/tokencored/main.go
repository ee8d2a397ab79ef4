package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/postylabs/tokencore/internal/api"
	"github.com/postylabs/tokencore/internal/config"
	"github.com/postylabs/tokencore/internal/guard"
	"github.com/postylabs/tokencore/internal/hub"
	"github.com/postylabs/tokencore/internal/integrity"
	"github.com/postylabs/tokencore/internal/kvstore"
	"github.com/postylabs/tokencore/internal/logging"
	"github.com/postylabs/tokencore/internal/reconcile"
	"github.com/postylabs/tokencore/internal/remote"
	"github.com/postylabs/tokencore/internal/reset"
	"github.com/postylabs/tokencore/internal/store"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "tokencored",
	Short:   "Token balance and subscription accounting service",
	Long:    `tokencored maintains a tamper-resistant token ledger and subscription state, serving UI intents over HTTP and streaming committed changes to websocket observers.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tokencored %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "tokencored"})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "tokencored"})

	log.Info().Str("version", Version).Str("dataDir", cfg.DataDir).Msg("Starting tokencored")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	kv, err := kvstore.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	defer kv.Close()

	integ, err := integrity.NewManager(cfg.DataDir, kv, nil)
	if err != nil {
		return fmt.Errorf("initialize integrity layer: %w", err)
	}

	remoteClient := remote.NewClient(remote.ClientConfig{
		BaseURL: cfg.RemoteURL,
		APIKey:  cfg.RemoteAPIKey,
		UserID:  cfg.RemoteUserID,
		Timeout: cfg.RemoteTimeout,
	})
	if remoteClient.Enabled() {
		log.Info().Str("url", cfg.RemoteURL).Msg("Remote authority configured")
	} else {
		log.Info().Msg("No remote authority configured, running in offline mode")
	}

	st, err := store.New(store.Config{
		Integrity: integ,
		Guard:     guard.New(kv, integ.Fingerprint(), nil),
		Remote:    remoteClient,
	})
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}

	reconciler := reconcile.New(reconcile.Config{
		Store:    st,
		Remote:   remoteClient,
		KV:       kv,
		Debounce: cfg.SyncDebounce,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startMetricsServer(ctx, cfg.MetricsAddr)

	wsHub := hub.NewHub(func() any {
		stateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		view, err := st.State(stateCtx)
		if err != nil {
			return nil
		}
		return view
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st.Run(ctx)
		return nil
	})
	g.Go(func() error {
		reconciler.Run(ctx)
		return nil
	})
	g.Go(func() error {
		wsHub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		broadcastCommits(ctx, st, wsHub)
		return nil
	})

	scheduler := reset.NewScheduler(cfg.ResetCheckInterval, func() {
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := st.CheckResets(checkCtx); err != nil && !errors.Is(err, store.ErrClosed) {
			log.Error().Err(err).Msg("Reset check failed")
		}
	})
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(st, wsHub, reconciler),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Intent API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Flush queued usage deltas before the connection goes away.
		reconciler.Flush(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	st.Close()
	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

// broadcastCommits feeds the store's event stream to the observer hub.
func broadcastCommits(ctx context.Context, st *store.Store, wsHub *hub.Hub) {
	events, cancel := st.Subscribe()
	defer cancel()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			wsHub.BroadcastState(ev.View)
			if len(ev.Transactions) > 0 {
				wsHub.BroadcastTransactions(ev.Transactions)
			}
		case <-ctx.Done():
			return
		}
	}
}
