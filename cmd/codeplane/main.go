// codeplane is the orchestration control plane for autonomous coding
// sessions: it persists sessions, decomposes them into task graphs, routes
// tasks to agents and streams state changes to observers.
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

	"codeplane/internal/agent"
	"codeplane/internal/config"
	"codeplane/internal/coord"
	"codeplane/internal/events"
	"codeplane/internal/httpapi"
	"codeplane/internal/lock"
	"codeplane/internal/logging"
	"codeplane/internal/orchestrator"
	"codeplane/internal/store"
	"codeplane/internal/tenant"
	"codeplane/internal/types"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var version = "1.0.0"

func main() {
	root := &cobra.Command{
		Use:   "codeplane",
		Short: "Orchestration control plane for autonomous coding sessions",
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("codeplane", version)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.Initialize(logging.Options{
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return err
	}
	defer logging.Sync()
	boot := logging.Get(logging.CategoryBoot)
	boot.Info("codeplane %s starting", version)

	db, err := store.Open(ctx, cfg.Database.DSN(), cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	coordStore, err := coord.Connect(ctx, cfg.Redis.Addr(), cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer coordStore.Close()

	lockMgr := lock.NewManager(coordStore)
	bus := events.NewBroadcaster(coordStore)
	tokens := orchestrator.NewTokenWindow(coordStore)

	registry := agent.NewRegistry()
	registry.SetInactiveAfter(cfg.Agents.InactiveAfter)
	registry.OnInactive(func(a *types.Agent) {
		bus.Publish(tenant.WithTenant(context.Background(), a.TenantID), events.Event{
			EventType: events.AgentHeartbeatLost,
			TenantID:  a.TenantID,
			Payload:   map[string]interface{}{"agent_id": a.ID.String(), "name": a.Name},
		})
	})
	router := agent.NewRouter(registry, agent.NewLoadCache(coordStore))

	svc := orchestrator.NewService(
		db.Sessions(), db.Tasks(), db.Tenants(),
		orchestrator.ManagerLocker{M: lockMgr},
		router, tokens, bus,
		orchestrator.Config{
			LockTTL:     cfg.Locks.TTL,
			LockTimeout: cfg.Locks.AcquireTimeout,
		})

	server := httpapi.NewServer(svc, db.Sessions(), registry, router, bus, db, coordStore)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		boot.Info("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		registry.RunSweeper(ctx, cfg.Agents.HeartbeatTimeout)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		boot.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	boot.Info("stopped after uptime %s", time.Since(startTime).Round(time.Second))
	return nil
}

var startTime = time.Now()
