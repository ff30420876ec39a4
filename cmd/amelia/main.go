// Amelia orchestrator server — serves the device API and event WebSocket,
// runs workflow graphs, and fronts the sandbox LLM/git proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/amelia-ai/amelia/pkg/api"
	"github.com/amelia-ai/amelia/pkg/config"
	"github.com/amelia-ai/amelia/pkg/events"
	"github.com/amelia-ai/amelia/pkg/knowledge"
	"github.com/amelia-ai/amelia/pkg/orchestrator"
	"github.com/amelia-ai/amelia/pkg/sandbox"
	"github.com/amelia-ai/amelia/pkg/state"
	"github.com/amelia-ai/amelia/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// credsResolver maps a profile name to the provider credentials the sandbox
// proxy forwards with. Agentic work runs as the developer, so that agent's
// endpoint wins; the architect's is the fallback for profiles that only
// sandbox planning.
func credsResolver(registry *config.Registry) sandbox.ResolveProvider {
	gitUsername := os.Getenv("GIT_USERNAME")
	gitPassword := os.Getenv("GIT_TOKEN")
	return func(profile string) (sandbox.ProviderCreds, error) {
		p, err := registry.Get(profile)
		if err != nil {
			return sandbox.ProviderCreds{}, err
		}
		for _, role := range []state.Role{state.RoleDeveloper, state.RoleArchitect} {
			ac, ok := p.AgentConfigFor(role)
			if !ok || ac.BaseURL == "" {
				continue
			}
			return sandbox.ProviderCreds{
				BaseURL:     ac.BaseURL,
				APIKey:      ac.APIKey,
				GitUsername: gitUsername,
				GitPassword: gitPassword,
			}, nil
		}
		return sandbox.ProviderCreds{}, fmt.Errorf("profile %q has no API-driver agent to proxy for", profile)
	}
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	serverName := getEnv("SERVER_NAME", "amelia")

	slog.Info("Starting Amelia",
		"http_port", httpPort,
		"server_name", serverName,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Load profiles
	registry, err := config.Load(filepath.Join(*configDir, "profiles.yaml"))
	if err != nil {
		slog.Error("Failed to load profiles", "error", err)
		os.Exit(1)
	}
	slog.Info("Profiles loaded", "profiles", registry.Names())

	// 2. Connect to Postgres and migrate
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	client, err := store.Open(ctx, dsn)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	if err := client.Migrate(); err != nil {
		slog.Error("Failed to apply migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database")

	eventStore := store.NewEventStore(client)
	checkpointStore := store.NewCheckpointStore(client)
	profileStore := store.NewProfileStore(client)
	deviceStore := store.NewDeviceStore(client)
	pairingStore := store.NewPairingTokenStore(client)

	// 3. Mirror loaded profiles into the database for the mobile clients
	for _, name := range registry.Names() {
		profile, err := registry.Get(name)
		if err != nil {
			continue
		}
		if err := profileStore.Upsert(ctx, profile); err != nil {
			slog.Error("Failed to persist profile", "profile", name, "error", err)
			os.Exit(1)
		}
	}

	// 4. Event bus and WebSocket fan-out
	bus := events.NewBus(eventStore)
	manager := events.NewConnectionManager(eventStore)
	bus.SetBroadcaster(manager)

	// 5. Retention sweeper
	sweeper := store.NewSweeper(store.DefaultRetentionConfig(), eventStore, pairingStore)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 6. Orchestrator; resume workflows that were running before a restart
	orch := orchestrator.New(registry, checkpointStore, bus, orchestrator.Options{
		ProxyHost: getEnv("SANDBOX_PROXY_HOST", "host.docker.internal:"+httpPort),
	})
	if err := orch.RecoverOrphans(ctx); err != nil {
		slog.Error("Failed to recover orphaned workflows", "error", err)
		// Non-fatal — continue
	}

	// 7. HTTP server: device API, WebSocket, sandbox proxy
	proxy := sandbox.NewProxy(credsResolver(registry))
	server := api.NewServer(api.Config{
		Workflows:  orch,
		Lister:     checkpointStore,
		Devices:    deviceStore,
		Pairing:    pairingStore,
		Manager:    manager,
		Ingestion:  knowledge.NewNoopQueue(bus),
		DB:         client,
		Proxy:      proxy,
		ServerName: serverName,
	})
	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Amelia started successfully", "running_workflows", orch.Running())

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop accepting requests, then drain workflows,
	// then tear down sandboxes and connections.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, 30*time.Second)
	defer drainCancel()
	if err := orch.Shutdown(drainCtx); err != nil {
		slog.Warn("Workflow drain timeout exceeded — running workflows will be orphan-recovered", "error", err)
	}

	teardownCtx, teardownCancel := context.WithTimeout(ctx, 60*time.Second)
	defer teardownCancel()
	orch.TeardownSandboxes(teardownCtx)
	sandbox.TeardownAll(teardownCtx)

	manager.Shutdown()

	slog.Info("Shutdown complete")
}
