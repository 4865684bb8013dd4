package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
	internalhttp "github.com/EternisAI/overlord/internal/api/http"
	"github.com/EternisAI/overlord/internal/audit"
	"github.com/EternisAI/overlord/internal/auth"
	"github.com/EternisAI/overlord/internal/broker"
	"github.com/EternisAI/overlord/internal/cert"
	"github.com/EternisAI/overlord/internal/db"
	"github.com/EternisAI/overlord/internal/discovery"
	"github.com/EternisAI/overlord/internal/forward"
	grpcserver "github.com/EternisAI/overlord/internal/grpc/server"
	grpctls "github.com/EternisAI/overlord/internal/grpc/tls"
	"github.com/EternisAI/overlord/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/grpc/credentials"
)

var AppVersion string

func main() {
	flags := parseFlags()
	if flags.HashPassword {
		if err := printPasswordHash(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	InitConfig(flags)

	slog.Info("Overlord", "version", AppVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := agents.NewRegistry(slog.Default())

	linkCfg := config.Link.handlerConfig()
	spawnDeadline := config.Link.spawnDeadline()
	if spawnDeadline != config.Link.SpawnDeadline {
		slog.Warn("spawn_deadline below ping_interval, raising it",
			"spawn_deadline", config.Link.SpawnDeadline,
			"ping_interval", config.Link.PingInterval)
	}
	sessionBroker := broker.New(registry, spawnDeadline, slog.Default())

	creds, err := loadServerCredentials(config.Grpc.TLS)
	if err != nil {
		slog.Error("Failed to load TLS credentials", "error", err)
		os.Exit(1)
	}
	linkHandler := grpcserver.NewLinkHandler(registry, sessionBroker, linkCfg, slog.Default())
	grpcSrv := grpcserver.NewServer(config.Grpc.Port, linkHandler, creds)

	pool, err := forward.NewPortPool(config.Http.ForwardPortRange.Start, config.Http.ForwardPortRange.End)
	if err != nil {
		slog.Error("Invalid forward port range", "error", err)
		os.Exit(1)
	}
	forwards := forward.NewManager(pool, sessionBroker, config.Http.ForwardBindHost, slog.Default())
	forwards.Watch(ctx, registry)

	userService, err := users.NewService(config.Auth.Users)
	if err != nil {
		slog.Error("Invalid auth.users", "error", err)
		os.Exit(1)
	}
	if userService.Enabled() && config.Auth.JWTSecret == "" {
		slog.Error("auth.jwt_secret is required when auth.users is set")
		os.Exit(1)
	}
	if !userService.Enabled() {
		slog.Warn("No console users configured, console API is unauthenticated")
	}
	authService := auth.NewService(userService, config.Auth)

	services := &internalhttp.Services{
		Registry:       registry,
		Sessions:       sessionBroker,
		Forwards:       forwards,
		Auth:           authService,
		PropertiesTTL:  config.Link.PropertiesTTL,
		RPCTimeout:     config.Link.RPCTimeout,
		AdminAPIKey:    config.Http.AdminAPIKey,
		AllowedOrigins: config.Http.AllowedOrigins,
	}

	var dbPool *pgxpool.Pool
	if config.DB.Enabled() {
		dbPool, err = initAudit(ctx, registry)
		if err != nil {
			slog.Error("Failed to initialize connection history", "error", err)
			os.Exit(1)
		}
		services.History = audit.NewStore(dbPool)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 3)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		if err := grpcSrv.Start(); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	if config.Discovery.Enabled {
		advertise := net.JoinHostPort(config.Discovery.AdvertiseHost, strconv.Itoa(config.Grpc.Port))
		responder, err := discovery.NewResponder(fmt.Sprintf(":%d", config.Discovery.Port), advertise, slog.Default())
		if err != nil {
			slog.Error("Failed to start discovery responder", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := responder.Serve(ctx); err != nil {
				errChan <- fmt.Errorf("discovery error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")
	cancel()
	forwards.Shutdown()

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := grpcSrv.StopWithTimeout(shutdownTimeout); err != nil {
			slog.Error("gRPC server shutdown error", "error", err)
		}
	}()

	wg.Wait()
	sessionBroker.Close()
	registry.Close()
	if dbPool != nil {
		closeOpenConnections(audit.NewStore(dbPool))
		dbPool.Close()
	}
	slog.Info("Shutdown complete")
}

// loadServerCredentials returns nil for a plaintext agent port. With a CA
// key configured, missing certificates are generated first.
func loadServerCredentials(cfg grpctls.Config) (credentials.TransportCredentials, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.CAKeyFile != "" {
		var ips []net.IP
		for _, s := range cfg.IPAddresses {
			ip := net.ParseIP(strings.TrimSpace(s))
			if ip == nil {
				return nil, fmt.Errorf("invalid ip address %q", s)
			}
			ips = append(ips, ip)
		}
		err := cert.Ensure(cert.Paths{
			CACert:     cfg.CAFile,
			CAKey:      cfg.CAKeyFile,
			ServerCert: cfg.CertFile,
			ServerKey:  cfg.KeyFile,
		}, cert.Options{
			DomainNames: cfg.DomainNames,
			IPAddresses: ips,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to prepare certificates: %w", err)
		}
	}

	clientAuth, err := grpctls.ParseClientAuthType(cfg.ClientAuth)
	if err != nil {
		return nil, err
	}
	return grpctls.LoadServerCredentials(cfg.CertFile, cfg.KeyFile, cfg.CAFile, clientAuth)
}

// initAudit migrates the history database and starts recording registry
// joins and leaves into it.
func initAudit(ctx context.Context, registry *agents.Registry) (*pgxpool.Pool, error) {
	if err := db.RunMigrations(config.DB); err != nil {
		return nil, err
	}

	pool, err := db.InitDB(ctx, config.DB)
	if err != nil {
		return nil, err
	}

	store := audit.NewStore(pool)
	closeOpenConnections(store)

	audit.NewRecorder(store, slog.Default()).Run(ctx, registry)
	return pool, nil
}

// closeOpenConnections ends rows left open by a previous run; the registry
// starts empty so none of them are live.
func closeOpenConnections(store *audit.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := store.CloseOpen(ctx, time.Now())
	if err != nil {
		slog.Warn("Failed to close stale connection rows", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Closed stale connection rows", "rows", n)
	}
}

func printPasswordHash() error {
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read password: %w", err)
	}
	hash, err := users.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
