// Package main provides the bot fleet server binary. It supervises bot
// sessions and exposes them through the websocket dashboard endpoint and the
// gRPC ControlService.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/botfleet/internal/auth"
	"github.com/cory-johannsen/botfleet/internal/broadcast"
	"github.com/cory-johannsen/botfleet/internal/config"
	"github.com/cory-johannsen/botfleet/internal/control"
	"github.com/cory-johannsen/botfleet/internal/gateway"
	"github.com/cory-johannsen/botfleet/internal/observability"
	"github.com/cory-johannsen/botfleet/internal/scripting"
	"github.com/cory-johannsen/botfleet/internal/server"
	"github.com/cory-johannsen/botfleet/internal/session"
	"github.com/cory-johannsen/botfleet/internal/storage"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	scriptDir := flag.String("scripts", "", "directory of Lua chat scripts; overrides scripting.dir")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *scriptDir != "" {
		cfg.Scripting.Dir = *scriptDir
	}

	baseLogger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer baseLogger.Sync()

	// The broadcaster logs through the base logger; everything else is
	// mirrored to observers.
	events := broadcast.New(cfg.Sessions.HistoryLimit, cfg.Control.ObserverBuffer, baseLogger.Named("broadcast"))
	observerLevel, err := observability.ParseLevel(cfg.Logging.ObserverLevel)
	if err != nil {
		baseLogger.Fatal("parsing observer log level", zap.Error(err))
	}
	logger := observability.Mirror(baseLogger, events.LogCore(observerLevel))

	logger.Info("starting bot fleet",
		zap.String("http_addr", cfg.Control.HTTPAddr()),
		zap.String("grpc_addr", cfg.Control.GRPCAddr()),
		zap.String("accounts", cfg.Accounts.Driver),
	)

	storeStart := time.Now()
	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("opening account store", zap.Error(err))
	}
	logger.Info("account store ready", zap.Duration("elapsed", time.Since(storeStart)))

	var tokens gateway.TokenSource
	if cfg.Gateway.Auth == config.AuthDevice {
		var cache *auth.TokenCache
		if cfg.Gateway.Device.CacheDir != "" {
			cache = auth.NewTokenCache(cfg.Gateway.Device.CacheDir)
		}
		tokens = auth.NewDeviceFlow(cfg.Gateway.Device, cache, logger.Named("auth"))
	}
	dialer := gateway.NewDialer(cfg.Gateway, tokens, logger.Named("gateway"))

	opts := session.OptionsFromConfig(cfg.Sessions)
	var scripts *scripting.Manager
	if cfg.Scripting.Dir != "" {
		scripts = scripting.NewManager(cfg.Scripting.InstructionLimit, logger.Named("scripting"))
		if err := scripts.Load(cfg.Scripting.Dir); err != nil {
			logger.Fatal("loading chat scripts", zap.String("dir", cfg.Scripting.Dir), zap.Error(err))
		}
		opts.Hook = scripts
	}

	registry := session.NewRegistry(dialer, store, events, opts, logger.Named("session"))
	if scripts != nil {
		scripts.Send = registry.SendChat
	}
	if names, err := registry.RefreshAccounts(ctx); err != nil {
		logger.Warn("loading accounts", zap.Error(err))
	} else {
		logger.Info("accounts loaded", zap.Int("count", len(names)))
	}

	authz := auth.NewAuthorizer(cfg.Control.PasswordHash)
	if !authz.Enabled() {
		logger.Warn("control password not set; dashboard and gRPC are unauthenticated")
	}
	dispatcher := control.NewDispatcher(registry, logger.Named("control"))
	dashboard := control.NewDashboard(dispatcher, events, authz, cfg.Control.WriteTimeout, logger.Named("dashboard"))
	httpServer := &http.Server{
		Addr:              cfg.Control.HTTPAddr(),
		Handler:           dashboard.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := control.NewGRPCServer(
		control.NewControlService(dispatcher, events, logger.Named("grpc")),
		authz,
	)

	lifecycle := server.NewLifecycle(logger, server.DefaultStopTimeout)

	lifecycle.Add("accounts", server.Background(func(context.Context) error {
		return store.Close()
	}))
	lifecycle.Add("scripting", server.Background(func(context.Context) error {
		if scripts != nil {
			scripts.Close()
		}
		return nil
	}))
	lifecycle.Add("sessions", server.Background(registry.Shutdown))

	lifecycle.Add("grpc", &server.FuncService{
		StartFn: func() error {
			lis, err := net.Listen("tcp", cfg.Control.GRPCAddr())
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.Control.GRPCAddr(), err)
			}
			logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
			return grpcServer.Serve(lis)
		},
		StopFn: func(ctx context.Context) error {
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
				return nil
			case <-ctx.Done():
				grpcServer.Stop()
				return ctx.Err()
			}
		},
	})

	lifecycle.Add("dashboard", &server.FuncService{
		StartFn: func() error {
			logger.Info("dashboard listening", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving dashboard: %w", err)
			}
			return nil
		},
		StopFn: func(ctx context.Context) error {
			dashboard.Close()
			return httpServer.Shutdown(ctx)
		},
	})

	logger.Info("bot fleet initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("bot fleet stopped with error", zap.Error(err))
	}
}
