package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"oncopurpose.org/internal/app"
	"oncopurpose.org/internal/config"
	"oncopurpose.org/internal/httpapi"
	"oncopurpose.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	stores, err := app.Open(startCtx, cfg)
	cancel()
	if err != nil {
		log.Fatalf("stores: %v", err)
	}
	svc, err := stores.Build(cfg)
	if err != nil {
		log.Fatalf("services: %v", err)
	}

	ready := httpapi.ReadyProbe{DB: stores.DB, Redis: stores.Redis}
	api := httpapi.New(httpapi.Deps{
		Accounts:     svc.Accounts,
		Limiter:      svc.Limiter,
		Ready:        ready,
		Version:      version,
		LoginBurst:   cfg.LoginBurst,
		LoginPerSec:  cfg.LoginPerSec,
		MaxBodyBytes: cfg.MaxBodyBytes,
		CORSOrigins:  cfg.CORSOrigins,
		SecureCookie: cfg.SecureCookie,

		TrustedProxies: cfg.TrustedProxies,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	obs.Info("server_start", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"env":       cfg.Env,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	var (
		grpcSrv  *grpc.Server
		grpcGate *httpapi.GRPCServer
	)
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcGate = httpapi.NewGRPCServer(api.Gate(), ready)
		grpcSrv = grpcGate.NewServer()
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
		go watchHealth(grpcGate)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	obs.Info("server_stop", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcGate != nil {
		grpcGate.Shutdown()
		grpcSrv.GracefulStop()
	}
	_ = srv.Shutdown(ctx)
	if err := stores.Close(); err != nil {
		obs.Warn("store_close_failed", map[string]any{"error": err.Error()})
	}
}

// watchHealth republishes readiness through the gRPC health service.
func watchHealth(g *httpapi.GRPCServer) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		if err := g.UpdateHealth(context.Background()); err != nil {
			obs.Warn("health_degraded", map[string]any{"error": err.Error()})
		}
		<-t.C
	}
}
