package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/klog/v2"

	"github.com/strataviz/strata/pkg/engine"
	"github.com/strataviz/strata/pkg/inspector"
	"github.com/strataviz/strata/pkg/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context) error {
	listen := envOr("LISTEN", "127.0.0.1:8000")
	flag.StringVar(&listen, "listen", listen, "HTTP listen address")
	grpcListen := envOr("GRPC_LISTEN", ":8001")
	flag.StringVar(&grpcListen, "grpc-listen", grpcListen, "gRPC health listen address; empty disables it")
	cacheDir := envOr("CACHE_DIR", "~/.cache/strata/models")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "directory remote models are downloaded to")
	mode := os.Getenv("EXECUTION_MODE")
	flag.StringVar(&mode, "execution-mode", mode, "capture mode for ONNX models: graph or hook (default graph)")
	model := os.Getenv("MODEL")
	flag.StringVar(&model, "model", model, "model to load at startup: a path, gs:// object or http(s) URL")

	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	opts := []inspector.Option{inspector.WithCacheDir(cacheDir)}
	switch engine.Mode(mode) {
	case "":
	case engine.ModeGraph, engine.ModeHook:
		opts = append(opts, inspector.WithExecutionMode(engine.Mode(mode)))
	default:
		return fmt.Errorf("unknown execution mode %q: use graph or hook", mode)
	}
	insp := inspector.New(opts...)

	if model != "" {
		if _, err := insp.LoadModel(ctx, model); err != nil {
			return fmt.Errorf("loading model %q: %w", model, err)
		}
	}

	healthServer := health.NewServer()
	if grpcListen != "" {
		lis, err := net.Listen("tcp", grpcListen)
		if err != nil {
			return fmt.Errorf("listening on %q: %w", grpcListen, err)
		}
		grpcServer := grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		defer grpcServer.GracefulStop()
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				log.Error(err, "serving gRPC")
			}
		}()
		log.Info("serving gRPC health", "listen", grpcListen)
	}

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", listen, err)
	}
	httpServer := &http.Server{
		Handler:           server.New(insp),
		ReadHeaderTimeout: 10 * time.Second,
		// Open streams end when the server is shutting down.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		healthServer.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	klog.Infof("serving on %q", listen)
	fmt.Println("Strata backend ready")

	if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}
	return nil
}
