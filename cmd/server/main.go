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

	"versionedkv/internal/config"
	"versionedkv/internal/versioned"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	setLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = a.Close()
		log.Fatalf("failed to listen: %v", err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("starting server on %s (backend %s, data in %s)", ln.Addr(), cfg.Backend, cfg.DataDir)
	if err := run(ctx, srv, ln, a); err != nil {
		log.Fatalf("server failed: %v", err)
	}
	log.Printf("server stopped")
}

// run serves until ctx is done. In-flight requests drain before the app's
// backend is closed.
func run(ctx context.Context, srv *http.Server, ln net.Listener, a *app) error {
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	serveErr := srv.Serve(ln)
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
		<-shutdownDone
	}
	if err := a.Close(); err != nil {
		log.Printf("close: %v", err)
	}
	return serveErr
}

func setLogLevel(level string) {
	switch level {
	case config.LogDebug:
		versioned.DebugLogger.SetOutput(os.Stderr)
		versioned.InfoLogger.SetOutput(os.Stderr)
	case config.LogInfo:
		versioned.InfoLogger.SetOutput(os.Stderr)
	}
}
