// Command chatq-relay runs a development chat server for chatqd to talk to.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/chatq/internal/relay"
	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	secret := flag.String("secret", os.Getenv("CHATQ_RELAY_SECRET"), "token signing secret (random when empty)")
	ttl := flag.Duration("access-ttl", 15*time.Minute, "access token lifetime")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	logger, err := zap.NewProduction()
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	r := relay.New(relay.Options{Secret: []byte(*secret), AccessTTL: *ttl}, logger)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("relay listening", zap.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("relay failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.Kick()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", zap.Error(err))
	}
}
