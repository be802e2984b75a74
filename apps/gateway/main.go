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

	"github.com/golang/glog"

	"github.com/mahaj/pulsechat/pkg/config"
)

var (
	envFile  = flag.String("env", ".env", "optional .env file read before the environment")
	serveAPI = flag.Bool("serve-api", false, "also serve the retrieval and account API on the gateway address")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*envFile)
	if err != nil {
		glog.Exitf("gateway: load config: %v", err)
	}

	hub, err := NewHub(cfg)
	if err != nil {
		glog.Exitf("gateway: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	srv := &http.Server{Addr: cfg.GatewayAddr, Handler: hub.Routes(*serveAPI)}
	go func() {
		glog.Infof("Gateway Service Starting on %s...", cfg.GatewayAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("gateway: serve error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	glog.Info("gateway: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("gateway: shutdown error: %v", err)
	}
	<-done
	hub.Close()
}
