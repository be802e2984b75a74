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
	"github.com/redis/go-redis/v9"

	"github.com/mahaj/pulsechat/pkg/auth"
	"github.com/mahaj/pulsechat/pkg/config"
	"github.com/mahaj/pulsechat/pkg/directory"
	"github.com/mahaj/pulsechat/pkg/httpapi"
	"github.com/mahaj/pulsechat/pkg/presence"
)

var envFile = flag.String("env", ".env", "optional .env file read before the environment")

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*envFile)
	if err != nil {
		glog.Exitf("api: load config: %v", err)
	}

	st, err := cfg.OpenStore()
	if err != nil {
		glog.Exitf("api: open store: %v", err)
	}
	defer st.Close()

	dir, err := directory.Open(cfg.DirectoryDSN)
	if err != nil {
		glog.Exitf("api: open directory: %v", err)
	}
	defer dir.Close()

	// Without Redis this process sees no connections, so everyone is offline.
	var lookup presence.Lookup = presence.Local{Registry: presence.NewRegistry(nil)}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		lookup = presence.NewRedisMirror(rdb, cfg.NodeName())
	} else {
		glog.Warning("api: REDIS_ADDR not set, presence always reports offline")
	}

	api := httpapi.New(st, dir, lookup, auth.NewIssuer(cfg.JWTSecret, auth.DefaultTTL))
	srv := &http.Server{Addr: cfg.APIAddr, Handler: api.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		glog.Infof("API Service Starting on %s...", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("api: serve error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("api: shutdown error: %v", err)
	}
}
