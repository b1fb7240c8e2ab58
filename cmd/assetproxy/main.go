package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/pflag"

	"assetproxy/internal/assetproxy"
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", getenvDefault("ASSETPROXY_CONFIG", "/assetproxy.yaml"), "path to assetproxy.yaml")
	pflag.Parse()

	if err := run(configPath); err != nil {
		log.Fatal(err)
	}
}

func run(configPath string) error {
	cfg, err := assetproxy.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	svc, err := assetproxy.NewService(cfg)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{srv}

	var adminLn net.Listener
	if cfg.Admin.Port > 0 {
		adminAddr := fmt.Sprintf(":%d", cfg.Admin.Port)
		adminLn, err = net.Listen("tcp", adminAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen %s: %w", adminAddr, err)
		}
	}

	go func() {
		log.Printf("assetproxy listening on %s, origin=%s, version=%s", addr, cfg.Server.Origin, cfg.Cache.Version)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	if adminLn != nil {
		gin.SetMode(gin.ReleaseMode)
		admin := &http.Server{
			Handler:           svc.AdminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, admin)
		go func() {
			log.Printf("assetproxy admin listening on %s", adminLn.Addr())
			err := admin.Serve(adminLn)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("admin server error: %v", err)
				stop()
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
	return nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
