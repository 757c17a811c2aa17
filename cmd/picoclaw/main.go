package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Nyukimin/picoclaw_dispatch/internal/adapter/config"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 設定ファイルパス
	configPath := getConfigPath()

	// 設定読み込み
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.ErrorCF("main", "Failed to load config",
			map[string]interface{}{
				"path":  configPath,
				"error": err.Error(),
			})
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	logger.InfoCF("main", "Loaded config",
		map[string]interface{}{
			"path":     configPath,
			"provider": cfg.Provider.Kind,
		})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg); err != nil {
		logger.ErrorCF("main", "PicoClaw stopped with error",
			map[string]interface{}{
				"error": err.Error(),
			})
		os.Exit(1)
	}
}

// run は依存関係を組み立て、シグナルを受けるまでサーバーとディスパッチャーを動かす
func run(ctx context.Context, stop context.CancelFunc, cfg *config.Config) error {
	deps, err := buildDependencies(ctx, cfg, stop)
	if err != nil {
		return err
	}
	defer deps.close()

	in, err := deps.hub.Listen(ctx)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           deps.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.InfoCF("main", "Starting PicoClaw server",
			map[string]interface{}{
				"addr":     server.Addr,
				"channels": deps.hub.Names(),
			})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		err := deps.dispatcher.Run(gctx, in)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := deps.dispatcher.Shutdown(shutdownCtx); serr != nil {
		logger.WarnCF("main", "Dispatcher did not drain in time",
			map[string]interface{}{
				"error": serr.Error(),
			})
	}
	logger.InfoC("main", "PicoClaw stopped")
	return err
}

// getConfigPath は設定ファイルパスを取得
func getConfigPath() string {
	if path := os.Getenv("PICOCLAW_CONFIG"); path != "" {
		return path
	}
	return "./config.yaml"
}
