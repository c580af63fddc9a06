package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/John-Robertt/subpipe/internal/cache"
	"github.com/John-Robertt/subpipe/internal/fetch"
	"github.com/John-Robertt/subpipe/internal/httpapi"
	"github.com/John-Robertt/subpipe/internal/pipeline"
)

func newServeCmd() *cobra.Command {
	var (
		listen            string
		cacheDir          string
		verbose           bool
		readHeaderTimeout time.Duration
		convertTimeout    time.Duration
		fetchTimeout      time.Duration
		shutdownTimeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "以 HTTP 服务方式运行转换流水线",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			var store cache.Cache = cache.NewMemory()
			if cacheDir != "" {
				disk, err := cache.NewDisk(cacheDir)
				if err != nil {
					return err
				}
				store = disk
			}
			fetcher := fetch.New(store, fetch.Options{Timeout: fetchTimeout}, logger)
			orch := pipeline.New(fetcher, nil, nil, logger)

			srv := &http.Server{
				Addr:              listen,
				Handler:           httpapi.NewHandler(orch, httpapi.Options{ConvertTimeout: convertTimeout}, logger),
				ReadHeaderTimeout: readHeaderTimeout,
			}

			logger.Info("listening", zap.String("addr", listen))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received")

				shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shCtx); err != nil {
					logger.Warn("graceful shutdown failed", zap.Error(err))
					_ = srv.Close()
				}

				if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:25500", "HTTP 监听地址")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "持久化拉取缓存目录，留空则仅用内存缓存")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "输出调试日志")
	cmd.Flags().DurationVar(&readHeaderTimeout, "read-header-timeout", 5*time.Second, "HTTP ReadHeaderTimeout（请求头读取超时）")
	cmd.Flags().DurationVar(&convertTimeout, "convert-timeout", 60*time.Second, "单次转换的总超时（包含远程拉取）")
	cmd.Flags().DurationVar(&fetchTimeout, "fetch-timeout", 15*time.Second, "单次远程拉取的超时（每个 URL 一次请求）")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "收到退出信号后的优雅退出等待时间")
	return cmd
}
