package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/John-Robertt/subpipe/internal/cache"
	"github.com/John-Robertt/subpipe/internal/config"
	"github.com/John-Robertt/subpipe/internal/fetch"
	"github.com/John-Robertt/subpipe/internal/model"
	"github.com/John-Robertt/subpipe/internal/pipeline"
)

func newConvertCmd(exitCode *int) *cobra.Command {
	var (
		configPath string
		outputPath string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "读取配置，执行一次转换并写出目标文档",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			orch, err := buildOrchestrator(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out, err := orch.Run(ctx, cfg.Pipeline())
			logDiagnostics(logger, out.Result.Diagnostics)
			if err != nil {
				return err
			}

			switch out.Result.Status {
			case model.StatusPartialSuccess:
				*exitCode = exitPartial
			case model.StatusFailure:
				*exitCode = exitFailure
				logger.Error("pipeline failed, no document written")
				return nil
			}

			if err := writeDocument(outputPath, out.Document); err != nil {
				return err
			}
			logger.Info("document written",
				zap.String("status", string(out.Result.Status)),
				zap.Int("descriptors", len(out.Result.Descriptors)),
				zap.Int("bytes", len(out.Document)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "配置文件路径（YAML）")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "-", "输出文件路径，- 表示标准输出")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "输出调试日志")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func buildOrchestrator(cfg *config.Config, logger *zap.Logger) (*pipeline.Orchestrator, error) {
	var store cache.Cache = cache.NewMemory()
	if cfg.CacheDir != "" {
		disk, err := cache.NewDisk(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
		}
		store = disk
	}
	fetcher := fetch.New(store, cfg.FetchOptions(), logger)
	return pipeline.New(fetcher, nil, nil, logger), nil
}

func logDiagnostics(logger *zap.Logger, diags []model.Diagnostic) {
	for _, d := range diags {
		fields := []zap.Field{
			zap.String("stage", d.Stage),
			zap.String("code", d.Code),
			zap.String("source", d.Source),
		}
		if d.Line > 0 {
			fields = append(fields, zap.Int("line", d.Line))
		}
		if d.Severity == model.SeverityError {
			logger.Error(d.Message, fields...)
		} else {
			logger.Warn(d.Message, fields...)
		}
	}
}

func writeDocument(path string, doc []byte) error {
	if path == "-" {
		_, err := os.Stdout.Write(doc)
		return err
	}
	return os.WriteFile(path, doc, 0o644)
}
