// =============================================================================
// cyreald 主入口
// =============================================================================
// 使用方法:
//
//	cyreald serve                           # 启动服务
//	cyreald serve --config cyreal.yaml      # 指定配置文件
//	cyreald health --addr https://127.0.0.1:3500 --ca ca.crt
//	cyreald token issue --agent-id ops --write
//	cyreald version
// =============================================================================

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/macawi-ai/cyreal-sub001/config"
	"github.com/macawi-ai/cyreal-sub001/internal/tlsutil"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "cyreald",
		Short:         "Cyreal agent coordination daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "Path to config file (YAML)")

	root.AddCommand(
		newServeCommand(),
		newHealthCommand(),
		newVersionCommand(),
		newTokenCommand(),
	)
	return root
}

// loadConfig 读取 --config 并校验
func loadConfig(cmd *cobra.Command) (*config.Config, *config.Loader, error) {
	path, _ := cmd.Flags().GetString("config")
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, loader, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the coordination server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, loader, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			// 重载时同样校验，失败的重载保留旧配置
			loader.WithValidator((*config.Config).Validate)

			logger, level := initLogger(cfg.Log)
			defer logger.Sync() //nolint:errcheck

			logger.Info("Starting cyreald",
				zap.String("version", Version),
				zap.String("build_time", BuildTime),
				zap.String("git_commit", GitCommit),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			daemon, err := NewDaemon(cfg, logger, WithLogLevel(level), WithConfigLoader(loader))
			if err != nil {
				logger.Error("Failed to build daemon", zap.Error(err))
				return err
			}
			if err := daemon.Start(ctx); err != nil {
				logger.Error("Failed to start daemon", zap.Error(err))
				daemon.Shutdown(context.Background())
				return err
			}

			select {
			case <-ctx.Done():
				logger.Info("Shutdown signal received")
			case err := <-daemon.Errors():
				logger.Error("Listener failed", zap.Error(err))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			daemon.Shutdown(shutdownCtx)
			logger.Info("cyreald stopped")
			return nil
		},
	}
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func newHealthCommand() *cobra.Command {
	var (
		addr     string
		caFile   string
		insecure bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealthCheck(cmd.OutOrStdout(), addr, caFile, insecure, timeout)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "https://127.0.0.1:3500", "Server base URL")
	cmd.Flags().StringVar(&caFile, "ca", "", "CA certificate used to verify the server")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Skip certificate verification")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

func runHealthCheck(out io.Writer, addr, caFile string, insecure bool, timeout time.Duration) error {
	tlsConfig, err := tlsutil.ClientConfig(caFile, insecure)
	if err != nil {
		return err
	}
	client := tlsutil.SecureHTTPClient(timeout, tlsConfig)

	resp, err := client.Get(addr + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	fmt.Fprintln(out, "OK")
	return nil
}

// =============================================================================
// 📋 版本
// =============================================================================

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cyreald %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
		},
	}
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// initLogger 按配置构建 logger，返回的 AtomicLevel 可在配置重载时调整
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger, level
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
