package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/tvboard/tvboard-edge/internal/cache"
	"github.com/tvboard/tvboard-edge/internal/config"
	"github.com/tvboard/tvboard-edge/internal/fetch"
	"github.com/tvboard/tvboard-edge/internal/logging"
	"github.com/tvboard/tvboard-edge/internal/proxy"
	"github.com/tvboard/tvboard-edge/internal/server"
	"github.com/tvboard/tvboard-edge/internal/server/routes"
	"github.com/tvboard/tvboard-edge/internal/telemetry"
	"github.com/tvboard/tvboard-edge/internal/version"
	"github.com/tvboard/tvboard-edge/internal/worker"
)

// shutdownTimeout 限制 HTTP 关闭与后台任务收尾的总时长。
const shutdownTimeout = 15 * time.Second

// edge 汇总一次启动构建出的组件，serve 与 prefetch 共用。
type edge struct {
	cfg      *config.Config
	logger   *logrus.Logger
	registry *server.OriginRegistry
	worker   *worker.Worker
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 edge HTTP 服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return exitWith(runServe(cmd.Context(), resolveConfigPath(cmd)))
		},
	}
}

// loadEdge 按“配置 → 日志 → OriginRegistry → 磁盘缓存 → 回源客户端 → Worker”顺序构建组件。
func loadEdge(configPath string) (*edge, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return buildEdge(cfg, logger)
}

func buildEdge(cfg *config.Config, logger *logrus.Logger) (*edge, error) {
	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建 Origin 注册表失败: %w", err)
	}
	self, ok := registry.Self()
	if !ok {
		return nil, errors.New("未配置 Role=self 的 origin")
	}

	storage, err := cache.NewStorage(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	fetcher := fetch.NewClient(server.NewUpstreamClient(cfg), registry, self.Origin())
	opts, err := worker.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	w, err := worker.New(opts, storage, fetcher, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化 worker 失败: %w", err)
	}

	return &edge{cfg: cfg, logger: logger, registry: registry, worker: w}, nil
}

// newApp 在 edge 之上挂载代理入口与 /-/worker 诊断路由。
func (e *edge) newApp() (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     e.logger,
		Registry:   e.registry,
		Proxy:      proxy.NewHandler(e.worker, e.logger),
		ListenPort: e.cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterWorkerRoutes(app, e.registry, e.worker)
	return app, nil
}

func runServe(parent context.Context, configPath string) int {
	if parent == nil {
		parent = context.Background()
	}
	e, err := loadEdge(configPath)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, e.cfg.Global.TraceEndpoint, telemetry.ServiceName)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化追踪失败: %v\n", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			e.logger.WithField("action", "shutdown").Warnf("flush traces: %v", err)
		}
	}()

	app, err := e.newApp()
	if err != nil {
		fmt.Fprintf(stdErr, "构建 HTTP 服务失败: %v\n", err)
		return 1
	}

	if err := e.worker.Start(ctx); err != nil {
		// install 失败时 worker 保持未激活，请求全部直通网络，服务照常启动。
		e.logger.WithFields(logrus.Fields{"action": "install_failed"}).Errorf("worker start failed: %v", err)
	}

	fields := logging.BaseFields("startup", configPath)
	fields["origins"] = config.OriginSummaries(e.cfg.Origins)
	fields["listen_port"] = e.cfg.Global.ListenPort
	fields["worker_state"] = e.worker.State()
	fields["version"] = version.Full()
	logger := e.logger.WithFields(fields)
	logger.Info("配置加载完成")

	var wg conc.WaitGroup
	wg.Go(func() {
		runCleanupLoop(ctx, e.worker, e.cfg.Worker.CleanupInterval.DurationValue(), e.logger)
	})
	wg.Go(func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			e.logger.WithField("action", "shutdown").Warnf("shutdown http server: %v", err)
		}
	})

	e.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   e.cfg.Global.ListenPort,
	}).Info("Fiber 服务启动")

	listenErr := app.Listen(fmt.Sprintf(":%d", e.cfg.Global.ListenPort), fiber.ListenConfig{
		DisableStartupMessage: true,
	})
	stop()
	wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.worker.Drain(drainCtx); err != nil {
		e.logger.WithField("action", "shutdown").Warnf("background tasks still running: %v", err)
	}

	if listenErr != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", listenErr)
		return 1
	}
	e.logger.WithField("action", "shutdown").Info("服务已停止")
	return 0
}

// runCleanupLoop 周期性触发 video-cache-cleanup 同步事件，interval<=0 时不启用。
func runCleanupLoop(ctx context.Context, w *worker.Worker, interval time.Duration, logger *logrus.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sync(ctx, worker.SyncVideoCacheCleanup); err != nil && ctx.Err() == nil {
				logger.WithFields(logrus.Fields{
					"action": "sync",
					"tag":    worker.SyncVideoCacheCleanup,
				}).Warnf("periodic cleanup failed: %v", err)
			}
		}
	}
}
