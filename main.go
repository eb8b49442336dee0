package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/config"
	"github.com/any-hub/tiercache/internal/logging"
	"github.com/any-hub/tiercache/internal/proxy"
	"github.com/any-hub/tiercache/internal/server"
	"github.com/any-hub/tiercache/internal/server/routes"
	"github.com/any-hub/tiercache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// shutdownTimeout 是收到退出信号后等待 HTTP、协调器与缓存关闭的上限。
const shutdownTimeout = 15 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer logging.Close(logger)

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["tiers"] = cfg.Cache.TierModes()
		fields["content_types"] = cfg.Fetch.ContentTypes
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序为"配置 → Broker → 缓存/协调器 → Fiber server"，
	// 所有请求共享同一个缓存与协调器实例。
	broker := proxy.NewBroker(logging.Component(logger, "broker"))
	rt, err := server.Bootstrap(cfg, logger, broker)
	if err != nil {
		fmt.Fprintf(stdErr, "构建运行时失败: %v\n", err)
		return 1
	}
	if err := rt.Start(ctx); err != nil {
		fmt.Fprintf(stdErr, "启动协调器失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["tiers"] = cfg.Cache.TierModes()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	handler := proxy.NewHandler(rt.Fetcher, broker, logger, cfg.Global.ResultTimeout.DurationValue())
	code := 0
	if err := startHTTPServer(ctx, cfg, rt, broker, handler, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Warn("运行时关闭失败")
	}
	return code
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("tiercache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 TIERCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("TIERCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	rt *server.Runtime,
	broker *proxy.Broker,
	objects server.ObjectHandler,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Objects:    objects,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	registerDiagnostics(app, rt, broker, logger)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止 Fiber 服务")
		_ = app.ShutdownWithTimeout(shutdownTimeout)
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

func registerDiagnostics(app *fiber.App, rt *server.Runtime, broker *proxy.Broker, logger *logrus.Logger) {
	routes.RegisterCacheRoutes(app, rt.Cache, logging.Component(logger, "routes"))
	routes.RegisterFetchRoutes(app, rt.Fetcher, broker)
	routes.RegisterDecoderRoutes(app, rt.Decoders)
	routes.RegisterMetricsRoute(app, rt.Metrics.Handler())
}
