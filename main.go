package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/account-book/ledger/internal/cache"
	"github.com/account-book/ledger/internal/config"
	"github.com/account-book/ledger/internal/logging"
	"github.com/account-book/ledger/internal/proxy"
	"github.com/account-book/ledger/internal/server"
	"github.com/account-book/ledger/internal/server/routes"
	"github.com/account-book/ledger/internal/version"
	"github.com/account-book/ledger/internal/worker"
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runWithContext(ctx, opts)
}

// runWithContext 在 ctx 取消时优雅关闭 HTTP 服务并返回 0。
func runWithContext(ctx context.Context, opts cliOptions) int {
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

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache"] = cfg.Cache.Name
		fields["files"] = len(cfg.Cache.Files)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序为“配置 → 缓存后端 → worker → Fiber server”，
	// 预缓存与代理共享同一个 http.Client 和缓存实例。
	store, err := cache.Open(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer store.Close()

	storage := cache.NewStorage(store)
	httpClient := server.NewUpstreamClient(cfg)
	w, err := worker.New(worker.Options{
		CacheName: cfg.Cache.Name,
		Files:     cfg.Cache.Files,
		Origin:    cfg.UpstreamURL(),
		Client:    httpClient,
		Storage:   storage,
		Logger:    logger,
		WriteBack: cfg.Cache.WriteBack,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建 worker 失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["cache"] = cfg.Cache.Name
	fields["files"] = len(cfg.Cache.Files)
	fields["upstream"] = cfg.Global.Upstream
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["listen_port"] = cfg.Global.ListenPort
	fields["write_back"] = cfg.Cache.WriteBack
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	proxyHandler := proxy.NewHandler(httpClient, logger, cfg.UpstreamURL(), w)
	app, err := newHTTPApp(proxy.NewForwarder(proxyHandler, logger), storage, w, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务初始化失败: %v\n", err)
		return 1
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Global.ListenPort))
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}

	if err := serve(ctx, app, ln, w, logger); err != nil {
		if errors.Is(err, worker.ErrInstallFailed) || errors.Is(err, worker.ErrActivateFailed) {
			fmt.Fprintf(stdErr, "worker 启动失败: %v\n", err)
		} else {
			fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		}
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("ledger", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 LEDGER_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("LEDGER_CONFIG")
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

func newHTTPApp(proxyHandler server.ProxyHandler, storage *cache.Storage, w *worker.Worker, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Proxy:  proxyHandler,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterCacheRoutes(app, storage, w)
	return app, nil
}

// serve 在已绑定的 ln 上提供服务后再执行 worker.Start：接管之前的请求直接透传上游。
// 安装或激活失败时关闭服务并返回错误。
func serve(ctx context.Context, app *fiber.App, ln net.Listener, w *worker.Worker, logger *logrus.Logger) error {
	addr := ln.Addr().String()
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   addr,
	}).Info("Fiber 服务启动")

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	startErr := make(chan error, 1)
	go func() {
		startErr <- w.Start(ctx)
	}()

	for {
		select {
		case err := <-listenErr:
			return err
		case err := <-startErr:
			if err != nil && ctx.Err() == nil {
				_ = app.Shutdown()
				<-listenErr
				return err
			}
			startErr = nil
		case <-ctx.Done():
			logger.WithFields(logrus.Fields{
				"action": "shutdown",
				"addr":   addr,
			}).Info("收到退出信号，关闭服务")
			if err := app.Shutdown(); err != nil {
				return err
			}
			<-listenErr
			return nil
		}
	}
}
