package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/finemagazi/shellcache/internal/cache"
	"github.com/finemagazi/shellcache/internal/config"
	"github.com/finemagazi/shellcache/internal/logging"
	"github.com/finemagazi/shellcache/internal/proxy"
	"github.com/finemagazi/shellcache/internal/server"
	"github.com/finemagazi/shellcache/internal/server/routes"
	"github.com/finemagazi/shellcache/internal/version"
	"github.com/finemagazi/shellcache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

// 初始安装失败后的重试间隔。
const (
	installRetryInitial = 5 * time.Second
	installRetryMax     = 5 * time.Minute
)

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
		fields["origin"] = cfg.Site.Origin
		fields["cache_version"] = cfg.Worker.CacheVersion
		fields["precache_urls"] = len(cfg.Worker.PrecacheURLs)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	// CLI 启动遵循“配置 → 站点注册表 → 缓存存储 → 缓存管理器 → Fiber server”顺序，
	// 保证所有请求共享同一个管理器与存储实例。
	storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	httpClient := server.NewOriginClient(cfg)
	managerOpts, err := worker.NewOptions(cfg.Site, cfg.Worker)
	if err != nil {
		fmt.Fprintf(stdErr, "解析站点配置失败: %v\n", err)
		return 1
	}
	manager, err := worker.NewManager(storage, proxy.NewOriginFetcher(httpClient), logger, managerOpts)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存管理器失败: %v\n", err)
		return 1
	}
	defer manager.Wait()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 安装失败不阻止启动：没有 active 版本时所有请求直接透传到源站，后台按退避间隔重试。
	reconciler := worker.NewReconciler(manager, installRetryInitial, installRetryMax)
	reconciler.SetTarget(cfg.Worker.CacheVersion, cfg.Worker.PrecacheURLs)
	if err := reconciler.Reconcile(ctx); err != nil {
		logger.WithFields(logging.GenerationFields("install", cfg.Worker.CacheVersion, cfg.Worker.PrecacheName())).
			WithError(err).
			Warn("初始版本安装失败，请求将直接透传")
	}
	go reconciler.Run(ctx)

	watchConfig(opts.configPath, reconciler, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.Site.Origin
	fields["site_hosts"] = cfg.Site.SiteHosts
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["cache_version"] = cfg.Worker.CacheVersion
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	handler := proxy.NewHandler(manager, httpClient, logger).
		WithClientCookieTTL(cfg.Worker.ClientTTL.DurationValue())
	if err := startHTTPServer(ctx, cfg, registry, handler, manager, storage, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// watchConfig 监听配置文件，把 CacheVersion 与预缓存清单交给 reconciler。
// 重复保存同一配置会唤醒一次重试；其他字段（端口、存储、源站）需要重启进程才会生效。
func watchConfig(path string, reconciler *worker.Reconciler, logger *logrus.Logger) {
	err := config.Watch(path, func(next *config.Config, err error) {
		fields := logging.BaseFields("config_reload", path)
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("配置重载失败，保留当前版本")
			return
		}
		fields["cache_version"] = next.Worker.CacheVersion
		if !reconciler.SetTarget(next.Worker.CacheVersion, next.Worker.PrecacheURLs) && reconciler.Done() {
			logger.WithFields(fields).Info("缓存版本未变化")
			return
		}
		logger.WithFields(fields).Info("目标版本已提交安装")
	})
	if err != nil {
		logger.WithFields(logging.BaseFields("config_watch", path)).WithError(err).Warn("无法监听配置文件")
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
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
	registry *server.SiteRegistry,
	proxyHandler server.ProxyHandler,
	manager *worker.Manager,
	storage cache.Storage,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterWorkerRoutes(app, routes.WorkerRouteOptions{
		Manager:  manager,
		Storage:  storage,
		Registry: registry,
		Logger:   logger,
	})

	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			logger.WithField("action", "shutdown").WithError(err).Warn("Fiber 服务关闭失败")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err = app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return err
}
