package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenSouk-Chain/internal/agent"
	"OpenSouk-Chain/internal/api"
	"OpenSouk-Chain/internal/auth"
	"OpenSouk-Chain/internal/authority"
	"OpenSouk-Chain/internal/bus"
	"OpenSouk-Chain/internal/certify"
	"OpenSouk-Chain/internal/config"
	"OpenSouk-Chain/internal/market"
	"OpenSouk-Chain/internal/observability/alerting"
	"OpenSouk-Chain/internal/observability/metrics"
	"OpenSouk-Chain/internal/storage/mysql"
	"OpenSouk-Chain/internal/task"
	"OpenSouk-Chain/internal/web3"
	"OpenSouk-Chain/internal/web3/provider"
	"OpenSouk-Chain/pkg/extension"
	"OpenSouk-Chain/pkg/logger"
)

// main 是 OpenSouk 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("soukd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENSOUK_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "opensouk.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Service: "soukd",
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Outputs: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Path != "",
			Path:       cfg.Logging.Audit.Path,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Warn("指标服务退出", "error", err)
			}
		}()
	}

	// 所有选择 mysql 驱动的存储共用一个连接池。
	var db *sql.DB
	if needsMySQL(cfg) {
		db, err = mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetime) * time.Minute,
		})
		if err != nil {
			return err
		}
		defer db.Close()
	}

	authService, err := buildAuth(ctx, cfg, db)
	if err != nil {
		return err
	}

	marketStore, err := buildMarketStore(cfg, db)
	if err != nil {
		return err
	}
	defer marketStore.Close()
	marketService := market.NewService(marketStore)

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	web3Client, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	alerts := buildAlerts(cfg)

	authorityClient, err := buildAuthority(cfg)
	if err != nil {
		return err
	}

	rulebook, err := buildRulebook(cfg)
	if err != nil {
		return err
	}

	certifyStore, err := buildCertifyStore(cfg, db)
	if err != nil {
		return err
	}
	defer certifyStore.Close()

	certifyService, err := certify.NewService(certify.Config{
		Store:         certifyStore,
		Catalog:       marketService,
		Rulebook:      rulebook,
		Registry:      authorityClient,
		Chain:         web3Client,
		Alerts:        alerts,
		DefaultQuorum: cfg.Certify.DefaultQuorum,
		Validity:      time.Duration(cfg.Certify.ValidityDays) * 24 * time.Hour,
	})
	if err != nil {
		return err
	}
	certifyService.StartSweeper(ctx, time.Duration(cfg.Certify.SweepIntervalSeconds)*time.Second)

	taskStore, err := buildTaskStore(cfg, db)
	if err != nil {
		return err
	}
	defer taskStore.Close()

	taskQueue, err := buildTaskQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.L().Warn("关闭任务队列失败", "error", err)
		}
	}()

	taskService := task.NewService(taskStore, taskQueue, cfg.Task.MaxRetries)

	messageBus, err := buildBus(cfg)
	if err != nil {
		return err
	}
	defer messageBus.Close()

	registry := agent.NewRegistry(agent.RegistryConfig{
		FailureThreshold: cfg.Task.Allocator.FailureThreshold,
		Quarantine:       time.Duration(cfg.Task.Allocator.QuarantineSeconds) * time.Second,
		LivenessWindow:   time.Duration(cfg.Task.Allocator.HeartbeatTimeoutSeconds) * time.Second,
	})

	runtime, err := agent.NewRuntime(agent.RuntimeConfig{
		Bus:      messageBus,
		Registry: registry,
		Alerts:   alerts,
	})
	if err != nil {
		return err
	}
	for _, spec := range cfg.Agents {
		worker, err := buildWorker(spec, marketService, certifyService, web3Client, messageBus, rulebook)
		if err != nil {
			return err
		}
		if err := runtime.Register(worker); err != nil {
			return err
		}
	}
	if err := runtime.Start(ctx); err != nil {
		return err
	}
	defer runtime.Stop()

	allocator := task.NewAllocator(registry, task.NewStrategy(cfg.Task.Allocator.Strategy))
	dispatcher, err := task.NewDispatcher(task.DispatcherConfig{
		Bus:       messageBus,
		Allocator: allocator,
		Store:     taskStore,
		Registry:  registry,
		Timeout:   time.Duration(cfg.Task.DispatchTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}

	processor := task.NewProcessor(dispatcher, taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.Task.Queue.Workers),
		task.WithAlertDispatcher(alerts),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", "error", err)
		}
	}()

	if len(cfg.Extensions) > 0 {
		host, err := buildExtensionHost(cfg, marketService, certifyService, taskService, web3Client, messageBus)
		if err != nil {
			return err
		}
		if err := host.StartAll(ctx); err != nil {
			return err
		}
		defer func() {
			if err := host.StopAll(context.Background()); err != nil {
				logger.L().Warn("停止扩展失败", "error", err)
			}
		}()
	}

	server, err := api.NewServer(api.Config{
		Addr:     cfg.Server.Address,
		Market:   marketService,
		Certify:  certifyService,
		Tasks:    taskService,
		Registry: registry,
		Auth:     authService,
		Chain:    web3Client,
	})
	if err != nil {
		return err
	}

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// needsMySQL 判断是否有任一子系统选择了 mysql 驱动。
func needsMySQL(cfg *config.Config) bool {
	if cfg.Auth.Store == "mysql" {
		return true
	}
	for _, driver := range []string{cfg.Storage.Market.Driver, cfg.Storage.Certify.Driver, cfg.Storage.Task.Driver} {
		if driver == "mysql" {
			return true
		}
	}
	return false
}

func buildAuth(ctx context.Context, cfg *config.Config, db *sql.DB) (*auth.Service, error) {
	seeds := make([]auth.Seed, 0, len(cfg.Auth.Seeds))
	for _, seed := range cfg.Auth.Seeds {
		seeds = append(seeds, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Roles:       seed.Roles,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}

	var store auth.Store
	switch cfg.Auth.Store {
	case "", "memory":
		// 内存存储未配置账号时写入开发用种子，方便本地起服务。
		if len(seeds) == 0 {
			seeds = auth.DefaultSeeds()
		}
		memStore, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, err
		}
		store = memStore
	case "mysql":
		if db == nil {
			return nil, errors.New("auth 的 mysql 存储需要配置 storage.mysql.dsn")
		}
		sqlStore, err := mysql.NewSQLAuthStore(ctx, db)
		if err != nil {
			return nil, err
		}
		store = sqlStore
	default:
		return nil, fmt.Errorf("未知的认证存储驱动: %s", cfg.Auth.Store)
	}

	return auth.NewService(ctx, auth.Config{
		Mode: auth.Mode(cfg.Auth.Mode),
		JWT: auth.JWTOptions{
			Secret:     cfg.Auth.JWT.Secret,
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			AccessTTL:  cfg.Auth.JWT.AccessTTL,
			RefreshTTL: cfg.Auth.JWT.RefreshTTL,
		},
		OAuth: auth.OAuthOptions{
			TokenURL:         cfg.Auth.OAuth.TokenURL,
			IntrospectionURL: cfg.Auth.OAuth.IntrospectionURL,
			ClientID:         cfg.Auth.OAuth.ClientID,
			ClientSecret:     cfg.Auth.OAuth.ClientSecret,
			Scopes:           cfg.Auth.OAuth.Scopes,
			TimeoutSeconds:   cfg.Auth.OAuth.TimeoutSeconds,
			UsernameClaim:    cfg.Auth.OAuth.UsernameClaim,
		},
		Seeds: seeds,
	}, store)
}

func buildMarketStore(cfg *config.Config, db *sql.DB) (market.Store, error) {
	switch cfg.Storage.Market.Driver {
	case "", "memory":
		return market.NewMemoryStore(), nil
	case "mysql":
		if db == nil {
			return nil, errors.New("market 的 mysql 存储需要配置 storage.mysql.dsn")
		}
		return market.NewMySQLStore(db)
	default:
		return nil, fmt.Errorf("未知的 market 存储驱动: %s", cfg.Storage.Market.Driver)
	}
}

func buildCertifyStore(cfg *config.Config, db *sql.DB) (certify.Store, error) {
	switch cfg.Storage.Certify.Driver {
	case "", "memory":
		return certify.NewMemoryStore(), nil
	case "mysql":
		if db == nil {
			return nil, errors.New("certify 的 mysql 存储需要配置 storage.mysql.dsn")
		}
		return certify.NewMySQLStore(db)
	default:
		return nil, fmt.Errorf("未知的 certify 存储驱动: %s", cfg.Storage.Certify.Driver)
	}
}

func buildTaskStore(cfg *config.Config, db *sql.DB) (task.Store, error) {
	switch cfg.Storage.Task.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		if db == nil {
			return nil, errors.New("task 的 mysql 存储需要配置 storage.mysql.dsn")
		}
		return task.NewMySQLStore(db)
	default:
		return nil, fmt.Errorf("未知的 task 存储驱动: %s", cfg.Storage.Task.Driver)
	}
}

func buildTaskQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.Task.Queue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Queue:    cfg.Task.Queue.Name,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.Task.Queue.AMQPURL,
			Queue:    cfg.Task.Queue.Name,
			Prefetch: cfg.Task.Queue.Workers,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Task.Queue.Driver)
	}
}

func buildBus(cfg *config.Config) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "", "memory":
		return bus.NewMemoryBus(0), nil
	case "redis":
		return bus.NewRedisBus(bus.RedisBusConfig{
			Address:      cfg.Storage.Redis.Address,
			Password:     cfg.Storage.Redis.Password,
			DB:           cfg.Storage.Redis.DB,
			StreamPrefix: cfg.Bus.StreamPrefix,
			MaxStreamLen: cfg.Bus.MaxStreamLen,
		})
	default:
		return nil, fmt.Errorf("未知的总线驱动: %s", cfg.Bus.Driver)
	}
}

func buildAuthority(cfg *config.Config) (authority.Client, error) {
	switch cfg.Authority.Mode {
	case "", "static":
		return authority.NewStatic(), nil
	case "http":
		return authority.NewHTTPClient(authority.Config{
			BaseURL:    cfg.Authority.BaseURL,
			APIKey:     cfg.Authority.APIKey,
			Timeout:    time.Duration(cfg.Authority.TimeoutSeconds) * time.Second,
			MaxRetries: cfg.Authority.MaxRetries,
		})
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("未知的注册表模式: %s", cfg.Authority.Mode)
	}
}

func buildRulebook(cfg *config.Config) (certify.Rulebook, error) {
	if cfg.Certify.Rulebook == "" {
		return certify.DefaultRulebook(), nil
	}
	return certify.LoadRulebook(cfg.Certify.Rulebook, 0)
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: &alerting.DingTalkWebhook{
				URL:    cfg.Alerting.DingTalkWebhook,
				Secret: cfg.Alerting.DingTalkSecret,
			},
		})
	}
	if cfg.Alerting.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.SlackWebhook{URL: cfg.Alerting.SlackWebhook},
			ChannelID: cfg.Alerting.SlackChannel,
		})
	}
	if cfg.Alerting.SMTPAddr != "" && len(cfg.Alerting.EmailRecipients) > 0 {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender: &alerting.SMTPEmail{
				Addr:     cfg.Alerting.SMTPAddr,
				Username: cfg.Alerting.SMTPUsername,
				Password: cfg.Alerting.SMTPPassword,
				From:     cfg.Alerting.EmailFrom,
			},
			To:            cfg.Alerting.EmailRecipients,
			SubjectPrefix: "[OpenSouk]",
		})
	}
	return alerting.NewFanout(notifiers...)
}

func buildWorker(spec config.AgentConfig, marketService *market.Service, certifyService *certify.Service, chain web3.Client, messageBus bus.Bus, rulebook certify.Rulebook) (agent.Worker, error) {
	switch spec.Role {
	case "seller":
		return agent.NewSeller(agent.SellerConfig{
			Name:    spec.Name,
			Market:  marketService,
			Chain:   chain,
			Address: spec.Address,
		})
	case "buyer":
		return agent.NewBuyer(agent.BuyerConfig{
			Name:    spec.Name,
			Market:  marketService,
			Chain:   chain,
			Bus:     messageBus,
			Address: spec.Address,
			Budget:  spec.Budget,
		})
	case "certifier":
		return agent.NewCertifier(agent.CertifierConfig{
			Name:     spec.Name,
			Certify:  certifyService,
			Catalog:  marketService,
			Rulebook: rulebook,
		})
	default:
		return nil, fmt.Errorf("未知的智能体角色: %s", spec.Role)
	}
}

func buildExtensionHost(cfg *config.Config, marketService *market.Service, certifyService *certify.Service, taskService *task.Service, chain web3.Client, messageBus bus.Bus) (*extension.Host, error) {
	hostCfg := extension.HostConfig{
		Extensions: make([]extension.Config, 0, len(cfg.Extensions)),
	}
	for _, ext := range cfg.Extensions {
		hostCfg.Extensions = append(hostCfg.Extensions, extension.Config{
			Name:    ext.Name,
			Path:    ext.Path,
			Enabled: ext.Enabled,
			Grants:  ext.Grants,
			Options: ext.Options,
		})
	}
	return extension.NewHost(hostCfg, extension.WithServices(map[string]any{
		extension.ServiceMarket:  marketService,
		extension.ServiceCertify: certifyService,
		extension.ServiceTasks:   taskService,
		extension.ServiceChain:   chain,
		extension.ServiceBus:     messageBus,
	}))
}
