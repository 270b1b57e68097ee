package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/anoixa/product-images/cache"
	cacheredis "github.com/anoixa/product-images/cache/redis"
	"github.com/anoixa/product-images/config"
	"github.com/anoixa/product-images/database"
	"github.com/anoixa/product-images/database/repo/products"
	"github.com/anoixa/product-images/database/repo/records"
	"github.com/anoixa/product-images/internal/approval"
	"github.com/anoixa/product-images/internal/auth"
	"github.com/anoixa/product-images/internal/discovery"
	"github.com/anoixa/product-images/internal/download"
	"github.com/anoixa/product-images/internal/engine"
	"github.com/anoixa/product-images/internal/lock"
	"github.com/anoixa/product-images/internal/metrics"
	"github.com/anoixa/product-images/internal/primarycache"
	"github.com/anoixa/product-images/internal/reconcile"
	"github.com/anoixa/product-images/internal/resolver"
	"github.com/anoixa/product-images/internal/variant"
	"github.com/anoixa/product-images/internal/variant/vipsproc"
	"github.com/anoixa/product-images/internal/worker"
	"github.com/anoixa/product-images/storage"
	"github.com/anoixa/product-images/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Container 依赖注入容器 - 管理所有服务的生命周期
type Container struct {
	config          *config.Config
	databaseFactory *database.Factory
	cacheProvider   cache.Provider
	cdn             *storage.CDN
	locker          lock.Locker
	metrics         *metrics.EngineMetrics
	pool            *worker.Pool
	dispatcher      worker.Dispatcher
	consumer        *worker.KafkaConsumer
	retryScanner    *download.RetryScanner
	jwtService      *auth.JWTService
	engine          *engine.Engine
	vipsStarted     bool

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	Records  *records.Repository
	Products *products.Repository
}

// NewContainer 创建新的依赖注入容器
func NewContainer(cfg *config.Config) *Container {
	return &Container{
		config:     cfg,
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
}

// UseRegistry 使用独立的指标注册表
func (c *Container) UseRegistry(reg *prometheus.Registry) {
	c.registerer = reg
	c.gatherer = reg
}

// Registry 指标注册与导出
func (c *Container) Registry() (prometheus.Registerer, prometheus.Gatherer) {
	return c.registerer, c.gatherer
}

// Init 初始化数据库与全部服务
func (c *Container) Init(ctx context.Context) error {
	if err := c.InitDatabase(); err != nil {
		return err
	}
	if err := c.InitServices(ctx); err != nil {
		return err
	}
	return nil
}

// InitDatabase 初始化数据库连接与仓库
func (c *Container) InitDatabase() error {
	log.Debug().Msg("Initializing DI container...")

	factory, err := database.NewFactory(c.config)
	if err != nil {
		return fmt.Errorf("failed to initialize database factory: %w", err)
	}
	c.databaseFactory = factory

	db := factory.GetProvider().DB()
	c.Records = records.NewRepository(db)
	c.Products = products.NewRepository(db)

	log.Debug().Msg("Repositories initialized")
	return nil
}

// InitServices 按依赖顺序组装引擎
func (c *Container) InitServices(ctx context.Context) error {
	if c.databaseFactory == nil {
		return fmt.Errorf("database must be initialized before services")
	}
	cfg := c.config
	provider := c.databaseFactory.GetProvider()

	m, err := metrics.NewEngineMetrics(c.registerer)
	if err != nil {
		return err
	}
	c.metrics = m

	if c.cacheProvider, err = cache.NewProvider(ctx, cfg); err != nil {
		return err
	}
	if c.cdn, err = storage.NewCDNFromConfig(cfg); err != nil {
		return err
	}
	if c.locker, err = c.newLocker(ctx); err != nil {
		return err
	}

	pipeline := c.newPipeline()
	reader := resolver.NewReader(c.Records, c.Products, c.cacheProvider, cfg.CacheVisibleTTL, m)
	reconciler := reconcile.New(provider, c.Records, c.Products, c.locker, reader, m, cfg.ApprovalConflictRetries)
	downloads := download.NewService(c.Records, c.Products, pipeline, reconciler, m, download.Config{
		MaxAttempts:  cfg.DownloadMaxAttempts,
		RetryBackoff: cfg.RetryScanInterval,
	})

	c.pool = worker.NewPool(cfg.GetWorkerCount(), cfg.WorkerQueueSize)
	if err := c.initDispatcher(downloads.Handle); err != nil {
		return err
	}

	approvals := approval.NewService(provider, c.Records, c.Products, c.locker, reconciler, c.dispatcher, m, cfg.ApprovalConflictRetries)

	var discoverySvc *discovery.Service
	if cfg.DiscoveryEnabled {
		searcher := discovery.NewHTMLSearcher(&http.Client{Timeout: cfg.PipelineFetchTimeout}, cfg.DiscoverySearchURL, cfg.DiscoveryRPS)
		discoverySvc = discovery.NewService(searcher, approvals, c.Products, c.pool, c.cacheProvider, discovery.Config{
			MaxResults: cfg.DiscoveryMaxResults,
			Cooldown:   cfg.DiscoveryCooldown,
			Timeout:    cfg.PipelineJobTimeout,
		})
	}

	c.retryScanner = download.NewRetryScanner(c.Records, c.dispatcher, cfg.RetryScanInterval, cfg.DownloadMaxAttempts)

	c.engine = &engine.Engine{
		Approval:   approvals,
		Download:   downloads,
		Discovery:  discoverySvc,
		Reconciler: reconciler,
		Reader:     reader,
		Cache:      primarycache.NewWriter(provider, c.Records, c.Products, cfg.ApprovalConflictRetries),
		Pipeline:   pipeline,
		Products:   c.Products,
	}

	log.Info().
		Str("cache", c.cacheProvider.Name()).
		Str("storage", c.cdn.Provider().Name()).
		Str("queue", cfg.QueueType).
		Str("lock", cfg.LockType).
		Bool("discovery", discoverySvc != nil).
		Msg("Image engine initialized")
	return nil
}

// newLocker 单实例使用进程内锁，多实例部署使用 Redis
func (c *Container) newLocker(ctx context.Context) (lock.Locker, error) {
	cfg := c.config
	switch cfg.LockType {
	case "", "memory":
		return lock.NewMemoryLocker(), nil
	case "redis":
		// 缓存同为 Redis 时复用连接
		if rc, ok := c.cacheProvider.(*cacheredis.Redis); ok {
			return lock.NewRedisLocker(rc.Client(), cfg.LockTTL), nil
		}
		client, err := cacheredis.NewClient(ctx, cacheredis.Config{
			Addr:     cfg.CacheRedisAddr,
			Password: cfg.CacheRedisPassword,
			DB:       cfg.CacheRedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis lock: %w", err)
		}
		return lock.NewRedisLocker(client, cfg.LockTTL), nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", cfg.LockType)
	}
}

// newPipeline 创建变体流水线
func (c *Container) newPipeline() *variant.Pipeline {
	cfg := c.config

	var processor variant.Processor = variant.NewImagingProcessor()
	if cfg.PipelineProcessor == "vips" {
		vipsproc.Startup()
		c.vipsStarted = true
		processor = vipsproc.New()
	}

	fetcher := variant.NewFetcher(&http.Client{Timeout: cfg.PipelineFetchTimeout}, variant.FetcherConfig{
		Timeout:  cfg.PipelineFetchTimeout,
		MaxBytes: cfg.MaxDownloadBytes(),
		Retries:  cfg.PipelineFetchRetries,
		Backoff:  cfg.PipelineFetchBackoff,
	})
	return variant.NewPipeline(c.cdn, fetcher, processor, variant.Options{
		Quality:           cfg.PipelineJPEGQuality,
		UploadConcurrency: cfg.PipelineUploadConcurrency,
		MemoryGuard:       cfg.CheckMemoryLimitWithGC,
	}, c.metrics)
}

// initDispatcher 下载任务分发：进程内协程池或 Kafka
func (c *Container) initDispatcher(handler worker.Handler) error {
	cfg := c.config
	switch cfg.QueueType {
	case "", "pool":
		c.dispatcher = worker.NewPoolDispatcher(c.pool, handler, cfg.PipelineJobTimeout)
	case "kafka":
		kcfg := worker.KafkaConfig{
			Brokers: cfg.KafkaBrokerList(),
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}
		dispatcher, err := worker.NewKafkaDispatcher(kcfg)
		if err != nil {
			return fmt.Errorf("failed to initialize kafka dispatcher: %w", err)
		}
		consumer, err := worker.NewKafkaConsumer(kcfg, c.pool, handler, cfg.PipelineJobTimeout)
		if err != nil {
			_ = dispatcher.Close()
			return fmt.Errorf("failed to initialize kafka consumer: %w", err)
		}
		c.dispatcher = dispatcher
		c.consumer = consumer
	default:
		return fmt.Errorf("unsupported queue type: %s", cfg.QueueType)
	}
	return nil
}

// StartBackground 启动重试扫描器和 Kafka 消费者
func (c *Container) StartBackground(ctx context.Context) {
	if c.retryScanner != nil {
		c.retryScanner.Start()
	}
	if c.consumer != nil {
		utils.SafeGo("kafka-consumer", func() {
			if err := c.consumer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Kafka download consumer stopped")
			}
		})
	}
}

// JWT 获取 JWT 服务，未配置密钥时返回错误
func (c *Container) JWT() (*auth.JWTService, error) {
	if c.jwtService != nil {
		return c.jwtService, nil
	}
	svc, err := auth.NewJWTService(c.config.JWTSecret, c.config.JWTTokenTTL)
	if err != nil {
		return nil, err
	}
	c.jwtService = svc
	return svc, nil
}

// Engine 获取图片引擎
func (c *Container) Engine() *engine.Engine {
	return c.engine
}

// GetDatabaseProvider 获取数据库提供者
func (c *Container) GetDatabaseProvider() database.Provider {
	if c.databaseFactory == nil {
		return nil
	}
	return c.databaseFactory.GetProvider()
}

// GetDatabaseFactory 获取数据库工厂
func (c *Container) GetDatabaseFactory() *database.Factory {
	return c.databaseFactory
}

// Cache 获取缓存提供者
func (c *Container) Cache() cache.Provider {
	return c.cacheProvider
}

// Storage 获取存储提供者
func (c *Container) Storage() storage.Provider {
	if c.cdn == nil {
		return nil
	}
	return c.cdn.Provider()
}

// Pool 获取后台协程池
func (c *Container) Pool() *worker.Pool {
	return c.pool
}

// GetConfig 获取配置
func (c *Container) GetConfig() *config.Config {
	return c.config
}

// Close 关闭所有服务：先停生产者，再停协程池，最后关闭连接
func (c *Container) Close() error {
	log.Debug().Msg("Closing DI container...")

	if c.retryScanner != nil {
		c.retryScanner.Stop()
	}
	if c.consumer != nil {
		if err := c.consumer.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing kafka consumer")
		}
	}
	if c.dispatcher != nil {
		if err := c.dispatcher.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing download dispatcher")
		}
	}
	if c.pool != nil {
		c.pool.Stop()
	}
	if c.cacheProvider != nil {
		if err := c.cacheProvider.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing cache provider")
		}
	}
	if c.vipsStarted {
		vipsproc.Shutdown()
	}

	if c.databaseFactory != nil {
		if err := c.databaseFactory.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing database factory")
			return err
		}
	}

	log.Debug().Msg("DI container closed")
	return nil
}

// ShutdownTimeout 优雅退出的等待时间
const ShutdownTimeout = 10 * time.Second
