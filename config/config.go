package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	globalConfig Config
	once         sync.Once
)

// Config 扁平化配置结构体
type Config struct {
	// 服务器配置
	ServerHost         string        `mapstructure:"server_host"`
	ServerPort         int           `mapstructure:"server_port"`
	ServerReadTimeout  time.Duration `mapstructure:"server_read_timeout"`
	ServerWriteTimeout time.Duration `mapstructure:"server_write_timeout"`
	ServerIdleTimeout  time.Duration `mapstructure:"server_idle_timeout"`
	CorsAllowOrigins   string        `mapstructure:"cors_allow_origins"`

	// 数据库配置
	DBType            string `mapstructure:"db_type"`
	DBHost            string `mapstructure:"db_host"`
	DBPort            int    `mapstructure:"db_port"`
	DBUsername        string `mapstructure:"db_username"`
	DBPassword        string `mapstructure:"db_password"`
	DBName            string `mapstructure:"db_name"`
	DBFilePath        string `mapstructure:"db_file_path"`
	DBMaxOpenConns    int    `mapstructure:"db_max_open_conns"`
	DBMaxIdleConns    int    `mapstructure:"db_max_idle_conns"`
	DBConnMaxLifetime int    `mapstructure:"db_conn_max_lifetime"`

	// 存储 / CDN 配置
	StorageType          string `mapstructure:"storage_type"`
	CDNBaseURL           string `mapstructure:"cdn_base_url"`
	StorageLocalPath     string `mapstructure:"storage_local_path"`
	MinioEndpoint        string `mapstructure:"minio_endpoint"`
	MinioAccessKeyID     string `mapstructure:"minio_access_key_id"`
	MinioSecretAccessKey string `mapstructure:"minio_secret_access_key"`
	MinioBucket          string `mapstructure:"minio_bucket"`
	MinioUseSSL          bool   `mapstructure:"minio_use_ssl"`
	WebDAVURL            string `mapstructure:"webdav_url"`
	WebDAVUsername       string `mapstructure:"webdav_username"`
	WebDAVPassword       string `mapstructure:"webdav_password"`
	WebDAVRoot           string `mapstructure:"webdav_root"`

	// 缓存提供者配置
	CacheType          string        `mapstructure:"cache_type"`
	CacheRedisAddr     string        `mapstructure:"cache_redis_addr"`
	CacheRedisPassword string        `mapstructure:"cache_redis_password"`
	CacheRedisDB       int           `mapstructure:"cache_redis_db"`
	CacheVisibleTTL    time.Duration `mapstructure:"cache_visible_ttl"`

	// 作用域锁配置
	LockType string        `mapstructure:"lock_type"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`

	// 任务分发配置
	QueueType    string `mapstructure:"queue_type"`
	KafkaBrokers string `mapstructure:"kafka_brokers"`
	KafkaTopic   string `mapstructure:"kafka_topic"`
	KafkaGroupID string `mapstructure:"kafka_group_id"`

	// Worker 配置
	WorkerCount     int `mapstructure:"worker_count"`
	WorkerQueueSize int `mapstructure:"worker_queue_size"`

	// 解码前的堆内存上限（MB）
	WorkerMemoryLimitMB int `mapstructure:"worker_memory_limit_mb"`

	// 变体流水线配置
	PipelineProcessor         string        `mapstructure:"pipeline_processor"`
	PipelineMaxDownloadMB     int           `mapstructure:"pipeline_max_download_mb"`
	PipelineFetchTimeout      time.Duration `mapstructure:"pipeline_fetch_timeout"`
	PipelineFetchRetries      int           `mapstructure:"pipeline_fetch_retries"`
	PipelineFetchBackoff      time.Duration `mapstructure:"pipeline_fetch_backoff"`
	PipelineJPEGQuality       int           `mapstructure:"pipeline_jpeg_quality"`
	PipelineUploadConcurrency int           `mapstructure:"pipeline_upload_concurrency"`
	PipelineJobTimeout        time.Duration `mapstructure:"pipeline_job_timeout"`

	// 下载重试配置
	DownloadMaxAttempts int           `mapstructure:"download_max_attempts"`
	RetryScanInterval   time.Duration `mapstructure:"retry_scan_interval"`

	// 审核配置
	ApprovalConflictRetries int `mapstructure:"approval_conflict_retries"`

	// 图片发现配置
	DiscoveryEnabled    bool          `mapstructure:"discovery_enabled"`
	DiscoveryMaxResults int           `mapstructure:"discovery_max_results"`
	DiscoveryRPS        float64       `mapstructure:"discovery_rps"`
	DiscoverySearchURL  string        `mapstructure:"discovery_search_url"`
	DiscoveryCooldown   time.Duration `mapstructure:"discovery_cooldown"`

	// 认证与限流
	JWTSecret         string        `mapstructure:"jwt_secret"`
	JWTTokenTTL       time.Duration `mapstructure:"jwt_token_ttl"`
	RateLimitApiRPS   float64       `mapstructure:"rate_limit_api_rps"`
	RateLimitApiBurst int           `mapstructure:"rate_limit_api_burst"`
	RateLimitExpire   time.Duration `mapstructure:"rate_limit_expire_time"`

	// 日志
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// InitConfig Initialize configuration
func InitConfig() {
	once.Do(func() {
		loadConfig()
	})
}

func Get() *Config {
	return &globalConfig
}

// loadConfig Core configuration loading
func loadConfig() {
	setDefaults()

	configFile := viper.GetString("config_file_path")
	if configFile == "" {
		configFile = ".env"
	}
	viper.SetConfigFile(configFile)
	if strings.HasSuffix(configFile, ".env") {
		viper.SetConfigType("env")
	}

	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintln(os.Stderr, "Info: config file not found, using defaults and environment variables")
	} else {
		fmt.Fprintf(os.Stderr, "Info: Loaded configuration from %s\n", configFile)
	}

	viper.AutomaticEnv()
	for _, key := range viper.AllKeys() {
		_ = viper.BindEnv(key)
	}

	if err := viper.Unmarshal(&globalConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: Unable to unmarshal config, %v\n", err)
		os.Exit(1)
	}

	// WorkerCount: -1 = 使用 CPU 线程数, 0 = 使用默认值 (max(2, CPU核心数)), >0 = 使用指定值
	switch {
	case globalConfig.WorkerCount < 0:
		globalConfig.WorkerCount = runtime.GOMAXPROCS(0)
	case globalConfig.WorkerCount == 0:
		globalConfig.WorkerCount = getCpus()
	}
}

// setDefaults 设置默认值
func setDefaults() {
	viper.SetDefault("server_host", "127.0.0.1")
	viper.SetDefault("server_port", 8080)
	viper.SetDefault("server_read_timeout", "15s")
	viper.SetDefault("server_write_timeout", "60s")
	viper.SetDefault("server_idle_timeout", "120s")
	viper.SetDefault("cors_allow_origins", "*")

	viper.SetDefault("db_type", "sqlite")
	viper.SetDefault("db_host", "localhost")
	viper.SetDefault("db_port", 5432)
	viper.SetDefault("db_username", "postgres")
	viper.SetDefault("db_password", "")
	viper.SetDefault("db_name", "product-images")
	viper.SetDefault("db_file_path", "")
	viper.SetDefault("db_max_open_conns", 100)
	viper.SetDefault("db_max_idle_conns", 25)
	viper.SetDefault("db_conn_max_lifetime", 3600)

	viper.SetDefault("storage_type", "local")
	viper.SetDefault("cdn_base_url", "http://localhost:8080/cdn")
	viper.SetDefault("storage_local_path", "./data/cdn")
	viper.SetDefault("minio_endpoint", "")
	viper.SetDefault("minio_access_key_id", "")
	viper.SetDefault("minio_secret_access_key", "")
	viper.SetDefault("minio_bucket", "product-images")
	viper.SetDefault("minio_use_ssl", false)
	viper.SetDefault("webdav_url", "")
	viper.SetDefault("webdav_username", "")
	viper.SetDefault("webdav_password", "")
	viper.SetDefault("webdav_root", "/product-images")

	viper.SetDefault("cache_type", "memory")
	viper.SetDefault("cache_redis_addr", "localhost:6379")
	viper.SetDefault("cache_redis_password", "")
	viper.SetDefault("cache_redis_db", 0)
	viper.SetDefault("cache_visible_ttl", "10m")

	viper.SetDefault("lock_type", "memory")
	viper.SetDefault("lock_ttl", "30s")

	viper.SetDefault("queue_type", "pool")
	viper.SetDefault("kafka_brokers", "localhost:9092")
	viper.SetDefault("kafka_topic", "product-image-downloads")
	viper.SetDefault("kafka_group_id", "product-images")

	viper.SetDefault("worker_count", 0) // 0 表示使用默认值
	viper.SetDefault("worker_queue_size", 1000)
	viper.SetDefault("worker_memory_limit_mb", 512)

	viper.SetDefault("pipeline_processor", "imaging")
	viper.SetDefault("pipeline_max_download_mb", 20)
	viper.SetDefault("pipeline_fetch_timeout", "20s")
	viper.SetDefault("pipeline_fetch_retries", 3)
	viper.SetDefault("pipeline_fetch_backoff", "500ms")
	viper.SetDefault("pipeline_jpeg_quality", 85)
	viper.SetDefault("pipeline_upload_concurrency", 3)
	viper.SetDefault("pipeline_job_timeout", "2m")

	viper.SetDefault("download_max_attempts", 5)
	viper.SetDefault("retry_scan_interval", "5m")

	viper.SetDefault("approval_conflict_retries", 3)

	viper.SetDefault("discovery_enabled", true)
	viper.SetDefault("discovery_max_results", 8)
	viper.SetDefault("discovery_rps", 1.0)
	viper.SetDefault("discovery_search_url", "https://www.bing.com/images/search?q=%s")
	viper.SetDefault("discovery_cooldown", "2m")

	viper.SetDefault("jwt_secret", "")
	viper.SetDefault("jwt_token_ttl", "24h")
	viper.SetDefault("rate_limit_api_rps", 30.0)
	viper.SetDefault("rate_limit_api_burst", 60)
	viper.SetDefault("rate_limit_expire_time", "10m")

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "console")
}

// Addr 返回监听地址，格式为 "host:port"
func (c *Config) Addr() string {
	host := c.ServerHost
	if host == "" {
		host = "0.0.0.0"
	}
	port := c.ServerPort
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// MaxDownloadBytes 返回外部图片下载大小上限
func (c *Config) MaxDownloadBytes() int64 {
	if c.PipelineMaxDownloadMB <= 0 {
		return 20 * 1024 * 1024
	}
	return int64(c.PipelineMaxDownloadMB) * 1024 * 1024
}

// KafkaBrokerList 拆分 broker 列表
func (c *Config) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// GetWorkerCount 返回 worker 数量
func (c *Config) GetWorkerCount() int {
	if c.WorkerCount <= 0 {
		return getCpus()
	}
	return c.WorkerCount
}

// getCpus 获取默认线程数量
func getCpus() int {
	n := runtime.GOMAXPROCS(0)
	if n < 2 {
		return 2
	}
	return n
}
