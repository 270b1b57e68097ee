package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/anoixa/product-images/cache/gocache"
	"github.com/anoixa/product-images/cache/memory"
	"github.com/anoixa/product-images/cache/redis"
	"github.com/anoixa/product-images/cache/types"
	"github.com/anoixa/product-images/config"
	"github.com/rs/zerolog/log"
)

// Provider 缓存提供者接口
type Provider = types.Provider

// ErrCacheMiss 缓存未命中错误
var ErrCacheMiss = types.ErrCacheMiss

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return types.IsCacheMiss(err)
}

// NewProvider 根据配置创建缓存提供者
func NewProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	var (
		provider Provider
		err      error
	)

	switch cfg.CacheType {
	case "", "memory":
		provider, err = memory.NewMemory(memory.DefaultConfig())
	case "gocache":
		provider = gocache.NewGoCache(cfg.CacheVisibleTTL, 2*time.Minute)
	case "redis":
		provider, err = redis.NewRedis(ctx, redis.Config{
			Addr:     cfg.CacheRedisAddr,
			Password: cfg.CacheRedisPassword,
			DB:       cfg.CacheRedisDB,
		})
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", cfg.CacheType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s cache: %w", cfg.CacheType, err)
	}

	log.Info().Str("provider", provider.Name()).Msg("Cache provider initialized")
	return provider, nil
}
