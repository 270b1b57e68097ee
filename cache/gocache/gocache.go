package gocache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anoixa/product-images/cache/types"
	gocachepkg "github.com/patrickmn/go-cache"
)

// GoCache 基于 patrickmn/go-cache 的内存缓存
type GoCache struct {
	client *gocachepkg.Cache
}

// NewGoCache 创建新的GoCache实例
func NewGoCache(defaultExpiration, cleanupInterval time.Duration) *GoCache {
	return &GoCache{
		client: gocachepkg.New(defaultExpiration, cleanupInterval),
	}
}

// Set 设置缓存项
func (g *GoCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	// 序列化json
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	g.client.Set(key, data, expiration)
	return nil
}

// Get 获取缓存项
func (g *GoCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, found := g.client.Get(key)
	if !found {
		return types.ErrCacheMiss
	}
	raw, ok := data.([]byte)
	if !ok {
		return types.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

// Delete 删除缓存项
func (g *GoCache) Delete(ctx context.Context, key string) error {
	g.client.Delete(key)
	return nil
}

// Exists 检查缓存项是否存在
func (g *GoCache) Exists(ctx context.Context, key string) (bool, error) {
	_, found := g.client.Get(key)
	return found, nil
}

// Close 关闭缓存连接
func (g *GoCache) Close() error {
	// GoCache不需要显式关闭连接
	return nil
}

// Name 返回缓存提供者名称
func (g *GoCache) Name() string {
	return "gocache"
}
