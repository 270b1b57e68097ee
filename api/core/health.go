package core

import (
	"context"
	"time"

	"github.com/anoixa/product-images/cache"
	"github.com/anoixa/product-images/database"
	"github.com/anoixa/product-images/storage"
)

const healthTimeout = 3 * time.Second

func checkDatabaseHealth(provider database.Provider) string {
	if provider == nil {
		return "not initialized"
	}

	db := provider.DB()
	if db == nil {
		return "not initialized"
	}
	sqlDB, err := db.DB()
	if err != nil {
		return "error: " + err.Error()
	}
	if err := sqlDB.Ping(); err != nil {
		return "unavailable: " + err.Error()
	}
	return "ok"
}

func checkCacheHealth(ctx context.Context, provider cache.Provider) string {
	if provider == nil {
		// 未配置缓存时读路径直接查库
		return "ok"
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if _, err := provider.Exists(ctx, "health:probe"); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func checkStorageHealth(ctx context.Context, provider storage.Provider) string {
	if provider == nil {
		return "not initialized"
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := provider.Health(ctx); err != nil {
		return "error: " + err.Error()
	}

	return "ok"
}
