// Package dbtest 为各包测试提供内存 SQLite 数据库
package dbtest

import (
	"testing"

	"github.com/anoixa/product-images/database"
	"github.com/anoixa/product-images/database/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open 创建独立的内存数据库并完成迁移
// 单连接：事务内只能使用 tx，否则会阻塞
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(models.All()...))

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

// Provider 测试数据库提供者
type Provider = database.GormProvider

// NewProvider 基于内存数据库创建 Provider
func NewProvider(t testing.TB) *Provider {
	return database.NewGormProviderFromDB(Open(t), "sqlite")
}

// SeedProduct 写入一个商品
func SeedProduct(t testing.TB, db *gorm.DB, p *models.Product) *models.Product {
	t.Helper()
	require.NoError(t, db.Create(p).Error)
	return p
}

// SeedCanonical 写入一个规范商品分组
func SeedCanonical(t testing.TB, db *gorm.DB, c *models.CanonicalProduct) *models.CanonicalProduct {
	t.Helper()
	require.NoError(t, db.Create(c).Error)
	return c
}

// SeedRecord 写入一条图片记录
func SeedRecord(t testing.TB, db *gorm.DB, r *models.ImageRecord) *models.ImageRecord {
	t.Helper()
	require.NoError(t, db.Create(r).Error)
	return r
}
