package storage

import (
	"fmt"
	"time"

	"github.com/anoixa/product-images/config"
	"github.com/rs/zerolog/log"
)

// NewProvider 根据配置创建存储提供者
func NewProvider(cfg *config.Config) (Provider, error) {
	log.Info().Str("type", cfg.StorageType).Msg("Initializing storage provider...")

	var (
		provider Provider
		err      error
	)
	switch cfg.StorageType {
	case "", "local":
		provider, err = NewLocalStorage(cfg.StorageLocalPath)
	case "minio":
		provider, err = NewMinioStorage(MinioConfig{
			Endpoint:        cfg.MinioEndpoint,
			AccessKeyID:     cfg.MinioAccessKeyID,
			SecretAccessKey: cfg.MinioSecretAccessKey,
			BucketName:      cfg.MinioBucket,
			UseSSL:          cfg.MinioUseSSL,
		})
	case "webdav":
		provider, err = NewWebDAVStorage(WebDAVConfig{
			URL:      cfg.WebDAVURL,
			Username: cfg.WebDAVUsername,
			Password: cfg.WebDAVPassword,
			RootPath: cfg.WebDAVRoot,
			Timeout:  30 * time.Second,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.StorageType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s storage: %w", cfg.StorageType, err)
	}

	log.Info().Str("provider", provider.Name()).Msg("Storage provider initialized successfully")
	return provider, nil
}

// NewCDNFromConfig 创建存储 + CDN 地址映射
func NewCDNFromConfig(cfg *config.Config) (*CDN, error) {
	provider, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	return NewCDN(provider, cfg.CDNBaseURL)
}
