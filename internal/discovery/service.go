package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/anoixa/product-images/cache"
	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/database/repo/products"
	"github.com/anoixa/product-images/internal/approval"
	"github.com/anoixa/product-images/internal/worker"
	"github.com/rs/zerolog/log"
)

// Config 发现任务参数
type Config struct {
	MaxResults int
	Cooldown   time.Duration
	Timeout    time.Duration
}

// Service 发现服务：异步搜索并登记为 pending 记录
type Service struct {
	searcher Searcher
	approval *approval.Service
	products *products.Repository
	pool     *worker.Pool
	cache    cache.Provider
	cfg      Config
}

// NewService 创建发现服务；provider 为 nil 时不做重复触发保护
func NewService(searcher Searcher, approvals *approval.Service, prods *products.Repository,
	pool *worker.Pool, provider cache.Provider, cfg Config) *Service {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 8
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Service{
		searcher: searcher,
		approval: approvals,
		products: prods,
		pool:     pool,
		cache:    provider,
		cfg:      cfg,
	}
}

// Discover 提交一次异步发现；冷却期内重复调用返回 false
func (s *Service) Discover(ctx context.Context, scope models.Scope) (bool, error) {
	q, err := s.query(ctx, scope)
	if err != nil {
		return false, err
	}

	key := cache.Discovery.BuildID(scope.Key())
	if s.cache != nil {
		exists, err := s.cache.Exists(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("scope", scope.Key()).Msg("Discovery dedupe check failed")
		} else if exists {
			return false, nil
		}
		if err := s.cache.Set(ctx, key, time.Now().Unix(), s.cfg.Cooldown); err != nil {
			log.Warn().Err(err).Str("scope", scope.Key()).Msg("Failed to mark discovery in progress")
		}
	}

	ok := s.pool.Submit(func() {
		runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		if _, err := s.run(runCtx, scope, q); err != nil {
			log.Warn().Err(err).Str("scope", scope.Key()).Msg("Discovery failed")
		}
	})
	if !ok {
		s.release(ctx, key)
		return false, worker.ErrQueueFull
	}
	log.Info().Str("scope", scope.Key()).Str("query", q.Text()).Msg("Discovery enqueued")
	return true, nil
}

// Run 同步执行一次发现，返回新登记的记录
func (s *Service) Run(ctx context.Context, scope models.Scope) ([]*models.ImageRecord, error) {
	q, err := s.query(ctx, scope)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, scope, q)
}

func (s *Service) run(ctx context.Context, scope models.Scope, q Query) ([]*models.ImageRecord, error) {
	urls, err := s.searcher.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search images for %s: %w", scope.Key(), err)
	}
	return s.approval.AddDiscovered(ctx, scope, urls)
}

func (s *Service) release(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, key); err != nil && !cache.IsCacheMiss(err) {
		log.Warn().Err(err).Str("key", key).Msg("Failed to clear discovery marker")
	}
}

// query 根据作用域的锚点行构造搜索条件；锚点不存在时返回 NotFound
func (s *Service) query(ctx context.Context, scope models.Scope) (Query, error) {
	repo := s.products.WithContext(ctx)
	switch scope.Kind {
	case models.ScopeCanonical:
		c, err := repo.GetCanonical(scope.ID)
		if err != nil {
			return Query{}, err
		}
		return Query{Name: c.Name, Brand: c.Brand, Model: c.Model, MaxResults: s.cfg.MaxResults}, nil
	default:
		p, err := repo.GetByID(scope.ID)
		if err != nil {
			return Query{}, err
		}
		return Query{Name: p.Name, Brand: p.Brand, Model: p.Model, MaxResults: s.cfg.MaxResults}, nil
	}
}
