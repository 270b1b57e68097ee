// Package approval 图片审核状态机
//
// 状态迁移：pending -> approved、pending -> rejected、approved -> rejected、rejected -> pending。
// 同一作用域的读计数与写入在作用域锁和数据库事务内完成，冲突时有限重试。
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anoixa/product-images/database"
	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/database/repo/products"
	"github.com/anoixa/product-images/database/repo/records"
	"github.com/anoixa/product-images/internal/errs"
	"github.com/anoixa/product-images/internal/lock"
	"github.com/anoixa/product-images/internal/metrics"
	"github.com/anoixa/product-images/internal/reconcile"
	"github.com/anoixa/product-images/internal/worker"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// errScopeChanged 加锁前后作用域的匹配列不一致，需要重新加锁
var errScopeChanged = errors.New("scope changed while acquiring lock")

// Result 修改类操作的返回值
type Result struct {
	Counts       records.Counts `json:"counts"`
	Changed      int64          `json:"changed"`
	Enqueued     []string       `json:"enqueued,omitempty"`
	SoftFailures []SoftFailure  `json:"softFailures,omitempty"`
}

// SoftFailure 不影响审核结果的后台任务失败
type SoftFailure struct {
	ImageID string `json:"imageId"`
	Error   string `json:"error"`
}

// Listing 作用域内按状态分组的记录
type Listing struct {
	Approved []*models.ImageRecord `json:"approved"`
	Pending  []*models.ImageRecord `json:"pending"`
	Rejected []*models.ImageRecord `json:"rejected"`
	Counts   records.Counts        `json:"counts"`
}

// FinalizeResult finalize 的返回值，Deleted 供调用方清理 CDN 文件
type FinalizeResult struct {
	Counts  records.Counts        `json:"counts"`
	Deleted []*models.ImageRecord `json:"deleted"`
}

// Service 审核服务
type Service struct {
	db         database.Provider
	records    *records.Repository
	products   *products.Repository
	locker     lock.Locker
	reconciler *reconcile.Reconciler
	dispatcher worker.Dispatcher
	metrics    *metrics.EngineMetrics
	retries    int
}

// NewService 创建审核服务；dispatcher 为 nil 时不触发后台下载
func NewService(db database.Provider, recs *records.Repository, prods *products.Repository, locker lock.Locker,
	reconciler *reconcile.Reconciler, dispatcher worker.Dispatcher, m *metrics.EngineMetrics, retries int) *Service {
	if retries < 0 {
		retries = 0
	}
	return &Service{
		db:         db,
		records:    recs,
		products:   prods,
		locker:     locker,
		reconciler: reconciler,
		dispatcher: dispatcher,
		metrics:    m,
		retries:    retries,
	}
}

// scopeTx 事务内的作用域上下文
type scopeTx struct {
	tx    *gorm.DB
	ids   models.ScopeIDs
	recs  *records.Repository
	prods *products.Repository
}

// loadInScope 读取并校验记录：不存在返回 NotFound，不属于作用域返回校验错误
func (st *scopeTx) loadInScope(ids []string) ([]*models.ImageRecord, error) {
	found, err := st.recs.GetByIDs(ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.ImageRecord, len(found))
	for _, rec := range found {
		byID[rec.ID] = rec
	}

	ordered := make([]*models.ImageRecord, 0, len(ids))
	var foreign []string
	for _, id := range ids {
		rec, ok := byID[id]
		if !ok {
			return nil, errs.NotFound("image", id)
		}
		if !st.ids.Contains(rec) {
			foreign = append(foreign, id)
			continue
		}
		ordered = append(ordered, rec)
	}
	if len(foreign) > 0 {
		v := errs.Validation(errs.CodeCrossScope, "%d image(s) do not belong to this scope", len(foreign))
		v.ImageIDs = foreign
		return nil, v
	}
	return ordered, nil
}

func isConflict(err error) bool {
	return errors.Is(err, errScopeChanged) || errors.Is(err, products.ErrStaleVersion) || database.IsRetryable(err)
}

// mutate 在作用域锁和事务内执行 fn；锁释放后同步受影响的商品
// fn 可能被重试，必须在每次调用时重置自己的输出
func (s *Service) mutate(ctx context.Context, scope models.Scope, fn func(st *scopeTx) error) (models.ScopeIDs, error) {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		ids, affected, err := s.mutateOnce(ctx, scope, fn)
		if err == nil {
			s.syncProducts(ctx, affected)
			return ids, nil
		}
		if !isConflict(err) {
			return models.ScopeIDs{}, err
		}

		lastErr = err
		s.metrics.IncrementSyncConflicts()
		log.Debug().Str("scope", scope.Key()).Int("attempt", attempt+1).Err(err).Msg("Scope mutation conflicted, retrying")

		select {
		case <-ctx.Done():
			return models.ScopeIDs{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	return models.ScopeIDs{}, fmt.Errorf("%s: %w (last error: %v)", scope.Key(), errs.ErrSyncConflict, lastErr)
}

func (s *Service) mutateOnce(ctx context.Context, scope models.Scope, fn func(st *scopeTx) error) (models.ScopeIDs, []string, error) {
	pre, err := s.products.WithContext(ctx).ResolveScope(scope, false)
	if err != nil {
		return models.ScopeIDs{}, nil, err
	}

	unlock, err := s.locker.Lock(ctx, pre.LockKeys()...)
	if err != nil {
		return models.ScopeIDs{}, nil, fmt.Errorf("lock %s: %w", scope.Key(), err)
	}
	defer unlock()

	var (
		ids      models.ScopeIDs
		affected []string
	)
	err = s.db.TransactionWithContext(ctx, func(tx *gorm.DB) error {
		prods := s.products.WithTx(tx)
		fresh, err := prods.ResolveScope(scope, true)
		if err != nil {
			return err
		}
		if fresh != pre {
			return errScopeChanged
		}
		if err := fn(&scopeTx{tx: tx, ids: fresh, recs: s.records.WithTx(tx), prods: prods}); err != nil {
			return err
		}
		ids = fresh
		affected, err = prods.AffectedProductIDs(fresh)
		return err
	})
	return ids, affected, err
}

// syncProducts 提交后同步商品投影；失败只记录日志，投影允许短暂过期
func (s *Service) syncProducts(ctx context.Context, productIDs []string) {
	if s.reconciler == nil || len(productIDs) == 0 {
		return
	}
	if _, err := s.reconciler.ReconcileMany(ctx, productIDs); err != nil {
		log.Warn().Err(err).Strs("products", productIDs).Msg("Post-commit reconcile failed")
	}
}

// pruneDeleted 从受影响商品的内嵌数组中移除已删除记录的地址，返回受影响的商品
func pruneDeleted(prods *products.Repository, ids models.ScopeIDs, deleted []*models.ImageRecord) ([]string, error) {
	affected, err := prods.AffectedProductIDs(ids)
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, rec := range deleted {
		urls = append(urls, rec.KnownURLs()...)
	}
	if _, err := prods.PruneEmbedded(affected, urls); err != nil {
		return nil, err
	}
	return affected, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// List 按状态列出作用域内的记录
func (s *Service) List(ctx context.Context, scope models.Scope) (*Listing, error) {
	ids, err := s.products.WithContext(ctx).ResolveScope(scope, false)
	if err != nil {
		return nil, err
	}
	all, err := s.records.WithContext(ctx).ListByScope(ids)
	if err != nil {
		return nil, err
	}

	l := &Listing{
		Approved: []*models.ImageRecord{},
		Pending:  []*models.ImageRecord{},
		Rejected: []*models.ImageRecord{},
	}
	for _, rec := range all {
		switch rec.ApprovalStatus {
		case models.StatusApproved:
			l.Approved = append(l.Approved, rec)
		case models.StatusPending:
			l.Pending = append(l.Pending, rec)
		case models.StatusRejected:
			l.Rejected = append(l.Rejected, rec)
		}
	}
	l.Counts = records.Counts{Approved: len(l.Approved), Pending: len(l.Pending), Rejected: len(l.Rejected)}
	return l, nil
}
