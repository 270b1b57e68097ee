// Package reconcile 让旧版内嵌数组和缓存字段跟随关系型记录
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anoixa/product-images/database"
	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/database/repo/products"
	"github.com/anoixa/product-images/database/repo/records"
	"github.com/anoixa/product-images/internal/errs"
	"github.com/anoixa/product-images/internal/lock"
	"github.com/anoixa/product-images/internal/metrics"
	"github.com/anoixa/product-images/internal/primarycache"
	"github.com/anoixa/product-images/internal/resolver"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var errStaleVersion = errors.New("product images version changed")

// Outcome 单个商品的同步结果
type Outcome struct {
	ProductID string            `json:"productId"`
	Changed   bool              `json:"changed"`
	Source    resolver.Source   `json:"source"`
	Images    int               `json:"images"`
	Cache     models.ImageCache `json:"cache"`
}

// Summary 批量同步统计
type Summary struct {
	Scanned int `json:"scanned"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

// Reconciler 同步器
type Reconciler struct {
	db       database.Provider
	records  *records.Repository
	products *products.Repository
	locker   lock.Locker
	reader   *resolver.Reader
	metrics  *metrics.EngineMetrics
	retries  int
}

// New 创建同步器；reader 用于写入后失效可见集合缓存，可为 nil
func New(db database.Provider, recs *records.Repository, prods *products.Repository, locker lock.Locker, reader *resolver.Reader, m *metrics.EngineMetrics, retries int) *Reconciler {
	if retries < 0 {
		retries = 0
	}
	return &Reconciler{
		db:       db,
		records:  recs,
		products: prods,
		locker:   locker,
		reader:   reader,
		metrics:  m,
		retries:  retries,
	}
}

// productKeys 商品同步需要持有的作用域锁
func (r *Reconciler) productKeys(ctx context.Context, productID string) ([]string, error) {
	product, err := r.products.WithContext(ctx).GetByID(productID)
	if err != nil {
		return nil, err
	}
	return models.ScopeIDs{ProductID: product.ID, CanonicalID: product.CanonicalID}.LockKeys(), nil
}

// Reconcile 重新计算商品可见集合并改写内嵌数组与缓存字段；无变化时不写库
func (r *Reconciler) Reconcile(ctx context.Context, productID string) (*Outcome, error) {
	keys, err := r.productKeys(ctx, productID)
	if err != nil {
		return nil, err
	}
	unlock, err := r.locker.Lock(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("lock product %s: %w", productID, err)
	}
	defer unlock()

	return r.reconcileLocked(ctx, productID)
}

// ReconcileMany 依次同步多个商品，返回全部失败的合并错误
func (r *Reconciler) ReconcileMany(ctx context.Context, productIDs []string) ([]*Outcome, error) {
	outcomes := make([]*Outcome, 0, len(productIDs))
	var errList []error
	for _, id := range productIDs {
		o, err := r.Reconcile(ctx, id)
		if err != nil {
			errList = append(errList, fmt.Errorf("product %s: %w", id, err))
			continue
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, errors.Join(errList...)
}

// ReconcileCanonical 同步规范分组下的全部商品
func (r *Reconciler) ReconcileCanonical(ctx context.Context, canonicalID string) ([]*Outcome, error) {
	prods := r.products.WithContext(ctx)
	if _, err := prods.GetCanonical(canonicalID); err != nil {
		return nil, err
	}
	ids, err := prods.ListIDsByCanonical(canonicalID)
	if err != nil {
		return nil, err
	}
	return r.ReconcileMany(ctx, ids)
}

// ReconcileAll 按 ID 游标分批同步全部商品
func (r *Reconciler) ReconcileAll(ctx context.Context, batchSize int) (Summary, error) {
	if batchSize <= 0 {
		batchSize = 200
	}
	var summary Summary
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		ids, err := r.products.WithContext(ctx).ListIDsAfter(after, batchSize)
		if err != nil {
			return summary, err
		}
		if len(ids) == 0 {
			return summary, nil
		}
		for _, id := range ids {
			summary.Scanned++
			o, err := r.Reconcile(ctx, id)
			if err != nil {
				if errs.IsNotFound(err) {
					continue
				}
				summary.Failed++
				log.Warn().Err(err).Str("product_id", id).Msg("Reconcile failed")
				continue
			}
			if o.Changed {
				summary.Changed++
			}
		}
		after = ids[len(ids)-1]
	}
}

func (r *Reconciler) reconcileLocked(ctx context.Context, productID string) (*Outcome, error) {
	for attempt := 0; attempt <= r.retries; attempt++ {
		var out *Outcome
		err := r.db.TransactionWithContext(ctx, func(tx *gorm.DB) error {
			o, err := r.apply(tx, productID)
			out = o
			return err
		})
		if err == nil {
			r.reader.Invalidate(ctx, productID)
			if out.Changed {
				r.metrics.IncrementReconciles()
				log.Debug().Str("product_id", productID).Str("source", string(out.Source)).Int("images", out.Images).Msg("Embedded images rewritten")
			}
			return out, nil
		}
		if !errors.Is(err, errStaleVersion) && !database.IsRetryable(err) {
			return nil, err
		}
		r.metrics.IncrementSyncConflicts()
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return nil, fmt.Errorf("reconcile product %s: %w", productID, errs.ErrSyncConflict)
}

// apply 在事务内完成一次同步
func (r *Reconciler) apply(tx *gorm.DB, productID string) (*Outcome, error) {
	prods := r.products.WithTx(tx)
	product, err := prods.LockByID(productID)
	if err != nil {
		return nil, err
	}

	v, err := resolver.ResolveProduct(r.records.WithTx(tx), product)
	if err != nil {
		return nil, err
	}
	embedded := resolver.ToEmbedded(v)
	c := primarycache.CacheFor(v)

	out := &Outcome{ProductID: product.ID, Source: v.Source, Images: len(v.Images), Cache: c}
	if resolver.EqualEmbedded(product.EmbeddedImages, embedded) && product.ImageCache() == c {
		return out, nil
	}

	ok, err := prods.UpdateImagesCAS(product.ID, product.ImagesVersion, embedded, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errStaleVersion
	}
	out.Changed = true
	return out, nil
}
