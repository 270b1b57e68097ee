package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/internal/resolver"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// BackfillResult 迁移结果
type BackfillResult struct {
	Created  []*models.ImageRecord `json:"created"`
	Approved int                   `json:"approved"`
	Pending  int                   `json:"pending"`
	Outcome  *Outcome              `json:"outcome"`
}

// Backfill 把内嵌数组中没有对应记录的地址迁移为关系型记录
// 在上限内的按原顺序置为 approved，其余为 pending；第一个旧版主图在作用域尚无主图时保留
func (r *Reconciler) Backfill(ctx context.Context, productID string) (*BackfillResult, error) {
	keys, err := r.productKeys(ctx, productID)
	if err != nil {
		return nil, err
	}
	unlock, err := r.locker.Lock(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("lock product %s: %w", productID, err)
	}
	defer unlock()

	result := &BackfillResult{}
	err = r.db.TransactionWithContext(ctx, func(tx *gorm.DB) error {
		product, err := r.products.WithTx(tx).LockByID(productID)
		if err != nil {
			return err
		}
		recs := r.records.WithTx(tx)
		scope := product.ScopeIDs()

		existing, err := recs.ListByScope(scope)
		if err != nil {
			return err
		}
		known := make(map[string]struct{})
		approved := 0
		hasPrimary := false
		for _, rec := range existing {
			for _, u := range rec.KnownURLs() {
				known[strings.TrimSpace(u)] = struct{}{}
			}
			if rec.ApprovalStatus == models.StatusApproved {
				approved++
			}
			hasPrimary = hasPrimary || rec.IsPrimary
		}

		next, err := recs.NextSortOrder(scope)
		if err != nil {
			return err
		}

		var created []*models.ImageRecord
		for _, img := range resolver.FromEmbedded(product.EmbeddedImages) {
			if _, ok := known[img.URL]; ok {
				continue
			}
			known[img.URL] = struct{}{}

			rec := &models.ImageRecord{
				ExternalURL:    img.URL,
				SourceURLs:     models.SourceURLs{Card: img.CardURL, Thumbnail: img.ThumbnailURL},
				Origin:         models.OriginMigration,
				ApprovalStatus: models.StatusPending,
			}
			scope.Stamp(rec)
			if approved < models.MaxApprovedPerScope {
				rec.ApprovalStatus = models.StatusApproved
				approved++
				result.Approved++
			} else {
				result.Pending++
			}
			if img.IsPrimary && !hasPrimary && rec.ApprovalStatus == models.StatusApproved {
				rec.IsPrimary = true
				rec.SortOrder = 0
				hasPrimary = true
			} else {
				rec.SortOrder = next
				next++
			}
			created = append(created, rec)
		}

		if err := recs.CreateBatch(created); err != nil {
			return err
		}
		result.Created = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(result.Created) > 0 {
		log.Info().Str("product_id", productID).Int("approved", result.Approved).Int("pending", result.Pending).Msg("Backfilled legacy images")
	}

	result.Outcome, err = r.reconcileLocked(ctx, productID)
	if err != nil {
		return result, err
	}
	return result, nil
}
