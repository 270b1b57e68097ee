package approval

import (
	"context"
	"net/url"
	"strings"

	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/internal/errs"
	"github.com/rs/zerolog/log"
)

// validateImageURL 只接受绝对的 http(s) 地址
func validateImageURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errs.Validation(errs.CodeMissingURL, "image url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errs.Validation(errs.CodeInvalidInput, "invalid image url %q", raw)
	}
	return raw, nil
}

// AddImageURL 以 pending 状态登记一个外部地址；作用域内已存在相同地址时返回已有记录
func (s *Service) AddImageURL(ctx context.Context, scope models.Scope, rawURL string) (*models.ImageRecord, bool, error) {
	u, err := validateImageURL(rawURL)
	if err != nil {
		return nil, false, err
	}

	var (
		rec     *models.ImageRecord
		created bool
	)
	_, err = s.mutate(ctx, scope, func(st *scopeTx) error {
		rec, created = nil, false
		existing, err := st.recs.FindByURL(st.ids, u)
		if err != nil {
			return err
		}
		if existing != nil {
			rec = existing
			return nil
		}
		next, err := st.recs.NextSortOrder(st.ids)
		if err != nil {
			return err
		}
		rec = &models.ImageRecord{
			ExternalURL:    u,
			SortOrder:      next,
			ApprovalStatus: models.StatusPending,
			Origin:         models.OriginManual,
		}
		st.ids.Stamp(rec)
		created = true
		return st.recs.Create(rec)
	})
	if err != nil {
		return nil, false, err
	}
	return rec, created, nil
}

// AddDiscovered 登记发现的候选图片，跳过作用域内已知的地址
func (s *Service) AddDiscovered(ctx context.Context, scope models.Scope, urls []string) ([]*models.ImageRecord, error) {
	candidates := make([]string, 0, len(urls))
	for _, raw := range dedupe(urls) {
		u, err := validateImageURL(raw)
		if err != nil {
			log.Debug().Str("url", raw).Msg("Skipping invalid discovered url")
			continue
		}
		candidates = append(candidates, u)
	}
	if len(candidates) == 0 {
		return []*models.ImageRecord{}, nil
	}

	var created []*models.ImageRecord
	_, err := s.mutate(ctx, scope, func(st *scopeTx) error {
		created = nil
		next, err := st.recs.NextSortOrder(st.ids)
		if err != nil {
			return err
		}
		for _, u := range candidates {
			existing, err := st.recs.FindByURL(st.ids, u)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			rec := &models.ImageRecord{
				ExternalURL:    u,
				SortOrder:      next,
				ApprovalStatus: models.StatusPending,
				Origin:         models.OriginDiscovery,
			}
			st.ids.Stamp(rec)
			next++
			created = append(created, rec)
		}
		return st.recs.CreateBatch(created)
	})
	if err != nil {
		return nil, err
	}
	if created == nil {
		created = []*models.ImageRecord{}
	}
	log.Info().Str("scope", scope.Key()).Int("found", len(candidates)).Int("created", len(created)).Msg("Discovered images recorded")
	return created, nil
}

// AddUploaded 登记已经生成变体的图片：未达上限时直接通过，否则为 pending
// externalURL 为变体的来源地址，直接上传时为空
func (s *Service) AddUploaded(ctx context.Context, scope models.Scope, externalURL string, urls models.SourceURLs, publicID string) (*models.ImageRecord, error) {
	if urls.Original == "" {
		return nil, errs.Validation(errs.CodeMissingURL, "uploaded image has no original url")
	}

	var (
		rec     *models.ImageRecord
		created bool
	)
	_, err := s.mutate(ctx, scope, func(st *scopeTx) error {
		rec, created = nil, false
		existing, err := st.recs.FindByURL(st.ids, urls.Original)
		if err != nil {
			return err
		}
		if existing != nil {
			rec = existing
			return nil
		}

		counts, err := st.recs.CountByStatus(st.ids)
		if err != nil {
			return err
		}
		status := models.StatusPending
		if counts.Approved < models.MaxApprovedPerScope {
			status = models.StatusApproved
		}
		next, err := st.recs.NextSortOrder(st.ids)
		if err != nil {
			return err
		}
		rec = &models.ImageRecord{
			ExternalURL:    strings.TrimSpace(externalURL),
			SourceURLs:     urls,
			PublicID:       publicID,
			SortOrder:      next,
			ApprovalStatus: status,
			IsDownloaded:   urls.Complete(),
			Origin:         models.OriginUpload,
		}
		st.ids.Stamp(rec)
		created = true
		return st.recs.Create(rec)
	})
	if err != nil {
		return nil, err
	}
	if created && rec.ApprovalStatus == models.StatusApproved {
		s.metrics.ObserveTransition(string(models.StatusApproved), 1)
	}
	return rec, nil
}

// Find 在作用域内按地址查找记录，未找到时返回 nil
func (s *Service) Find(ctx context.Context, scope models.Scope, rawURL string) (*models.ImageRecord, error) {
	ids, err := s.products.WithContext(ctx).ResolveScope(scope, false)
	if err != nil {
		return nil, err
	}
	return s.records.WithContext(ctx).FindByURL(ids, rawURL)
}

// Get 按 ID 读取记录
func (s *Service) Get(ctx context.Context, imageID string) (*models.ImageRecord, error) {
	return s.records.WithContext(ctx).GetByID(imageID)
}

// GetInScope 读取记录并校验其属于作用域
func (s *Service) GetInScope(ctx context.Context, scope models.Scope, imageID string) (*models.ImageRecord, error) {
	ids, err := s.products.WithContext(ctx).ResolveScope(scope, false)
	if err != nil {
		return nil, err
	}
	st := &scopeTx{ids: ids, recs: s.records.WithContext(ctx)}
	recs, err := st.loadInScope([]string{imageID})
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}
