package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/internal/errs"
	"github.com/anoixa/product-images/internal/worker"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Approve 通过一组记录
// 只有尚未通过的记录计入 requestedCount；超过上限时不做任何修改
func (s *Service) Approve(ctx context.Context, scope models.Scope, imageIDs []string, rejectRemainingPending bool) (*Result, error) {
	ids := dedupe(imageIDs)
	if len(ids) == 0 {
		return nil, errs.Validation(errs.CodeInvalidInput, "at least one image id is required")
	}

	var (
		res   *Result
		newly []*models.ImageRecord
	)
	_, err := s.mutate(ctx, scope, func(st *scopeTx) error {
		res, newly = &Result{}, nil

		recs, err := st.loadInScope(ids)
		if err != nil {
			return err
		}
		toApprove := make([]string, 0, len(recs))
		for _, rec := range recs {
			switch rec.ApprovalStatus {
			case models.StatusApproved:
				continue
			case models.StatusRejected:
				return errs.Validation(errs.CodeInvalidTransition, "image %s is rejected; restore it before approving", rec.ID)
			}
			toApprove = append(toApprove, rec.ID)
			newly = append(newly, rec)
		}

		counts, err := st.recs.CountByStatus(st.ids)
		if err != nil {
			return err
		}
		if counts.Approved+len(toApprove) > models.MaxApprovedPerScope {
			return errs.CapExceeded(counts.Approved, len(toApprove), models.MaxApprovedPerScope)
		}

		n, err := st.recs.SetStatus(toApprove, []models.ApprovalStatus{models.StatusPending}, models.StatusApproved)
		if err != nil {
			return err
		}
		if int(n) != len(toApprove) {
			return errScopeChanged
		}
		res.Changed = n

		if rejectRemainingPending {
			rejected, err := st.recs.RejectPending(st.ids, ids)
			if err != nil {
				return err
			}
			res.Changed += rejected
		}

		res.Counts, err = st.recs.CountByStatus(st.ids)
		return err
	})
	if err != nil {
		if v, ok := capError(err); ok {
			s.metrics.IncrementCapRejections()
			log.Info().Str("scope", scope.Key()).Int("current", v.CurrentApprovedCount).Int("requested", v.RequestedCount).Msg("Approval rejected by cap")
		}
		return nil, err
	}

	s.metrics.ObserveTransition(string(models.StatusApproved), len(newly))
	s.enqueueDownloads(ctx, newly, res)
	return res, nil
}

func capError(err error) (*errs.ValidationError, bool) {
	var v *errs.ValidationError
	if !errors.As(err, &v) || v.Code != errs.CodeCapExceeded {
		return nil, false
	}
	return v, true
}

// enqueueDownloads 为尚未下载的新通过记录分发下载任务；失败只作为软失败返回
func (s *Service) enqueueDownloads(ctx context.Context, recs []*models.ImageRecord, res *Result) {
	if s.dispatcher == nil {
		return
	}
	for _, rec := range recs {
		if rec.IsDownloaded {
			continue
		}
		err := s.dispatcher.Dispatch(ctx, worker.DownloadJob{RecordID: rec.ID, Reason: worker.ReasonApproval})
		if err != nil {
			log.Warn().Err(err).Str("record_id", rec.ID).Msg("Failed to enqueue download")
			res.SoftFailures = append(res.SoftFailures, SoftFailure{ImageID: rec.ID, Error: err.Error()})
			continue
		}
		res.Enqueued = append(res.Enqueued, rec.ID)
	}
}

// SetPrimary 设为主图；目标未通过时一并通过（受上限约束），作用域内其余主图标记被清除
func (s *Service) SetPrimary(ctx context.Context, scope models.Scope, imageID string) (*Result, error) {
	ids := dedupe([]string{imageID})
	if len(ids) == 0 {
		return nil, errs.Validation(errs.CodeInvalidInput, "image id is required")
	}

	var (
		res     *Result
		flipped *models.ImageRecord
	)
	_, err := s.mutate(ctx, scope, func(st *scopeTx) error {
		res, flipped = &Result{}, nil

		recs, err := st.loadInScope(ids)
		if err != nil {
			return err
		}
		rec := recs[0]

		switch rec.ApprovalStatus {
		case models.StatusRejected:
			return errs.Validation(errs.CodeInvalidTransition, "image %s is rejected; restore it before making it primary", rec.ID)
		case models.StatusPending:
			counts, err := st.recs.CountByStatus(st.ids)
			if err != nil {
				return err
			}
			if counts.Approved+1 > models.MaxApprovedPerScope {
				return errs.CapExceeded(counts.Approved, 1, models.MaxApprovedPerScope)
			}
			flipped = rec
		}

		if err := st.recs.ClearPrimary(st.ids, rec.ID); err != nil {
			return err
		}
		if err := st.recs.MarkPrimary(rec.ID); err != nil {
			return err
		}
		res.Changed = 1

		res.Counts, err = st.recs.CountByStatus(st.ids)
		return err
	})
	if err != nil {
		if _, ok := capError(err); ok {
			s.metrics.IncrementCapRejections()
		}
		return nil, err
	}

	if flipped != nil {
		s.metrics.ObserveTransition(string(models.StatusApproved), 1)
		s.enqueueDownloads(ctx, []*models.ImageRecord{flipped}, res)
	}
	return res, nil
}

// RejectAll 拒绝作用域内全部 pending 记录，可重复调用
func (s *Service) RejectAll(ctx context.Context, scope models.Scope) (*Result, error) {
	var res *Result
	_, err := s.mutate(ctx, scope, func(st *scopeTx) error {
		res = &Result{}
		n, err := st.recs.RejectPending(st.ids, nil)
		if err != nil {
			return err
		}
		res.Changed = n
		res.Counts, err = st.recs.CountByStatus(st.ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveTransition(string(models.StatusRejected), int(res.Changed))
	return res, nil
}

// Reject 拒绝指定记录；主图被拒绝时失去主图标记
func (s *Service) Reject(ctx context.Context, scope models.Scope, imageIDs []string) (*Result, error) {
	ids := dedupe(imageIDs)
	if len(ids) == 0 {
		return nil, errs.Validation(errs.CodeInvalidInput, "at least one image id is required")
	}

	var res *Result
	_, err := s.mutate(ctx, scope, func(st *scopeTx) error {
		res = &Result{}
		if _, err := st.loadInScope(ids); err != nil {
			return err
		}
		n, err := st.recs.SetStatus(ids, []models.ApprovalStatus{models.StatusPending, models.StatusApproved}, models.StatusRejected)
		if err != nil {
			return err
		}
		res.Changed = n
		res.Counts, err = st.recs.CountByStatus(st.ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveTransition(string(models.StatusRejected), int(res.Changed))
	return res, nil
}

// Restore 把被拒绝的记录恢复为 pending
func (s *Service) Restore(ctx context.Context, scope models.Scope, imageIDs []string) (*Result, error) {
	ids := dedupe(imageIDs)
	if len(ids) == 0 {
		return nil, errs.Validation(errs.CodeInvalidInput, "at least one image id is required")
	}

	var res *Result
	_, err := s.mutate(ctx, scope, func(st *scopeTx) error {
		res = &Result{}
		recs, err := st.loadInScope(ids)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.ApprovalStatus == models.StatusApproved {
				return errs.Validation(errs.CodeInvalidTransition, "image %s is approved; only rejected images can be restored", rec.ID)
			}
		}
		n, err := st.recs.SetStatus(ids, []models.ApprovalStatus{models.StatusRejected}, models.StatusPending)
		if err != nil {
			return err
		}
		res.Changed = n
		res.Counts, err = st.recs.CountByStatus(st.ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveTransition(string(models.StatusPending), int(res.Changed))
	return res, nil
}

// Finalize 要求至少一条已通过且恰好一个主图，然后删除所有未通过的记录；前置条件不满足时不删除任何记录
func (s *Service) Finalize(ctx context.Context, scope models.Scope) (*FinalizeResult, error) {
	var res *FinalizeResult
	_, err := s.mutate(ctx, scope, func(st *scopeTx) error {
		res = &FinalizeResult{}

		counts, err := st.recs.CountByStatus(st.ids)
		if err != nil {
			return err
		}
		primaries, err := st.recs.CountPrimary(st.ids)
		if err != nil {
			return err
		}
		if counts.Approved < 1 || primaries != 1 {
			return errs.Validation(errs.CodeFinalizeNotReady,
				"finalize requires at least one approved image and exactly one primary (approved=%d, primary=%d)",
				counts.Approved, primaries)
		}

		doomed, err := st.recs.ListByScope(st.ids, models.StatusPending, models.StatusRejected)
		if err != nil {
			return err
		}
		n, err := st.recs.DeleteNotApproved(st.ids)
		if err != nil {
			return err
		}
		if int(n) != len(doomed) {
			return errScopeChanged
		}

		if _, err := pruneDeleted(st.prods, st.ids, doomed); err != nil {
			return err
		}

		res.Deleted = doomed
		res.Counts, err = st.recs.CountByStatus(st.ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("scope", scope.Key()).Int("deleted", len(res.Deleted)).Msg("Scope finalized")
	return res, nil
}

// Delete 运维删除单条记录，返回被删除的记录供调用方清理 CDN 文件
func (s *Service) Delete(ctx context.Context, imageID string) (*models.ImageRecord, error) {
	rec, err := s.records.WithContext(ctx).GetByID(imageID)
	if err != nil {
		return nil, err
	}
	ids := models.ScopeIDs{ProductID: rec.ProductScopeID, CanonicalID: rec.CanonicalScopeID}

	unlock, err := s.locker.Lock(ctx, ids.LockKeys()...)
	if err != nil {
		return nil, fmt.Errorf("lock image %s: %w", imageID, err)
	}

	var affected []string
	err = s.db.TransactionWithContext(ctx, func(tx *gorm.DB) error {
		if err := s.records.WithTx(tx).Delete(imageID); err != nil {
			return err
		}
		var err error
		affected, err = pruneDeleted(s.products.WithTx(tx), ids, []*models.ImageRecord{rec})
		return err
	})
	unlock()
	if err != nil {
		return nil, err
	}

	s.syncProducts(ctx, affected)
	log.Info().Str("record_id", imageID).Msg("Image record deleted")
	return rec, nil
}
