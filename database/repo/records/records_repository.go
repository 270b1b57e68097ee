// Package records 图片记录仓库
package records

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/internal/errs"
	"gorm.io/gorm"
)

// 作用域内的展示顺序
const orderVisible = "is_primary desc, sort_order asc, created_at asc"

// Counts 作用域内各状态的记录数
type Counts struct {
	Approved int `json:"approved"`
	Pending  int `json:"pending"`
	Rejected int `json:"rejected"`
}

// Repository 图片记录仓库
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建新的图片记录仓库
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithContext 返回带上下文的仓库
func (r *Repository) WithContext(ctx context.Context) *Repository {
	return &Repository{db: r.db.WithContext(ctx)}
}

// WithTx 返回绑定到事务的仓库
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx}
}

// DB 返回底层连接
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// inScope 追加作用域条件
func inScope(db *gorm.DB, ids models.ScopeIDs) *gorm.DB {
	switch {
	case ids.ProductID != "" && ids.CanonicalID != "":
		return db.Where("(product_scope_id = ? OR canonical_scope_id = ?)", ids.ProductID, ids.CanonicalID)
	case ids.ProductID != "":
		return db.Where("product_scope_id = ?", ids.ProductID)
	case ids.CanonicalID != "":
		return db.Where("canonical_scope_id = ?", ids.CanonicalID)
	default:
		return db.Where("1 = 0")
	}
}

// Create 创建记录
func (r *Repository) Create(record *models.ImageRecord) error {
	if record.ProductScopeID == "" && record.CanonicalScopeID == "" {
		return errs.Validation(errs.CodeInvalidInput, "image record needs a product or canonical scope")
	}
	return r.db.Create(record).Error
}

// CreateBatch 批量创建记录
func (r *Repository) CreateBatch(records []*models.ImageRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if rec.ProductScopeID == "" && rec.CanonicalScopeID == "" {
			return errs.Validation(errs.CodeInvalidInput, "image record needs a product or canonical scope")
		}
	}
	return r.db.Create(&records).Error
}

// GetByID 根据 ID 获取记录
func (r *Repository) GetByID(id string) (*models.ImageRecord, error) {
	var record models.ImageRecord
	err := r.db.Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("image", id)
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetByIDs 批量获取记录（使用 IN 语句），不存在的 ID 被忽略
func (r *Repository) GetByIDs(ids []string) ([]*models.ImageRecord, error) {
	if len(ids) == 0 {
		return []*models.ImageRecord{}, nil
	}
	var records []*models.ImageRecord
	err := r.db.Where("id IN ?", ids).Find(&records).Error
	return records, err
}

// ListByScope 按展示顺序列出作用域内的记录，可按状态过滤
func (r *Repository) ListByScope(ids models.ScopeIDs, statuses ...models.ApprovalStatus) ([]*models.ImageRecord, error) {
	var records []*models.ImageRecord
	db := inScope(r.db.Model(&models.ImageRecord{}), ids)
	if len(statuses) > 0 {
		db = db.Where("approval_status IN ?", statuses)
	}
	err := db.Order(orderVisible).Find(&records).Error
	return records, err
}

// ListApprovedByProduct 商品作用域内已通过的记录
func (r *Repository) ListApprovedByProduct(productID string) ([]*models.ImageRecord, error) {
	if productID == "" {
		return []*models.ImageRecord{}, nil
	}
	var records []*models.ImageRecord
	err := r.db.Where("product_scope_id = ? AND approval_status = ?", productID, models.StatusApproved).
		Order(orderVisible).Find(&records).Error
	return records, err
}

// ListApprovedByCanonical 规范商品作用域内已通过的记录
func (r *Repository) ListApprovedByCanonical(canonicalID string) ([]*models.ImageRecord, error) {
	if canonicalID == "" {
		return []*models.ImageRecord{}, nil
	}
	var records []*models.ImageRecord
	err := r.db.Where("canonical_scope_id = ? AND approval_status = ?", canonicalID, models.StatusApproved).
		Order(orderVisible).Find(&records).Error
	return records, err
}

// CountByStatus 统计作用域内各状态数量
func (r *Repository) CountByStatus(ids models.ScopeIDs) (Counts, error) {
	var rows []struct {
		ApprovalStatus models.ApprovalStatus
		Count          int
	}
	err := inScope(r.db.Model(&models.ImageRecord{}), ids).
		Select("approval_status, COUNT(*) as count").
		Group("approval_status").
		Scan(&rows).Error
	if err != nil {
		return Counts{}, err
	}

	var counts Counts
	for _, row := range rows {
		switch row.ApprovalStatus {
		case models.StatusApproved:
			counts.Approved = row.Count
		case models.StatusPending:
			counts.Pending = row.Count
		case models.StatusRejected:
			counts.Rejected = row.Count
		}
	}
	return counts, nil
}

// SetStatus 将 ID 列表中处于 from 状态的记录改为 to
func (r *Repository) SetStatus(ids []string, from []models.ApprovalStatus, to models.ApprovalStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	updates := map[string]interface{}{
		"approval_status": to,
		"updated_at":      time.Now(),
	}
	// 主图必须是已通过状态
	if to != models.StatusApproved {
		updates["is_primary"] = false
	}
	result := r.db.Model(&models.ImageRecord{}).
		Where("id IN ? AND approval_status IN ?", ids, from).
		Updates(updates)
	return result.RowsAffected, result.Error
}

// RejectPending 将作用域内仍为 pending 的记录全部拒绝，exclude 中的 ID 除外
func (r *Repository) RejectPending(ids models.ScopeIDs, exclude []string) (int64, error) {
	db := inScope(r.db.Model(&models.ImageRecord{}), ids).
		Where("approval_status = ?", models.StatusPending)
	if len(exclude) > 0 {
		db = db.Where("id NOT IN ?", exclude)
	}
	result := db.Updates(map[string]interface{}{
		"approval_status": models.StatusRejected,
		"is_primary":      false,
		"updated_at":      time.Now(),
	})
	return result.RowsAffected, result.Error
}

// ClearPrimary 取消作用域内除 keepID 外所有记录的主图标记
func (r *Repository) ClearPrimary(ids models.ScopeIDs, keepID string) error {
	db := inScope(r.db.Model(&models.ImageRecord{}), ids).Where("is_primary = ?", true)
	if keepID != "" {
		db = db.Where("id <> ?", keepID)
	}
	return db.Updates(map[string]interface{}{
		"is_primary": false,
		"updated_at": time.Now(),
	}).Error
}

// MarkPrimary 设为主图：同时置为已通过并把排序移到 0
func (r *Repository) MarkPrimary(id string) error {
	result := r.db.Model(&models.ImageRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"is_primary":      true,
		"approval_status": models.StatusApproved,
		"sort_order":      0,
		"updated_at":      time.Now(),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errs.NotFound("image", id)
	}
	return nil
}

// CountPrimary 作用域内主图数量
func (r *Repository) CountPrimary(ids models.ScopeIDs) (int64, error) {
	var count int64
	err := inScope(r.db.Model(&models.ImageRecord{}), ids).Where("is_primary = ?", true).Count(&count).Error
	return count, err
}

// DeleteNotApproved 删除作用域内所有未通过的记录
func (r *Repository) DeleteNotApproved(ids models.ScopeIDs) (int64, error) {
	result := inScope(r.db, ids).
		Where("approval_status <> ?", models.StatusApproved).
		Delete(&models.ImageRecord{})
	return result.RowsAffected, result.Error
}

// Delete 删除单条记录
func (r *Repository) Delete(id string) error {
	result := r.db.Where("id = ?", id).Delete(&models.ImageRecord{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errs.NotFound("image", id)
	}
	return nil
}

// NextSortOrder 作用域内下一个可用的排序值
func (r *Repository) NextSortOrder(ids models.ScopeIDs) (int, error) {
	var max sql.NullInt64
	row := inScope(r.db.Model(&models.ImageRecord{}), ids).Select("MAX(sort_order)").Row()
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// FindByURL 在作用域内按任意已知地址查找记录
func (r *Repository) FindByURL(ids models.ScopeIDs, url string) (*models.ImageRecord, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, nil
	}
	records, err := r.ListByScope(ids)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		for _, known := range rec.KnownURLs() {
			if strings.TrimSpace(known) == url {
				return rec, nil
			}
		}
	}
	return nil, nil
}

// MarkDownloaded CAS：仅在尚未下载时写入 CDN 地址
func (r *Repository) MarkDownloaded(id string, urls models.SourceURLs, publicID string) (bool, error) {
	result := r.db.Model(&models.ImageRecord{}).
		Where("id = ? AND is_downloaded = ?", id, false).
		Updates(map[string]interface{}{
			"source_urls":    urls,
			"public_id":      publicID,
			"is_downloaded":  true,
			"download_error": "",
			"next_retry_at":  nil,
			"updated_at":     time.Now(),
		})
	return result.RowsAffected > 0, result.Error
}

// MarkDownloadFailed 记录下载失败；retryable 为 false 时直接耗尽重试次数
func (r *Repository) MarkDownloadFailed(id, errMsg string, retryable bool, baseBackoff time.Duration, maxAttempts int) error {
	var record models.ImageRecord
	if err := r.db.Select("id", "download_attempts").Where("id = ?", id).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.NotFound("image", id)
		}
		return err
	}

	updates := map[string]interface{}{
		"download_error": errMsg,
		"updated_at":     time.Now(),
	}
	if retryable {
		updates["download_attempts"] = gorm.Expr("download_attempts + 1")
		updates["next_retry_at"] = time.Now().Add(calculateBackoff(baseBackoff, record.DownloadAttempts))
	} else {
		updates["download_attempts"] = maxAttempts
		updates["next_retry_at"] = nil
	}
	return r.db.Model(&models.ImageRecord{}).Where("id = ?", id).Updates(updates).Error
}

// ListRetryable 需要重新下载的记录：已通过、未下载、未耗尽重试且到达重试时间
func (r *Repository) ListRetryable(now time.Time, maxAttempts, limit int) ([]*models.ImageRecord, error) {
	var records []*models.ImageRecord
	err := r.db.Where("approval_status = ? AND is_downloaded = ? AND download_attempts < ?", models.StatusApproved, false, maxAttempts).
		Where("(next_retry_at IS NULL OR next_retry_at <= ?)", now).
		Order("created_at asc").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// Lease CAS：把重试时间推到 until，成功者负责分发本次重试
func (r *Repository) Lease(id string, now, until time.Time) (bool, error) {
	result := r.db.Model(&models.ImageRecord{}).
		Where("id = ? AND is_downloaded = ?", id, false).
		Where("(next_retry_at IS NULL OR next_retry_at <= ?)", now).
		Update("next_retry_at", until)
	return result.RowsAffected > 0, result.Error
}

// calculateBackoff 计算指数退避时间
func calculateBackoff(base time.Duration, attempts int) time.Duration {
	if attempts >= 5 {
		return 60 * time.Minute
	}
	return base * time.Duration(1<<attempts)
}
