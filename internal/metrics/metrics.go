// Package metrics 图片引擎的 Prometheus 指标
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics 审核、同步与变体流水线相关指标
// 所有方法对 nil 接收者安全，测试中可以直接传 nil
type EngineMetrics struct {
	Approvals        *prometheus.CounterVec
	CapRejections    prometheus.Counter
	SyncConflicts    prometheus.Counter
	Downloads        prometheus.Counter
	DownloadFailures *prometheus.CounterVec
	VariantUploads   *prometheus.CounterVec
	PipelineDuration prometheus.Histogram
	Reconciles       prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
}

// NewEngineMetrics 创建指标并注册到 registry
func NewEngineMetrics(registry prometheus.Registerer) (*EngineMetrics, error) {
	m := &EngineMetrics{}
	m.initMetrics()
	if registry != nil {
		if err := registry.Register(m); err != nil {
			return nil, fmt.Errorf("failed to register engine metrics: %w", err)
		}
	}
	return m, nil
}

func (m *EngineMetrics) initMetrics() {
	m.Approvals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "product_images_transitions_total",
		Help: "Total number of image approval state transitions.",
	}, []string{"to"})

	m.CapRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "product_images_cap_rejections_total",
		Help: "Total number of approve calls rejected by the approved-per-scope cap.",
	})

	m.SyncConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "product_images_sync_conflicts_total",
		Help: "Total number of scope mutations retried after a concurrent modification.",
	})

	m.Downloads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "product_images_downloads_total",
		Help: "Total number of records successfully copied to the CDN.",
	})

	m.DownloadFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "product_images_download_failures_total",
		Help: "Total number of failed CDN downloads.",
	}, []string{"retryable"})

	m.VariantUploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "product_images_variant_uploads_total",
		Help: "Total number of variant uploads by variant and result.",
	}, []string{"variant", "result"})

	m.PipelineDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "product_images_pipeline_duration_seconds",
		Help:    "Duration of variant pipeline runs in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	m.Reconciles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "product_images_reconciles_total",
		Help: "Total number of product reconciliations that rewrote the embedded array.",
	})

	m.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "product_images_visible_cache_hits_total",
		Help: "Total number of visible-set cache hits.",
	})

	m.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "product_images_visible_cache_misses_total",
		Help: "Total number of visible-set cache misses.",
	})
}

// ObserveTransition 记录一次状态迁移
func (m *EngineMetrics) ObserveTransition(to string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Approvals.WithLabelValues(to).Add(float64(n))
}

// IncrementCapRejections 审核上限拒绝次数加一
func (m *EngineMetrics) IncrementCapRejections() {
	if m == nil {
		return
	}
	m.CapRejections.Inc()
}

// IncrementSyncConflicts 并发冲突重试次数加一
func (m *EngineMetrics) IncrementSyncConflicts() {
	if m == nil {
		return
	}
	m.SyncConflicts.Inc()
}

// IncrementDownloads 成功下载次数加一
func (m *EngineMetrics) IncrementDownloads() {
	if m == nil {
		return
	}
	m.Downloads.Inc()
}

// IncrementDownloadFailures 下载失败次数加一
func (m *EngineMetrics) IncrementDownloadFailures(retryable bool) {
	if m == nil {
		return
	}
	m.DownloadFailures.WithLabelValues(fmt.Sprintf("%t", retryable)).Inc()
}

// ObserveVariantUpload 记录单个变体上传结果
func (m *EngineMetrics) ObserveVariantUpload(variant string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.VariantUploads.WithLabelValues(variant, result).Inc()
}

// ObservePipelineDuration 记录流水线耗时（秒）
func (m *EngineMetrics) ObservePipelineDuration(seconds float64) {
	if m == nil {
		return
	}
	m.PipelineDuration.Observe(seconds)
}

// IncrementReconciles 对账改写次数加一
func (m *EngineMetrics) IncrementReconciles() {
	if m == nil {
		return
	}
	m.Reconciles.Inc()
}

// IncrementCacheHits 可见集缓存命中
func (m *EngineMetrics) IncrementCacheHits() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// IncrementCacheMisses 可见集缓存未命中
func (m *EngineMetrics) IncrementCacheMisses() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *EngineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Approvals.Collect(ch)
	ch <- m.CapRejections
	ch <- m.SyncConflicts
	ch <- m.Downloads
	m.DownloadFailures.Collect(ch)
	m.VariantUploads.Collect(ch)
	ch <- m.PipelineDuration
	ch <- m.Reconciles
	ch <- m.CacheHits
	ch <- m.CacheMisses
}

// Describe implements the prometheus.Collector interface.
func (m *EngineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Approvals.Describe(ch)
	ch <- m.CapRejections.Desc()
	ch <- m.SyncConflicts.Desc()
	ch <- m.Downloads.Desc()
	m.DownloadFailures.Describe(ch)
	m.VariantUploads.Describe(ch)
	ch <- m.PipelineDuration.Desc()
	ch <- m.Reconciles.Desc()
	ch <- m.CacheHits.Desc()
	ch <- m.CacheMisses.Desc()
}
