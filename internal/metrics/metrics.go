// ============================================================================
// Bookextract Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露抽取佇列的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - bookextract_jobs_enqueued_total: 提交任務總數
//      - bookextract_jobs_dispatched_total: 開始處理的任務總數
//      - bookextract_jobs_completed_total: 抽取成功總數
//      - bookextract_jobs_failed_total: 失敗總數（依 reason 標籤區分）
//
//   2. 性能指標 (Histogram)：
//      - bookextract_extraction_seconds: 單次抽取耗時（LLM 呼叫通常數十秒）
//
//   3. 狀態指標 (Gauge)：
//      - bookextract_jobs_queued / bookextract_jobs_processing
//      - bookextract_history_jobs: 已持久化的終止任務數
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(bookextract_jobs_failed_total[5m]) / rate(bookextract_jobs_dispatched_total[5m])
//
//   # 95 分位抽取時間
//   histogram_quantile(0.95, bookextract_extraction_seconds_bucket)
//
// 所有 Record* 方法對 nil Collector 為 no-op，方便在測試中省略。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 失敗原因標籤
const (
	ReasonMissingInput = "missing_input"
	ReasonExtractor    = "extractor"
	ReasonPanic        = "panic"
	ReasonTimeout      = "timeout"
)

// Collector Prometheus 指標收集器
type Collector struct {
	jobsEnqueued   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     *prometheus.CounterVec

	extractionTime prometheus.Histogram

	jobsQueued     prometheus.Gauge
	jobsProcessing prometheus.Gauge
	historyJobs    prometheus.Gauge
}

// NewCollector 創建並註冊到預設 Registerer
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith 創建並註冊到指定 Registerer
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookextract_jobs_enqueued_total",
			Help: "Total number of extraction jobs submitted",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookextract_jobs_dispatched_total",
			Help: "Total number of jobs that entered processing",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookextract_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookextract_jobs_failed_total",
			Help: "Total number of jobs that ended in error",
		}, []string{"reason"}),
		extractionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bookextract_extraction_seconds",
			Help:    "Duration of a single extraction call in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120, 300},
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bookextract_jobs_queued",
			Help: "Current number of queued jobs",
		}),
		jobsProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bookextract_jobs_processing",
			Help: "Current number of jobs in processing (0 or 1)",
		}),
		historyJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bookextract_history_jobs",
			Help: "Number of terminal jobs in the last persisted snapshot",
		}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsDispatched,
		c.jobsCompleted,
		c.jobsFailed,
		c.extractionTime,
		c.jobsQueued,
		c.jobsProcessing,
		c.historyJobs,
	)

	return c
}

// RecordEnqueue 記錄提交的任務數
func (c *Collector) RecordEnqueue(n int) {
	if c == nil {
		return
	}
	c.jobsEnqueued.Add(float64(n))
}

// RecordDispatch 記錄任務開始處理
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.jobsDispatched.Inc()
}

// RecordCompleted 記錄抽取成功
func (c *Collector) RecordCompleted(d time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
	c.extractionTime.Observe(d.Seconds())
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed(reason string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(reason).Inc()
	if d > 0 {
		c.extractionTime.Observe(d.Seconds())
	}
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(queued, processing int) {
	if c == nil {
		return
	}
	c.jobsQueued.Set(float64(queued))
	c.jobsProcessing.Set(float64(processing))
}

// SetHistorySize 設置最近一次持久化的終止任務數
func (c *Collector) SetHistorySize(n int) {
	if c == nil {
		return
	}
	c.historyJobs.Set(float64(n))
}

// Serve 在指定端口暴露 /metrics，ctx 結束時關閉
func Serve(ctx context.Context, port int, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
