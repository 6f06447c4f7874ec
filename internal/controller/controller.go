// ============================================================================
// Bookextract 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝 JobManager、Persister、Scheduler 與 Extractor，對外提供單一入口
//
// 架構設計:
//   - JobManager: 任務狀態（QUEUED / PROCESSING / COMPLETED / ERROR）
//   - Persister: 終止任務歷史的載入與保存（File 或 SQLite 後端）
//   - Scheduler: 一次處理一個 Queued 任務
//   - Extractor: 外部抽取器（Gemini 或測試替身）
//
// 啟動流程:
//   1. Persister.LoadInto() - 還原先前的終止任務
//   2. Persister.Attach()   - 之後的每次變更都保存終止子集
//   3. Scheduler.Run()      - 在背景 goroutine 中執行
//
// 關閉流程:
//   1. cancel() → Scheduler 退出，中斷中的任務保持非終止（不持久化）
//   2. wg.Wait() → 等待循環退出
//   3. 取消訂閱並關閉後端
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/bookextract/internal/export"
	"github.com/ChuLiYu/bookextract/internal/jobmanager"
	"github.com/ChuLiYu/bookextract/internal/metrics"
	"github.com/ChuLiYu/bookextract/internal/scheduler"
	"github.com/ChuLiYu/bookextract/internal/snapshot"
	"github.com/ChuLiYu/bookextract/internal/worker"
	"github.com/ChuLiYu/bookextract/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrAlreadyStarted = errors.New("controller already started")
	ErrJobNotFound    = errors.New("job not found")
	ErrUnknownBackend = errors.New("unknown history backend")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// 歷史後端類型
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config Controller 配置
type Config struct {
	HistoryBackend  string        // "file" 或 "sqlite"
	HistoryPath     string        // 歷史檔案 / 資料庫路徑
	RecheckInterval time.Duration // 排程器保底重新評估間隔
	JobTimeout      time.Duration // 單次抽取超時（0 表示不限制）
}

// Option Controller 選項
type Option func(*Controller)

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithBackend 直接注入歷史後端（忽略 Config.HistoryBackend）
func WithBackend(b snapshot.Backend) Option {
	return func(c *Controller) { c.backend = b }
}

// Controller 核心控制器
type Controller struct {
	mu        sync.Mutex
	store     *jobmanager.JobManager
	backend   snapshot.Backend
	persister *snapshot.Persister
	scheduler *scheduler.Scheduler
	metrics   *metrics.Collector
	config    Config

	detach    func()
	cancel    context.CancelFunc
	loopWg    sync.WaitGroup
	started   bool
	stopped   bool
	startTime time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//   - extractor: 抽取器
//   - opts: 選項
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 開啟歷史後端失敗
func NewController(config Config, extractor worker.Extractor, opts ...Option) (*Controller, error) {
	c := &Controller{
		store:  jobmanager.NewJobManager(),
		config: config,
	}
	for _, o := range opts {
		o(c)
	}

	if c.backend == nil {
		backend, err := openBackend(config)
		if err != nil {
			return nil, err
		}
		c.backend = backend
	}

	c.persister = snapshot.NewPersister(c.backend, c.metrics)
	c.scheduler = scheduler.New(c.store, extractor, scheduler.Config{
		RecheckInterval: config.RecheckInterval,
		JobTimeout:      config.JobTimeout,
	}, scheduler.WithMetrics(c.metrics))

	return c, nil
}

func openBackend(config Config) (snapshot.Backend, error) {
	switch config.HistoryBackend {
	case "", BackendFile:
		return snapshot.NewFileBackend(config.HistoryPath), nil
	case BackendSQLite:
		b, err := snapshot.OpenSQLite(context.Background(), config.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, config.HistoryBackend)
	}
}

// Start 啟動 Controller
//
// 流程：
//  1. 載入歷史（失敗只記錄，以空歷史繼續）
//  2. 訂閱變更以保存歷史
//  3. 啟動排程器
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.startTime = time.Now()

	restored, err := c.persister.LoadInto(ctx, c.store)
	if err != nil {
		log.Error("Failed to load history, starting empty", "error", err)
	}

	c.detach = c.persister.Attach(c.store)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.loopWg.Add(1)
	go func() {
		defer c.loopWg.Done()
		if err := c.scheduler.Run(runCtx); err != nil {
			log.Error("Scheduler exited", "error", err)
		}
	}()

	log.Info("Controller started",
		"restored_jobs", restored,
		"backend", fmt.Sprintf("%T", c.backend))
	return nil
}

// Submit 加入新任務（依呼叫者順序）
func (c *Controller) Submit(inputs []types.NewJob) []types.Job {
	jobs := c.store.AddJobs(inputs)
	c.metrics.RecordEnqueue(len(jobs))
	if len(jobs) > 0 {
		log.Info("Jobs submitted", "count", len(jobs))
	}
	return jobs
}

// SubmitFiles 以檔案路徑提交任務，名稱由檔名推導
func (c *Controller) SubmitFiles(paths []string) ([]types.Job, error) {
	inputs := make([]types.NewJob, 0, len(paths))
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", p, err)
		}
		if st.IsDir() {
			return nil, fmt.Errorf("input %s: is a directory", p)
		}
		in := types.NewFileInput(p)
		inputs = append(inputs, types.NewJob{Name: types.JobName(in.Name()), Input: in})
	}
	return c.Submit(inputs), nil
}

// Delete 刪除任務；處理中的抽取不會被取消
func (c *Controller) Delete(id types.JobID) error {
	if _, ok := c.store.GetJob(id); !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	c.store.RemoveJob(id)
	log.Info("Job deleted", "jobID", id)
	return nil
}

// Clear 清除所有任務並刪除耐久歷史
func (c *Controller) Clear(ctx context.Context) error {
	c.store.ClearAll()
	if err := c.persister.Reset(ctx); err != nil {
		return err
	}
	log.Info("History cleared")
	return nil
}

// Jobs 依存儲順序返回所有任務
func (c *Controller) Jobs() []types.Job {
	return c.store.Jobs()
}

// Job 取得單一任務
func (c *Controller) Job(id types.JobID) (types.Job, error) {
	job, ok := c.store.GetJob(id)
	if !ok {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

// Export 匯出已完成任務
func (c *Controller) Export(w io.Writer, format export.Format) (int, error) {
	return export.Write(w, format, c.store.Jobs())
}

// Status 取得系統狀態
func (c *Controller) Status() map[string]interface{} {
	stats := c.store.Stats()

	c.mu.Lock()
	var uptime time.Duration
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	return map[string]interface{}{
		"uptime":     uptime.String(),
		"busy":       c.scheduler.Busy(),
		"total":      c.store.Len(),
		"queued":     stats[types.StatusQueued],
		"processing": stats[types.StatusProcessing],
		"completed":  stats[types.StatusCompleted],
		"error":      stats[types.StatusError],
	}
}

// Stop 優雅關閉 Controller
//
// 處理中的任務不會被結算，因此不會寫入歷史。
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	cancel, detach := c.cancel, c.detach
	c.mu.Unlock()

	log.Info("Stopping controller...")

	if cancel != nil {
		cancel()
	}
	c.loopWg.Wait()

	if detach != nil {
		detach()
		c.persister.Flush(c.store)
	}

	if closer, ok := c.backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Error("Failed to close history backend", "error", err)
		}
	}

	log.Info("Controller stopped")
}
