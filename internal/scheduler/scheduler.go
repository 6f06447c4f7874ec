// ============================================================================
// Bookextract 佇列排程器 - 單一並發的抽取驅動器
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 觀察 JobManager，依提交順序一次處理一個 Queued 任務
//
// 核心循環:
//   Run() 在單一 goroutine 中執行，評估與外部抽取呼叫依序進行：
//   1. 若已有任務處理中 → 不動作（busy 旗標）
//   2. NextQueued() 取 createdAt 最小的 Queued 任務，沒有則閒置
//   3. SetStatus(Processing)
//   4. 沒有 Input handle → 直接 Error，不呼叫抽取器
//   5. 呼叫 Extractor，onLog / onProgress 直接寫回 JobManager
//   6. 成功 → Completed；失敗 → 追加錯誤記錄並轉為 Error
//   7. 無論成功失敗都釋放 busy，回到步驟 1
//
// 觸發方式:
//   - JobManager 每次變更都呼叫 Notify()，寫入單槽 channel（突發合併）
//   - 週期性 ticker 作為活性保底
//
// 錯誤邊界:
//   所有失敗（含 panic）都在單一任務邊界被攔截並轉為該任務的 Error 狀態，
//   不會中斷後續任務的處理。
//
// 取消:
//   刪除任務不會取消 in-flight 的抽取，抽取完成後的寫入成為 no-op。
//   關閉（ctx 取消）時中斷的任務保持原狀，不會被持久化。
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/bookextract/internal/jobmanager"
	"github.com/ChuLiYu/bookextract/internal/metrics"
	"github.com/ChuLiYu/bookextract/internal/worker"
	"github.com/ChuLiYu/bookextract/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務被取出時輸入檔已不存在（例如重新載入後）
	ErrMissingInput = errors.New("input file lost from memory")
	// 抽取器 panic
	ErrExtractorPanic = errors.New("extractor panicked")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 排程器配置
type Config struct {
	RecheckInterval time.Duration // 保底重新評估間隔
	JobTimeout      time.Duration // 單次抽取超時（0 表示不限制）
}

// Option 排程器選項
type Option func(*Scheduler)

// WithMetrics 設定指標收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// Scheduler 佇列排程器
type Scheduler struct {
	store     *jobmanager.JobManager
	extractor worker.Extractor
	metrics   *metrics.Collector
	config    Config

	trigger chan struct{} // 單槽觸發訊號
	busy    atomic.Bool   // 是否有任務處理中
	running atomic.Bool
}

// New 建立排程器
func New(store *jobmanager.JobManager, extractor worker.Extractor, config Config, opts ...Option) *Scheduler {
	if config.RecheckInterval <= 0 {
		config.RecheckInterval = 2 * time.Second
	}
	s := &Scheduler{
		store:     store,
		extractor: extractor,
		config:    config,
		trigger:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Notify 請求重新評估（非阻塞，多次呼叫會被合併）
func (s *Scheduler) Notify() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Busy 是否有任務處理中
func (s *Scheduler) Busy() bool {
	return s.busy.Load()
}

// ============================================================================
// 核心循環
// ============================================================================

// Run 執行排程循環直到 ctx 結束
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer s.running.Store(false)

	unsubscribe := s.store.Subscribe(func(jobmanager.Event) {
		s.updateGauges()
		s.Notify()
	})
	defer unsubscribe()

	ticker := time.NewTicker(s.config.RecheckInterval)
	defer ticker.Stop()

	log.Info("Scheduler started", "recheck_interval", s.config.RecheckInterval)
	s.Notify()

	for {
		select {
		case <-ctx.Done():
			log.Info("Scheduler stopped")
			return nil

		case <-s.trigger:
			s.drain(ctx)

		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// drain 連續處理直到沒有 Queued 任務
func (s *Scheduler) drain(ctx context.Context) {
	for ctx.Err() == nil {
		if !s.processNext(ctx) {
			return
		}
	}
}

// processNext 處理下一個 Queued 任務
//
// 返回值：
//   - bool: 是否取出了任務（false 表示閒置、忙碌或正在關閉）
func (s *Scheduler) processNext(ctx context.Context) bool {
	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	defer func() {
		s.busy.Store(false)
		s.updateGauges()
	}()

	job, ok := s.store.NextQueued()
	if !ok {
		return false
	}

	s.store.SetStatus(job.ID, types.StatusProcessing, nil, "")
	s.metrics.RecordDispatch()
	log.Info("Job claimed", "jobID", job.ID, "name", job.Name)

	input := s.store.Input(job.ID)
	if input == nil {
		if _, exists := s.store.GetJob(job.ID); !exists {
			// 取出與標記之間被刪除，下次觸發再試
			log.Debug("Job removed before processing", "jobID", job.ID)
			return true
		}
		s.store.SetStatus(job.ID, types.StatusError, nil, ErrMissingInput.Error())
		s.metrics.RecordFailed(metrics.ReasonMissingInput, 0)
		log.Warn("Job has no input", "jobID", job.ID)
		return true
	}

	result := s.extract(ctx, job, input)

	if result.Err != nil && ctx.Err() != nil {
		// 關閉中斷：不結算，保持非終止狀態（不會被持久化）
		log.Warn("Extraction interrupted by shutdown",
			"jobID", job.ID,
			"error", result.Err)
		return false
	}

	if result.Err != nil {
		msg := result.Err.Error()
		s.store.AppendLog(job.ID, "Error: "+msg)
		s.store.SetStatus(job.ID, types.StatusError, nil, msg)
		s.metrics.RecordFailed(failureReason(result.Err), result.Duration)
		log.Warn("Job failed",
			"jobID", job.ID,
			"duration", result.Duration,
			"error", msg)
		return true
	}

	s.store.SetStatus(job.ID, types.StatusCompleted, result.Book, "")
	s.metrics.RecordCompleted(result.Duration)
	log.Info("Job completed",
		"jobID", job.ID,
		"title", result.Book.Title,
		"duration", result.Duration)
	return true
}

// extract 呼叫抽取器，攔截 panic，並保證回呼在返回後不再生效
func (s *Scheduler) extract(ctx context.Context, job types.Job, input types.InputHandle) (res worker.Result) {
	res.JobID = job.ID
	start := time.Now()
	cb := newCallbacks(s.store, job.ID, job.Progress)

	defer func() {
		cb.close()
		res.Duration = time.Since(start)
		if r := recover(); r != nil {
			res.Book = nil
			res.Err = fmt.Errorf("%w: %v", ErrExtractorPanic, r)
			log.Error("Extractor panic", "jobID", job.ID, "panic", r)
		}
	}()

	callCtx := ctx
	if s.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.config.JobTimeout)
		defer cancel()
	}

	book, err := s.extractor.Extract(callCtx, input, cb.log, cb.progress)
	if err != nil {
		res.Err = err
		return res
	}
	if book == nil {
		res.Err = worker.ErrEmptyResult
		return res
	}
	res.Book = book
	return res
}

// updateGauges 同步佇列狀態指標
func (s *Scheduler) updateGauges() {
	if s.metrics == nil {
		return
	}
	stats := s.store.Stats()
	s.metrics.UpdateQueueStats(stats[types.StatusQueued], stats[types.StatusProcessing])
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrExtractorPanic):
		return metrics.ReasonPanic
	case errors.Is(err, context.DeadlineExceeded):
		return metrics.ReasonTimeout
	default:
		return metrics.ReasonExtractor
	}
}

// ============================================================================
// 回呼
// ============================================================================

// callbacks 將抽取器回呼寫回 JobManager
//
//   - 記錄依呼叫順序追加
//   - 進度在同一次執行中不回退
//   - close() 之後的回呼被丟棄
type callbacks struct {
	store *jobmanager.JobManager
	id    types.JobID

	mu     sync.Mutex
	last   int
	closed bool
}

func newCallbacks(store *jobmanager.JobManager, id types.JobID, start int) *callbacks {
	return &callbacks{store: store, id: id, last: start}
}

func (c *callbacks) log(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.store.AppendLog(c.id, message)
}

func (c *callbacks) progress(percent int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || percent < c.last {
		return
	}
	c.last = percent
	c.store.SetProgress(c.id, percent)
}

func (c *callbacks) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
