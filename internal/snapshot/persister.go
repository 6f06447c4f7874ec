package snapshot

// ============================================================================
// Persister：JobManager 與 Backend 之間的持久化轉接
//
// 載入：Backend.Load → 只保留 Completed / Error → JobManager.Restore
// 保存：訂閱 JobManager，每次變更後寫入終止任務子集（Input 不序列化）
//       沒有任何終止任務時跳過寫入
//
// 寫入失敗只記錄日誌，不回傳給 JobManager（記憶體狀態為準）。
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/bookextract/internal/jobmanager"
	"github.com/ChuLiYu/bookextract/internal/metrics"
	"github.com/ChuLiYu/bookextract/pkg/types"
)

var log = slog.Default()

const defaultSaveTimeout = 5 * time.Second

// Persister 持久化轉接器
type Persister struct {
	backend Backend
	metrics *metrics.Collector

	mu          sync.Mutex // 序列化保存，確保最後一次寫入反映最新狀態
	saveTimeout time.Duration
}

// NewPersister 建立持久化轉接器（metrics 可為 nil）
func NewPersister(backend Backend, m *metrics.Collector) *Persister {
	return &Persister{
		backend:     backend,
		metrics:     m,
		saveTimeout: defaultSaveTimeout,
	}
}

// LoadInto 載入歷史並還原到 store
//
// 返回值：
//   - int: 實際還原的任務數
//   - error: 讀取失敗
func (p *Persister) LoadInto(ctx context.Context, store *jobmanager.JobManager) (int, error) {
	jobs, err := p.backend.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}

	terminal := make([]types.Job, 0, len(jobs))
	for _, job := range jobs {
		if !job.Status.IsTerminal() {
			log.Debug("Skipping non-terminal job in history", "jobID", job.ID, "status", job.Status)
			continue
		}
		job.Input = nil
		terminal = append(terminal, job)
	}

	restored := store.Restore(terminal)
	p.metrics.SetHistorySize(restored)
	log.Info("History loaded", "stored", len(jobs), "restored", restored)
	return restored, nil
}

// Attach 訂閱 store，返回取消訂閱函式
func (p *Persister) Attach(store *jobmanager.JobManager) func() {
	return store.Subscribe(func(jobmanager.Event) {
		p.saveFrom(store)
	})
}

// Flush 立即保存一次（與訂閱觸發的規則相同）
func (p *Persister) Flush(store *jobmanager.JobManager) {
	p.saveFrom(store)
}

// Reset 刪除耐久歷史
func (p *Persister) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.backend.Reset(ctx); err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	p.metrics.SetHistorySize(0)
	return nil
}

func (p *Persister) saveFrom(store *jobmanager.JobManager) {
	p.mu.Lock()
	defer p.mu.Unlock()

	terminal := store.TerminalJobs()
	if len(terminal) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.saveTimeout)
	defer cancel()

	if err := p.backend.Save(ctx, terminal); err != nil {
		log.Error("Failed to save history", "jobs", len(terminal), "error", err)
		return
	}
	p.metrics.SetHistorySize(len(terminal))
}
