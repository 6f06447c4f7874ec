// ============================================================================
// Bookextract 任務管理器 - 任務狀態容器
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 持有所有抽取任務的權威狀態，並提供狹窄且完整的變更 API
//
// 設計理念:
//   1. jobs []*Job - 依提交順序排列的主存儲 (Single Source of Truth)
//   2. index map - id 到 slice 位置的快速查詢
//   3. 所有欄位寫入都經過本套件的方法，外部只取得深拷貝
//
// 任務狀態轉換 (State Machine):
//   Queued (排隊)
//      ↓ SetStatus(Processing)
//   Processing (處理中)
//      ↓ SetStatus(Completed) 或 SetStatus(Error)
//   Completed (已完成) / Error (錯誤)
//
//   終止狀態不再轉換，只能被 RemoveJob / ClearAll 移除，沒有重試。
//
// 未知 ID:
//   SetStatus / SetProgress / AppendLog / RemoveJob 對不存在的 ID 為靜默 no-op，
//   刪除與 in-flight 抽取之間的競爭不得讓 Scheduler 崩潰。
//
// 變更通知:
//   每次成功變更後，在釋放鎖之後同步呼叫所有訂閱者（UI、持久化、Scheduler）。
//   no-op 不觸發通知。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 訂閱者在鎖外執行，可以安全地回讀 JobManager
//
// ============================================================================

package jobmanager

import (
	"sync"
	"time"

	"github.com/ChuLiYu/bookextract/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// 事件定義
// ============================================================================

// EventKind 變更類型
type EventKind string

const (
	EventAdded    EventKind = "added"
	EventStatus   EventKind = "status"
	EventProgress EventKind = "progress"
	EventLog      EventKind = "log"
	EventRemoved  EventKind = "removed"
	EventCleared  EventKind = "cleared"
	EventRestored EventKind = "restored"
)

// Event 變更通知
type Event struct {
	Kind   EventKind
	JobIDs []types.JobID // 受影響的任務（Cleared 時為空）
	Status types.JobStatus
}

// Subscriber 變更訂閱者
type Subscriber func(Event)

// ============================================================================
// 資料結構定義
// ============================================================================

// JobManager 任務狀態容器
type JobManager struct {
	mu    sync.RWMutex
	jobs  []*types.Job        // 依加入順序排列
	index map[types.JobID]int // id -> jobs 位置

	subMu   sync.RWMutex
	subs    map[int]Subscriber
	nextSub int

	now func() time.Time
}

// NewJobManager 建立新的任務管理器實例
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:  make([]*types.Job, 0),
		index: make(map[types.JobID]int),
		subs:  make(map[int]Subscriber),
		now:   time.Now,
	}
}

// Subscribe 註冊變更訂閱者，返回取消訂閱函式
func (jm *JobManager) Subscribe(fn Subscriber) func() {
	jm.subMu.Lock()
	id := jm.nextSub
	jm.nextSub++
	jm.subs[id] = fn
	jm.subMu.Unlock()

	return func() {
		jm.subMu.Lock()
		delete(jm.subs, id)
		jm.subMu.Unlock()
	}
}

// notify 同步通知所有訂閱者（呼叫時不可持有 jm.mu）
func (jm *JobManager) notify(ev Event) {
	jm.subMu.RLock()
	subs := make([]Subscriber, 0, len(jm.subs))
	for i := 0; i < jm.nextSub; i++ {
		if fn, ok := jm.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	jm.subMu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// ============================================================================
// 變更方法
// ============================================================================

// AddJobs 以呼叫者順序加入新任務，全部為 Queued 狀態
//
// 每個任務取得新的 uuid 與 createdAt = now()。核心不限制數量。
//
// 返回值：
//   - []types.Job: 新任務的拷貝（依輸入順序）
func (jm *JobManager) AddJobs(inputs []types.NewJob) []types.Job {
	if len(inputs) == 0 {
		return nil
	}

	jm.mu.Lock()
	now := jm.now().UnixMilli()
	added := make([]types.Job, 0, len(inputs))
	ids := make([]types.JobID, 0, len(inputs))
	for _, in := range inputs {
		job := &types.Job{
			ID:        types.JobID(uuid.NewString()),
			Name:      in.Name,
			Input:     in.Input,
			Status:    types.StatusQueued,
			Logs:      []string{},
			Progress:  0,
			CreatedAt: now,
		}
		jm.index[job.ID] = len(jm.jobs)
		jm.jobs = append(jm.jobs, job)
		added = append(added, job.Clone())
		ids = append(ids, job.ID)
	}
	jm.mu.Unlock()

	jm.notify(Event{Kind: EventAdded, JobIDs: ids, Status: types.StatusQueued})
	return added
}

// SetStatus 轉換任務狀態
//
// 規則：
//   - Completed 時強制 progress = 100
//   - Completed / Error 時，result / errMsg 有值才寫入，否則保留原值（不會以空值覆蓋）
//   - 非 Completed 清除 result，非 Error 清除 error，維持 iff 不變量
//   - 進入終止狀態時釋放 Input handle
//   - 未知 ID 為 no-op
func (jm *JobManager) SetStatus(id types.JobID, status types.JobStatus, result *types.BookData, errMsg string) {
	jm.mu.Lock()
	job, ok := jm.lookup(id)
	if !ok {
		jm.mu.Unlock()
		return
	}

	job.Status = status

	if status == types.StatusCompleted {
		job.Progress = 100
		if result != nil {
			r := *result
			job.Result = &r
		}
	} else {
		job.Result = nil
	}

	if status == types.StatusError {
		if errMsg != "" {
			job.Error = errMsg
		}
	} else {
		job.Error = ""
	}

	if status.IsTerminal() {
		job.Input = nil
	}
	jm.mu.Unlock()

	jm.notify(Event{Kind: EventStatus, JobIDs: []types.JobID{id}, Status: status})
}

// SetProgress 覆寫任務進度（不做範圍修正，單調性由呼叫者負責）
func (jm *JobManager) SetProgress(id types.JobID, value int) {
	jm.mu.Lock()
	job, ok := jm.lookup(id)
	if !ok {
		jm.mu.Unlock()
		return
	}
	job.Progress = value
	status := job.Status
	jm.mu.Unlock()

	jm.notify(Event{Kind: EventProgress, JobIDs: []types.JobID{id}, Status: status})
}

// AppendLog 追加一筆記錄
func (jm *JobManager) AppendLog(id types.JobID, message string) {
	jm.mu.Lock()
	job, ok := jm.lookup(id)
	if !ok {
		jm.mu.Unlock()
		return
	}
	job.Logs = append(job.Logs, message)
	status := job.Status
	jm.mu.Unlock()

	jm.notify(Event{Kind: EventLog, JobIDs: []types.JobID{id}, Status: status})
}

// RemoveJob 刪除任務
//
// 若任務正在處理中，in-flight 的抽取不會被取消，其後續寫入會成為 no-op。
func (jm *JobManager) RemoveJob(id types.JobID) {
	jm.mu.Lock()
	pos, ok := jm.index[id]
	if !ok {
		jm.mu.Unlock()
		return
	}
	jm.jobs = append(jm.jobs[:pos], jm.jobs[pos+1:]...)
	delete(jm.index, id)
	jm.reindex(pos)
	jm.mu.Unlock()

	jm.notify(Event{Kind: EventRemoved, JobIDs: []types.JobID{id}})
}

// ClearAll 移除所有任務
func (jm *JobManager) ClearAll() {
	jm.mu.Lock()
	jm.jobs = make([]*types.Job, 0)
	jm.index = make(map[types.JobID]int)
	jm.mu.Unlock()

	jm.notify(Event{Kind: EventCleared})
}

// Restore 接納先前持久化的任務
//
// 只接受終止狀態的任務（Completed / Error），重複 ID 與非終止任務會被略過。
// 接納的任務排在現有任務之前，保持快照中的順序。
//
// 返回值：
//   - int: 實際接納的任務數量
func (jm *JobManager) Restore(jobs []types.Job) int {
	jm.mu.Lock()
	restored := make([]*types.Job, 0, len(jobs))
	ids := make([]types.JobID, 0, len(jobs))
	seen := make(map[types.JobID]struct{}, len(jobs))
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			continue
		}
		if _, exists := jm.index[j.ID]; exists {
			continue
		}
		if _, dup := seen[j.ID]; dup {
			continue
		}
		seen[j.ID] = struct{}{}

		job := j.Clone()
		job.Input = nil
		if job.Logs == nil {
			job.Logs = []string{}
		}
		restored = append(restored, &job)
		ids = append(ids, job.ID)
	}

	if len(restored) > 0 {
		jm.jobs = append(restored, jm.jobs...)
		jm.reindex(0)
	}
	jm.mu.Unlock()

	if len(restored) > 0 {
		jm.notify(Event{Kind: EventRestored, JobIDs: ids})
	}
	return len(restored)
}

// lookup 取得任務指標（呼叫時須持有鎖）
func (jm *JobManager) lookup(id types.JobID) (*types.Job, bool) {
	pos, ok := jm.index[id]
	if !ok {
		return nil, false
	}
	return jm.jobs[pos], true
}

// reindex 從 from 開始重建索引（呼叫時須持有寫鎖）
func (jm *JobManager) reindex(from int) {
	for i := from; i < len(jm.jobs); i++ {
		jm.index[jm.jobs[i].ID] = i
	}
}

// ============================================================================
// 查詢方法（只返回拷貝）
// ============================================================================

// GetJob 取得任務拷貝
func (jm *JobManager) GetJob(id types.JobID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.lookup(id)
	if !ok {
		return types.Job{}, false
	}
	return job.Clone(), true
}

// Jobs 依存儲順序返回所有任務的拷貝
func (jm *JobManager) Jobs() []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	out := make([]types.Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		out = append(out, job.Clone())
	}
	return out
}

// TerminalJobs 返回 Completed / Error 任務（不含 Input）
func (jm *JobManager) TerminalJobs() []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	out := make([]types.Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		if !job.Status.IsTerminal() {
			continue
		}
		c := job.Clone()
		c.Input = nil
		out = append(out, c)
	}
	return out
}

// NextQueued 選出 createdAt 最小的 Queued 任務，同時間以存儲順序決定
func (jm *JobManager) NextQueued() (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var next *types.Job
	for _, job := range jm.jobs {
		if job.Status != types.StatusQueued {
			continue
		}
		if next == nil || job.CreatedAt < next.CreatedAt {
			next = job
		}
	}
	if next == nil {
		return types.Job{}, false
	}
	return next.Clone(), true
}

// Input 取得任務的輸入 handle（不存在或已釋放時為 nil）
func (jm *JobManager) Input(id types.JobID) types.InputHandle {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.lookup(id)
	if !ok {
		return nil
	}
	return job.Input
}

// Stats 取得各狀態任務的統計資訊
func (jm *JobManager) Stats() map[types.JobStatus]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[types.JobStatus]int{
		types.StatusQueued:     0,
		types.StatusProcessing: 0,
		types.StatusCompleted:  0,
		types.StatusError:      0,
	}
	for _, job := range jm.jobs {
		stats[job.Status]++
	}
	return stats
}

// Len 任務總數
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}
