package snapshot

// ============================================================================
// 持久化測試檔案
// 職責：驗證後端的原子寫入、載入、清除，以及 Persister 的過濾與跳過規則
// ============================================================================

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ChuLiYu/bookextract/internal/jobmanager"
	"github.com/ChuLiYu/bookextract/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 測試輔助
// ============================================================================

func sampleHistory() []types.Job {
	return []types.Job{
		{
			ID:        "job-001",
			Name:      "Dom Casmurro",
			Status:    types.StatusCompleted,
			Result:    &types.BookData{Title: "Dom Casmurro", PageCount: "256", Chapters: "I, II, III", Content: "# Dom Casmurro"},
			Logs:      []string{"[start]", "done"},
			Progress:  100,
			CreatedAt: 1700000000000,
		},
		{
			ID:        "job-002",
			Name:      "broken",
			Status:    types.StatusError,
			Logs:      []string{"Error: network timeout"},
			Progress:  50,
			Error:     "network timeout",
			CreatedAt: 1700000000001,
		},
	}
}

// memoryBackend 記錄保存次數的記憶體後端
type memoryBackend struct {
	mu      sync.Mutex
	jobs    []types.Job
	saves   int
	resets  int
	loadErr error
	saveErr error
}

func (m *memoryBackend) Load(context.Context) ([]types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]types.Job(nil), m.jobs...), nil
}

func (m *memoryBackend) Save(_ context.Context, jobs []types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.jobs = append([]types.Job(nil), jobs...)
	return nil
}

func (m *memoryBackend) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	m.jobs = nil
	return nil
}

func (m *memoryBackend) stats() (int, []types.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves, append([]types.Job(nil), m.jobs...)
}

// ============================================================================
// 後端測試（File 與 SQLite 共用）
// ============================================================================

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	sqlite, err := OpenSQLite(context.Background(), filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Backend{
		"file":   NewFileBackend(filepath.Join(dir, "history.json")),
		"sqlite": sqlite,
	}
}

func TestBackendSaveAndLoad(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			empty, err := backend.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, empty, "missing history is empty")

			require.NoError(t, backend.Save(ctx, sampleHistory()))

			loaded, err := backend.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, sampleHistory(), loaded)
		})
	}
}

func TestBackendSaveReplacesWholesale(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, backend.Save(ctx, sampleHistory()))
			require.NoError(t, backend.Save(ctx, sampleHistory()[1:]))

			loaded, err := backend.Load(ctx)
			require.NoError(t, err)
			require.Len(t, loaded, 1)
			assert.Equal(t, types.JobID("job-002"), loaded[0].ID)
		})
	}
}

func TestBackendReset(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, backend.Save(ctx, sampleHistory()))
			require.NoError(t, backend.Reset(ctx))
			require.NoError(t, backend.Reset(ctx), "reset is idempotent")

			loaded, err := backend.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, loaded)
		})
	}
}

// TestFileBackendFormat 驗證檔案為 JSON 陣列且 Input 不被序列化
func TestFileBackendFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.json")
	backend := NewFileBackend(path)
	assert.Equal(t, path, backend.Path())

	jobs := sampleHistory()
	jobs[0].Input = &types.BytesInput{Filename: "secret.pdf", Data: []byte("payload")}
	require.NoError(t, backend.Save(context.Background(), jobs))

	raw, err := os.ReadFile(backend.Path())
	require.NoError(t, err)
	assert.Equal(t, byte('['), raw[0])
	assert.Contains(t, string(raw), `"bookData"`)
	assert.Contains(t, string(raw), `"createdAt"`)
	assert.NotContains(t, string(raw), "payload")

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

// TestFileBackendToleratesUnknownFields 驗證欄位缺少或多餘時的預設行為
func TestFileBackendToleratesUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	content := `[{"id":"a","name":"A","status":"COMPLETED","extra":true}]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	loaded, err := NewFileBackend(path).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, types.StatusCompleted, loaded[0].Status)
	assert.Nil(t, loaded[0].Result)
	assert.Zero(t, loaded[0].Progress)
}

func TestFileBackendCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileBackend(path).Load(context.Background())
	assert.ErrorIs(t, err, ErrCorruptedHistory)
}

// ============================================================================
// Persister 測試
// ============================================================================

// TestLoadIntoFiltersNonTerminal 驗證載入時重新過濾非終止任務
func TestLoadIntoFiltersNonTerminal(t *testing.T) {
	history := append(sampleHistory(),
		types.Job{ID: "job-003", Status: types.StatusQueued, Logs: []string{}},
		types.Job{ID: "job-004", Status: types.StatusProcessing, Logs: []string{}},
	)
	backend := &memoryBackend{jobs: history}
	store := jobmanager.NewJobManager()

	restored, err := NewPersister(backend, nil).LoadInto(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	jobs := store.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, types.JobID("job-001"), jobs[0].ID)
	assert.Equal(t, types.JobID("job-002"), jobs[1].ID)
}

// TestLoadIntoIdempotent 驗證重複載入不產生重複任務
func TestLoadIntoIdempotent(t *testing.T) {
	backend := &memoryBackend{jobs: sampleHistory()}
	store := jobmanager.NewJobManager()
	p := NewPersister(backend, nil)

	_, err := p.LoadInto(context.Background(), store)
	require.NoError(t, err)
	restored, err := p.LoadInto(context.Background(), store)
	require.NoError(t, err)

	assert.Zero(t, restored)
	assert.Equal(t, 2, store.Len())
}

func TestLoadIntoError(t *testing.T) {
	backend := &memoryBackend{loadErr: errors.New("disk gone")}
	store := jobmanager.NewJobManager()

	_, err := NewPersister(backend, nil).LoadInto(context.Background(), store)
	assert.Error(t, err)
	assert.Zero(t, store.Len())
}

// TestAttachSavesTerminalSubset 驗證只保存終止任務，且無終止任務時跳過寫入
func TestAttachSavesTerminalSubset(t *testing.T) {
	backend := &memoryBackend{}
	store := jobmanager.NewJobManager()
	detach := NewPersister(backend, nil).Attach(store)
	defer detach()

	jobs := store.AddJobs([]types.NewJob{
		{Name: "a", Input: &types.BytesInput{Filename: "a.pdf"}},
		{Name: "b", Input: &types.BytesInput{Filename: "b.pdf"}},
	})
	store.SetStatus(jobs[0].ID, types.StatusProcessing, nil, "")
	store.SetProgress(jobs[0].ID, 40)

	saves, _ := backend.stats()
	assert.Zero(t, saves, "nothing terminal, nothing written")

	store.SetStatus(jobs[0].ID, types.StatusCompleted, &types.BookData{Title: "A"}, "")

	saves, saved := backend.stats()
	assert.Equal(t, 1, saves)
	require.Len(t, saved, 1)
	assert.Equal(t, jobs[0].ID, saved[0].ID)
	assert.Nil(t, saved[0].Input)
	assert.Equal(t, 100, saved[0].Progress)

	// 刪除最後一個終止任務時跳過寫入，舊歷史保留
	store.RemoveJob(jobs[0].ID)
	saves, saved = backend.stats()
	assert.Equal(t, 1, saves)
	assert.Len(t, saved, 1)
}

// TestAttachSaveFailureDoesNotAffectStore 驗證寫入失敗不影響記憶體狀態
func TestAttachSaveFailureDoesNotAffectStore(t *testing.T) {
	backend := &memoryBackend{saveErr: errors.New("read-only fs")}
	store := jobmanager.NewJobManager()
	NewPersister(backend, nil).Attach(store)

	job := store.AddJobs([]types.NewJob{{Name: "a"}})[0]
	store.SetStatus(job.ID, types.StatusError, nil, "boom")

	got, ok := store.GetJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusError, got.Status)
	saves, _ := backend.stats()
	assert.Equal(t, 1, saves)
}

// TestRoundTripThroughFile 驗證終止任務在重啟後完整還原
func TestRoundTripThroughFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")

	first := jobmanager.NewJobManager()
	NewPersister(NewFileBackend(path), nil).Attach(first)
	jobs := first.AddJobs([]types.NewJob{{Name: "a"}, {Name: "b"}, {Name: "c"}})
	first.AppendLog(jobs[0].ID, "[start]")
	first.SetStatus(jobs[0].ID, types.StatusCompleted, &types.BookData{Title: "A"}, "")
	first.SetStatus(jobs[1].ID, types.StatusError, nil, "bad pdf")

	second := jobmanager.NewJobManager()
	restored, err := NewPersister(NewFileBackend(path), nil).LoadInto(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	got, ok := second.GetJob(jobs[0].ID)
	require.True(t, ok)
	assert.Equal(t, []string{"[start]"}, got.Logs)
	assert.Equal(t, "A", got.Result.Title)

	got, ok = second.GetJob(jobs[1].ID)
	require.True(t, ok)
	assert.Equal(t, "bad pdf", got.Error)

	_, ok = second.GetJob(jobs[2].ID)
	assert.False(t, ok, "queued jobs are not persisted")
}

func TestPersisterReset(t *testing.T) {
	backend := &memoryBackend{jobs: sampleHistory()}
	require.NoError(t, NewPersister(backend, nil).Reset(context.Background()))
	assert.Equal(t, 1, backend.resets)
	_, jobs := backend.stats()
	assert.Empty(t, jobs)
}
