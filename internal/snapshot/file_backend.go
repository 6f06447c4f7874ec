package snapshot

// ============================================================================
// 職責說明：
// 1. 定義歷史記錄的持久化後端介面（Backend）
// 2. FileBackend：將終止任務序列化為 JSON 陣列檔
// 3. 使用原子性寫入（temp file + rename）防止損壞
// 4. 檔案不存在視為空歷史（首次啟動）
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/bookextract/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedHistory = errors.New("history file is corrupted")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Backend 歷史記錄的耐久儲存
//
// Save 為整批覆寫（不做差異比對），Load 回傳上次 Save 的內容。
type Backend interface {
	Load(ctx context.Context) ([]types.Job, error)
	Save(ctx context.Context, jobs []types.Job) error
	Reset(ctx context.Context) error
}

// FileBackend JSON 檔案後端
type FileBackend struct {
	path string     // 歷史檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend 建立檔案後端實例
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path 取得歷史檔案路徑
func (b *FileBackend) Path() string {
	return b.path
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Save 原子性寫入歷史
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (b *FileBackend) Save(_ context.Context, jobs []types.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if jobs == nil {
		jobs = []types.Job{}
	}

	// 帶縮排，方便人工閱讀
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	if dir := filepath.Dir(b.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create history dir: %w", err)
		}
	}

	tmpPath := b.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp history: %w", err)
	}

	if err := os.Rename(tmpPath, b.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename history: %w", err)
	}

	return nil
}

// Load 載入歷史
//
// 行為：
//   - 檔案不存在 → 空歷史
//   - 未知欄位忽略，缺少欄位取零值
//   - 非 JSON 陣列 → ErrCorruptedHistory
func (b *FileBackend) Load(_ context.Context) ([]types.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []types.Job{}, nil
		}
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	var jobs []types.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedHistory, err)
	}
	if jobs == nil {
		jobs = []types.Job{}
	}
	return jobs, nil
}

// Reset 刪除歷史檔案
func (b *FileBackend) Reset(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove history: %w", err)
	}
	return nil
}
