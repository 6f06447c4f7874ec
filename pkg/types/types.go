// Package types 定義了 bookextract 系統中使用的核心領域模型
package types

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusQueued     JobStatus = "QUEUED"     // 排隊狀態：任務已提交，等待處理
	StatusProcessing JobStatus = "PROCESSING" // 處理中狀態：任務正在被抽取
	StatusCompleted  JobStatus = "COMPLETED"  // 完成狀態：抽取成功
	StatusError      JobStatus = "ERROR"      // 錯誤狀態：抽取失敗或輸入遺失
)

// IsTerminal 是否為終止狀態（Completed / Error）
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// BookData 抽取結果（由外部抽取引擎產生）
type BookData struct {
	Title     string `json:"title"`     // 書名
	PageCount string `json:"pageCount"` // 估計頁數
	Chapters  string `json:"chapters"`  // 章節列表（逗號分隔）
	Content   string `json:"content"`   // 已格式化的完整內容（Markdown）
}

// Job 任務結構，代表系統中的一個抽取工作單元
type Job struct {
	// 識別
	ID   JobID  `json:"id"`   // 任務唯一識別碼
	Name string `json:"name"` // 由輸入檔名推導的名稱

	// 輸入（不可序列化，只在 Queued / Processing 存在）
	Input InputHandle `json:"-"`

	// 狀態追蹤
	Status   JobStatus `json:"status"`
	Result   *BookData `json:"bookData,omitempty"` // 只在 Completed 時存在
	Logs     []string  `json:"logs"`               // 依時間順序的事件記錄
	Progress int       `json:"progress"`           // 0 ~ 100
	Error    string    `json:"error,omitempty"`    // 只在 Error 時存在

	// 時間（Unix 毫秒）
	CreatedAt int64 `json:"createdAt"`
}

// Clone 深拷貝任務（Input 為共享引用，不複製）
func (j Job) Clone() Job {
	out := j
	if j.Logs != nil {
		out.Logs = make([]string, len(j.Logs))
		copy(out.Logs, j.Logs)
	}
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	return out
}

// NewJob 提交一個新任務所需的資料
type NewJob struct {
	Name  string
	Input InputHandle
}

// JobName 由輸入檔名推導任務名稱（移除 .pdf 副檔名）
func JobName(filename string) string {
	base := filepath.Base(filename)
	if strings.HasSuffix(strings.ToLower(base), ".pdf") {
		base = base[:len(base)-len(".pdf")]
	}
	return base
}

// ============================================================================
// 輸入 Handle
// ============================================================================

// InputHandle 原始輸入的非持久化引用
type InputHandle interface {
	Name() string
	Size() int64
	MIMEType() string
	Open() (io.ReadCloser, error)
}

// FileInput 磁碟上的檔案
type FileInput struct {
	Path string
	Mime string
}

// NewFileInput 建立檔案輸入，MIME 預設為 application/pdf
func NewFileInput(path string) *FileInput {
	return &FileInput{Path: path, Mime: "application/pdf"}
}

func (f *FileInput) Name() string { return filepath.Base(f.Path) }

func (f *FileInput) Size() int64 {
	st, err := os.Stat(f.Path)
	if err != nil {
		return 0
	}
	return st.Size()
}

func (f *FileInput) MIMEType() string { return f.Mime }

func (f *FileInput) Open() (io.ReadCloser, error) { return os.Open(f.Path) }

// BytesInput 已上傳至記憶體的內容
type BytesInput struct {
	Filename string
	Mime     string
	Data     []byte
}

func (b *BytesInput) Name() string     { return b.Filename }
func (b *BytesInput) Size() int64      { return int64(len(b.Data)) }
func (b *BytesInput) MIMEType() string { return b.Mime }

func (b *BytesInput) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Data)), nil
}
