// Package export renders completed extraction results as spreadsheets.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/ChuLiYu/bookextract/pkg/types"
)

var log = slog.Default()

// ErrNothingToExport is returned when no completed job carries a result.
var ErrNothingToExport = errors.New("no completed jobs to export")

// Format selects the output encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts "csv" or "xlsx".
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatXLSX:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

var headers = []string{"Title", "Pages", "Chapters", "Content"}

const sheetName = "Books"

// excel rejects longer cell values
const maxCellChars = 32767

// Rows returns one record per completed job with a result, in job order.
func Rows(jobs []types.Job) [][]string {
	done := completed(jobs)
	rows := make([][]string, 0, len(done))
	for _, job := range done {
		rows = append(rows, record(job.Result))
	}
	return rows
}

func completed(jobs []types.Job) []types.Job {
	out := make([]types.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.Status != types.StatusCompleted || job.Result == nil {
			continue
		}
		out = append(out, job)
	}
	return out
}

func record(b *types.BookData) []string {
	return []string{b.Title, b.PageCount, b.Chapters, b.Content}
}

// Write renders jobs in the given format.
func Write(w io.Writer, format Format, jobs []types.Job) (int, error) {
	switch format {
	case FormatXLSX:
		return WriteXLSX(w, jobs)
	default:
		return WriteCSV(w, jobs)
	}
}

// WriteCSV writes a header plus one row per completed job.
func WriteCSV(w io.Writer, jobs []types.Job) (int, error) {
	rows := Rows(jobs)
	if len(rows) == 0 {
		return 0, ErrNothingToExport
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return 0, fmt.Errorf("csv header: %w", err)
	}
	if err := cw.WriteAll(rows); err != nil {
		return 0, fmt.Errorf("csv rows: %w", err)
	}
	return len(rows), nil
}

// WriteXLSX writes the same table as a single-sheet workbook.
func WriteXLSX(w io.Writer, jobs []types.Job) (int, error) {
	done := completed(jobs)
	if len(done) == 0 {
		return 0, ErrNothingToExport
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return 0, fmt.Errorf("xlsx sheet: %w", err)
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, h)
	}
	for r, job := range done {
		for c, v := range record(job.Result) {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if n := utf8.RuneCountInString(v); n > maxCellChars {
				log.Warn("XLSX cell truncated",
					"job", job.Name,
					"column", headers[c],
					"chars", n,
					"kept", maxCellChars)
				v = truncate(v, maxCellChars)
			}
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return 0, fmt.Errorf("xlsx cell %s: %w", cell, err)
			}
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 36) // title
	_ = f.SetColWidth(sheetName, "B", "B", 10) // pages
	_ = f.SetColWidth(sheetName, "C", "C", 48) // chapters
	_ = f.SetColWidth(sheetName, "D", "D", 80) // content

	if _, err := f.WriteTo(w); err != nil {
		return 0, fmt.Errorf("xlsx write: %w", err)
	}
	return len(done), nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
