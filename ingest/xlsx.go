package ingest

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mmdatafocus/registry_importer/models"
	"github.com/xuri/excelize/v2"
)

var ErrEmptySheet = errors.New("sheet has no header row")

// ReadXlsxRows reads the first sheet of an xlsx workbook. The first row holds the
// headers; every later non-blank row becomes a header -> cell mapping.
func ReadXlsxRows(r io.Reader) ([]map[string]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptySheet
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("unable to read sheet: %v", err)
	}
	if len(rows) == 0 {
		return nil, ErrEmptySheet
	}

	headers := rows[0]
	out := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		m := make(map[string]string, len(headers))
		for i, h := range headers {
			if strings.TrimSpace(h) == "" {
				continue
			}
			if i < len(row) {
				m[h] = row[i]
			} else {
				m[h] = ""
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// WriteIssueReport writes QC issues as a one-sheet workbook.
func WriteIssueReport(w io.Writer, issues []models.QCIssue) error {
	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Sheet1"

	headings := []string{"RecordIndex", "FileNumber", "IssueType", "Severity", "Description", "SuggestedFix", "AutoFixable"}
	for i, h := range headings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		f.SetCellValue(sheet, cell, h)
	}
	for i, issue := range issues {
		fix := ""
		if issue.SuggestedFix != nil {
			fix = *issue.SuggestedFix
		}
		values := []interface{}{issue.RecordIndex, issue.FileNumberRaw, string(issue.Type), string(issue.Severity), issue.Description, fix, issue.AutoFixable}
		for j, v := range values {
			cell, err := excelize.CoordinatesToCellName(j+1, i+2)
			if err != nil {
				return err
			}
			f.SetCellValue(sheet, cell, v)
		}
	}
	return f.Write(w)
}
