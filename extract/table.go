package extract

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"holdings-sync/pkg/holdings"
)

// ReadTable reads the holdings sheet of a workbook. The second sheet is used
// when there are at least two, since the first is a cover page.
func ReadTable(path string) (*holdings.Table, error) {
	var (
		raw [][]string
		err error
	)
	if strings.EqualFold(filepath.Ext(path), ".xls") {
		raw, err = readXLS(path)
	} else {
		raw, err = readXLSX(path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", holdings.ErrExtraction, err)
	}

	table, ok := buildTable(raw)
	if !ok {
		return nil, fmt.Errorf("%w: sheet in %s has no data", holdings.ErrExtraction, filepath.Base(path))
	}
	return table, nil
}

// sheetIndex picks the data sheet among n sheets.
func sheetIndex(n int) int {
	if n >= 2 {
		return 1
	}
	return 0
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook %s has no sheets", filepath.Base(path))
	}
	rows, err := f.GetRows(sheets[sheetIndex(len(sheets))])
	if err != nil {
		return nil, fmt.Errorf("read sheet: %w", err)
	}
	return rows, nil
}

// readXLS reads a legacy BIFF workbook. The decoder panics on some malformed
// files, so panics are returned as errors.
func readXLS(path string) (rows [][]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode workbook %s: %v", filepath.Base(path), r)
		}
	}()

	wb, closer, err := xls.OpenWithCloser(path, "utf-8")
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer closer.Close()
	n := wb.NumSheets()
	if n == 0 {
		return nil, fmt.Errorf("workbook %s has no sheets", filepath.Base(path))
	}
	sheet := wb.GetSheet(sheetIndex(n))
	if sheet == nil {
		return nil, fmt.Errorf("workbook %s: sheet unreadable", filepath.Base(path))
	}

	rows = make([][]string, 0, int(sheet.MaxRow)+1)
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		cells := make([]string, row.LastCol())
		for j := row.FirstCol(); j < row.LastCol(); j++ {
			cells[j] = row.Col(j)
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// buildTable turns raw rows into a table. The first non-empty row is the
// header. Empty rows and columns without data are dropped, and short rows
// are padded. ok is false when raw has no non-empty row.
func buildTable(raw [][]string) (*holdings.Table, bool) {
	headerAt := -1
	for i, row := range raw {
		if !isEmpty(row) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, false
	}

	width := 0
	for _, row := range raw[headerAt:] {
		width = max(width, len(row))
	}

	header := raw[headerAt]
	var data [][]string
	for _, row := range raw[headerAt+1:] {
		if isEmpty(row) {
			continue
		}
		padded := make([]string, width)
		copy(padded, row)
		data = append(data, padded)
	}

	var keep []int
	for col := 0; col < width; col++ {
		for _, row := range data {
			if row[col] != "" {
				keep = append(keep, col)
				break
			}
		}
	}

	table := &holdings.Table{
		Columns: make([]string, 0, len(keep)),
		Rows:    make([][]string, 0, len(data)),
	}
	for _, col := range keep {
		name := ""
		if col < len(header) {
			name = header[col]
		}
		if name == "" {
			name = fmt.Sprintf("Unnamed: %d", col)
		}
		table.Columns = append(table.Columns, name)
	}
	for _, row := range data {
		out := make([]string, len(keep))
		for i, col := range keep {
			out[i] = row[col]
		}
		table.Rows = append(table.Rows, out)
	}
	return table, true
}

func isEmpty(row []string) bool {
	for _, cell := range row {
		if cell != "" {
			return false
		}
	}
	return true
}
