package extract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holdings-sync/pkg/holdings"
)

func TestBuildTable(t *testing.T) {
	tests := []struct {
		name     string
		raw      [][]string
		wantCols []string
		wantRows [][]string
		wantOK   bool
	}{
		{
			name:   "all empty",
			raw:    [][]string{nil, {"", ""}},
			wantOK: false,
		},
		{
			name: "leading blank rows and unnamed header",
			raw: [][]string{
				{},
				{"종목", "", "수량"},
				{"A", "x", "1"},
				{"B", "y", "2"},
			},
			wantCols: []string{"종목", "Unnamed: 1", "수량"},
			wantRows: [][]string{{"A", "x", "1"}, {"B", "y", "2"}},
			wantOK:   true,
		},
		{
			name: "empty rows and columns dropped",
			raw: [][]string{
				{"종목", "비고", "수량", ""},
				{"A", "", "1"},
				{"", "", "", ""},
				{},
				{"B", "", "", "z"},
			},
			wantCols: []string{"종목", "수량", "Unnamed: 3"},
			wantRows: [][]string{{"A", "1", ""}, {"B", "", "z"}},
			wantOK:   true,
		},
		{
			name: "ragged rows padded",
			raw: [][]string{
				{"a", "b"},
				{"1"},
				{"2", "3", "4"},
			},
			wantCols: []string{"a", "b", "Unnamed: 2"},
			wantRows: [][]string{{"1", "", ""}, {"2", "3", "4"}},
			wantOK:   true,
		},
		{
			name:     "header only",
			raw:      [][]string{{"a", "b"}},
			wantCols: []string{},
			wantRows: [][]string{},
			wantOK:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := buildTable(tt.raw)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantCols, got.Columns)
			assert.Equal(t, tt.wantRows, got.Rows)
			for _, row := range got.Rows {
				assert.Len(t, row, len(got.Columns))
				assert.False(t, isEmpty(row), "no empty rows survive")
			}
		})
	}
}

func TestReadTableSecondSheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holdings.xlsx")
	data := workbookBytes(t, []string{"표지", "보유내역"}, map[string][][]any{
		"표지": {{"현대카드 보유내역 안내"}},
		"보유내역": {
			{"계좌", "종목명", "", "평가금액"},
			{"001", "삼성전자", "", 1000},
			{nil, nil, nil, nil},
			{"002", "", "", 2500.5},
		},
	})
	require.NoError(t, os.WriteFile(path, data, 0o644))

	table, err := ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"계좌", "종목명", "평가금액"}, table.Columns)
	assert.Equal(t, [][]string{
		{"001", "삼성전자", "1000"},
		{"002", "", "2500.5"},
	}, table.Rows)

	rows, cols := table.Shape()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 3, cols)
}

func TestReadTableSingleSheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "single.xlsx")
	data := workbookBytes(t, []string{"Data"}, map[string][][]any{
		"Data": {{"name"}, {"only"}},
	})
	require.NoError(t, os.WriteFile(path, data, 0o644))

	table, err := ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, table.Columns)
	assert.Equal(t, [][]string{{"only"}}, table.Rows)
}

func TestReadTableErrors(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.xlsx")
	require.NoError(t, os.WriteFile(empty, workbookBytes(t, []string{"Sheet1"}, nil), 0o644))
	_, err := ReadTable(empty)
	assert.ErrorIs(t, err, holdings.ErrExtraction)

	garbage := filepath.Join(dir, "garbage.xls")
	require.NoError(t, os.WriteFile(garbage, []byte("not a workbook"), 0o644))
	_, err = ReadTable(garbage)
	assert.ErrorIs(t, err, holdings.ErrExtraction)
}

func TestSheetIndex(t *testing.T) {
	assert.Equal(t, 0, sheetIndex(1))
	assert.Equal(t, 1, sheetIndex(2))
	assert.Equal(t, 1, sheetIndex(5))
}
