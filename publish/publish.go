// Package publish writes the holdings table to a Google Sheets worksheet.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/api/sheets/v4"

	"holdings-sync/pkg/holdings"
)

// Publisher replaces the contents of one worksheet.
type Publisher struct {
	service       *sheets.Service
	logger        *slog.Logger
	spreadsheetID string
	worksheet     string
	defaultRows   int64
	defaultCols   int64
}

// New creates a publisher for the named worksheet. The worksheet is created
// with the given grid size when missing.
func New(service *sheets.Service, logger *slog.Logger, spreadsheetID, worksheet string, defaultRows, defaultCols int64) *Publisher {
	if defaultRows <= 0 {
		defaultRows = 1000
	}
	if defaultCols <= 0 {
		defaultCols = 26
	}
	return &Publisher{
		service:       service,
		logger:        logger,
		spreadsheetID: spreadsheetID,
		worksheet:     worksheet,
		defaultRows:   defaultRows,
		defaultCols:   defaultCols,
	}
}

// Publish clears the worksheet and writes the header and rows starting at A1.
// Publishing the same table twice leaves the worksheet in the same state.
func (p *Publisher) Publish(ctx context.Context, table *holdings.Table) error {
	start := time.Now()

	props, err := p.worksheetProperties(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", holdings.ErrPublish, err)
	}
	if props == nil {
		props, err = p.addWorksheet(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", holdings.ErrPublish, err)
		}
	}

	rows, cols := table.Shape()
	if err := p.ensureGrid(ctx, props, int64(rows+1), int64(cols)); err != nil {
		return fmt.Errorf("%w: %w", holdings.ErrPublish, err)
	}

	sheetRange := quoteSheet(p.worksheet)
	if _, err := p.service.Spreadsheets.Values.Clear(p.spreadsheetID, sheetRange, &sheets.ClearValuesRequest{}).Context(ctx).Do(); err != nil {
		return fmt.Errorf("%w: clear worksheet: %w", holdings.ErrPublish, err)
	}
	p.logger.Info("Worksheet cleared", "worksheet", p.worksheet)

	update := &sheets.ValueRange{Values: values(table)}
	resp, err := p.service.Spreadsheets.Values.Update(p.spreadsheetID, sheetRange+"!A1", update).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("%w: write values: %w", holdings.ErrPublish, err)
	}

	p.logger.Info("Sheets API request completed",
		"endpoint", "spreadsheets.values.update",
		"worksheet", p.worksheet,
		"updated_range", resp.UpdatedRange,
		"rows", rows,
		"cols", cols,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// worksheetProperties returns the properties of the target worksheet, or nil
// when it does not exist.
func (p *Publisher) worksheetProperties(ctx context.Context) (*sheets.SheetProperties, error) {
	ss, err := p.service.Spreadsheets.Get(p.spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet %s: %w", p.spreadsheetID, err)
	}
	for _, s := range ss.Sheets {
		if s.Properties != nil && s.Properties.Title == p.worksheet {
			return s.Properties, nil
		}
	}
	return nil, nil
}

func (p *Publisher) addWorksheet(ctx context.Context) (*sheets.SheetProperties, error) {
	p.logger.Info("Worksheet missing, creating it", "worksheet", p.worksheet, "rows", p.defaultRows, "cols", p.defaultCols)
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{
					Title: p.worksheet,
					GridProperties: &sheets.GridProperties{
						RowCount:    p.defaultRows,
						ColumnCount: p.defaultCols,
					},
				},
			},
		}},
	}
	resp, err := p.service.Spreadsheets.BatchUpdate(p.spreadsheetID, req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("add worksheet %q: %w", p.worksheet, err)
	}
	if len(resp.Replies) > 0 && resp.Replies[0].AddSheet != nil && resp.Replies[0].AddSheet.Properties != nil {
		return resp.Replies[0].AddSheet.Properties, nil
	}
	return req.Requests[0].AddSheet.Properties, nil
}

// ensureGrid grows the worksheet when the table does not fit. Writes past
// the grid are rejected by the API.
func (p *Publisher) ensureGrid(ctx context.Context, props *sheets.SheetProperties, rows, cols int64) error {
	grid := props.GridProperties
	if grid == nil {
		return nil
	}
	if rows <= grid.RowCount && cols <= grid.ColumnCount {
		return nil
	}

	newGrid := &sheets.GridProperties{
		RowCount:    max(rows, grid.RowCount),
		ColumnCount: max(cols, grid.ColumnCount),
	}
	p.logger.Info("Growing worksheet", "worksheet", p.worksheet, "rows", newGrid.RowCount, "cols", newGrid.ColumnCount)
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			UpdateSheetProperties: &sheets.UpdateSheetPropertiesRequest{
				Properties: &sheets.SheetProperties{
					SheetId:         props.SheetId,
					GridProperties:  newGrid,
					ForceSendFields: []string{"SheetId"},
				},
				Fields: "gridProperties.rowCount,gridProperties.columnCount",
			},
		}},
	}
	if _, err := p.service.Spreadsheets.BatchUpdate(p.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("resize worksheet %q: %w", p.worksheet, err)
	}
	return nil
}

// quoteSheet quotes a worksheet title for A1 notation.
func quoteSheet(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

// values lays out the header and rows for a values update.
func values(table *holdings.Table) [][]interface{} {
	out := make([][]interface{}, 0, len(table.Rows)+1)
	header := make([]interface{}, len(table.Columns))
	for i, c := range table.Columns {
		header[i] = c
	}
	out = append(out, header)
	for _, row := range table.Rows {
		cells := make([]interface{}, len(row))
		for i, c := range row {
			cells[i] = c
		}
		out = append(out, cells)
	}
	return out
}
