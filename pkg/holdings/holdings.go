// Package holdings contains the core domain types for the holdings sync pipeline.
package holdings

import "time"

// Message is the mailbox entry selected by the search heuristics.
type Message struct {
	ID      string
	Subject string // Filled in once the full message is fetched
	Sender  string
}

// Attachment is the secure HTML page saved from the message.
type Attachment struct {
	Path     string // Local file path
	Filename string // Filename as sent by the vendor
	Size     int64
}

// Archive is the compressed file downloaded from the unlocked page.
type Archive struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// Table is the parsed holdings data.
// Cells are strings; the empty string is the missing value.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Shape returns the number of data rows and columns.
func (t *Table) Shape() (rows, cols int) {
	if t == nil {
		return 0, 0
	}
	return len(t.Rows), len(t.Columns)
}
