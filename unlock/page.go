package unlock

import "context"

// Element describes one DOM node matched by Page.Query.
type Element struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Placeholder string `json:"placeholder"`
	Href        string `json:"href"`
	Text        string `json:"text"`
	Visible     bool   `json:"visible"`
	Enabled     bool   `json:"enabled"`

	// Path is a JavaScript expression that evaluates to the node.
	Path string `json:"-"`
}

// Page is a browser tab showing the secure attachment.
type Page interface {
	Open(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	// Source returns the current document markup.
	Source(ctx context.Context) (string, error)
	// Query returns the nodes matching a CSS selector in document order.
	Query(ctx context.Context, selector string) ([]Element, error)
	Click(ctx context.Context, el Element) error
	// ScriptClick dispatches a click from script, ignoring visibility.
	ScriptClick(ctx context.Context, el Element) error
	// Fill clears the field and types text into it.
	Fill(ctx context.Context, el Element, text string) error
	PressEnter(ctx context.Context, el Element) error
	// ScriptSubmit sets the field value and submits its form from script.
	ScriptSubmit(ctx context.Context, el Element, text string) error
	Close() error
}

// Launcher starts a browser whose downloads are saved to downloadDir.
type Launcher interface {
	Launch(ctx context.Context, downloadDir string) (Page, error)
}
