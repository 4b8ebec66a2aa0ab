package unlock

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	smallAttachment = 10000
	maxLoggedInputs = 10
)

// Diagnostic file names written to the working directory.
const (
	PageSourceFile = "debug_page_source.html"
	InputsFile     = "debug_inputs.txt"
)

// preflight logs what the attachment looks like before it is opened.
func (u *Unlocker) preflight(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		u.logger.Warn("Cannot read attachment for inspection", "path", path, "error", err)
		return
	}
	if len(data) < smallAttachment {
		head := data[:min(len(data), 200)]
		u.logger.Warn("Attachment is unusually small", "bytes", len(data), "head", string(head))
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		u.logger.Warn("Cannot parse attachment", "error", err)
		return
	}
	u.logger.Info("Attachment inspected",
		"bytes", len(data),
		"title", strings.TrimSpace(doc.Find("title").First().Text()),
		"inputs", doc.Find("input").Length(),
		"forms", doc.Find("form").Length(),
		"scripts", doc.Find("script").Length())
}

// inputSummary describes every input element in markup, one per line.
func inputSummary(markup string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse page source: %w", err)
	}
	var lines []string
	doc.Find("input").Each(func(i int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		typ, _ := s.Attr("type")
		placeholder, _ := s.Attr("placeholder")
		lines = append(lines, fmt.Sprintf("[%d] name=%q type=%q placeholder=%q", i, name, typ, placeholder))
	})
	return lines, nil
}

// dumpDiagnostics saves the live page source and its input inventory to the
// working directory.
func (u *Unlocker) dumpDiagnostics(ctx context.Context, page Page) {
	src, err := page.Source(ctx)
	if err != nil {
		u.logger.Error("Failed to capture page source", "error", err)
		return
	}

	sourcePath := filepath.Join(u.opts.WorkDir, PageSourceFile)
	if err := os.WriteFile(sourcePath, []byte(src), 0o644); err != nil {
		u.logger.Error("Failed to write page source", "path", sourcePath, "error", err)
	} else {
		u.logger.Info("Page source saved", "path", sourcePath)
	}

	lines, err := inputSummary(src)
	if err != nil {
		u.logger.Error("Failed to inventory inputs", "error", err)
		return
	}
	for i, line := range lines {
		if i == maxLoggedInputs {
			break
		}
		u.logger.Info("Page input", "input", line)
	}

	inputsPath := filepath.Join(u.opts.WorkDir, InputsFile)
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(inputsPath, []byte(content), 0o644); err != nil {
		u.logger.Error("Failed to write input inventory", "path", inputsPath, "error", err)
		return
	}
	u.logger.Info("Input inventory saved", "path", inputsPath, "inputs", len(lines))
}
