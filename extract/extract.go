// Package extract unpacks the downloaded archive and reads the holdings
// workbook inside it.
package extract

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/korean"

	"holdings-sync/pkg/holdings"
)

// workbookExts are the spreadsheet extensions searched for after extraction.
var workbookExts = map[string]bool{
	".xlsx": true,
	".xlsm": true,
	".xls":  true,
}

// Extractor unpacks archives next to where they were downloaded.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor creates an archive extractor.
func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract unpacks archive into "<stem>_extracted" beside it and returns the
// path of the first workbook found inside.
func (e *Extractor) Extract(ctx context.Context, archive *holdings.Archive) (string, error) {
	root := ExtractDir(archive.Path)
	e.logger.Info("Extracting archive", "archive", archive.Path, "dest", root)

	zr, err := zip.OpenReader(archive.Path)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return "", fmt.Errorf("%w: open archive: %w", holdings.ErrExtraction, err)
	}
	defer func() {
		if closeErr := zr.Close(); closeErr != nil {
			e.logger.Warn("Failed to close archive", "error", closeErr)
		}
	}()

	if err := resetDir(root); err != nil {
		return "", fmt.Errorf("%w: %w", holdings.ErrExtraction, err)
	}

	if err := e.extractStrict(ctx, zr.File, root); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		e.logger.Warn("Bulk extraction failed, retrying entry by entry", "error", err)
		if err := resetDir(root); err != nil {
			return "", fmt.Errorf("%w: %w", holdings.ErrExtraction, err)
		}
		if err := e.extractTolerant(ctx, zr.File, root); err != nil {
			return "", err
		}
	}

	path, err := FindWorkbook(root)
	if err != nil {
		return "", err
	}
	e.logger.Info("Workbook found", "path", path)
	return path, nil
}

// ExtractDir returns the extraction directory for an archive.
func ExtractDir(archivePath string) string {
	stem := strings.TrimSuffix(filepath.Base(archivePath), filepath.Ext(archivePath))
	return filepath.Join(filepath.Dir(archivePath), stem+"_extracted")
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove previous extraction: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create extraction directory: %w", err)
	}
	return nil
}

// extractStrict writes every entry and stops at the first problem.
func (e *Extractor) extractStrict(ctx context.Context, files []*zip.File, root string) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, ok := entryName(f)
		if !ok {
			return fmt.Errorf("entry %q has an undecodable name", f.Name)
		}
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return fmt.Errorf("entry %q escapes the extraction directory", name)
		}
		if err := writeEntry(f, root, name); err != nil {
			return err
		}
	}
	e.logger.Info("Archive extracted", "entries", len(files))
	return nil
}

// extractTolerant renames entries whose names are unusable and skips
// entries that cannot be read.
func (e *Extractor) extractTolerant(ctx context.Context, files []*zip.File, root string) error {
	written, skipped := 0, 0
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, ok := entryName(f)
		if !ok || !filepath.IsLocal(filepath.FromSlash(name)) {
			if f.FileInfo().IsDir() {
				continue
			}
			renamed := fmt.Sprintf("entry_%03d%s", i, safeExt(name))
			e.logger.Warn("Renaming archive entry", "original", f.Name, "renamed", renamed)
			name = renamed
		}
		if err := writeEntry(f, root, name); err != nil {
			e.logger.Warn("Skipping unreadable archive entry", "entry", name, "error", err)
			skipped++
			continue
		}
		written++
	}
	e.logger.Info("Archive extracted entry by entry", "written", written, "skipped", skipped)
	if written == 0 && len(files) > 0 {
		return fmt.Errorf("%w: no archive entry could be extracted", holdings.ErrExtraction)
	}
	return nil
}

// entryName returns the entry name as UTF-8. Names not stored as UTF-8 are
// decoded as EUC-KR. ok is false when the name cannot be decoded.
func entryName(f *zip.File) (string, bool) {
	name := f.Name
	valid := utf8.ValidString(name)
	if valid && !f.NonUTF8 {
		return name, true
	}

	decoded, err := korean.EUCKR.NewDecoder().String(name)
	if err == nil && !strings.ContainsRune(decoded, utf8.RuneError) {
		return decoded, true
	}
	// Flagged entries that are valid UTF-8 anyway were written by tools
	// that omit the flag.
	if valid {
		return name, true
	}
	return "", false
}

// safeExt returns a short alphanumeric extension of name, or ".bin".
func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 6 {
		return ".bin"
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ".bin"
		}
	}
	return ext
}

func writeEntry(f *zip.File, root, name string) error {
	target := filepath.Join(root, filepath.FromSlash(name))
	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return out.Close()
}

// FindWorkbook returns the first spreadsheet file under root in lexical
// walk order.
func FindWorkbook(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !workbookExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		found = path
		return fs.SkipAll
	})
	if err != nil {
		return "", fmt.Errorf("%w: search extracted files: %w", holdings.ErrExtraction, err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: no spreadsheet file in %s", holdings.ErrNotFound, root)
	}
	return found, nil
}
