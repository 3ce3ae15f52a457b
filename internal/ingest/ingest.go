// Package ingest turns files on disk into project text files. Plain text
// formats pass through; HTML is sanitized and converted to markdown so the
// model sees the document structure without markup noise.
package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
)

// MaxFileSize bounds a single document. Larger inputs are rejected rather
// than truncated.
const MaxFileSize = 10 << 20

var (
	ErrUnsupported = errors.New("unsupported file type")
	ErrTooLarge    = errors.New("file too large")
	ErrNotText     = errors.New("file is not valid UTF-8 text")
)

var plainExts = map[string]struct{}{
	".txt":  {},
	".md":   {},
	".csv":  {},
	".tsv":  {},
	".json": {},
	".log":  {},
	".xml":  {},
	".yaml": {},
	".yml":  {},
}

var htmlExts = map[string]struct{}{
	".html": {},
	".htm":  {},
}

// Supported reports whether name has an extension Load accepts.
func Supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := plainExts[ext]; ok {
		return true
	}
	_, ok := htmlExts[ext]
	return ok
}

// Loader converts documents. The zero value is not usable; call New.
type Loader struct {
	policy *bluemonday.Policy
	md     *converter.Converter
}

func New() *Loader {
	return &Loader{
		policy: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Load reads path and returns a text file named after its base name.
func (l *Loader) Load(path string) (extract.TextFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return extract.TextFile{}, err
	}
	if info.IsDir() {
		return extract.TextFile{}, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > MaxFileSize {
		return extract.TextFile{}, fmt.Errorf("%w: %s is %d bytes (max %d)", ErrTooLarge, path, info.Size(), MaxFileSize)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return extract.TextFile{}, err
	}
	return l.FromBytes(filepath.Base(path), b)
}

// FromBytes converts an in-memory document. name decides the conversion.
func (l *Loader) FromBytes(name string, b []byte) (extract.TextFile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return extract.TextFile{}, fmt.Errorf("%w: file name is required", extract.ErrInvalidInput)
	}
	if len(b) > MaxFileSize {
		return extract.TextFile{}, fmt.Errorf("%w: %s is %d bytes (max %d)", ErrTooLarge, name, len(b), MaxFileSize)
	}
	if !utf8.Valid(b) {
		return extract.TextFile{}, fmt.Errorf("%w: %s", ErrNotText, name)
	}

	ext := strings.ToLower(filepath.Ext(name))
	text := strings.TrimPrefix(string(b), "\ufeff")
	switch {
	case isIn(plainExts, ext):
	case isIn(htmlExts, ext):
		md, err := l.htmlToMarkdown(text)
		if err != nil {
			return extract.TextFile{}, fmt.Errorf("convert %s: %w", name, err)
		}
		text = md
	default:
		return extract.TextFile{}, fmt.Errorf("%w: %s", ErrUnsupported, name)
	}

	if strings.TrimSpace(text) == "" {
		return extract.TextFile{}, fmt.Errorf("%w: %s is empty", extract.ErrInvalidInput, name)
	}
	return extract.NewTextFile(name, text), nil
}

func (l *Loader) htmlToMarkdown(html string) (string, error) {
	clean := l.policy.Sanitize(html)
	out, err := l.md.ConvertString(clean)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Dir loads every supported file directly under dir, sorted by name.
// Unsupported files are skipped.
func (l *Loader) Dir(dir string) ([]extract.TextFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []extract.TextFile
	for _, e := range entries {
		if e.IsDir() || !Supported(e.Name()) {
			continue
		}
		f, err := l.Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func isIn(set map[string]struct{}, k string) bool {
	_, ok := set[k]
	return ok
}
