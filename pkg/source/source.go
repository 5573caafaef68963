// Package source enumerates input documents.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/docgraph/pkg/common"

	"codeberg.org/readeck/go-readability/v2"
	"golang.org/x/net/html/charset"
)

// ErrSourceEmpty is returned when a source holds no matching documents.
var ErrSourceEmpty = errors.New("no documents found")

// Source produces the documents of one input location. The sequence is lazy
// and can be ranged over once.
type Source interface {
	Documents(ctx context.Context) (iter.Seq2[common.Document, error], error)
}

// ReadError is yielded for a document that was found but could not be read.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// DefaultExtensions are read when no extensions are configured.
var DefaultExtensions = []string{".txt"}

func normaliseExtensions(exts []string) []string {
	if len(exts) == 0 {
		return DefaultExtensions
	}
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

func matches(name string, exts []string) bool {
	return slices.Contains(exts, strings.ToLower(path.Ext(name)))
}

func isHTML(name, contentType string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".html", ".htm":
		return true
	}
	return strings.Contains(contentType, "text/html")
}

// render turns raw file bytes into document text. HTML is decoded to UTF-8
// and reduced to its readable article text; everything else is taken as is.
func render(name, contentType string, data []byte, location *url.URL) (string, error) {
	if !isHTML(name, contentType) {
		return string(data), nil
	}
	if contentType == "" {
		contentType = "text/html"
	}
	r, err := charset.NewReader(bytes.NewReader(data), contentType)
	if err != nil {
		return "", fmt.Errorf("failed to decode html: %w", err)
	}
	article, err := readability.FromReader(r, location)
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}
	var builder strings.Builder
	if err := article.RenderText(&builder); err != nil {
		return "", fmt.Errorf("failed to render article text: %w", err)
	}
	return builder.String(), nil
}
