package httpserver

import (
	"bytes"
	"errors"
	"html/template"
	"io"
	"os"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
)

const maxReadmeSize = 1 << 20

var errReadmeTooLarge = errors.New("readme too large")

// Raw HTML inside the markdown is dropped by the default renderer.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithParserOptions(parser.WithAutoHeadingID()),
)

func renderMarkdown(path string) (template.HTML, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	src, err := io.ReadAll(io.LimitReader(f, maxReadmeSize+1))
	if err != nil {
		return "", err
	}
	if len(src) > maxReadmeSize {
		return "", errReadmeTooLarge
	}
	var buf bytes.Buffer
	if err := markdown.Convert(src, &buf); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}
