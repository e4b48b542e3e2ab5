// Package docparse turns submitted documents into the plain text agents
// read: HTML email bodies and base64 PDF statements.
package docparse

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Supported content types.
const (
	TypeText = "text/plain"
	TypeHTML = "text/html"
	TypePDF  = "application/pdf"
)

// ErrUnsupportedType is returned for content types other than the above.
var ErrUnsupportedType = errors.New("unsupported content type")

// Extract returns the plain text of content. PDF content is base64 encoded.
// An empty content type means plain text.
func Extract(ctx context.Context, contentType, content string) (string, error) {
	mt := TypeText
	if contentType != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
		}
		mt = parsed
	}

	switch mt {
	case TypeText:
		return content, nil
	case TypeHTML:
		return HTMLText(content)
	case TypePDF:
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return "", fmt.Errorf("invalid base64 content: %w", err)
		}
		return PDFText(ctx, data)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, mt)
	}
}

// blocks end a line of output.
var blocks = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Blockquote: true, atom.Br: true,
	atom.Div: true, atom.Footer: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Header: true, atom.Hr: true,
	atom.Li: true, atom.P: true, atom.Pre: true, atom.Section: true, atom.Table: true,
	atom.Td: true, atom.Th: true, atom.Title: true, atom.Tr: true,
}

// skipped subtrees carry no readable text.
var skipped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Template: true,
	atom.Iframe: true, atom.Svg: true,
}

// HTMLText strips markup from an HTML document. Scripts and styles are
// dropped, block elements become line breaks and runs of whitespace collapse.
func HTMLText(s string) (string, error) {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(strings.Join(strings.Fields(n.Data), " "))
			b.WriteByte(' ')
			return
		case html.ElementNode:
			if skipped[n.DataAtom] {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blocks[n.DataAtom] {
			b.WriteByte('\n')
		}
	}
	walk(doc)
	return tidy(b.String()), nil
}

// tidy collapses whitespace within lines and drops blank lines.
func tidy(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// PDFText extracts the text of every page, separated by blank lines. Pages
// whose text cannot be extracted are skipped.
func PDFText(ctx context.Context, data []byte) (text string, err error) {
	// The reader panics on some malformed input.
	defer func() {
		if p := recover(); p != nil {
			text, err = "", fmt.Errorf("parsing pdf: %v", p)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parsing pdf: %w", err)
	}

	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		pt, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		if pt = strings.TrimSpace(pt); pt != "" {
			pages = append(pages, pt)
		}
	}
	if len(pages) == 0 {
		return "", errors.New("pdf contains no extractable text")
	}
	return strings.Join(pages, "\n\n"), nil
}
