// Package extract turns uploaded files into plain text.
package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"
)

// ErrUnsupported is returned for file types with no extractor.
var ErrUnsupported = errors.New("unsupported file type")

// Content types recognised by Bytes.
const (
	TypeText = "text/plain"
	TypePDF  = "application/pdf"
	TypeHTML = "text/html"
	TypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// maxFetchSize caps downloads from URLs.
const maxFetchSize = 32 << 20

// DetectType resolves a content type from an explicit MIME type or, when
// that is empty, from the file name's extension.
func DetectType(name, contentType string) string {
	ct, _, _ := strings.Cut(contentType, ";")
	switch ct = strings.TrimSpace(strings.ToLower(ct)); ct {
	case TypeText, TypePDF, TypeHTML, TypeDOCX:
		return ct
	case "text/markdown":
		return TypeText
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".markdown":
		return TypeText
	case ".pdf":
		return TypePDF
	case ".html", ".htm":
		return TypeHTML
	case ".docx":
		return TypeDOCX
	}
	return ""
}

// File reads and extracts a local file.
func File(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return Bytes(path, "", data)
}

// Fetch downloads url and extracts it, using the response's content type
// when the URL has no recognisable extension.
func Fetch(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", url, err)
	}
	return Bytes(url, resp.Header.Get("Content-Type"), data)
}

// Bytes extracts text from data. name is used for type detection when
// contentType is empty or unrecognised.
func Bytes(name, contentType string, data []byte) (string, error) {
	switch typ := DetectType(name, contentType); typ {
	case TypeText:
		return Text(data), nil
	case TypePDF:
		return PDF(data)
	case TypeHTML:
		return HTML(bytes.NewReader(data), contentType)
	case TypeDOCX:
		return DOCX(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, name)
	}
}

// Text decodes UTF-8, falling back to Latin-1 for legacy files.
func Text(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "")
	}
	return string(decoded)
}

// PDF extracts the text layer page by page. Each page is preceded by a
// "--- Page N ---" marker; pages that fail to decode are skipped.
func PDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	var parts []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(make(map[string]*pdf.Font))
		if err != nil {
			slog.Warn("skipping unreadable pdf page", "page", i, "error", err)
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("\n--- Page %d ---\n%s", i, text))
	}
	return strings.Join(parts, "\n"), nil
}

// HTML returns the visible text of a page, one block element per
// paragraph. contentType may name the charset.
func HTML(r io.Reader, contentType string) (string, error) {
	utf8Reader, err := charset.NewReader(r, contentType)
	if err != nil {
		return "", fmt.Errorf("detecting charset: %w", err)
	}
	doc, err := html.Parse(utf8Reader)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var (
		blocks []string
		cur    strings.Builder
	)
	flush := func() {
		if s := strings.Join(strings.Fields(cur.String()), " "); s != "" {
			blocks = append(blocks, s)
		}
		cur.Reset()
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head", "nav", "footer":
				return
			}
		}
		if n.Type == html.TextNode {
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
		}
		block := n.Type == html.ElementNode && blockElements[n.Data]
		if block {
			flush()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			flush()
		}
	}
	walk(doc)
	flush()
	return strings.Join(blocks, "\n\n"), nil
}

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "li": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"tr": true, "br": true, "blockquote": true, "pre": true, "table": true,
}

// DOCX extracts non-empty paragraphs followed by table rows, cells joined
// with " | ".
func DOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening docx: %w", err)
	}
	var body io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			if body, err = f.Open(); err != nil {
				return "", fmt.Errorf("opening document.xml: %w", err)
			}
			break
		}
	}
	if body == nil {
		return "", errors.New("opening docx: word/document.xml not found")
	}
	defer body.Close()

	var doc docxDocument
	if err := xml.NewDecoder(body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decoding document.xml: %w", err)
	}

	var parts []string
	for _, p := range doc.Body.Paragraphs {
		if s := p.text(); strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	for _, t := range doc.Body.Tables {
		for _, row := range t.Rows {
			var cells []string
			for _, c := range row.Cells {
				var ps []string
				for _, p := range c.Paragraphs {
					ps = append(ps, p.text())
				}
				if s := strings.TrimSpace(strings.Join(ps, " ")); s != "" {
					cells = append(cells, s)
				}
			}
			if len(cells) > 0 {
				parts = append(parts, strings.Join(cells, " | "))
			}
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

type docxDocument struct {
	Body struct {
		Paragraphs []docxParagraph `xml:"p"`
		Tables     []struct {
			Rows []struct {
				Cells []struct {
					Paragraphs []docxParagraph `xml:"p"`
				} `xml:"tc"`
			} `xml:"tr"`
		} `xml:"tbl"`
	} `xml:"body"`
}

type docxParagraph struct {
	Runs []struct {
		Text []string `xml:"t"`
	} `xml:"r"`
}

func (p docxParagraph) text() string {
	var b strings.Builder
	for _, r := range p.Runs {
		for _, t := range r.Text {
			b.WriteString(t)
		}
	}
	return b.String()
}
