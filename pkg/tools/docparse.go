package tools

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/Vortrix5/echogarden/pkg/storage"
)

// DocParseInput selects the blob to extract text from.
type DocParseInput struct {
	BlobID string `json:"blob_id" jsonschema:"required" jsonschema_description:"Blob to parse"`
}

// DocParseOutput is the extracted document content.
type DocParseOutput struct {
	Text      string            `json:"text"`
	Title     string            `json:"title"`
	Mime      string            `json:"mime"`
	PageCount int               `json:"page_count,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// NewDocParseTool extracts text from PDF, Word, PowerPoint, Excel, HTML,
// and plain text blobs.
func NewDocParseTool(store *storage.Store) Tool {
	return NewTool("doc_parse", "Extract text content from a stored document blob",
		func(ctx context.Context, in DocParseInput) (DocParseOutput, error) {
			blob, err := store.GetBlob(ctx, in.BlobID)
			if err != nil {
				return DocParseOutput{}, NewToolError("doc_parse", "lookup",
					fmt.Sprintf("blob %s", in.BlobID), err)
			}

			title := filepath.Base(blob.Path)
			out := DocParseOutput{Title: title, Mime: blob.Mime, Meta: map[string]string{"title": title}}

			switch strings.ToLower(filepath.Ext(blob.Path)) {
			case ".pdf":
				text, pages, err := parsePDF(ctx, blob.Path, blob.SizeBytes)
				if err != nil {
					return DocParseOutput{}, NewToolError("doc_parse", "pdf", blob.Path, err)
				}
				out.Text = text
				out.PageCount = pages
				out.Meta["type"] = "PDF Document"
			case ".docx":
				text, err := parseWord(blob.Path)
				if err != nil {
					return DocParseOutput{}, NewToolError("doc_parse", "docx", blob.Path, err)
				}
				out.Text = text
				out.Meta["type"] = "Word Document"
			case ".xlsx":
				text, sheets, err := parseExcel(ctx, blob.Path)
				if err != nil {
					return DocParseOutput{}, NewToolError("doc_parse", "xlsx", blob.Path, err)
				}
				out.Text = text
				out.Meta["type"] = "Excel Spreadsheet"
				out.Meta["sheets"] = fmt.Sprintf("%d", sheets)
			case ".pptx":
				text, slides, err := parsePowerPoint(ctx, blob.Path)
				if err != nil {
					return DocParseOutput{}, NewToolError("doc_parse", "pptx", blob.Path, err)
				}
				out.Text = text
				out.PageCount = slides
				out.Meta["type"] = "PowerPoint Presentation"
			case ".html", ".htm":
				raw, err := os.ReadFile(blob.Path)
				if err != nil {
					return DocParseOutput{}, NewToolError("doc_parse", "read", blob.Path, err)
				}
				out.Text = stripHTML(string(raw))
				out.Meta["type"] = "HTML Document"
				if t := htmlTitle(string(raw)); t != "" {
					out.Title = t
					out.Meta["title"] = t
				}
			default:
				raw, err := os.ReadFile(blob.Path)
				if err != nil {
					return DocParseOutput{}, NewToolError("doc_parse", "read", blob.Path, err)
				}
				out.Text = string(raw)
				out.Meta["type"] = "Text Document"
			}

			out.Meta["word_count"] = fmt.Sprintf("%d", len(strings.Fields(out.Text)))
			return out, nil
		})
}

func parsePDF(ctx context.Context, path string, size int64) (string, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	reader, err := pdf.NewReader(file, size)
	if err != nil {
		return "", 0, err
	}

	var parts []string
	totalPages := reader.NumPage()
	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		default:
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), totalPages, nil
}

func parseWord(path string) (string, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", err
	}
	defer doc.Close()
	return stripHTML(doc.Editable().GetContent()), nil
}

// parsePowerPoint pulls slide text out of the OOXML archive. Slides live
// at ppt/slides/slideN.xml; the XML markup strips like HTML.
func parsePowerPoint(ctx context.Context, path string) (string, int, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return "", 0, err
	}
	defer archive.Close()

	var names []string
	for _, f := range archive.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			names = append(names, f.Name)
		}
	}
	// Shorter names first so slide2 sorts before slide10.
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})

	var parts []string
	for _, name := range names {
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		default:
		}

		f, err := archive.Open(name)
		if err != nil {
			continue
		}
		raw, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			continue
		}
		if text := stripHTML(string(raw)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), len(names), nil
}

func parseExcel(ctx context.Context, path string) (string, int, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	const maxCells = 1000

	var parts []string
	sheets := f.GetSheetList()
	for _, sheetName := range sheets {
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		default:
		}

		var b strings.Builder
		b.WriteString(fmt.Sprintf("Sheet: %s\n", sheetName))
		rows, err := f.GetRows(sheetName)
		if err != nil {
			continue
		}
		cellCount := 0
		for _, row := range rows {
			if cellCount >= maxCells {
				b.WriteString("... (truncated)\n")
				break
			}
			var cells []string
			for _, cell := range row {
				if text := strings.TrimSpace(cell); text != "" {
					cells = append(cells, text)
					cellCount++
				}
			}
			if len(cells) > 0 {
				b.WriteString(strings.Join(cells, "\t") + "\n")
			}
		}
		parts = append(parts, strings.TrimSpace(b.String()))
	}
	return strings.Join(parts, "\n\n"), len(sheets), nil
}

// stripHTML removes tags plus script and style blocks. Good enough for
// the capture path; full DOM handling is not needed to index page text.
func stripHTML(s string) string {
	for _, tag := range []string{"script", "style"} {
		for {
			lower := strings.ToLower(s)
			start := strings.Index(lower, "<"+tag)
			if start < 0 {
				break
			}
			end := strings.Index(lower[start:], "</"+tag+">")
			if end < 0 {
				s = s[:start]
				break
			}
			s = s[:start] + " " + s[start+end+len(tag)+3:]
		}
	}

	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
			b.WriteByte(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func htmlTitle(s string) string {
	lower := strings.ToLower(s)
	start := strings.Index(lower, "<title>")
	if start < 0 {
		return ""
	}
	end := strings.Index(lower[start:], "</title>")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(s[start+len("<title>") : start+end])
}
