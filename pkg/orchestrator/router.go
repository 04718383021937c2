package orchestrator

import (
	"path/filepath"
	"strings"
)

// Pipeline classes; each becomes the card's `pipeline` metadata tag.
const (
	PipelineDoc         = "doc"
	PipelineOCR         = "ocr"
	PipelineASR         = "asr"
	PipelineText        = "text"
	PipelineBrowser     = "browser_highlight"
	PipelinePlaceholder = "placeholder"
)

// pipelineVersion tags every committed card; bumping it is the supported
// evolution path for pipeline output changes.
const pipelineVersion = "1"

var docExts = map[string]bool{
	".txt": true, ".md": true, ".json": true, ".csv": true, ".log": true,
	".pdf": true, ".docx": true, ".pptx": true, ".xlsx": true,
	".html": true, ".htm": true,
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".tiff": true,
}

var audioExts = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".ogg": true, ".flac": true,
}

// route classifies a blob into a pipeline. Oversize files always land on
// the placeholder pipeline regardless of type.
func route(mime, path string, sizeBytes int64, maxFileMB int) string {
	if maxFileMB > 0 && sizeBytes > int64(maxFileMB)*1024*1024 {
		return PipelinePlaceholder
	}

	ext := strings.ToLower(filepath.Ext(path))
	mime = strings.ToLower(mime)

	switch {
	case strings.HasPrefix(mime, "image/") || imageExts[ext]:
		return PipelineOCR
	case strings.HasPrefix(mime, "audio/") || audioExts[ext]:
		return PipelineASR
	case docExts[ext],
		strings.HasPrefix(mime, "text/"),
		mime == "application/pdf",
		strings.HasPrefix(mime, "application/vnd.openxmlformats-officedocument"),
		mime == "application/msword":
		return PipelineDoc
	default:
		return PipelinePlaceholder
	}
}

// cardTypeFor maps a pipeline class to the card type it produces.
func cardTypeFor(pipeline string) string {
	switch pipeline {
	case PipelineDoc:
		return "document"
	case PipelineOCR:
		return "image"
	case PipelineASR:
		return "audio"
	case PipelineText:
		return "note"
	case PipelineBrowser:
		return "browser_highlight"
	default:
		return "placeholder"
	}
}

// Per-tool dispatch deadlines in milliseconds.
var toolTimeouts = map[string]int{
	"doc_parse":     15000,
	"ocr":           15000,
	"asr":           60000,
	"vision_embed":  15000,
	"text_embed":    10000,
	"summarizer":    10000,
	"extractor":     10000,
	"graph_builder": 10000,
	"retrieval":     10000,
	"weaver":        30000,
	"verifier":      30000,
}

func timeoutFor(tool string) int {
	if t, ok := toolTimeouts[tool]; ok {
		return t
	}
	return 10000
}
