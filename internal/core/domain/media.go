package domain

import (
	"mime"
	"path/filepath"
	"strings"
)

type MediaKind string

const (
	MediaPDF         MediaKind = "pdf"
	MediaOffice      MediaKind = "office"
	MediaText        MediaKind = "text"
	MediaHTML        MediaKind = "html"
	MediaMarkdown    MediaKind = "markdown"
	MediaImage       MediaKind = "image"
	MediaUnsupported MediaKind = "unsupported"
)

var mediaByType = map[string]MediaKind{
	"application/pdf":    MediaPDF,
	"application/x-pdf":  MediaPDF,
	"text/plain":         MediaText,
	"text/csv":           MediaText,
	"text/html":          MediaHTML,
	"text/markdown":      MediaMarkdown,
	"text/x-markdown":    MediaMarkdown,
	"application/rtf":    MediaOffice,
	"text/rtf":           MediaOffice,
	"application/msword": MediaOffice,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   MediaOffice,
	"application/vnd.ms-excel":                                                  MediaOffice,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         MediaOffice,
	"application/vnd.ms-powerpoint":                                             MediaOffice,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": MediaOffice,
	"application/vnd.oasis.opendocument.text":                                   MediaOffice,
	"application/vnd.oasis.opendocument.spreadsheet":                            MediaOffice,
	"application/vnd.oasis.opendocument.presentation":                           MediaOffice,
	"image/png":  MediaImage,
	"image/jpeg": MediaImage,
	"image/tiff": MediaImage,
	"image/gif":  MediaImage,
	"image/bmp":  MediaImage,
	"image/webp": MediaImage,
}

var mediaByExt = map[string]MediaKind{
	".pdf":  MediaPDF,
	".txt":  MediaText,
	".csv":  MediaText,
	".html": MediaHTML,
	".htm":  MediaHTML,
	".md":   MediaMarkdown,
	".rtf":  MediaOffice,
	".doc":  MediaOffice,
	".docx": MediaOffice,
	".xls":  MediaOffice,
	".xlsx": MediaOffice,
	".ppt":  MediaOffice,
	".pptx": MediaOffice,
	".odt":  MediaOffice,
	".ods":  MediaOffice,
	".odp":  MediaOffice,
	".png":  MediaImage,
	".jpg":  MediaImage,
	".jpeg": MediaImage,
	".tif":  MediaImage,
	".tiff": MediaImage,
	".gif":  MediaImage,
	".bmp":  MediaImage,
	".webp": MediaImage,
}

// BaseMediaType strips parameters and lowercases a Content-Type value.
func BaseMediaType(mimeType string) string {
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		return parsed
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// ClassifyMedia resolves the input family from the declared type, falling back to the
// filename extension for generic or missing types.
func ClassifyMedia(mimeType, filename string) MediaKind {
	if kind, ok := mediaByType[BaseMediaType(mimeType)]; ok {
		return kind
	}
	if kind, ok := mediaByExt[strings.ToLower(filepath.Ext(filename))]; ok {
		return kind
	}
	return MediaUnsupported
}
