package metadata

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

const maxTags = 4

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02.01.2006",
	"2.1.2006",
	"02/01/2006",
	"January 2, 2006",
	"2 January 2006",
	time.RFC3339,
}

func fromDocument(doc map[string]any) domain.Metadata {
	md := domain.Metadata{
		Title:         stringField(doc, "title"),
		Date:          stringField(doc, "date"),
		Correspondent: stringField(doc, "correspondent"),
		DocumentType:  stringField(doc, "document_type"),
		Filename:      stringField(doc, "filename"),
		Language:      stringField(doc, "language"),
	}
	switch ref := doc["reference_number"].(type) {
	case string:
		md.ReferenceNumber = ref
	case float64:
		md.ReferenceNumber = strconv.FormatFloat(ref, 'f', -1, 64)
	}
	if score, ok := doc["confidence_score"].(float64); ok {
		md.ConfidenceScore = score
	}
	if tags, ok := doc["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				md.Tags = append(md.Tags, s)
			}
		}
	}
	return normalize(md)
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

// normalize trims every field, canonicalises the date, lower-case dedups tags and keeps
// at most four of them.
func normalize(md domain.Metadata) domain.Metadata {
	md.Title = collapseSpace(md.Title)
	md.Correspondent = collapseSpace(md.Correspondent)
	md.DocumentType = collapseSpace(md.DocumentType)
	md.Filename = strings.TrimSpace(md.Filename)
	md.Language = strings.ToLower(strings.TrimSpace(md.Language))
	md.ReferenceNumber = strings.TrimSpace(md.ReferenceNumber)
	md.Date = normalizeDate(md.Date)
	if md.ConfidenceScore < 0 {
		md.ConfidenceScore = 0
	}
	if md.ConfidenceScore > 100 {
		md.ConfidenceScore = 100
	}

	seen := make(map[string]bool, len(md.Tags))
	tags := make([]string, 0, maxTags)
	for _, tag := range md.Tags {
		tag = collapseSpace(tag)
		key := strings.ToLower(tag)
		if tag == "" || seen[key] {
			continue
		}
		seen[key] = true
		tags = append(tags, tag)
		if len(tags) == maxTags {
			break
		}
	}
	md.Tags = tags
	return md
}

func normalizeDate(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Degraded builds best-effort metadata when extraction gives up: a title derived from
// the original filename and nothing else.
func Degraded(originalFilename string) domain.Metadata {
	base := strings.TrimSuffix(filepath.Base(originalFilename), filepath.Ext(originalFilename))
	title := collapseSpace(strings.NewReplacer("_", " ", "-", " ").Replace(base))
	if title == "" || title == "." {
		title = "Untitled document"
	}
	return domain.Metadata{Title: title, Tags: []string{}, Partial: true}
}

// StoredName returns the archive filename for md: the model's filename suggestion when it
// has one, else "<date>_<title>", sanitised to letters, digits, '.', '_' and '-'.
func StoredName(md domain.Metadata) string {
	base := strings.TrimSuffix(md.Filename, filepath.Ext(md.Filename))
	if base == "" {
		base = md.Title
		if md.Date != "" {
			base = md.Date + "_" + base
		}
	}
	base = sanitizeName(base)
	if base == "" {
		base = "document"
	}
	return base + ".pdf"
}

func sanitizeName(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore && b.Len() > 0:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_.")
	if runes := []rune(out); len(runes) > 120 {
		out = strings.TrimRight(string(runes[:120]), "_.")
	}
	return out
}
