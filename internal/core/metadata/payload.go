package metadata

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	fencedJSON    = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
	quoteReplacer = strings.NewReplacer("“", `"`, "”", `"`, "„", `"`, "‘", "'", "’", "'")
)

// extractJSON finds the object in a model answer: a fenced ```json block first, else the
// span from the first '{' to the last '}'.
func extractJSON(answer string) (string, bool) {
	if m := fencedJSON.FindStringSubmatch(answer); m != nil {
		return m[1], true
	}
	start := strings.Index(answer, "{")
	end := strings.LastIndex(answer, "}")
	if start == -1 || end <= start {
		return "", false
	}
	return answer[start : end+1], true
}

// repair fixes the mistakes models make most often: typographic quotes and trailing commas.
func repair(payload string) string {
	return trailingComma.ReplaceAllString(quoteReplacer.Replace(payload), "$1")
}

// decodeLenient parses payload into a generic map, repairing it once if needed, and
// coerces shapes the schema would otherwise reject for no good reason.
func decodeLenient(payload string) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		if err2 := json.Unmarshal([]byte(repair(payload)), &doc); err2 != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}

	for key, value := range doc {
		if value == nil {
			delete(doc, key)
		}
	}
	// "tags": "a, b" -> ["a","b"]
	if s, ok := doc["tags"].(string); ok {
		var tags []any
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				tags = append(tags, part)
			}
		}
		doc["tags"] = tags
	}
	if s, ok := doc["confidence_score"].(string); ok {
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimSpace(s), "%"), "%g", &f); err == nil {
			doc["confidence_score"] = f
		} else {
			delete(doc, "confidence_score")
		}
	}
	return doc, nil
}
