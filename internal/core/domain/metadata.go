package domain

// Metadata is the structured enrichment extracted from document text.
type Metadata struct {
	Title           string   `json:"title"`
	Date            string   `json:"date"`
	Correspondent   string   `json:"correspondent"`
	DocumentType    string   `json:"document_type"`
	Tags            []string `json:"tags"`
	Filename        string   `json:"filename,omitempty"`
	Language        string   `json:"language,omitempty"`
	ReferenceNumber string   `json:"reference_number,omitempty"`
	ConfidenceScore float64  `json:"confidence_score,omitempty"`
	Partial         bool     `json:"partial,omitempty"`
}
