package metadata

import (
	"fmt"
	"strings"
)

const systemPrompt = "You are an intelligent document classifier. " +
	"You read text extracted from scanned or digital documents and return structured metadata as one JSON object."

const refineSystemPrompt = "The following text comes from an OCR system. Clean and format it and correct OCR errors. " +
	"Keep the original language. Return only the corrected text."

func buildPrompt(text, filename string) string {
	var b strings.Builder
	b.WriteString("Analyze the document text below and return a JSON object with these fields:\n")
	b.WriteString("- title: a concise human-readable title, no addresses, with the key identifying features\n")
	b.WriteString("- date: the most relevant document date as YYYY-MM-DD, or \"\" if none is found\n")
	b.WriteString("- correspondent: the shortest name of the issuing entity (\"Amazon\", not \"Amazon EU SARL\"), or \"Unknown\"\n")
	b.WriteString("- document_type: a precise classification such as Invoice, Contract, Letter, Receipt, Statement or Unknown\n")
	b.WriteString("- tags: up to 4 thematic keywords, neither generic nor overly specific\n")
	b.WriteString("- filename: YYYY-MM-DD_DescriptiveTitle using only letters, digits, periods and underscores\n")
	b.WriteString("- language: ISO 639-1 code of the document language\n")
	b.WriteString("- reference_number: invoice, order or reference number if present, else \"\"\n")
	b.WriteString("- confidence_score: 0-100, how confident you are in the fields above\n")
	b.WriteString("Keep the document's original language for title and tags.\n")
	if filename != "" {
		fmt.Fprintf(&b, "Original filename: %s\n", filename)
	}
	b.WriteString("\nExtracted text:\n")
	b.WriteString(text)
	b.WriteString("\n\nReturn only valid JSON with no additional commentary.")
	return b.String()
}

// repromptSuffix is appended after a rejected answer.
func repromptSuffix(cause error) string {
	return fmt.Sprintf("\n\nYour previous answer was rejected: %v\n"+
		"Respond with exactly one JSON object and nothing else. "+
		"It MUST contain the string fields title, date, correspondent, document_type and an array field tags. "+
		"Do not use markdown, comments or trailing commas.", cause)
}
